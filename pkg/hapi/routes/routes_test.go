package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hivemesh/hive/pkg/core"
	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hapi"
	"github.com/hivemesh/hive/pkg/hapi/schemas"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/store"
)

func newTestEngine(t *testing.T) *core.Core {
	t.Helper()
	log := hlog.New(hlog.Config{Console: io.Discard, Buffer: 1024, Window: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		log.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	engine, err := core.New(core.Options{Store: store.NewMemoryStore(), Log: log})
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start core: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine
}

func newTestAPI(t *testing.T, engine *core.Core, auth *hapi.Auth) *hapi.Api {
	t.Helper()
	a := hapi.NewApi()
	if auth != nil {
		a.Api.UseMiddleware(auth.Middleware(a.Api))
	}
	RegisterAPI(a, engine, auth)
	return a
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range headers {
		parts := strings.SplitN(h, ": ", 2)
		if len(parts) != 2 {
			t.Fatalf("bad header %q", h)
		}
		req.Header.Set(parts[0], parts[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestHealthRoute(t *testing.T) {
	a := newTestAPI(t, nil, nil)

	rec := doRequest(t, a.Router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" {
		t.Fatalf("status = %q, want ok", body.Status)
	}
}

func TestRoutesWithoutEngine(t *testing.T) {
	a := newTestAPI(t, nil, nil)

	rec := doRequest(t, a.Router, http.MethodGet, "/api/jobs", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("list jobs without engine = %d, want 503", rec.Code)
	}
	rec = doRequest(t, a.Router, http.MethodGet, "/api/core/status", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without engine = %d, want 503", rec.Code)
	}
}

func TestSubmitAndGetJob(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	rec := doRequest(t, a.Router, http.MethodPost, "/api/jobs", map[string]any{
		"owner":     "alice",
		"image_ref": "alpine:latest",
		"tags":      []string{"gpu"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit = %d: %s", rec.Code, rec.Body.String())
	}
	var job schemas.JobResponse
	decodeBody(t, rec, &job)
	if job.ID == "" {
		t.Fatal("submit returned no job id")
	}
	if job.State != string(models.JobStateQueued) {
		t.Fatalf("state = %q, want %q", job.State, models.JobStateQueued)
	}
	if job.ImageKind != string(models.ImageRegistry) || job.OutputKind != string(models.OutputStdout) {
		t.Fatalf("defaults not applied: kind=%q output=%q", job.ImageKind, job.OutputKind)
	}
	if _, err := time.Parse(time.RFC3339, job.CreatedAt); err != nil {
		t.Fatalf("created_at %q not RFC3339: %v", job.CreatedAt, err)
	}

	rec = doRequest(t, a.Router, http.MethodGet, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d: %s", rec.Code, rec.Body.String())
	}
	var fetched schemas.JobResponse
	decodeBody(t, rec, &fetched)
	if fetched.ID != job.ID || fetched.Owner != "alice" {
		t.Fatalf("fetched %q owner %q, want %q/alice", fetched.ID, fetched.Owner, job.ID)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty image ref", map[string]any{"image_ref": ""}},
		{"bad schedule", map[string]any{"image_ref": "alpine:latest", "schedule": "weekly"}},
		{"cron without expr", map[string]any{"image_ref": "alpine:latest", "schedule": "cron"}},
		{"bad run_at", map[string]any{"image_ref": "alpine:latest", "run_at": "tomorrow"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, a.Router, http.MethodPost, "/api/jobs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("submit = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetJobErrors(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	rec := doRequest(t, a.Router, http.MethodGet, "/api/jobs/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d, want 400", rec.Code)
	}
	rec = doRequest(t, a.Router, http.MethodGet, "/api/jobs/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id = %d, want 404", rec.Code)
	}
}

func TestCancelJobRoute(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	rec := doRequest(t, a.Router, http.MethodPost, "/api/jobs", map[string]any{
		"image_ref": "alpine:latest",
	})
	var job schemas.JobResponse
	decodeBody(t, rec, &job)

	rec = doRequest(t, a.Router, http.MethodDelete, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel = %d, want 204: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, a.Router, http.MethodGet, "/api/jobs/"+job.ID, nil)
	var cancelled schemas.JobResponse
	decodeBody(t, rec, &cancelled)
	if cancelled.CancelledAt == nil {
		t.Fatal("cancelled_at not set after cancel")
	}

	// Idempotent.
	rec = doRequest(t, a.Router, http.MethodDelete, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second cancel = %d, want 204", rec.Code)
	}

	rec = doRequest(t, a.Router, http.MethodDelete, "/api/jobs/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown = %d, want 404", rec.Code)
	}
}

func TestListJobsFilter(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	for _, owner := range []string{"alice", "alice", "bob"} {
		rec := doRequest(t, a.Router, http.MethodPost, "/api/jobs", map[string]any{
			"owner":     owner,
			"image_ref": "alpine:latest",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("submit = %d: %s", rec.Code, rec.Body.String())
		}
	}

	var list struct {
		Jobs []schemas.JobResponse `json:"jobs"`
	}
	rec := doRequest(t, a.Router, http.MethodGet, "/api/jobs?owner=alice", nil)
	decodeBody(t, rec, &list)
	if len(list.Jobs) != 2 {
		t.Fatalf("owner filter returned %d jobs, want 2", len(list.Jobs))
	}

	rec = doRequest(t, a.Router, http.MethodGet, "/api/jobs?state=Completed", nil)
	decodeBody(t, rec, &list)
	if len(list.Jobs) != 0 {
		t.Fatalf("state filter returned %d jobs, want 0", len(list.Jobs))
	}

	rec = doRequest(t, a.Router, http.MethodGet, "/api/jobs?limit=1", nil)
	decodeBody(t, rec, &list)
	if len(list.Jobs) != 1 {
		t.Fatalf("limit returned %d jobs, want 1", len(list.Jobs))
	}
}

func TestRegisterAndListWorkers(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	rec := doRequest(t, a.Router, http.MethodPost, "/api/workers", map[string]any{
		"label":   "bench-1",
		"owner":   "ops",
		"address": "127.0.0.1:9100",
		"arch":    "amd64",
		"tags":    []string{"gpu"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body.String())
	}
	var created schemas.RegisterWorkerResponse
	decodeBody(t, rec, &created)
	if _, err := uuid.Parse(created.ID); err != nil {
		t.Fatalf("worker id %q not a uuid: %v", created.ID, err)
	}

	rec = doRequest(t, a.Router, http.MethodGet, "/api/workers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Workers []schemas.WorkerResponse `json:"workers"`
	}
	decodeBody(t, rec, &list)
	if len(list.Workers) != 1 {
		t.Fatalf("listed %d workers, want 1", len(list.Workers))
	}
	w := list.Workers[0]
	if w.ID != created.ID || w.Label != "bench-1" {
		t.Fatalf("listed worker %q label %q", w.ID, w.Label)
	}
	if w.Status != string(models.WorkerOffline) {
		t.Fatalf("pre-registered worker status = %q, want Offline", w.Status)
	}
}

func TestCoreStatusRoute(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	rec := doRequest(t, a.Router, http.MethodPost, "/api/jobs", map[string]any{
		"image_ref": "alpine:latest",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit = %d", rec.Code)
	}

	// No workers exist, so the job cycles between the queue and a
	// failed dispatch attempt; the snapshot must show it queued.
	waitUntil(t, 2*time.Second, func() bool {
		rec := doRequest(t, a.Router, http.MethodGet, "/api/core/status", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var status schemas.CoreStatusResponse
		decodeBody(t, rec, &status)
		return status.Scheduler.Depth == 1 && len(status.Outstanding) == 0
	})
}

func TestJobResultRoute(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	rec := doRequest(t, a.Router, http.MethodGet, "/api/jobs/"+uuid.NewString()+"/result", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing result = %d, want 404", rec.Code)
	}

	jobID := uuid.New()
	workerID := uuid.New()
	ctx := context.Background()
	err := engine.Store().RecordResult(ctx, &models.JobResult{
		ID:        uuid.New(),
		JobID:     jobID,
		WorkerID:  workerID,
		ExitCode:  0,
		Stdout:    "hello",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("record result: %v", err)
	}
	err = engine.Store().RecordMetrics(ctx, &models.JobMetric{
		ID:          uuid.New(),
		JobID:       jobID,
		WorkerID:    workerID,
		DurationSec: 3,
		CPUPct:      12.5,
		MemMB:       64,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("record metrics: %v", err)
	}

	rec = doRequest(t, a.Router, http.MethodGet, "/api/jobs/"+jobID.String()+"/result", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("result = %d: %s", rec.Code, rec.Body.String())
	}
	var result schemas.ResultResponse
	decodeBody(t, rec, &result)
	if result.JobID != jobID.String() || result.Stdout != "hello" {
		t.Fatalf("result job %q stdout %q", result.JobID, result.Stdout)
	}
	if len(result.Metrics) != 1 || result.Metrics[0].DurationSec != 3 {
		t.Fatalf("metrics = %+v, want one 3s entry", result.Metrics)
	}
}

func TestBearerAuthOnMutatingRoutes(t *testing.T) {
	engine := newTestEngine(t)
	auth := hapi.NewAuth("test-secret")
	a := newTestAPI(t, engine, auth)

	body := map[string]any{"image_ref": "alpine:latest"}

	rec := doRequest(t, a.Router, http.MethodPost, "/api/jobs", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("submit without token = %d, want 401", rec.Code)
	}
	rec = doRequest(t, a.Router, http.MethodPost, "/api/jobs", body, "Authorization: Bearer garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("submit with bad token = %d, want 401", rec.Code)
	}

	// Reads stay open.
	rec = doRequest(t, a.Router, http.MethodGet, "/api/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list without token = %d, want 200", rec.Code)
	}

	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub":   "u-1",
		"login": "alice",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	rec = doRequest(t, a.Router, http.MethodPost, "/api/jobs", body, "Authorization: Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit with token = %d: %s", rec.Code, rec.Body.String())
	}
	var job schemas.JobResponse
	decodeBody(t, rec, &job)
	if job.Owner != "alice" {
		t.Fatalf("owner = %q, want token login alice", job.Owner)
	}
}

func TestLogStreamWebsocket(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	srv := httptest.NewServer(a.Router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/logs/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	engine.Logger().Info(hlog.ModuleAPI, "", hlog.Ref{}, "stream marker 42")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 200; i++ {
		var entry schemas.LogEntryResponse
		if err := conn.ReadJSON(&entry); err != nil {
			t.Fatalf("read entry: %v", err)
		}
		if entry.Message == "stream marker 42" {
			return
		}
	}
	t.Fatal("marker entry never arrived on the stream")
}

func TestLogStreamAuth(t *testing.T) {
	engine := newTestEngine(t)
	auth := hapi.NewAuth("test-secret")
	a := newTestAPI(t, engine, auth)

	srv := httptest.NewServer(a.Router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/logs/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without token succeeded, want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}

	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestListLogsRoute(t *testing.T) {
	engine := newTestEngine(t)
	a := newTestAPI(t, engine, nil)

	engine.Logger().Warning(hlog.ModuleAPI, "", hlog.Ref{}, "window marker")
	if err := engine.Logger().Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rec := doRequest(t, a.Router, http.MethodGet, "/api/logs?level=warning", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs = %d: %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Logs []schemas.LogEntryResponse `json:"logs"`
	}
	decodeBody(t, rec, &list)
	found := false
	for _, e := range list.Logs {
		if e.Message == "window marker" {
			found = true
		}
		if e.Level == string(hlog.LevelInfo) {
			t.Fatalf("level filter leaked an info entry: %+v", e)
		}
	}
	if !found {
		t.Fatal("window marker not in filtered logs")
	}

	rec = doRequest(t, a.Router, http.MethodGet, "/api/logs?level=nosuch", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad level = %d, want 400", rec.Code)
	}
}
