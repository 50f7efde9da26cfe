package routes

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hivemesh/hive/pkg/core"
	"github.com/hivemesh/hive/pkg/hapi"
	"github.com/hivemesh/hive/pkg/hapi/schemas"
	"github.com/hivemesh/hive/pkg/hlog"
)

// ListLogsInput defines the input for querying the log window
type ListLogsInput struct {
	Level  string `query:"level" doc:"Minimum severity" required:"false"`
	Module string `query:"module" doc:"Filter by engine component" required:"false"`
	JobID  string `query:"job_id" doc:"Filter by correlated job" required:"false"`
	Since  string `query:"since" doc:"Only entries at or after this RFC3339 time" required:"false"`
	Limit  int    `query:"limit" doc:"Maximum entries returned" required:"false"`
}

// ListLogsOutput is the response for querying the log window
type ListLogsOutput struct {
	Body struct {
		Logs []schemas.LogEntryResponse `json:"logs" doc:"Matching entries, oldest first"`
	}
}

// RegisterLogs registers the in-memory log window route
func RegisterLogs(api huma.API, engine *core.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Query recent logs",
		Description: "Read the engine's in-memory log window; older entries live in the durable store",
		Tags:        []string{TagLogs.String()},
	}, func(ctx context.Context, input *ListLogsInput) (*ListLogsOutput, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		filter, err := logFilter(input)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		entries, err := engine.Logger().Window(ctx, filter)
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to read logs: %v", err))
		}

		resp := &ListLogsOutput{}
		resp.Body.Logs = make([]schemas.LogEntryResponse, len(entries))
		for i, e := range entries {
			resp.Body.Logs[i] = toLogEntryResponse(e)
		}
		return resp, nil
	})
}

func logFilter(input *ListLogsInput) (hlog.Filter, error) {
	filter := hlog.Filter{
		Module: hlog.Module(input.Module),
		Limit:  input.Limit,
	}
	if input.Level != "" {
		level, err := hlog.ParseLevel(input.Level)
		if err != nil {
			return hlog.Filter{}, err
		}
		filter.MinLevel = level
	}
	if input.JobID != "" {
		jobID, err := uuid.Parse(input.JobID)
		if err != nil {
			return hlog.Filter{}, fmt.Errorf("job_id is not a UUID")
		}
		filter.JobID = &jobID
	}
	if input.Since != "" {
		since, err := time.Parse(time.RFC3339, input.Since)
		if err != nil {
			return hlog.Filter{}, fmt.Errorf("since is not RFC3339: %v", err)
		}
		filter.Since = since
	}
	return filter, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LogStream returns a websocket handler that replays the current log
// window and then follows the live feed until the client hangs up.
// Mounted on the router directly because websockets bypass the OpenAPI
// layer.
func LogStream(engine *core.Core, auth *hapi.Auth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			http.Error(w, "engine not running", http.StatusServiceUnavailable)
			return
		}
		if auth != nil {
			if _, err := auth.VerifyRequest(r); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		filter, err := logFilter(&ListLogsInput{
			Level: r.URL.Query().Get("level"),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Subscribe before reading the window so nothing logged in
		// between falls through the gap; the odd duplicate at the
		// seam is fine for a tail.
		log := engine.Logger()
		live, cancel, err := log.Subscribe(r.Context())
		if err != nil {
			http.Error(w, "log stream unavailable", http.StatusServiceUnavailable)
			return
		}
		defer cancel()
		window, err := log.Window(r.Context(), filter)
		if err != nil {
			http.Error(w, "failed to read logs", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		log.Info(hlog.ModuleAPI, hlog.ActionClientConnected, hlog.Ref{},
			"log stream client connected from %s", r.RemoteAddr)

		for _, e := range window {
			if err := conn.WriteJSON(toLogEntryResponse(e)); err != nil {
				return
			}
		}

		// Drain client frames so pings and close frames are seen.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case e, ok := <-live:
				if !ok {
					return
				}
				if !filter.Match(e) {
					continue
				}
				if err := conn.WriteJSON(toLogEntryResponse(e)); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

func toLogEntryResponse(e hlog.Entry) schemas.LogEntryResponse {
	resp := schemas.LogEntryResponse{
		Time:    fmtTime(e.Time),
		Level:   string(e.Level),
		Module:  string(e.Module),
		Action:  e.Action,
		Message: e.Message,
	}
	if e.JobID != nil {
		resp.JobID = e.JobID.String()
	}
	if e.WorkerID != nil {
		resp.WorkerID = e.WorkerID.String()
	}
	return resp
}
