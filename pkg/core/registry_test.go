package core

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/kv"
	"github.com/hivemesh/hive/pkg/store"
	"github.com/hivemesh/hive/pkg/wire"
)

func startRegistry(t *testing.T, st store.Store, cache kv.Store, clock *fakeClock, liveness time.Duration) (*Registry, chan time.Time, *hlog.Logger) {
	t.Helper()
	log := newTestLogger(t)
	r := NewRegistry(st, cache, log, liveness)
	r.now = clock.Now
	medium := make(chan time.Time)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, medium)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, medium, log
}

// wid builds worker ids whose string form sorts by n.
func wid(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-0000000000%02d", n))
}

func idleBeat(id uuid.UUID) wire.Heartbeat {
	return wire.Heartbeat{
		WorkerID:  id,
		Status:    models.WorkerIdle,
		Load:      [3]float64{0.1, 0.2, 0.3},
		UptimeSec: 120,
	}
}

func findWorker(snaps []WorkerSnapshot, id uuid.UUID) *WorkerSnapshot {
	for i := range snaps {
		if snaps[i].Worker.ID == id {
			return &snaps[i]
		}
	}
	return nil
}

func TestRegistryHeartbeatRegistersUnknown(t *testing.T) {
	st := store.NewMemoryStore()
	cache := kv.NewMemoryStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, _, log := startRegistry(t, st, cache, clock, 30*time.Second)
	ctx := context.Background()

	w := wid(1)
	r.Heartbeat(idleBeat(w), "198.51.100.7:41000")

	waitUntil(t, time.Second, func() bool {
		snap := findWorker(r.Snapshot(ctx), w)
		return snap != nil && snap.State == models.WorkerIdle
	})

	snap := findWorker(r.Snapshot(ctx), w)
	if snap.Addr != "198.51.100.7:41000" {
		t.Errorf("addr = %q, want the heartbeat source", snap.Addr)
	}
	if !snap.LastBeat.Equal(clock.Now()) {
		t.Errorf("last beat = %v, want %v", snap.LastBeat, clock.Now())
	}

	entries, err := log.Window(ctx, hlog.Filter{Module: hlog.ModuleRegistry})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !hasAction(entries, hlog.ActionWorkerRegistered) {
		t.Errorf("expected a worker_registered entry")
	}

	// The persister mirrors live status into the cache and upserts the
	// durable row off the actor goroutine.
	waitUntil(t, time.Second, func() bool {
		_, err := cache.Get(ctx, "worker:"+w.String())
		return err == nil
	})
	data, err := cache.Get(ctx, "worker:"+w.String())
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	var status models.WorkerStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal mirrored status: %v", err)
	}
	if status.WorkerID != w || status.State != models.WorkerIdle {
		t.Errorf("mirrored status = %+v", status)
	}

	waitUntil(t, time.Second, func() bool {
		rows, err := st.ListWorkers(ctx)
		return err == nil && len(rows) == 1
	})
	rows, _ := st.ListWorkers(ctx)
	if rows[0].ID != w || rows[0].Address != "198.51.100.7:41000" {
		t.Errorf("durable row = %+v", rows[0])
	}
}

func TestRegistryAcquirePrefersLowestID(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, _, _ := startRegistry(t, store.NewMemoryStore(), kv.NewMemoryStore(), clock, 30*time.Second)
	ctx := context.Background()

	first, second := wid(1), wid(2)
	// Announce in reverse order; selection follows id, not arrival.
	r.Heartbeat(idleBeat(second), "198.51.100.7:41002")
	r.Heartbeat(idleBeat(first), "198.51.100.7:41001")
	waitUntil(t, time.Second, func() bool {
		return len(r.Snapshot(ctx)) == 2
	})

	jobA, jobB := uuid.New(), uuid.New()
	snap, ok := r.AcquireIdle(ctx, jobA, "", nil)
	if !ok || snap.Worker.ID != first {
		t.Fatalf("first acquire: got %v, %v, want worker %s", snap, ok, first)
	}
	if snap.State != models.WorkerBusy || snap.ActiveJob == nil || *snap.ActiveJob != jobA {
		t.Errorf("acquired worker should be busy on %s, got %+v", jobA, snap)
	}

	snap, ok = r.AcquireIdle(ctx, jobB, "", nil)
	if !ok || snap.Worker.ID != second {
		t.Fatalf("second acquire: got %v, %v, want worker %s", snap, ok, second)
	}

	if _, ok := r.AcquireIdle(ctx, uuid.New(), "", nil); ok {
		t.Errorf("acquire with every worker busy should fail")
	}
}

func TestRegistryAcquireHonorsArchAndTags(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, _, _ := startRegistry(t, store.NewMemoryStore(), kv.NewMemoryStore(), clock, 30*time.Second)
	ctx := context.Background()

	gpu, plain := wid(1), wid(2)
	r.Add(ctx, models.Worker{ID: gpu, Label: "gpu-box", Arch: "arm64", Tags: []string{"gpu", "fast"}, FirstSeenAt: clock.Now()})
	r.Add(ctx, models.Worker{ID: plain, Label: "plain-box", Arch: "amd64", FirstSeenAt: clock.Now()})
	r.Heartbeat(idleBeat(gpu), "198.51.100.7:41001")
	r.Heartbeat(idleBeat(plain), "198.51.100.7:41002")
	waitUntil(t, time.Second, func() bool {
		snaps := r.Snapshot(ctx)
		g, p := findWorker(snaps, gpu), findWorker(snaps, plain)
		return g != nil && p != nil && g.State == models.WorkerIdle && p.State == models.WorkerIdle
	})

	if snap, ok := r.AcquireIdle(ctx, uuid.New(), "riscv", nil); ok {
		t.Fatalf("no riscv worker exists, got %s", snap.Worker.ID)
	}
	snap, ok := r.AcquireIdle(ctx, uuid.New(), "amd64", nil)
	if !ok || snap.Worker.ID != plain {
		t.Fatalf("amd64 acquire: got %v, %v, want %s", snap, ok, plain)
	}
	snap, ok = r.AcquireIdle(ctx, uuid.New(), "", []string{"gpu"})
	if !ok || snap.Worker.ID != gpu {
		t.Fatalf("gpu tag acquire: got %v, %v, want %s", snap, ok, gpu)
	}
	if _, ok := r.AcquireIdle(ctx, uuid.New(), "", []string{"gpu"}); ok {
		t.Errorf("the only gpu worker is busy, acquire should fail")
	}
}

func TestRegistryBusyNotClearedByStaleIdleBeat(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, _, _ := startRegistry(t, store.NewMemoryStore(), kv.NewMemoryStore(), clock, 30*time.Second)
	ctx := context.Background()

	w := wid(1)
	r.Heartbeat(idleBeat(w), "198.51.100.7:41000")
	waitUntil(t, time.Second, func() bool {
		snap := findWorker(r.Snapshot(ctx), w)
		return snap != nil && snap.State == models.WorkerIdle
	})

	jobID := uuid.New()
	if _, ok := r.AcquireIdle(ctx, jobID, "", nil); !ok {
		t.Fatalf("acquire failed")
	}

	// A beat the worker sent before its assignment arrived still says
	// idle. Busy is owned by the dispatch path and must survive it.
	clock.Advance(2 * time.Second)
	r.Heartbeat(idleBeat(w), "198.51.100.7:41000")
	waitUntil(t, time.Second, func() bool {
		snap := findWorker(r.Snapshot(ctx), w)
		return snap != nil && snap.LastBeat.Equal(clock.Now())
	})

	snap := findWorker(r.Snapshot(ctx), w)
	if snap.State != models.WorkerBusy {
		t.Errorf("stale idle beat cleared busy, state = %s", snap.State)
	}
	if snap.ActiveJob == nil || *snap.ActiveJob != jobID {
		t.Errorf("active job lost, got %v", snap.ActiveJob)
	}

	r.Release(ctx, w, models.WorkerIdle)
	snap = findWorker(r.Snapshot(ctx), w)
	if snap.State != models.WorkerIdle || snap.ActiveJob != nil {
		t.Errorf("after release: state = %s, active = %v", snap.State, snap.ActiveJob)
	}
}

func TestRegistrySweepMarksSilentWorkersOffline(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, medium, log := startRegistry(t, store.NewMemoryStore(), kv.NewMemoryStore(), clock, 30*time.Second)
	ctx := context.Background()

	w := wid(1)
	r.Heartbeat(idleBeat(w), "198.51.100.7:41000")
	waitUntil(t, time.Second, func() bool {
		snap := findWorker(r.Snapshot(ctx), w)
		return snap != nil && snap.State == models.WorkerIdle
	})

	clock.Advance(31 * time.Second)
	tick(medium, clock.Now())

	snap := findWorker(r.Snapshot(ctx), w)
	if snap.State != models.WorkerOffline {
		t.Fatalf("state = %s, want Offline after 31s of silence", snap.State)
	}
	entries, err := log.Window(ctx, hlog.Filter{Module: hlog.ModuleRegistry})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !hasAction(entries, hlog.ActionWorkerOffline) {
		t.Errorf("expected a worker_offline entry")
	}

	// The next beat brings it straight back.
	clock.Advance(time.Second)
	r.Heartbeat(idleBeat(w), "198.51.100.7:41000")
	waitUntil(t, time.Second, func() bool {
		snap := findWorker(r.Snapshot(ctx), w)
		return snap != nil && snap.State == models.WorkerIdle
	})
	entries, err = log.Window(ctx, hlog.Filter{Module: hlog.ModuleRegistry})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !hasAction(entries, hlog.ActionWorkerOnline) {
		t.Errorf("expected a worker_online entry")
	}
}

func TestRegistryReleaseKeepsOfflineWorkersOffline(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, medium, _ := startRegistry(t, store.NewMemoryStore(), kv.NewMemoryStore(), clock, 30*time.Second)
	ctx := context.Background()

	w := wid(1)
	r.Heartbeat(idleBeat(w), "198.51.100.7:41000")
	waitUntil(t, time.Second, func() bool {
		snap := findWorker(r.Snapshot(ctx), w)
		return snap != nil && snap.State == models.WorkerIdle
	})
	if _, ok := r.AcquireIdle(ctx, uuid.New(), "", nil); !ok {
		t.Fatalf("acquire failed")
	}

	// The worker dies mid-job; the sweep notices first, then the
	// assignment deadline fires and releases it.
	clock.Advance(31 * time.Second)
	tick(medium, clock.Now())
	r.Release(ctx, w, models.WorkerIdle)

	snap := findWorker(r.Snapshot(ctx), w)
	if snap.State != models.WorkerOffline {
		t.Errorf("release revived a dead worker, state = %s", snap.State)
	}
	if snap.ActiveJob != nil {
		t.Errorf("release should still clear the active job, got %v", snap.ActiveJob)
	}
}

func TestRegistryAddStartsOffline(t *testing.T) {
	st := store.NewMemoryStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, _, _ := startRegistry(t, st, kv.NewMemoryStore(), clock, 30*time.Second)
	ctx := context.Background()

	r.Add(ctx, models.Worker{ID: wid(7), Label: "racked", Arch: "amd64", FirstSeenAt: clock.Now()})

	snap := findWorker(r.Snapshot(ctx), wid(7))
	if snap == nil || snap.State != models.WorkerOffline {
		t.Fatalf("registered worker should wait offline for its first beat, got %+v", snap)
	}
	if _, ok := r.AcquireIdle(ctx, uuid.New(), "", nil); ok {
		t.Errorf("worker without a heartbeat must not receive work")
	}
	waitUntil(t, time.Second, func() bool {
		rows, err := st.ListWorkers(ctx)
		return err == nil && len(rows) == 1 && rows[0].Label == "racked"
	})
}

func TestRegistryReloadKeepsLiveEntries(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, _, _ := startRegistry(t, store.NewMemoryStore(), kv.NewMemoryStore(), clock, 30*time.Second)
	ctx := context.Background()

	live, cold := wid(1), wid(2)
	r.Heartbeat(idleBeat(live), "198.51.100.7:41001")
	waitUntil(t, time.Second, func() bool {
		snap := findWorker(r.Snapshot(ctx), live)
		return snap != nil && snap.State == models.WorkerIdle
	})

	r.Reload(ctx, []models.Worker{
		{ID: live, Label: "renamed"},
		{ID: cold, Label: "from-disk"},
	})

	snaps := r.Snapshot(ctx)
	if len(snaps) != 2 {
		t.Fatalf("got %d workers after reload, want 2", len(snaps))
	}
	if snap := findWorker(snaps, live); snap.State != models.WorkerIdle {
		t.Errorf("reload reset a live worker to %s", snap.State)
	}
	if snap := findWorker(snaps, cold); snap.State != models.WorkerOffline || snap.Worker.Label != "from-disk" {
		t.Errorf("loaded worker = %+v", snap)
	}
}

func TestRegistryWorkerErrorReported(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	r, _, log := startRegistry(t, store.NewMemoryStore(), kv.NewMemoryStore(), clock, 30*time.Second)
	ctx := context.Background()

	w := wid(1)
	hb := idleBeat(w)
	hb.Status = models.WorkerError
	hb.LastError = "docker daemon unreachable"
	r.Heartbeat(hb, "198.51.100.7:41000")

	waitUntil(t, time.Second, func() bool {
		snap := findWorker(r.Snapshot(ctx), w)
		return snap != nil && snap.State == models.WorkerError
	})
	snap := findWorker(r.Snapshot(ctx), w)
	if snap.LastError != "docker daemon unreachable" {
		t.Errorf("last error = %q", snap.LastError)
	}
	if _, ok := r.AcquireIdle(ctx, uuid.New(), "", nil); ok {
		t.Errorf("errored worker must not receive work")
	}

	entries, err := log.Window(ctx, hlog.Filter{Module: hlog.ModuleRegistry})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !hasAction(entries, hlog.ActionWorkerError) {
		t.Errorf("expected a worker_error entry")
	}
}

func TestRegistryDroppedBeatsCounted(t *testing.T) {
	// No Run goroutine, so the intake buffer fills and overflow is
	// counted instead of blocking the sender.
	r := NewRegistry(store.NewMemoryStore(), kv.NewMemoryStore(), newTestLogger(t), 30*time.Second)
	hb := idleBeat(wid(1))
	const sent = 300
	for i := 0; i < sent; i++ {
		r.Heartbeat(hb, "198.51.100.7:41000")
	}
	if got, want := r.DroppedBeats(), uint64(sent-cap(r.heartbeats)); got != want {
		t.Errorf("dropped = %d, want %d", got, want)
	}
}
