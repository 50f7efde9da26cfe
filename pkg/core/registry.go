package core

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/kv"
	"github.com/hivemesh/hive/pkg/store"
	"github.com/hivemesh/hive/pkg/wire"
)

// touchEvery is how many heartbeats pass between durable last-seen
// refreshes for a worker whose state is otherwise unchanged.
const touchEvery = 60

// WorkerSnapshot is a copy of one worker's live state, safe to hand
// outside the registry goroutine.
type WorkerSnapshot struct {
	Worker    models.Worker
	State     models.WorkerState
	ActiveJob *uuid.UUID
	Load      [3]float64
	UptimeSec int64
	LastError string
	LastBeat  time.Time
	Addr      string
}

type workerEntry struct {
	info      models.Worker
	state     models.WorkerState
	activeJob *uuid.UUID
	load      [3]float64
	uptime    int64
	lastErr   string
	lastBeat  time.Time
	addr      string
	beats     uint64
}

type heartbeatMsg struct {
	hb   wire.Heartbeat
	addr string
}

type acquireReq struct {
	arch  string
	tags  []string
	jobID uuid.UUID
	reply chan *WorkerSnapshot
}

type releaseReq struct {
	workerID uuid.UUID
	toState  models.WorkerState
	done     chan struct{}
}

type registerReq struct {
	worker models.Worker
	done   chan struct{}
}

type persistReq struct {
	worker *models.Worker
	status *models.WorkerStatus
	db     bool
}

// Registry owns the live worker table. One goroutine mutates it;
// everything else talks to it through messages. Durable writes and the
// Valkey mirror happen on a separate persister goroutine so a slow
// store never stalls heartbeat intake.
type Registry struct {
	heartbeats chan heartbeatMsg
	acquires   chan acquireReq
	releases   chan releaseReq
	registers  chan registerReq
	reloads    chan []models.Worker
	snapshots  chan chan []WorkerSnapshot
	persist    chan persistReq

	store    store.Store
	cache    kv.Store
	log      *hlog.Logger
	liveness time.Duration
	now      func() time.Time

	dropped atomic.Uint64
	done    chan struct{}

	// Owned by the Run goroutine.
	workers map[uuid.UUID]*workerEntry
}

func NewRegistry(st store.Store, cache kv.Store, log *hlog.Logger, liveness time.Duration) *Registry {
	return &Registry{
		heartbeats: make(chan heartbeatMsg, 256),
		acquires:   make(chan acquireReq),
		releases:   make(chan releaseReq),
		registers:  make(chan registerReq),
		reloads:    make(chan []models.Worker),
		snapshots:  make(chan chan []WorkerSnapshot),
		persist:    make(chan persistReq, 256),
		store:      st,
		cache:      cache,
		log:        log,
		liveness:   liveness,
		now:        time.Now,
		done:       make(chan struct{}),
		workers:    make(map[uuid.UUID]*workerEntry),
	}
}

// Heartbeat folds one beat into the table. Never blocks; beats beyond
// the buffer are dropped, which UDP senders must tolerate anyway.
func (r *Registry) Heartbeat(hb wire.Heartbeat, addr string) {
	select {
	case r.heartbeats <- heartbeatMsg{hb: hb, addr: addr}:
	default:
		r.dropped.Add(1)
	}
}

// AcquireIdle atomically picks the eligible idle worker with the
// lowest id, marks it Busy on jobID, and returns a snapshot. The
// second return is false when no worker fits.
func (r *Registry) AcquireIdle(ctx context.Context, jobID uuid.UUID, arch string, tags []string) (*WorkerSnapshot, bool) {
	reply := make(chan *WorkerSnapshot, 1)
	select {
	case r.acquires <- acquireReq{arch: arch, tags: tags, jobID: jobID, reply: reply}:
	case <-r.done:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
	select {
	case snap := <-reply:
		return snap, snap != nil
	case <-r.done:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Release puts a worker back to toState and clears its active job. A
// worker the sweep already marked Offline stays Offline.
func (r *Registry) Release(ctx context.Context, workerID uuid.UUID, toState models.WorkerState) {
	done := make(chan struct{})
	select {
	case r.releases <- releaseReq{workerID: workerID, toState: toState, done: done}:
	case <-r.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-r.done:
	case <-ctx.Done():
	}
}

// Add inserts a registered worker. It starts Offline until its first
// heartbeat arrives.
func (r *Registry) Add(ctx context.Context, w models.Worker) {
	done := make(chan struct{})
	select {
	case r.registers <- registerReq{worker: w, done: done}:
	case <-r.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-r.done:
	case <-ctx.Done():
	}
}

// Reload merges the durable worker table, keeping live entries as they
// are. Used at startup and on reload signals.
func (r *Registry) Reload(ctx context.Context, workers []models.Worker) {
	select {
	case r.reloads <- workers:
	case <-r.done:
	case <-ctx.Done():
	}
}

// Snapshot copies the whole table, sorted by worker id.
func (r *Registry) Snapshot(ctx context.Context) []WorkerSnapshot {
	reply := make(chan []WorkerSnapshot, 1)
	select {
	case r.snapshots <- reply:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case snaps := <-reply:
		return snaps
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// DroppedBeats reports heartbeats discarded due to a full intake
// buffer.
func (r *Registry) DroppedBeats() uint64 {
	return r.dropped.Load()
}

// Run owns the worker table until ctx is cancelled. medium drives the
// liveness sweep.
func (r *Registry) Run(ctx context.Context, medium <-chan time.Time) {
	defer close(r.done)

	go r.persister(ctx)

	for {
		select {
		case m := <-r.heartbeats:
			r.applyHeartbeat(m)
		case req := <-r.acquires:
			req.reply <- r.acquire(req)
		case req := <-r.releases:
			r.release(req.workerID, req.toState)
			close(req.done)
		case req := <-r.registers:
			r.add(req.worker)
			close(req.done)
		case workers := <-r.reloads:
			r.reload(workers)
		case reply := <-r.snapshots:
			reply <- r.snapshotAll()
		case <-medium:
			r.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) applyHeartbeat(m heartbeatMsg) {
	now := r.now()
	entry, known := r.workers[m.hb.WorkerID]
	if !known {
		entry = &workerEntry{
			info: models.Worker{
				ID:          m.hb.WorkerID,
				Address:     m.addr,
				FirstSeenAt: now,
			},
			state: models.WorkerOffline,
		}
		r.workers[m.hb.WorkerID] = entry
		r.log.Info(hlog.ModuleRegistry, hlog.ActionWorkerRegistered, hlog.WorkerRef(m.hb.WorkerID),
			"worker announced itself from %s", m.addr)
	}

	prev := entry.state
	entry.lastBeat = now
	entry.beats++
	if m.addr != "" {
		entry.addr = m.addr
		entry.info.Address = m.addr
	}
	entry.load = m.hb.Load
	entry.uptime = m.hb.UptimeSec
	entry.lastErr = m.hb.LastError
	entry.info.LastSeenAt = now

	next := r.nextState(entry, m.hb)
	entry.state = next
	if m.hb.ActiveJobID != nil {
		entry.activeJob = m.hb.ActiveJobID
	}

	if prev == models.WorkerOffline && next != models.WorkerOffline && known {
		r.log.Info(hlog.ModuleRegistry, hlog.ActionWorkerOnline, hlog.WorkerRef(entry.info.ID),
			"worker back online")
	}
	if next == models.WorkerError && prev != models.WorkerError {
		r.log.Warning(hlog.ModuleRegistry, hlog.ActionWorkerError, hlog.WorkerRef(entry.info.ID),
			"worker reports error: %s", entry.lastErr)
	}

	changed := prev != next
	r.enqueuePersist(entry, changed || !known || entry.beats%touchEvery == 0)
}

// nextState folds a reported status into the registry's view. Busy is
// owned by the dispatch path: a beat never clears it, because the
// worker may simply not have received its assignment yet.
func (r *Registry) nextState(entry *workerEntry, hb wire.Heartbeat) models.WorkerState {
	if entry.state == models.WorkerBusy {
		return models.WorkerBusy
	}
	switch hb.Status {
	case models.WorkerIdle, models.WorkerError:
		return hb.Status
	case models.WorkerBusy:
		// Worker knows about a run the registry lost, e.g. after a
		// core restart.
		return models.WorkerBusy
	default:
		return entry.state
	}
}

func (r *Registry) acquire(req acquireReq) *WorkerSnapshot {
	var best *workerEntry
	for _, entry := range r.workers {
		if entry.state != models.WorkerIdle || entry.addr == "" {
			continue
		}
		if !eligible(entry.info, req.arch, req.tags) {
			continue
		}
		if best == nil || entry.info.ID.String() < best.info.ID.String() {
			best = entry
		}
	}
	if best == nil {
		return nil
	}

	jobID := req.jobID
	best.state = models.WorkerBusy
	best.activeJob = &jobID
	r.enqueuePersist(best, true)

	snap := best.snapshot()
	return &snap
}

func eligible(w models.Worker, arch string, tags []string) bool {
	if arch != "" && w.Arch != arch {
		return false
	}
	for _, want := range tags {
		found := false
		for _, have := range w.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *Registry) release(workerID uuid.UUID, toState models.WorkerState) {
	entry, ok := r.workers[workerID]
	if !ok {
		return
	}
	entry.activeJob = nil
	if entry.state != models.WorkerOffline {
		entry.state = toState
	}
	r.enqueuePersist(entry, true)
}

func (r *Registry) add(w models.Worker) {
	if existing, ok := r.workers[w.ID]; ok {
		existing.info = w
		r.enqueuePersist(existing, true)
		return
	}
	entry := &workerEntry{info: w, state: models.WorkerOffline}
	r.workers[w.ID] = entry
	r.enqueuePersist(entry, true)
}

func (r *Registry) reload(workers []models.Worker) {
	for _, w := range workers {
		if _, ok := r.workers[w.ID]; ok {
			continue
		}
		r.workers[w.ID] = &workerEntry{info: w, state: models.WorkerOffline}
	}
}

func (r *Registry) sweep() {
	now := r.now()
	for _, entry := range r.workers {
		if entry.state == models.WorkerOffline {
			continue
		}
		if entry.lastBeat.IsZero() || now.Sub(entry.lastBeat) <= r.liveness {
			continue
		}
		entry.state = models.WorkerOffline
		r.log.Warning(hlog.ModuleRegistry, hlog.ActionWorkerOffline, hlog.WorkerRef(entry.info.ID),
			"no heartbeat for %s", now.Sub(entry.lastBeat).Truncate(time.Millisecond))
		r.enqueuePersist(entry, true)
	}
}

func (r *Registry) snapshotAll() []WorkerSnapshot {
	snaps := make([]WorkerSnapshot, 0, len(r.workers))
	for _, entry := range r.workers {
		snaps = append(snaps, entry.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Worker.ID.String() < snaps[j].Worker.ID.String()
	})
	return snaps
}

func (e *workerEntry) snapshot() WorkerSnapshot {
	snap := WorkerSnapshot{
		Worker:    e.info,
		State:     e.state,
		Load:      e.load,
		UptimeSec: e.uptime,
		LastError: e.lastErr,
		LastBeat:  e.lastBeat,
		Addr:      e.addr,
	}
	if e.activeJob != nil {
		id := *e.activeJob
		snap.ActiveJob = &id
	}
	return snap
}

func (e *workerEntry) statusRow() *models.WorkerStatus {
	st := &models.WorkerStatus{
		WorkerID:  e.info.ID,
		State:     e.state,
		Load:      []float64{e.load[0], e.load[1], e.load[2]},
		UptimeSec: e.uptime,
		LastError: e.lastErr,
	}
	if e.activeJob != nil {
		id := *e.activeJob
		st.ActiveJobID = &id
	}
	return st
}

func (r *Registry) enqueuePersist(entry *workerEntry, db bool) {
	info := entry.info
	req := persistReq{status: entry.statusRow(), db: db}
	if db {
		req.worker = &info
	}
	select {
	case r.persist <- req:
	default:
	}
}

// persister serializes durable writes and the cache mirror off the
// actor goroutine. Failures are logged and dropped; the in-memory
// table stays authoritative.
func (r *Registry) persister(ctx context.Context) {
	for {
		select {
		case req := <-r.persist:
			r.persistOne(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) persistOne(ctx context.Context, req persistReq) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if r.cache != nil && req.status != nil {
		if data, err := json.Marshal(req.status); err == nil {
			if err := r.cache.Set(opCtx, workerStatusKey(req.status.WorkerID), data, 2*r.liveness); err != nil {
				r.log.Warning(hlog.ModuleRegistry, hlog.ActionPersistence, hlog.WorkerRef(req.status.WorkerID),
					"status mirror write failed: %v", err)
			}
		}
	}

	if !req.db || r.store == nil {
		return
	}
	if req.worker != nil {
		if err := r.store.UpsertWorker(opCtx, req.worker); err != nil {
			r.log.Warning(hlog.ModuleRegistry, hlog.ActionPersistence, hlog.WorkerRef(req.worker.ID),
				"worker upsert failed: %v", err)
		}
	}
	if req.status != nil {
		if err := r.store.SaveWorkerStatus(opCtx, req.status); err != nil {
			r.log.Warning(hlog.ModuleRegistry, hlog.ActionPersistence, hlog.WorkerRef(req.status.WorkerID),
				"status write failed: %v", err)
		}
	}
}

func workerStatusKey(id uuid.UUID) string {
	return "worker:" + id.String()
}
