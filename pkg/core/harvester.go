package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/store"
	"github.com/hivemesh/hive/pkg/wire"
)

// archiver persists a harvested result payload. Satisfied by the
// TaskArchive.
type archiver interface {
	SaveResult(ctx context.Context, res *wire.Result) error
}

// releaser returns a worker to the given state once its assignment is
// resolved. Satisfied by the Registry.
type releaser interface {
	Release(ctx context.Context, workerID uuid.UUID, toState models.WorkerState)
}

// AssignmentSnapshot describes one outstanding assignment for
// inspection.
type AssignmentSnapshot struct {
	JobID        uuid.UUID
	WorkerID     uuid.UUID
	AssignmentID uuid.UUID
	DispatchedAt time.Time
	Deadline     time.Time
}

type outstandingMeta struct {
	assignmentID uuid.UUID
	workerID     uuid.UUID
	dispatchedAt time.Time
	deadline     time.Time
	started      bool
}

// staleWrite is a terminal transition whose store writes failed. The
// in-memory resolution already happened; the slow pulse retries the
// durable part until the store recovers.
type staleWrite struct {
	jobID        uuid.UUID
	assignmentID uuid.UUID
	state        models.JobState
	lastError    string
	result       *wire.Result
	needArchive  bool
	needFinish   bool
	needState    bool
}

type registerAsgReq struct {
	jobID        uuid.UUID
	workerID     uuid.UUID
	assignmentID uuid.UUID
	dispatchedAt time.Time
	reply        chan error
}

type startedMsg struct {
	jobID    uuid.UUID
	workerID uuid.UUID
}

type outstandingReq struct {
	jobID uuid.UUID
	reply chan bool
}

// Harvester owns the outstanding-assignment table. It learns about new
// assignments from the dispatcher, resolves them when worker results
// arrive, and fails the ones that blow their deadline on the slow
// pulse. Late or unknown results are discarded, never fatal.
type Harvester struct {
	registers    chan registerAsgReq
	results      chan *wire.Result
	starteds     chan startedMsg
	outstandings chan outstandingReq
	snaps        chan chan []AssignmentSnapshot

	archive  archiver
	workers  releaser
	store    store.Store
	log      *hlog.Logger
	deadline time.Duration
	attempts int
	backoff  time.Duration
	now      func() time.Time

	done chan struct{}

	// Owned by the Run goroutine.
	outstanding map[uuid.UUID]*outstandingMeta
	stale       map[uuid.UUID]*staleWrite
}

func NewHarvester(archive archiver, workers releaser, st store.Store, log *hlog.Logger, deadline time.Duration, attempts int, backoff time.Duration) *Harvester {
	return &Harvester{
		registers:    make(chan registerAsgReq),
		results:      make(chan *wire.Result, 256),
		starteds:     make(chan startedMsg, 256),
		outstandings: make(chan outstandingReq),
		snaps:        make(chan chan []AssignmentSnapshot),
		archive:      archive,
		workers:      workers,
		store:        st,
		log:          log,
		deadline:     deadline,
		attempts:     attempts,
		backoff:      backoff,
		now:          time.Now,
		done:         make(chan struct{}),
		outstanding:  make(map[uuid.UUID]*outstandingMeta),
		stale:        make(map[uuid.UUID]*staleWrite),
	}
}

// Register tells the harvester to expect a result for a freshly
// dispatched assignment. A job with an assignment already open is
// refused; the dispatcher drops that occurrence.
func (h *Harvester) Register(ctx context.Context, jobID, workerID, assignmentID uuid.UUID, dispatchedAt time.Time) error {
	req := registerAsgReq{
		jobID:        jobID,
		workerID:     workerID,
		assignmentID: assignmentID,
		dispatchedAt: dispatchedAt,
		reply:        make(chan error, 1),
	}
	select {
	case h.registers <- req:
	case <-h.done:
		return Newf(CodeUnknown, "harvester stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-h.done:
		return Newf(CodeUnknown, "harvester stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitResult hands a worker result to the harvester. Never blocks;
// an overloaded intake drops the report and relies on the worker
// retransmitting it inside heartbeats.
func (h *Harvester) SubmitResult(res *wire.Result) {
	select {
	case h.results <- res:
	case <-h.done:
	default:
		h.log.Warning(hlog.ModuleHarvester, hlog.ActionUnknownResult, hlog.JobRef(res.JobID),
			"result intake saturated, dropping report")
	}
}

// Started records the first heartbeat sighting of a job running on its
// worker. Never blocks.
func (h *Harvester) Started(jobID, workerID uuid.UUID) {
	select {
	case h.starteds <- startedMsg{jobID: jobID, workerID: workerID}:
	case <-h.done:
	default:
	}
}

// Occupied reports whether the job has an assignment in flight.
func (h *Harvester) Occupied(ctx context.Context, jobID uuid.UUID) bool {
	req := outstandingReq{jobID: jobID, reply: make(chan bool, 1)}
	select {
	case h.outstandings <- req:
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-req.reply:
		return ok
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Snapshot lists outstanding assignments for inspection.
func (h *Harvester) Snapshot(ctx context.Context) []AssignmentSnapshot {
	reply := make(chan []AssignmentSnapshot, 1)
	select {
	case h.snaps <- reply:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case snaps := <-reply:
		return snaps
	case <-h.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Run owns the table until ctx is cancelled. The slow pulse drives the
// deadline sweep and the stale-write retries.
func (h *Harvester) Run(ctx context.Context, slow <-chan time.Time) {
	defer close(h.done)

	for {
		select {
		case req := <-h.registers:
			req.reply <- h.register(req)
		case res := <-h.results:
			h.resolve(ctx, res)
		case msg := <-h.starteds:
			h.markStarted(ctx, msg)
		case req := <-h.outstandings:
			_, ok := h.outstanding[req.jobID]
			req.reply <- ok
		case reply := <-h.snaps:
			reply <- h.snapshotAll()
		case <-slow:
			h.sweep(ctx)
			h.retryStale(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Harvester) register(req registerAsgReq) error {
	if _, ok := h.outstanding[req.jobID]; ok {
		return Newf(CodeUnknownAssignment, "job %s already has an open assignment", req.jobID)
	}
	h.outstanding[req.jobID] = &outstandingMeta{
		assignmentID: req.assignmentID,
		workerID:     req.workerID,
		dispatchedAt: req.dispatchedAt,
		deadline:     req.dispatchedAt.Add(h.deadline),
	}
	return nil
}

// resolve applies a worker result. The entry leaves the table before
// any store I/O, so duplicates and post-timeout stragglers always take
// the discard path.
func (h *Harvester) resolve(ctx context.Context, res *wire.Result) {
	meta, ok := h.outstanding[res.JobID]
	if !ok {
		h.log.Warning(hlog.ModuleHarvester, hlog.ActionUnknownResult, hlog.JobWorkerRef(res.JobID, res.WorkerID),
			"result for job with no open assignment, discarded")
		return
	}
	if meta.workerID != res.WorkerID {
		h.log.Warning(hlog.ModuleHarvester, hlog.ActionUnknownResult, hlog.JobWorkerRef(res.JobID, res.WorkerID),
			"result from wrong worker, assignment belongs to %s, discarded", meta.workerID)
		return
	}
	delete(h.outstanding, res.JobID)

	state := models.JobStateCompleted
	lastError := ""
	if res.ExitCode != 0 {
		state = models.JobStateFailed
		lastError = res.FailureReason()
	}

	w := &staleWrite{
		jobID:        res.JobID,
		assignmentID: meta.assignmentID,
		state:        state,
		lastError:    lastError,
		result:       res,
		needArchive:  true,
		needFinish:   true,
		needState:    true,
	}
	h.persist(ctx, w)

	h.workers.Release(ctx, meta.workerID, models.WorkerIdle)

	if state == models.JobStateCompleted {
		h.log.Success(hlog.ModuleHarvester, hlog.ActionJobCompleted, hlog.JobWorkerRef(res.JobID, res.WorkerID),
			"job completed in %ds", res.DurationSec)
	} else {
		h.log.Warning(hlog.ModuleHarvester, hlog.ActionJobFailed, hlog.JobWorkerRef(res.JobID, res.WorkerID),
			"job failed: %s", lastError)
	}
}

func (h *Harvester) markStarted(ctx context.Context, msg startedMsg) {
	meta, ok := h.outstanding[msg.jobID]
	if !ok || meta.workerID != msg.workerID || meta.started {
		return
	}
	meta.started = true
	err := store.Try(ctx, h.attempts, h.backoff, func(c context.Context) error {
		return h.store.MarkAssignmentStarted(c, meta.assignmentID, h.now())
	})
	if err != nil {
		h.log.Warning(hlog.ModuleHarvester, hlog.ActionPersistence, hlog.JobRef(msg.jobID),
			"started_at write failed: %v", err)
	}
}

// sweep fails every assignment past its deadline. The worker is
// optimistically returned to Idle: the usual cause is a lost datagram,
// not a wedged worker.
func (h *Harvester) sweep(ctx context.Context) {
	now := h.now()
	for jobID, meta := range h.outstanding {
		if meta.deadline.After(now) {
			continue
		}
		delete(h.outstanding, jobID)

		w := &staleWrite{
			jobID:        jobID,
			assignmentID: meta.assignmentID,
			state:        models.JobStateFailed,
			lastError:    "assignment timed out",
			needFinish:   true,
			needState:    true,
		}
		h.persist(ctx, w)

		h.workers.Release(ctx, meta.workerID, models.WorkerIdle)
		h.log.Warning(hlog.ModuleHarvester, hlog.ActionAssignmentTimeout, hlog.JobWorkerRef(jobID, meta.workerID),
			"no result within %s, job failed", h.deadline)
	}
}

// persist runs the durable half of a resolution. Steps that fail stay
// flagged on the stale entry; the slow pulse retries them.
func (h *Harvester) persist(ctx context.Context, w *staleWrite) {
	if w.needArchive {
		err := store.Try(ctx, h.attempts, h.backoff, func(c context.Context) error {
			return h.archive.SaveResult(c, w.result)
		})
		if err == nil {
			w.needArchive = false
		} else {
			h.log.Error(hlog.ModuleHarvester, hlog.ActionPersistence, hlog.JobRef(w.jobID),
				"result archive failed, will retry: %v", err)
		}
	}
	if w.needFinish {
		err := store.Try(ctx, h.attempts, h.backoff, func(c context.Context) error {
			return h.store.FinishAssignment(c, w.assignmentID, h.now())
		})
		if err == nil {
			w.needFinish = false
		} else {
			h.log.Error(hlog.ModuleHarvester, hlog.ActionPersistence, hlog.JobRef(w.jobID),
				"assignment close failed, will retry: %v", err)
		}
	}
	if w.needState {
		err := store.Try(ctx, h.attempts, h.backoff, func(c context.Context) error {
			return h.store.UpdateJobState(c, w.jobID, w.state, w.lastError)
		})
		if err == nil {
			w.needState = false
		} else {
			h.log.Error(hlog.ModuleHarvester, hlog.ActionPersistence, hlog.JobRef(w.jobID),
				"state write failed, will retry: %v", err)
		}
	}

	if w.needArchive || w.needFinish || w.needState {
		h.stale[w.jobID] = w
	} else {
		delete(h.stale, w.jobID)
	}
}

func (h *Harvester) retryStale(ctx context.Context) {
	for _, w := range h.stale {
		h.persist(ctx, w)
	}
}

func (h *Harvester) snapshotAll() []AssignmentSnapshot {
	snaps := make([]AssignmentSnapshot, 0, len(h.outstanding))
	for jobID, meta := range h.outstanding {
		snaps = append(snaps, AssignmentSnapshot{
			JobID:        jobID,
			WorkerID:     meta.workerID,
			AssignmentID: meta.assignmentID,
			DispatchedAt: meta.dispatchedAt,
			Deadline:     meta.deadline,
		})
	}
	return snaps
}
