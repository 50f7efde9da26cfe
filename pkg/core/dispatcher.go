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

// jobSource feeds the dispatch pump. Satisfied by the Scheduler.
type jobSource interface {
	NextReady(ctx context.Context) *models.Job
	RequeueFront(ctx context.Context, job *models.Job)
}

// workerPool is the dispatch-side view of the registry.
type workerPool interface {
	AcquireIdle(ctx context.Context, jobID uuid.UUID, arch string, tags []string) (*WorkerSnapshot, bool)
	Release(ctx context.Context, workerID uuid.UUID, toState models.WorkerState)
	Heartbeat(hb wire.Heartbeat, addr string)
}

// expecter tracks what results are owed. Satisfied by the Harvester.
type expecter interface {
	Register(ctx context.Context, jobID, workerID, assignmentID uuid.UUID, dispatchedAt time.Time) error
	SubmitResult(res *wire.Result)
	Started(jobID, workerID uuid.UUID)
}

// pusher transmits a datagram to a worker address. Satisfied by the
// wire server.
type pusher interface {
	Push(addr string, msg wire.Message) error
}

// Dispatcher pumps ready jobs onto idle workers. When no eligible
// worker exists the job goes back to the front of the queue and the
// pump waits one fast pulse; that requeue loop is the backpressure
// mechanism under saturated capacity.
type Dispatcher struct {
	jobs     jobSource
	workers  workerPool
	expect   expecter
	push     pusher
	store    store.Store
	log      *hlog.Logger
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

func NewDispatcher(jobs jobSource, workers workerPool, expect expecter, push pusher, st store.Store, log *hlog.Logger, attempts int, backoff time.Duration) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		workers:  workers,
		expect:   expect,
		push:     push,
		store:    st,
		log:      log,
		attempts: attempts,
		backoff:  backoff,
		now:      time.Now,
	}
}

// Run pumps until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, fast <-chan time.Time) {
	for {
		job := d.jobs.NextReady(ctx)
		if job == nil {
			return
		}
		if !d.dispatch(ctx, job) {
			select {
			case <-fast:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatch places one job. Returns false when the job was requeued for
// lack of capacity.
func (d *Dispatcher) dispatch(ctx context.Context, job *models.Job) bool {
	worker, ok := d.workers.AcquireIdle(ctx, job.ID, job.Arch, job.Tags)
	if !ok {
		d.jobs.RequeueFront(ctx, job)
		d.log.Info(hlog.ModuleDispatcher, hlog.ActionCapacityExhausted, hlog.JobRef(job.ID),
			"no eligible idle worker, job requeued")
		return false
	}

	assignmentID := uuid.New()
	dispatchedAt := d.now()

	if err := d.expect.Register(ctx, job.ID, worker.Worker.ID, assignmentID, dispatchedAt); err != nil {
		// An open assignment already exists for this job; this
		// occurrence is dropped rather than run twice.
		d.workers.Release(ctx, worker.Worker.ID, models.WorkerIdle)
		d.log.Warning(hlog.ModuleDispatcher, hlog.ActionUnknownResult, hlog.JobRef(job.ID),
			"dispatch refused: %v", err)
		return true
	}

	d.persistDispatch(ctx, job, worker.Worker.ID, assignmentID, dispatchedAt)

	assignment := wire.Assignment{
		JobID:       job.ID,
		ImageRef:    job.ImageRef,
		ImageKind:   job.ImageKind,
		DockerFlags: job.DockerFlags,
		OutputKind:  job.OutputKind,
		OutputPaths: job.OutputPaths,
	}
	if err := d.push.Push(worker.Addr, assignment); err != nil {
		// Best effort: the worker may still pick the job up from a
		// retransmit, otherwise the deadline sweep reclaims it.
		d.log.Warning(hlog.ModuleDispatcher, hlog.ActionPersistence, hlog.JobWorkerRef(job.ID, worker.Worker.ID),
			"assignment push to %s failed: %v", worker.Addr, err)
	}

	d.log.Info(hlog.ModuleDispatcher, hlog.ActionJobDispatched, hlog.JobWorkerRef(job.ID, worker.Worker.ID),
		"job dispatched to %s", worker.Worker.Label)
	return true
}

func (d *Dispatcher) persistDispatch(ctx context.Context, job *models.Job, workerID, assignmentID uuid.UUID, dispatchedAt time.Time) {
	err := store.Try(ctx, d.attempts, d.backoff, func(c context.Context) error {
		return d.store.RecordAssignment(c, &models.Assignment{
			ID:         assignmentID,
			JobID:      job.ID,
			WorkerID:   workerID,
			AssignedAt: dispatchedAt,
		})
	})
	if err != nil {
		d.log.Error(hlog.ModuleDispatcher, hlog.ActionPersistence, hlog.JobRef(job.ID),
			"assignment row write failed: %v", err)
	}

	err = store.Try(ctx, d.attempts, d.backoff, func(c context.Context) error {
		return d.store.UpdateJobState(c, job.ID, models.JobStateRunning, "")
	})
	if err != nil {
		d.log.Error(hlog.ModuleDispatcher, hlog.ActionPersistence, hlog.JobRef(job.ID),
			"state write failed: %v", err)
	}
	job.State = models.JobStateRunning
}

// HandleHeartbeat folds one worker beat into the engine: the registry
// learns the status, an embedded result reaches the harvester, and an
// active job id marks the assignment started.
func (d *Dispatcher) HandleHeartbeat(hb wire.Heartbeat, addr string) {
	d.workers.Heartbeat(hb, addr)
	if hb.Result != nil {
		d.expect.SubmitResult(hb.Result)
	}
	if hb.ActiveJobID != nil {
		d.expect.Started(*hb.ActiveJobID, hb.WorkerID)
	}
}

// HandleResult forwards a dedicated result datagram to the harvester.
func (d *Dispatcher) HandleResult(res *wire.Result) {
	d.expect.SubmitResult(res)
}
