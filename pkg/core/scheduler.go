package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/store"
)

// SchedulerSnapshot describes the ready queue for inspection.
type SchedulerSnapshot struct {
	Depth int
	Heads []uuid.UUID
}

type requeueReq struct {
	job  *models.Job
	done chan struct{}
}

type pendingReq struct {
	jobID uuid.UUID
	reply chan bool
}

// Scheduler owns the FIFO of jobs that are due now. Jobs enter from
// the receiver or the hibernator, leave through the unbuffered ready
// channel, and can be pushed back to the front when dispatch finds no
// capacity. Entering the queue marks the job Submitted.
type Scheduler struct {
	in       chan *models.Job
	requeues chan requeueReq
	cancels  chan uuid.UUID
	ready    chan *models.Job
	pendings chan pendingReq
	snaps    chan chan SchedulerSnapshot

	store    store.Store
	log      *hlog.Logger
	attempts int
	backoff  time.Duration

	done chan struct{}

	// Owned by the Run goroutine.
	pending   []*models.Job
	cancelled map[uuid.UUID]struct{}
}

func NewScheduler(st store.Store, log *hlog.Logger, attempts int, backoff time.Duration) *Scheduler {
	return &Scheduler{
		in:        make(chan *models.Job, 256),
		requeues:  make(chan requeueReq),
		cancels:   make(chan uuid.UUID),
		ready:     make(chan *models.Job),
		pendings:  make(chan pendingReq),
		snaps:     make(chan chan SchedulerSnapshot),
		store:     st,
		log:       log,
		attempts:  attempts,
		backoff:   backoff,
		done:      make(chan struct{}),
		cancelled: make(map[uuid.UUID]struct{}),
	}
}

// Enqueue appends a due job to the back of the queue.
func (s *Scheduler) Enqueue(ctx context.Context, job *models.Job) error {
	select {
	case s.in <- job:
		return nil
	case <-s.done:
		return Newf(CodeUnknown, "scheduler stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequeueFront returns an undispatchable job to the head of the queue
// so ordering is preserved. Blocks until the scheduler accepts it.
func (s *Scheduler) RequeueFront(ctx context.Context, job *models.Job) {
	done := make(chan struct{})
	select {
	case s.requeues <- requeueReq{job: job, done: done}:
	case <-s.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-s.done:
	case <-ctx.Done():
	}
}

// Cancel drops a pending job from the queue. A job that is momentarily
// out of the queue, in the intake buffer or held by the dispatcher
// between NextReady and RequeueFront, is remembered and dropped the
// instant it arrives.
func (s *Scheduler) Cancel(ctx context.Context, jobID uuid.UUID) {
	select {
	case s.cancels <- jobID:
	case <-s.done:
	case <-ctx.Done():
	}
}

// NextReady blocks until a job is available or ctx ends. This is the
// single blocking hand-off in the engine.
func (s *Scheduler) NextReady(ctx context.Context) *models.Job {
	select {
	case job := <-s.ready:
		return job
	case <-s.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Pending reports whether a job is still waiting in the queue.
func (s *Scheduler) Pending(ctx context.Context, jobID uuid.UUID) bool {
	reply := make(chan bool, 1)
	select {
	case s.pendings <- pendingReq{jobID: jobID, reply: reply}:
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Snapshot reports queue depth and the first few job ids.
func (s *Scheduler) Snapshot(ctx context.Context) SchedulerSnapshot {
	reply := make(chan SchedulerSnapshot, 1)
	select {
	case s.snaps <- reply:
	case <-s.done:
		return SchedulerSnapshot{}
	case <-ctx.Done():
		return SchedulerSnapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.done:
		return SchedulerSnapshot{}
	case <-ctx.Done():
		return SchedulerSnapshot{}
	}
}

// Run owns the queue until ctx is cancelled. The head of the queue is
// only offered on the ready channel while the queue is non-empty, so
// an empty scheduler parks on its inputs.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	for {
		if len(s.pending) == 0 {
			select {
			case job := <-s.in:
				s.push(ctx, job)
			case req := <-s.requeues:
				s.pushFront(req.job)
				close(req.done)
			case jobID := <-s.cancels:
				s.drop(jobID)
			case req := <-s.pendings:
				req.reply <- s.has(req.jobID)
			case reply := <-s.snaps:
				reply <- s.snapshot()
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case s.ready <- s.pending[0]:
			s.pending = s.pending[1:]
		case job := <-s.in:
			s.push(ctx, job)
		case req := <-s.requeues:
			s.pushFront(req.job)
			close(req.done)
		case jobID := <-s.cancels:
			s.drop(jobID)
		case req := <-s.pendings:
			req.reply <- s.has(req.jobID)
		case reply := <-s.snaps:
			reply <- s.snapshot()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) push(ctx context.Context, job *models.Job) {
	if s.absorbCancel(job.ID) {
		return
	}
	// A requeued job is already Submitted; only fresh arrivals
	// transition.
	if job.State != models.JobStateSubmitted {
		if !job.State.CanTransition(models.JobStateSubmitted) {
			s.log.Warning(hlog.ModuleScheduler, "", hlog.JobRef(job.ID),
				"dropping job in state %s, cannot submit", job.State)
			return
		}
		job.State = models.JobStateSubmitted
		s.persistState(ctx, job)
	}
	s.pending = append(s.pending, job)
	s.log.Info(hlog.ModuleScheduler, "", hlog.JobRef(job.ID),
		"job ready for dispatch (depth %d)", len(s.pending))
}

func (s *Scheduler) pushFront(job *models.Job) {
	if s.absorbCancel(job.ID) {
		return
	}
	s.pending = append([]*models.Job{job}, s.pending...)
}

func (s *Scheduler) drop(jobID uuid.UUID) {
	for i, job := range s.pending {
		if job.ID == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.log.Info(hlog.ModuleScheduler, hlog.ActionJobCancelled, hlog.JobRef(jobID),
				"pending job removed")
			return
		}
	}
	s.cancelled[jobID] = struct{}{}
}

func (s *Scheduler) absorbCancel(jobID uuid.UUID) bool {
	if _, ok := s.cancelled[jobID]; !ok {
		return false
	}
	delete(s.cancelled, jobID)
	s.log.Info(hlog.ModuleScheduler, hlog.ActionJobCancelled, hlog.JobRef(jobID),
		"cancelled job dropped on arrival")
	return true
}

func (s *Scheduler) has(jobID uuid.UUID) bool {
	for _, job := range s.pending {
		if job.ID == jobID {
			return true
		}
	}
	return false
}

func (s *Scheduler) snapshot() SchedulerSnapshot {
	snap := SchedulerSnapshot{Depth: len(s.pending)}
	for i := 0; i < len(s.pending) && i < 5; i++ {
		snap.Heads = append(snap.Heads, s.pending[i].ID)
	}
	return snap
}

func (s *Scheduler) persistState(ctx context.Context, job *models.Job) {
	err := store.Try(ctx, s.attempts, s.backoff, func(c context.Context) error {
		return s.store.UpdateJobState(c, job.ID, job.State, "")
	})
	if err != nil {
		s.log.Error(hlog.ModuleScheduler, hlog.ActionPersistence, hlog.JobRef(job.ID),
			"state write failed, queue remains authoritative: %v", err)
	}
}
