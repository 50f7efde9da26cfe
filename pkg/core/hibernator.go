package core

import (
	"container/heap"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/store"
)

// readyQueue is where woken jobs go. Satisfied by the Scheduler.
type readyQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// occupancy reports whether a job occurrence is still somewhere between
// the ready queue and result harvesting. Cron jobs are non-reentrant; a
// due occurrence is skipped while the previous one is in flight.
type occupancy interface {
	Occupied(ctx context.Context, jobID uuid.UUID) bool
}

// HibernatorSnapshot describes the parked set for inspection.
type HibernatorSnapshot struct {
	Pending int
	NextDue *time.Time
}

type hibEntry struct {
	job      *models.Job
	due      time.Time
	schedule cron.Schedule // nil for one-shot jobs
}

type hibHeap []*hibEntry

func (h hibHeap) Len() int           { return len(h) }
func (h hibHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h hibHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hibHeap) Push(x any) {
	*h = append(*h, x.(*hibEntry))
}

func (h *hibHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Hibernator parks cron jobs and future-dated one-shot jobs until they
// are due, then wakes them into the ready queue on the slow pulse.
type Hibernator struct {
	adds    chan *hibEntry
	cancels chan uuid.UUID
	snaps   chan chan HibernatorSnapshot

	queue    readyQueue
	inflight occupancy
	store    store.Store
	log      *hlog.Logger

	wakeBatch int
	attempts  int
	backoff   time.Duration
	now       func() time.Time

	done chan struct{}

	// Owned by the Run goroutine.
	heap hibHeap
}

func NewHibernator(queue readyQueue, inflight occupancy, st store.Store, log *hlog.Logger, wakeBatch, attempts int, backoff time.Duration) *Hibernator {
	return &Hibernator{
		adds:      make(chan *hibEntry),
		cancels:   make(chan uuid.UUID),
		snaps:     make(chan chan HibernatorSnapshot),
		queue:     queue,
		inflight:  inflight,
		store:     st,
		log:       log,
		wakeBatch: wakeBatch,
		attempts:  attempts,
		backoff:   backoff,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Schedule parks a job until its due time. Cron expressions are parsed
// here so a bad expression surfaces to the caller instead of wedging
// the scan.
func (h *Hibernator) Schedule(ctx context.Context, job *models.Job) error {
	entry, err := h.entryFor(job)
	if err != nil {
		return err
	}
	select {
	case h.adds <- entry:
		return nil
	case <-h.done:
		return Newf(CodeUnknown, "hibernator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel removes a parked job. A cancelled cron job schedules no
// further occurrences.
func (h *Hibernator) Cancel(ctx context.Context, jobID uuid.UUID) {
	select {
	case h.cancels <- jobID:
	case <-h.done:
	case <-ctx.Done():
	}
}

// Snapshot reports how many jobs are parked and when the next is due.
func (h *Hibernator) Snapshot(ctx context.Context) HibernatorSnapshot {
	reply := make(chan HibernatorSnapshot, 1)
	select {
	case h.snaps <- reply:
	case <-h.done:
		return HibernatorSnapshot{}
	case <-ctx.Done():
		return HibernatorSnapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-h.done:
		return HibernatorSnapshot{}
	case <-ctx.Done():
		return HibernatorSnapshot{}
	}
}

// Run owns the heap until ctx is cancelled. Due entries are woken on
// each slow tick, at most wakeBatch per tick so an avalanche of
// simultaneously due jobs cannot starve the loop.
func (h *Hibernator) Run(ctx context.Context, slow <-chan time.Time) {
	defer close(h.done)

	for {
		select {
		case entry := <-h.adds:
			heap.Push(&h.heap, entry)
		case jobID := <-h.cancels:
			h.remove(jobID)
		case reply := <-h.snaps:
			reply <- h.snapshot()
		case <-slow:
			h.wakeDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hibernator) entryFor(job *models.Job) (*hibEntry, error) {
	switch job.Schedule {
	case models.ScheduleCron:
		sched, err := cron.ParseStandard(job.CronExpr)
		if err != nil {
			return nil, NewError(CodeValidation, err)
		}
		return &hibEntry{job: job, due: sched.Next(h.now()), schedule: sched}, nil
	case models.ScheduleOnce:
		if job.RunAt == nil {
			return nil, Newf(CodeValidation, "one-shot job %s has no run_at to hibernate on", job.ID)
		}
		return &hibEntry{job: job, due: *job.RunAt}, nil
	default:
		return nil, Newf(CodeValidation, "schedule kind %q cannot hibernate", job.Schedule)
	}
}

func (h *Hibernator) remove(jobID uuid.UUID) {
	for i, entry := range h.heap {
		if entry.job.ID == jobID {
			heap.Remove(&h.heap, i)
			h.log.Info(hlog.ModuleHibernator, hlog.ActionJobCancelled, hlog.JobRef(jobID),
				"parked job removed")
			return
		}
	}
}

func (h *Hibernator) snapshot() HibernatorSnapshot {
	snap := HibernatorSnapshot{Pending: h.heap.Len()}
	if h.heap.Len() > 0 {
		due := h.heap[0].due
		snap.NextDue = &due
	}
	return snap
}

func (h *Hibernator) wakeDue(ctx context.Context) {
	now := h.now()
	for n := 0; h.heap.Len() > 0 && n < h.wakeBatch; n++ {
		if h.heap[0].due.After(now) {
			return
		}
		h.wake(ctx, heap.Pop(&h.heap).(*hibEntry), now)
	}
}

func (h *Hibernator) wake(ctx context.Context, entry *hibEntry, now time.Time) {
	if entry.schedule != nil {
		// Re-insert first so the job stays cancellable while this
		// occurrence is handled.
		next := entry.schedule.Next(now)
		heap.Push(&h.heap, &hibEntry{job: entry.job, due: next, schedule: entry.schedule})

		if h.inflight != nil && h.inflight.Occupied(ctx, entry.job.ID) {
			h.log.Warning(hlog.ModuleHibernator, hlog.ActionOccurrenceSkipped, hlog.JobRef(entry.job.ID),
				"previous run still in flight, next attempt at %s", next.Format(time.RFC3339))
			return
		}

		// The ready queue mutates its copy; the parked template must
		// stay untouched for the following occurrences.
		occurrence := *entry.job
		occurrence.State = models.JobStateQueued
		h.persistState(ctx, &occurrence)
		h.enqueue(ctx, &occurrence, next)
		return
	}

	h.enqueue(ctx, entry.job, time.Time{})
}

func (h *Hibernator) enqueue(ctx context.Context, job *models.Job, next time.Time) {
	if err := h.queue.Enqueue(ctx, job); err != nil {
		h.log.Error(hlog.ModuleHibernator, hlog.ActionPersistence, hlog.JobRef(job.ID),
			"hand-off to ready queue failed: %v", err)
		return
	}
	if next.IsZero() {
		h.log.Info(hlog.ModuleHibernator, hlog.ActionJobWoken, hlog.JobRef(job.ID), "due job woken")
		return
	}
	h.log.Info(hlog.ModuleHibernator, hlog.ActionJobWoken, hlog.JobRef(job.ID),
		"cron job woken, next run at %s", next.Format(time.RFC3339))
}

func (h *Hibernator) persistState(ctx context.Context, job *models.Job) {
	err := store.Try(ctx, h.attempts, h.backoff, func(c context.Context) error {
		return h.store.UpdateJobState(c, job.ID, job.State, "")
	})
	if err != nil {
		h.log.Error(hlog.ModuleHibernator, hlog.ActionPersistence, hlog.JobRef(job.ID),
			"state write failed, parked set remains authoritative: %v", err)
	}
}
