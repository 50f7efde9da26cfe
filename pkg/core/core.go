// Package core is the orchestration engine: jobs come in through the
// Receiver, wait in the Hibernator or the Scheduler, get placed on
// workers by the Dispatcher, and come back through the Harvester into
// the TaskArchive. Components are single-writer goroutines connected by
// channels; the store is a durable fact log, never a coordination
// mechanism.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/config"
	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hart"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/kv"
	"github.com/hivemesh/hive/pkg/store"
)

// Options assembles a Core. Store and Log are required; Cache and
// Blobs fall back to in-memory implementations, which is what the
// tests and the single-binary dev mode run on.
type Options struct {
	Store   store.Store
	Cache   kv.Store
	Blobs   hart.Store
	Log     *hlog.Logger
	Tuning  *config.Tuning
	UDPAddr string
}

// Status is the read-only inspection snapshot served to operators.
type Status struct {
	Scheduler    SchedulerSnapshot
	Hibernator   HibernatorSnapshot
	Outstanding  []AssignmentSnapshot
	Workers      []WorkerSnapshot
	DroppedBeats uint64
	DroppedLogs  uint64
}

// engineOccupancy answers whether a job occurrence is still in flight:
// waiting in the ready queue or holding an open assignment.
type engineOccupancy struct {
	sched *Scheduler
	harv  *Harvester
}

func (o engineOccupancy) Occupied(ctx context.Context, jobID uuid.UUID) bool {
	return o.sched.Pending(ctx, jobID) || o.harv.Occupied(ctx, jobID)
}

// Core owns the component goroutines and their lifecycle.
type Core struct {
	store  store.Store
	log    *hlog.Logger
	tuning *config.Tuning

	pulse      *PulseBroadcaster
	registry   *Registry
	scheduler  *Scheduler
	hibernator *Hibernator
	harvester  *Harvester
	receiver   *Receiver
	dispatcher *Dispatcher
	archive    *TaskArchive
	server     *WireServer

	events []chan CoreEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New wires the engine. The UDP socket is bound here so address errors
// surface before anything runs.
func New(opts Options) (*Core, error) {
	if opts.Store == nil {
		return nil, Newf(CodeValidation, "store is required")
	}
	if opts.Log == nil {
		return nil, Newf(CodeValidation, "logger is required")
	}
	if opts.Cache == nil {
		opts.Cache = kv.NewMemoryStore()
	}
	if opts.Blobs == nil {
		opts.Blobs = hart.NewMemoryStore()
	}
	if opts.Tuning == nil {
		opts.Tuning = config.Default()
	}
	if opts.UDPAddr == "" {
		opts.UDPAddr = "127.0.0.1:0"
	}
	t := opts.Tuning

	server, err := NewWireServer(opts.UDPAddr, opts.Log)
	if err != nil {
		return nil, err
	}

	pulse := NewPulseBroadcaster(t.FastPulse, t.MediumPulse, t.SlowPulse)
	registry := NewRegistry(opts.Store, opts.Cache, opts.Log, t.LivenessWindow)
	scheduler := NewScheduler(opts.Store, opts.Log, t.StoreAttempts, t.StoreBackoff)
	archive := NewTaskArchive(opts.Blobs, opts.Store, opts.Log, t.StdoutInlineMax)
	harvester := NewHarvester(archive, registry, opts.Store, opts.Log, t.AssignmentDeadline, t.StoreAttempts, t.StoreBackoff)
	hibernator := NewHibernator(scheduler, engineOccupancy{sched: scheduler, harv: harvester},
		opts.Store, opts.Log, t.WakeBatch, t.StoreAttempts, t.StoreBackoff)
	receiver := NewReceiver(scheduler, hibernator, opts.Store, opts.Log, t.StoreAttempts, t.StoreBackoff)
	dispatcher := NewDispatcher(scheduler, registry, harvester, server, opts.Store, opts.Log, t.StoreAttempts, t.StoreBackoff)

	return &Core{
		store:      opts.Store,
		log:        opts.Log,
		tuning:     t,
		pulse:      pulse,
		registry:   registry,
		scheduler:  scheduler,
		hibernator: hibernator,
		harvester:  harvester,
		receiver:   receiver,
		dispatcher: dispatcher,
		archive:    archive,
		server:     server,
		now:        time.Now,
	}, nil
}

// SubscribeEvents registers a lifecycle listener. Must be called
// before Start.
func (c *Core) SubscribeEvents() <-chan CoreEvent {
	ch := make(chan CoreEvent, 1)
	c.events = append(c.events, ch)
	return ch
}

// Start launches every component and replays durable state: known
// workers, open assignments, and jobs that were parked or queued when
// the previous process stopped.
func (c *Core) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	medium := c.pulse.SubscribeMedium()
	slowHib := c.pulse.SubscribeSlow()
	slowHarv := c.pulse.SubscribeSlow()
	fast := c.pulse.SubscribeFast()

	c.goRun(func() { c.registry.Run(runCtx, medium) })
	c.goRun(func() { c.scheduler.Run(runCtx) })
	c.goRun(func() { c.harvester.Run(runCtx, slowHarv) })
	c.goRun(func() { c.hibernator.Run(runCtx, slowHib) })
	c.goRun(func() { c.pulse.Run(runCtx) })
	c.goRun(func() { c.server.Run(runCtx, c.dispatcher) })
	c.goRun(func() { c.dispatcher.Run(runCtx, fast) })

	if err := c.replay(runCtx); err != nil {
		c.log.Warning(hlog.ModuleCore, hlog.ActionPersistence, hlog.Ref{},
			"startup replay incomplete, continuing with what loaded: %v", err)
	}

	c.log.Success(hlog.ModuleCore, hlog.ActionSystemStarted, hlog.Ref{},
		"engine started, workers on udp %s", c.server.Addr())
	c.notify(EventStartup)
	return nil
}

// Stop shuts the engine down and waits for every component goroutine.
func (c *Core) Stop() {
	if c.cancel == nil {
		return
	}
	c.notify(EventShutdown)
	c.log.Info(hlog.ModuleCore, hlog.ActionSystemShutdown, hlog.Ref{}, "engine stopping")
	c.cancel()
	c.wg.Wait()
}

// replay restores in-memory state from the store after a restart.
func (c *Core) replay(ctx context.Context) error {
	var errs []error

	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.registry.Reload(ctx, workers)
	}

	openJobs := make(map[uuid.UUID]bool)
	open, err := c.store.ListOpenAssignments(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, a := range open {
			openJobs[a.JobID] = true
			if err := c.harvester.Register(ctx, a.JobID, a.WorkerID, a.ID, a.AssignedAt); err != nil {
				c.log.Warning(hlog.ModuleCore, "", hlog.JobRef(a.JobID),
					"open assignment not adopted: %v", err)
			}
		}
	}

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	for i := range jobs {
		job := jobs[i]
		if job.Cancelled() {
			continue
		}
		switch {
		case job.Schedule == models.ScheduleCron:
			// The next occurrence parks; a run that was in flight is
			// already adopted above.
			if err := c.hibernator.Schedule(ctx, &job); err != nil {
				c.log.Warning(hlog.ModuleCore, "", hlog.JobRef(job.ID),
					"cron job not re-parked: %v", err)
			}
		case job.State == models.JobStateQueued:
			if job.RunAt != nil && job.RunAt.After(c.now()) {
				if err := c.hibernator.Schedule(ctx, &job); err != nil {
					c.log.Warning(hlog.ModuleCore, "", hlog.JobRef(job.ID),
						"job not re-parked: %v", err)
				}
			} else if err := c.scheduler.Enqueue(ctx, &job); err != nil {
				c.log.Warning(hlog.ModuleCore, "", hlog.JobRef(job.ID),
					"job not re-queued: %v", err)
			}
		case job.State == models.JobStateSubmitted:
			if err := c.scheduler.Enqueue(ctx, &job); err != nil {
				c.log.Warning(hlog.ModuleCore, "", hlog.JobRef(job.ID),
					"job not re-queued: %v", err)
			}
		case job.State == models.JobStateRunning && !openJobs[job.ID]:
			// Running with no assignment row to resolve it; nothing
			// will ever finish this run.
			err := store.Try(ctx, c.tuning.StoreAttempts, c.tuning.StoreBackoff, func(sc context.Context) error {
				return c.store.UpdateJobState(sc, job.ID, models.JobStateFailed, "orphaned by restart")
			})
			if err != nil {
				errs = append(errs, err)
			}
			c.log.Warning(hlog.ModuleCore, hlog.ActionJobFailed, hlog.JobRef(job.ID),
				"running job had no open assignment, failed")
		}
	}
	return errors.Join(errs...)
}

// SubmitJob validates and accepts a job submission.
func (c *Core) SubmitJob(ctx context.Context, spec SubmitSpec) (uuid.UUID, error) {
	return c.receiver.Submit(ctx, spec)
}

// CancelJob stops future scheduling of a job. A run already dispatched
// finishes or times out normally. Idempotent.
func (c *Core) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Newf(CodeNotFound, "job %s", jobID)
		}
		return NewError(CodePersistence, err)
	}
	if job.Cancelled() {
		return nil
	}

	err = store.Try(ctx, c.tuning.StoreAttempts, c.tuning.StoreBackoff, func(sc context.Context) error {
		return c.store.MarkJobCancelled(sc, jobID, c.now())
	})
	if err != nil {
		return NewError(CodePersistence, err)
	}

	c.hibernator.Cancel(ctx, jobID)
	c.scheduler.Cancel(ctx, jobID)
	c.log.Info(hlog.ModuleCore, hlog.ActionJobCancelled, hlog.JobRef(jobID), "job cancelled")
	return nil
}

// RegisterWorker records a worker ahead of its first heartbeat so
// operators can pre-provision. The worker starts Offline until it
// beats.
func (c *Core) RegisterWorker(ctx context.Context, w models.Worker) (uuid.UUID, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.FirstSeenAt.IsZero() {
		w.FirstSeenAt = c.now()
	}

	err := store.Try(ctx, c.tuning.StoreAttempts, c.tuning.StoreBackoff, func(sc context.Context) error {
		return c.store.UpsertWorker(sc, &w)
	})
	if err != nil {
		return uuid.Nil, NewError(CodePersistence, err)
	}

	c.registry.Add(ctx, w)
	c.log.Info(hlog.ModuleCore, hlog.ActionWorkerRegistered, hlog.WorkerRef(w.ID),
		"worker %s registered", w.Label)
	return w.ID, nil
}

// Reload re-syncs the worker table from the store, picking up rows
// written by other tooling.
func (c *Core) Reload(ctx context.Context) error {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return NewError(CodePersistence, err)
	}
	c.registry.Reload(ctx, workers)
	c.log.Info(hlog.ModuleCore, hlog.ActionSystemReload, hlog.Ref{},
		"worker table reloaded, %d rows", len(workers))
	c.notify(EventReload)
	return nil
}

// Status gathers the inspection snapshot. Read-only.
func (c *Core) Status(ctx context.Context) Status {
	return Status{
		Scheduler:    c.scheduler.Snapshot(ctx),
		Hibernator:   c.hibernator.Snapshot(ctx),
		Outstanding:  c.harvester.Snapshot(ctx),
		Workers:      c.registry.Snapshot(ctx),
		DroppedBeats: c.registry.DroppedBeats(),
		DroppedLogs:  c.log.Dropped(),
	}
}

// Archive exposes the result read side.
func (c *Core) Archive() *TaskArchive { return c.archive }

// Store exposes durable queries for the API layer.
func (c *Core) Store() store.Store { return c.store }

// Logger exposes the shared event log.
func (c *Core) Logger() *hlog.Logger { return c.log }

// WireAddr is the bound UDP address workers talk to.
func (c *Core) WireAddr() string { return c.server.Addr() }

func (c *Core) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Core) notify(ev CoreEvent) {
	for _, ch := range c.events {
		select {
		case ch <- ev:
		default:
		}
	}
}
