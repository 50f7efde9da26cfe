package core

import (
	"context"
	"net/url"
	"time"

	"github.com/distribution/reference"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/store"
)

// parker holds jobs that are not yet due. Satisfied by the Hibernator.
type parker interface {
	Schedule(ctx context.Context, job *models.Job) error
}

// SubmitSpec is a job submission as the API hands it over, before
// validation.
type SubmitSpec struct {
	Owner       string
	ImageRef    string
	ImageKind   models.ImageKind
	DockerFlags []string
	OutputKind  models.OutputKind
	OutputPaths []string
	Schedule    models.ScheduleKind
	CronExpr    string
	RunAt       *time.Time
	Arch        string
	Tags        []string
	Notes       string
}

// Receiver is the submission gate. It validates specs, persists the
// accepted job as Queued and routes it: due-now one-shots go straight
// to the ready queue, cron jobs and future-dated one-shots hibernate.
// A malformed spec is rejected with a validation error, never dropped.
type Receiver struct {
	queue    readyQueue
	parked   parker
	store    store.Store
	log      *hlog.Logger
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

func NewReceiver(queue readyQueue, parked parker, st store.Store, log *hlog.Logger, attempts int, backoff time.Duration) *Receiver {
	return &Receiver{
		queue:    queue,
		parked:   parked,
		store:    st,
		log:      log,
		attempts: attempts,
		backoff:  backoff,
		now:      time.Now,
	}
}

// Submit validates and accepts one job. Acceptance means the job is
// persisted and routed; it says nothing about when it will run.
func (r *Receiver) Submit(ctx context.Context, spec SubmitSpec) (uuid.UUID, error) {
	job, err := r.build(spec)
	if err != nil {
		return uuid.Nil, err
	}

	err = store.Try(ctx, r.attempts, r.backoff, func(c context.Context) error {
		return r.store.CreateJob(c, job)
	})
	if err != nil {
		return uuid.Nil, Newf(CodePersistence, "job not accepted, store unavailable: %v", err)
	}

	if r.hibernates(job) {
		if err := r.parked.Schedule(ctx, job); err != nil {
			return uuid.Nil, err
		}
		r.log.Info(hlog.ModuleReceiver, hlog.ActionJobSubmitted, hlog.JobRef(job.ID),
			"job accepted, hibernating until due")
		return job.ID, nil
	}

	if err := r.queue.Enqueue(ctx, job); err != nil {
		return uuid.Nil, err
	}
	r.log.Info(hlog.ModuleReceiver, hlog.ActionJobSubmitted, hlog.JobRef(job.ID),
		"job accepted")
	return job.ID, nil
}

func (r *Receiver) build(spec SubmitSpec) (*models.Job, error) {
	if spec.ImageRef == "" {
		return nil, Newf(CodeValidation, "missing image reference")
	}
	if spec.ImageKind == "" {
		spec.ImageKind = models.ImageRegistry
	}
	if spec.OutputKind == "" {
		spec.OutputKind = models.OutputStdout
	}
	if spec.Schedule == "" {
		spec.Schedule = models.ScheduleOnce
	}

	if !spec.ImageKind.Valid() {
		return nil, Newf(CodeValidation, "unknown image kind %q", spec.ImageKind)
	}
	if !spec.OutputKind.Valid() {
		return nil, Newf(CodeValidation, "unknown output kind %q", spec.OutputKind)
	}
	if !spec.Schedule.Valid() {
		return nil, Newf(CodeValidation, "unknown schedule kind %q", spec.Schedule)
	}

	switch spec.ImageKind {
	case models.ImageRegistry:
		if _, err := reference.ParseNormalizedNamed(spec.ImageRef); err != nil {
			return nil, Newf(CodeValidation, "image ref %q: %v", spec.ImageRef, err)
		}
	case models.ImageTarball:
		u, err := url.Parse(spec.ImageRef)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, Newf(CodeValidation, "tarball ref %q is not an http(s) url", spec.ImageRef)
		}
	}

	switch spec.Schedule {
	case models.ScheduleCron:
		if spec.CronExpr == "" {
			return nil, Newf(CodeValidation, "cron schedule requires an expression")
		}
		if _, err := cron.ParseStandard(spec.CronExpr); err != nil {
			return nil, Newf(CodeValidation, "cron expression %q: %v", spec.CronExpr, err)
		}
		if spec.RunAt != nil {
			return nil, Newf(CodeValidation, "cron schedule cannot carry run_at")
		}
	case models.ScheduleOnce:
		if spec.CronExpr != "" {
			return nil, Newf(CodeValidation, "one-shot schedule cannot carry a cron expression")
		}
	}

	switch spec.OutputKind {
	case models.OutputFiles:
		if len(spec.OutputPaths) == 0 {
			return nil, Newf(CodeValidation, "files output requires at least one path")
		}
	case models.OutputStdout:
		if len(spec.OutputPaths) > 0 {
			return nil, Newf(CodeValidation, "stdout output cannot carry paths")
		}
	}

	now := r.now()
	return &models.Job{
		ID:          uuid.New(),
		Owner:       spec.Owner,
		ImageRef:    spec.ImageRef,
		ImageKind:   spec.ImageKind,
		DockerFlags: spec.DockerFlags,
		OutputKind:  spec.OutputKind,
		OutputPaths: spec.OutputPaths,
		Schedule:    spec.Schedule,
		CronExpr:    spec.CronExpr,
		RunAt:       spec.RunAt,
		Arch:        spec.Arch,
		Tags:        spec.Tags,
		State:       models.JobStateQueued,
		Notes:       spec.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *Receiver) hibernates(job *models.Job) bool {
	if job.Schedule == models.ScheduleCron {
		return true
	}
	return job.RunAt != nil && job.RunAt.After(r.now())
}
