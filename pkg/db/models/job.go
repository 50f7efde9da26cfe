package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// JobState is the lifecycle state of a job. States advance strictly
// forward within a single run; cron jobs re-enter at Queued for the
// next occurrence.
type JobState string

const (
	JobStateQueued    JobState = "Queued"
	JobStateSubmitted JobState = "Submitted"
	JobStateRunning   JobState = "Running"
	JobStateCompleted JobState = "Completed"
	JobStateFailed    JobState = "Failed"
)

func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateSubmitted, JobStateRunning, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a run. Terminal states are final for
// one-shot jobs; cron jobs may transition back to Queued from here.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

var jobStateNext = map[JobState][]JobState{
	JobStateQueued:    {JobStateSubmitted},
	JobStateSubmitted: {JobStateRunning},
	JobStateRunning:   {JobStateCompleted, JobStateFailed},
	JobStateCompleted: {JobStateQueued},
	JobStateFailed:    {JobStateQueued},
}

// CanTransition reports whether moving from s to next is a legal step.
// A same-state write is treated as a legal no-op.
func (s JobState) CanTransition(next JobState) bool {
	if s == next {
		return true
	}
	for _, n := range jobStateNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// ScheduleKind selects between a one-shot run and a recurring cron job.
type ScheduleKind string

const (
	ScheduleOnce ScheduleKind = "once"
	ScheduleCron ScheduleKind = "cron"
)

func (k ScheduleKind) Valid() bool {
	return k == ScheduleOnce || k == ScheduleCron
}

// ImageKind tells the worker how to obtain the container image.
type ImageKind string

const (
	ImageRegistry ImageKind = "registry"
	ImageTarball  ImageKind = "tarball"
)

func (k ImageKind) Valid() bool {
	return k == ImageRegistry || k == ImageTarball
}

// OutputKind selects what the worker reports back as the job's output.
type OutputKind string

const (
	OutputStdout OutputKind = "stdout"
	OutputFiles  OutputKind = "files"
)

func (k OutputKind) Valid() bool {
	return k == OutputStdout || k == OutputFiles
}

type Job struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID          uuid.UUID    `bun:"type:uuid,default:gen_random_uuid(),pk"`
	Owner       string       `bun:",notnull"`
	ImageRef    string       `bun:",notnull"`
	ImageKind   ImageKind    `bun:",notnull"`
	DockerFlags []string     `bun:",array"`
	OutputKind  OutputKind   `bun:",notnull"`
	OutputPaths []string     `bun:",array"`
	Schedule    ScheduleKind `bun:",notnull"`
	CronExpr    string       `bun:",nullzero"`
	RunAt       *time.Time   `bun:",nullzero"`

	// Placement constraints. Empty arch matches any worker; tags must
	// all be present on the chosen worker.
	Arch string   `bun:",nullzero"`
	Tags []string `bun:",array"`

	State     JobState `bun:",notnull,default:'Queued'"`
	LastError string   `bun:",nullzero"`
	Notes     string   `bun:",nullzero"`

	// CancelledAt marks an operator cancel. The job schedules no
	// further runs; a run already dispatched finishes normally.
	CancelledAt *time.Time `bun:",nullzero"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Cancelled reports whether the job has been cancelled.
func (j *Job) Cancelled() bool {
	return j.CancelledAt != nil
}

// Assignment records one job handed to one worker. FinishedAt is set
// when a result arrives or the assignment times out; a row with a nil
// FinishedAt is an open assignment.
type Assignment struct {
	bun.BaseModel `bun:"table:job_assignments,alias:ja"`

	ID       uuid.UUID `bun:"type:uuid,pk"`
	JobID    uuid.UUID `bun:"type:uuid,notnull"`
	WorkerID uuid.UUID `bun:"type:uuid,notnull"`

	AssignedAt time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	StartedAt  *time.Time `bun:",nullzero"`
	FinishedAt *time.Time `bun:",nullzero"`
}

// JobResult holds the harvested outcome of a run. JobID is unique so a
// run persists exactly one result no matter how often the worker
// retransmits. Oversized stdout and output files live in the blob
// store; the row keeps their keys.
type JobResult struct {
	bun.BaseModel `bun:"table:job_results,alias:jr"`

	ID        uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk"`
	JobID     uuid.UUID `bun:"type:uuid,notnull,unique"`
	WorkerID  uuid.UUID `bun:"type:uuid,notnull"`
	ExitCode  int       `bun:",notnull"`
	Stdout    string    `bun:",nullzero"`
	StdoutKey string    `bun:",nullzero"`
	FileKeys  []string  `bun:",array"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type JobMetric struct {
	bun.BaseModel `bun:"table:job_metrics,alias:jm"`

	ID          uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk"`
	JobID       uuid.UUID `bun:"type:uuid,notnull"`
	WorkerID    uuid.UUID `bun:"type:uuid,notnull"`
	DurationSec int64     `bun:",notnull"`
	CPUPct      float64   `bun:",notnull"`
	MemMB       float64   `bun:",notnull"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
