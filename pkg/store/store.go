// Package store persists the engine's durable facts: jobs, workers,
// assignments, results, metrics, and logs. The engine treats the store
// as best-effort; in-memory state stays authoritative when writes
// fail.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
)

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	State models.JobState
	Owner string
	Limit int
}

// LogFilter narrows ListLogs. Levels is an explicit allow-set because
// the store does not know level ordering.
type LogFilter struct {
	Levels []string
	Module string
	JobID  *uuid.UUID
	Since  time.Time
	Limit  int
}

type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	// UpdateJobState writes the new state and, when non-empty, the
	// last error text. The caller is responsible for only requesting
	// legal transitions.
	UpdateJobState(ctx context.Context, id uuid.UUID, state models.JobState, lastError string) error
	// MarkJobCancelled stamps the cancel time so the job survives a
	// restart as cancelled. Idempotent; the first stamp wins.
	MarkJobCancelled(ctx context.Context, id uuid.UUID, at time.Time) error

	RecordAssignment(ctx context.Context, a *models.Assignment) error
	MarkAssignmentStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	FinishAssignment(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListOpenAssignments returns assignments with no finish time,
	// used to rebuild the outstanding table after a restart.
	ListOpenAssignments(ctx context.Context) ([]models.Assignment, error)

	// RecordResult upserts on job id: retransmissions are absorbed and
	// a cron job's newest run replaces the previous result.
	RecordResult(ctx context.Context, r *models.JobResult) error
	GetResult(ctx context.Context, jobID uuid.UUID) (*models.JobResult, error)
	RecordMetrics(ctx context.Context, m *models.JobMetric) error
	GetMetrics(ctx context.Context, jobID uuid.UUID) ([]models.JobMetric, error)

	UpsertWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error)
	ListWorkers(ctx context.Context) ([]models.Worker, error)
	TouchWorker(ctx context.Context, id uuid.UUID, at time.Time) error
	SaveWorkerStatus(ctx context.Context, st *models.WorkerStatus) error
	ListWorkerStatus(ctx context.Context) ([]models.WorkerStatus, error)

	AppendLogs(ctx context.Context, entries []models.LogEntry) error
	ListLogs(ctx context.Context, f LogFilter) ([]models.LogEntry, error)
	DeleteExpiredLogs(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
