package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/hivemesh/hive/pkg/db/models"
)

// BunStore implements Store on Postgres through bun.
type BunStore struct {
	db *bun.DB
}

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.NewInsert().Model(job).Exec(ctx)
	return err
}

func (s *BunStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job := new(models.Job)
	err := s.db.NewSelect().Model(job).Where("j.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *BunStore) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var jobs []models.Job
	q := s.db.NewSelect().Model(&jobs).Order("created_at DESC")
	if f.State != "" {
		q = q.Where("j.state = ?", f.State)
	}
	if f.Owner != "" {
		q = q.Where("j.owner = ?", f.Owner)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *BunStore) UpdateJobState(ctx context.Context, id uuid.UUID, state models.JobState, lastError string) error {
	q := s.db.NewUpdate().Model((*models.Job)(nil)).
		Set("state = ?", state).
		Set("updated_at = current_timestamp").
		Where("id = ?", id)
	if lastError != "" {
		q = q.Set("last_error = ?", lastError)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BunStore) MarkJobCancelled(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.NewUpdate().Model((*models.Job)(nil)).
		Set("cancelled_at = ?", at).
		Set("updated_at = current_timestamp").
		Where("id = ?", id).
		Where("cancelled_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already cancelled; tell the two apart.
		exists, err := s.db.NewSelect().Model((*models.Job)(nil)).Where("id = ?", id).Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *BunStore) RecordAssignment(ctx context.Context, a *models.Assignment) error {
	_, err := s.db.NewInsert().Model(a).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *BunStore) MarkAssignmentStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	// First report wins; repeats are no-ops.
	_, err := s.db.NewUpdate().Model((*models.Assignment)(nil)).
		Set("started_at = ?", at).
		Where("id = ?", id).
		Where("started_at IS NULL").
		Exec(ctx)
	return err
}

func (s *BunStore) FinishAssignment(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.NewUpdate().Model((*models.Assignment)(nil)).
		Set("finished_at = ?", at).
		Where("id = ?", id).
		Where("finished_at IS NULL").
		Exec(ctx)
	return err
}

func (s *BunStore) ListOpenAssignments(ctx context.Context) ([]models.Assignment, error) {
	var open []models.Assignment
	err := s.db.NewSelect().Model(&open).
		Where("ja.finished_at IS NULL").
		Order("assigned_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return open, nil
}

func (s *BunStore) RecordResult(ctx context.Context, r *models.JobResult) error {
	_, err := s.db.NewInsert().Model(r).
		On("CONFLICT (job_id) DO UPDATE").
		Set("worker_id = EXCLUDED.worker_id").
		Set("exit_code = EXCLUDED.exit_code").
		Set("stdout = EXCLUDED.stdout").
		Set("stdout_key = EXCLUDED.stdout_key").
		Set("file_keys = EXCLUDED.file_keys").
		Set("created_at = current_timestamp").
		Exec(ctx)
	return err
}

func (s *BunStore) GetResult(ctx context.Context, jobID uuid.UUID) (*models.JobResult, error) {
	r := new(models.JobResult)
	err := s.db.NewSelect().Model(r).Where("jr.job_id = ?", jobID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *BunStore) RecordMetrics(ctx context.Context, m *models.JobMetric) error {
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

func (s *BunStore) GetMetrics(ctx context.Context, jobID uuid.UUID) ([]models.JobMetric, error) {
	var metrics []models.JobMetric
	err := s.db.NewSelect().Model(&metrics).
		Where("jm.job_id = ?", jobID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func (s *BunStore) UpsertWorker(ctx context.Context, w *models.Worker) error {
	_, err := s.db.NewInsert().Model(w).
		On("CONFLICT (id) DO UPDATE").
		Set("label = EXCLUDED.label").
		Set("owner = EXCLUDED.owner").
		Set("address = EXCLUDED.address").
		Set("hostname = EXCLUDED.hostname").
		Set("arch = EXCLUDED.arch").
		Set("os = EXCLUDED.os").
		Set("docker_version = EXCLUDED.docker_version").
		Set("tags = EXCLUDED.tags").
		Set("last_seen_at = EXCLUDED.last_seen_at").
		Exec(ctx)
	return err
}

func (s *BunStore) GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error) {
	w := new(models.Worker)
	err := s.db.NewSelect().Model(w).Where("w.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (s *BunStore) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	var workers []models.Worker
	if err := s.db.NewSelect().Model(&workers).Order("first_seen_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *BunStore) TouchWorker(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.NewUpdate().Model((*models.Worker)(nil)).
		Set("last_seen_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *BunStore) SaveWorkerStatus(ctx context.Context, st *models.WorkerStatus) error {
	_, err := s.db.NewInsert().Model(st).
		On("CONFLICT (worker_id) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("active_job_id = EXCLUDED.active_job_id").
		Set("load = EXCLUDED.load").
		Set("uptime_sec = EXCLUDED.uptime_sec").
		Set("last_error = EXCLUDED.last_error").
		Set("updated_at = current_timestamp").
		Exec(ctx)
	return err
}

func (s *BunStore) ListWorkerStatus(ctx context.Context) ([]models.WorkerStatus, error) {
	var statuses []models.WorkerStatus
	if err := s.db.NewSelect().Model(&statuses).Scan(ctx); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (s *BunStore) AppendLogs(ctx context.Context, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().Model(&entries).Exec(ctx)
	return err
}

func (s *BunStore) ListLogs(ctx context.Context, f LogFilter) ([]models.LogEntry, error) {
	var logs []models.LogEntry
	q := s.db.NewSelect().Model(&logs).Order("created_at DESC")
	if len(f.Levels) > 0 {
		q = q.Where("cl.level IN (?)", bun.In(f.Levels))
	}
	if f.Module != "" {
		q = q.Where("cl.module = ?", f.Module)
	}
	if f.JobID != nil {
		q = q.Where("cl.job_id = ?", *f.JobID)
	}
	if !f.Since.IsZero() {
		q = q.Where("cl.created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *BunStore) DeleteExpiredLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().Model((*models.LogEntry)(nil)).
		Where("expires_at <= ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *BunStore) Close() error {
	return s.db.Close()
}

// Ensure BunStore implements Store.
var _ Store = (*BunStore)(nil)
