package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
)

// MemoryStore is an in-process Store used by tests and by deployments
// that run without Postgres. Values are copied in and out so callers
// never share memory with the store.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]models.Job
	assignments map[uuid.UUID]models.Assignment
	results     map[uuid.UUID]models.JobResult // keyed by job id
	metrics     []models.JobMetric
	workers     map[uuid.UUID]models.Worker
	statuses    map[uuid.UUID]models.WorkerStatus
	logs        []models.LogEntry
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[uuid.UUID]models.Job),
		assignments: make(map[uuid.UUID]models.Assignment),
		results:     make(map[uuid.UUID]models.JobResult),
		workers:     make(map[uuid.UUID]models.Worker),
		statuses:    make(map[uuid.UUID]models.WorkerStatus),
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, f JobFilter) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if f.State != "" && job.State != f.State {
			continue
		}
		if f.Owner != "" && job.Owner != f.Owner {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) UpdateJobState(_ context.Context, id uuid.UUID, state models.JobState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.State = state
	if lastError != "" {
		job.LastError = lastError
	}
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) MarkJobCancelled(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.CancelledAt != nil {
		return nil
	}
	job.CancelledAt = &at
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) RecordAssignment(_ context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.assignments[a.ID]; exists {
		return nil
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = s.now()
	}
	s.assignments[a.ID] = *a
	return nil
}

func (s *MemoryStore) MarkAssignmentStarted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok || a.StartedAt != nil {
		return nil
	}
	a.StartedAt = &at
	s.assignments[id] = a
	return nil
}

func (s *MemoryStore) FinishAssignment(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok || a.FinishedAt != nil {
		return nil
	}
	a.FinishedAt = &at
	s.assignments[id] = a
	return nil
}

func (s *MemoryStore) ListOpenAssignments(_ context.Context) ([]models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []models.Assignment
	for _, a := range s.assignments {
		if a.FinishedAt == nil {
			open = append(open, a)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].AssignedAt.Before(open[j].AssignedAt) })
	return open, nil
}

func (s *MemoryStore) RecordResult(_ context.Context, r *models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = s.now()
	s.results[r.JobID] = *r
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, jobID uuid.UUID) (*models.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) RecordMetrics(_ context.Context, m *models.JobMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = s.now()
	s.metrics = append(s.metrics, *m)
	return nil
}

func (s *MemoryStore) GetMetrics(_ context.Context, jobID uuid.UUID) ([]models.JobMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobMetric
	for _, m := range s.metrics {
		if m.JobID == jobID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertWorker(_ context.Context, w *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if existing, ok := s.workers[w.ID]; ok {
		w.FirstSeenAt = existing.FirstSeenAt
	} else if w.FirstSeenAt.IsZero() {
		w.FirstSeenAt = s.now()
	}
	s.workers[w.ID] = *w
	return nil
}

func (s *MemoryStore) GetWorker(_ context.Context, id uuid.UUID) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStore) ListWorkers(_ context.Context) ([]models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	workers := make([]models.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].FirstSeenAt.Before(workers[j].FirstSeenAt) })
	return workers, nil
}

func (s *MemoryStore) TouchWorker(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.LastSeenAt = at
	s.workers[id] = w
	return nil
}

func (s *MemoryStore) SaveWorkerStatus(_ context.Context, st *models.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = s.now()
	s.statuses[st.WorkerID] = *st
	return nil
}

func (s *MemoryStore) ListWorkerStatus(_ context.Context) ([]models.WorkerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]models.WorkerStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].WorkerID.String() < statuses[j].WorkerID.String()
	})
	return statuses, nil
}

func (s *MemoryStore) AppendLogs(_ context.Context, entries []models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		s.logs = append(s.logs, e)
	}
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, f LogFilter) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LogEntry
	for _, e := range s.logs {
		if len(f.Levels) > 0 && !containsString(f.Levels, e.Level) {
			continue
		}
		if f.Module != "" && e.Module != f.Module {
			continue
		}
		if f.JobID != nil && (e.JobID == nil || *e.JobID != *f.JobID) {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteExpiredLogs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var removed int64
	for _, e := range s.logs {
		if !e.ExpiresAt.After(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.logs = kept
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
