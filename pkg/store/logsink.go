package store

import (
	"context"
	"time"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hlog"
)

// LogSink adapts a Store to the logger's sink interface, mapping
// in-memory entries onto durable rows with their retention stamp.
type LogSink struct {
	store Store
}

func NewLogSink(st Store) *LogSink {
	return &LogSink{store: st}
}

func (s *LogSink) AppendLogs(ctx context.Context, entries []hlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]models.LogEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, models.LogEntry{
			Level:     string(e.Level),
			Module:    string(e.Module),
			Action:    e.Action,
			JobID:     e.JobID,
			WorkerID:  e.WorkerID,
			Message:   e.Message,
			CreatedAt: e.Time,
			ExpiresAt: e.ExpiresAt(),
		})
	}
	return s.store.AppendLogs(ctx, rows)
}

func (s *LogSink) DeleteExpiredLogs(ctx context.Context, before time.Time) (int64, error) {
	return s.store.DeleteExpiredLogs(ctx, before)
}

// Ensure LogSink implements the logger's sink.
var _ hlog.Sink = (*LogSink)(nil)
