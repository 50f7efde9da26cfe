package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LogEntry is the persisted form of an engine log line. Rows past
// ExpiresAt are swept by the logger's cleanup pass.
type LogEntry struct {
	bun.BaseModel `bun:"table:core_logs,alias:cl"`

	ID       uuid.UUID  `bun:"type:uuid,default:gen_random_uuid(),pk"`
	Level    string     `bun:",notnull"`
	Module   string     `bun:",notnull"`
	Action   string     `bun:",nullzero"`
	JobID    *uuid.UUID `bun:"type:uuid,nullzero"`
	WorkerID *uuid.UUID `bun:"type:uuid,nullzero"`
	Message  string     `bun:",notnull"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	ExpiresAt time.Time `bun:",notnull"`
}
