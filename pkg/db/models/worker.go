package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WorkerState is the registry's view of a worker. Busy always implies
// an open assignment; Offline is set by the liveness sweep, Error by
// the worker's own heartbeat.
type WorkerState string

const (
	WorkerIdle    WorkerState = "Idle"
	WorkerBusy    WorkerState = "Busy"
	WorkerOffline WorkerState = "Offline"
	WorkerError   WorkerState = "Error"
)

func (s WorkerState) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerOffline, WorkerError:
		return true
	}
	return false
}

// Worker is the durable identity record for a registered worker.
// Live status lives in the registry and in the WorkerStatus mirror.
type Worker struct {
	bun.BaseModel `bun:"table:workers,alias:w"`

	ID            uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk"`
	Label         string    `bun:",nullzero"`
	Owner         string    `bun:",nullzero"`
	Address       string    `bun:",nullzero"`
	Hostname      string    `bun:",nullzero"`
	Arch          string    `bun:",nullzero"`
	OS            string    `bun:",nullzero"`
	DockerVersion string    `bun:",nullzero"`
	Tags          []string  `bun:",array"`

	FirstSeenAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	LastSeenAt  time.Time `bun:",nullzero"`
}

// WorkerStatus is the persisted snapshot of a worker's live state,
// written best-effort on every status change. One row per worker.
type WorkerStatus struct {
	bun.BaseModel `bun:"table:worker_status,alias:ws"`

	WorkerID    uuid.UUID   `bun:"type:uuid,pk"`
	State       WorkerState `bun:",notnull"`
	ActiveJobID *uuid.UUID  `bun:"type:uuid,nullzero"`
	Load        []float64   `bun:",array"`
	UptimeSec   int64       `bun:",nullzero"`
	LastError   string      `bun:",nullzero"`

	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
