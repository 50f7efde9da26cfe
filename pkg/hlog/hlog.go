package hlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level classifies a log entry and decides how long its persisted form
// is retained. Info lines are chatty and expire quickly; failures stick
// around for a week.
type Level string

const (
	LevelInfo    Level = "Info"
	LevelSuccess Level = "Success"
	LevelWarning Level = "Warning"
	LevelError   Level = "Error"
	LevelFatal   Level = "Fatal"
)

func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError, LevelFatal:
		return true
	}
	return false
}

// Rank orders levels by severity for min-level filtering.
func (l Level) Rank() int {
	switch l {
	case LevelInfo:
		return 0
	case LevelSuccess:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	case LevelFatal:
		return 4
	}
	return 0
}

// Retention is how long a persisted entry of this level is kept before
// the cleanup pass removes it.
func (l Level) Retention() time.Duration {
	switch l {
	case LevelInfo:
		return 5 * time.Minute
	case LevelSuccess:
		return 24 * time.Hour
	case LevelWarning:
		return 72 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// ParseLevel accepts level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return "", fmt.Errorf("empty log level")
	}
	l := Level(strings.ToUpper(s[:1]) + strings.ToLower(s[1:]))
	if !l.Valid() {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Module names the engine component that emitted an entry.
type Module string

const (
	ModuleCore       Module = "core"
	ModuleReceiver   Module = "receiver"
	ModuleScheduler  Module = "scheduler"
	ModuleHibernator Module = "hibernator"
	ModuleDispatcher Module = "dispatcher"
	ModuleHarvester  Module = "harvester"
	ModuleRegistry   Module = "registry"
	ModuleArchive    Module = "archive"
	ModuleWire       Module = "wire"
	ModuleAPI        Module = "api"
)

// Well-known actions. Free-form strings are allowed; these cover the
// lifecycle events dashboards filter on.
const (
	ActionSystemStarted     = "system_started"
	ActionSystemShutdown    = "system_shutdown"
	ActionSystemReload      = "system_reload"
	ActionJobSubmitted      = "job_submitted"
	ActionJobCancelled      = "job_cancelled"
	ActionJobDispatched     = "job_dispatched"
	ActionJobCompleted      = "job_completed"
	ActionJobFailed         = "job_failed"
	ActionJobWoken          = "job_woken"
	ActionOccurrenceSkipped = "occurrence_skipped"
	ActionCapacityExhausted = "capacity_exhausted"
	ActionAssignmentTimeout = "assignment_timeout"
	ActionUnknownResult     = "unknown_result"
	ActionWorkerRegistered  = "worker_registered"
	ActionWorkerOnline      = "worker_online"
	ActionWorkerOffline     = "worker_offline"
	ActionWorkerError       = "worker_error"
	ActionPersistence       = "persistence_failure"
	ActionClientConnected   = "client_connected"
)

// Ref carries the optional job/worker correlation ids of an entry.
type Ref struct {
	JobID    *uuid.UUID
	WorkerID *uuid.UUID
}

func JobRef(id uuid.UUID) Ref {
	return Ref{JobID: &id}
}

func WorkerRef(id uuid.UUID) Ref {
	return Ref{WorkerID: &id}
}

func JobWorkerRef(jobID, workerID uuid.UUID) Ref {
	return Ref{JobID: &jobID, WorkerID: &workerID}
}

// Entry is one log line as held in the in-memory window and streamed
// to subscribers.
type Entry struct {
	Time     time.Time  `json:"time"`
	Level    Level      `json:"level"`
	Module   Module     `json:"module"`
	Action   string     `json:"action,omitempty"`
	JobID    *uuid.UUID `json:"job_id,omitempty"`
	WorkerID *uuid.UUID `json:"worker_id,omitempty"`
	Message  string     `json:"message"`
}

// ExpiresAt is when the persisted form of this entry should be swept.
func (e Entry) ExpiresAt() time.Time {
	return e.Time.Add(e.Level.Retention())
}

// Filter selects entries from the in-memory window. Zero fields match
// everything.
type Filter struct {
	MinLevel Level
	Module   Module
	JobID    *uuid.UUID
	Since    time.Time
	Limit    int
}

func (f Filter) Match(e Entry) bool {
	if f.MinLevel != "" && e.Level.Rank() < f.MinLevel.Rank() {
		return false
	}
	if f.Module != "" && e.Module != f.Module {
		return false
	}
	if f.JobID != nil && (e.JobID == nil || *e.JobID != *f.JobID) {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	return true
}
