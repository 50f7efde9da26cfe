// Package wire defines the datagram protocol spoken between the core
// and its workers. Every message is a single JSON datagram tagged with
// a type field; delivery is best effort and both sides tolerate loss
// and retransmission.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
)

// MaxDatagram bounds an encoded message. Senders must trim payloads
// below this before encoding.
const MaxDatagram = 8 * 1024

var (
	ErrTooLarge    = errors.New("wire: message exceeds datagram size")
	ErrUnknownKind = errors.New("wire: unknown message type")
)

type Kind string

const (
	KindHeartbeat  Kind = "heartbeat"
	KindAssignment Kind = "assignment"
	KindResult     Kind = "result"
)

// Message is implemented by the three datagram payloads.
type Message interface {
	Kind() Kind
}

// Heartbeat is sent periodically by every worker. A worker that just
// finished a job may embed the result so a lost result datagram is
// healed by the next beat.
type Heartbeat struct {
	WorkerID    uuid.UUID          `json:"worker_id"`
	Status      models.WorkerState `json:"status"`
	Load        [3]float64         `json:"load"`
	UptimeSec   int64              `json:"uptime_sec"`
	ActiveJobID *uuid.UUID         `json:"active_job_id,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Result      *Result            `json:"result,omitempty"`
}

func (Heartbeat) Kind() Kind { return KindHeartbeat }

// Assignment pushes one job to one worker. Resending the same
// assignment is harmless; workers dedupe on the job id.
type Assignment struct {
	JobID       uuid.UUID         `json:"job_id"`
	ImageRef    string            `json:"image_ref"`
	ImageKind   models.ImageKind  `json:"image_kind"`
	DockerFlags []string          `json:"docker_flags,omitempty"`
	OutputKind  models.OutputKind `json:"output_kind"`
	OutputPaths []string          `json:"output_paths,omitempty"`
}

func (Assignment) Kind() Kind { return KindAssignment }

// ResultFile is a small output file carried inline. Anything that does
// not fit in a datagram must be truncated by the worker.
type ResultFile struct {
	Path      string `json:"path"`
	Content   []byte `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Result reports a finished run. The core treats results as
// idempotent per job id.
type Result struct {
	JobID       uuid.UUID    `json:"job_id"`
	WorkerID    uuid.UUID    `json:"worker_id"`
	ExitCode    int          `json:"exit_code"`
	Stdout      string       `json:"stdout,omitempty"`
	Files       []ResultFile `json:"files,omitempty"`
	DurationSec int64        `json:"duration_sec"`
	CPUPct      float64      `json:"cpu_pct"`
	MemMB       float64      `json:"mem_mb"`
}

func (Result) Kind() Kind { return KindResult }

// FailureReason renders the error recorded against a failed run.
func (r *Result) FailureReason() string {
	return fmt.Sprintf("exit code %d", r.ExitCode)
}

// TruncateStdout clamps stdout to n bytes, marking the cut with a
// trailing notice so readers know output was lost.
func (r *Result) TruncateStdout(n int) {
	const notice = "\n...[truncated]"
	if n <= 0 || len(r.Stdout) <= n {
		return
	}
	cut := n - len(notice)
	if cut < 0 {
		cut = 0
	}
	r.Stdout = r.Stdout[:cut] + notice
}

type envelope struct {
	Type       Kind            `json:"type"`
	Heartbeat  json.RawMessage `json:"heartbeat,omitempty"`
	Assignment json.RawMessage `json:"assignment,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Encode wraps msg in a typed envelope and enforces the datagram
// bound.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", msg.Kind(), err)
	}

	env := envelope{Type: msg.Kind()}
	switch msg.Kind() {
	case KindHeartbeat:
		env.Heartbeat = body
	case KindAssignment:
		env.Assignment = body
	case KindResult:
		env.Result = body
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind())
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	if len(data) > MaxDatagram {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// Decode parses one datagram into its typed payload.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxDatagram {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	switch env.Type {
	case KindHeartbeat:
		var hb Heartbeat
		if err := json.Unmarshal(env.Heartbeat, &hb); err != nil {
			return nil, fmt.Errorf("wire: decode heartbeat: %w", err)
		}
		if hb.WorkerID == uuid.Nil {
			return nil, fmt.Errorf("wire: heartbeat without worker_id")
		}
		return &hb, nil
	case KindAssignment:
		var a Assignment
		if err := json.Unmarshal(env.Assignment, &a); err != nil {
			return nil, fmt.Errorf("wire: decode assignment: %w", err)
		}
		if a.JobID == uuid.Nil {
			return nil, fmt.Errorf("wire: assignment without job_id")
		}
		return &a, nil
	case KindResult:
		var r Result
		if err := json.Unmarshal(env.Result, &r); err != nil {
			return nil, fmt.Errorf("wire: decode result: %w", err)
		}
		if r.JobID == uuid.Nil || r.WorkerID == uuid.Nil {
			return nil, fmt.Errorf("wire: result without ids")
		}
		return &r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}
