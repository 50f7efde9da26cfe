package wire

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
)

func TestHeartbeatRoundTrip(t *testing.T) {
	workerID := uuid.New()
	jobID := uuid.New()
	in := &Heartbeat{
		WorkerID:    workerID,
		Status:      models.WorkerBusy,
		Load:        [3]float64{0.5, 0.4, 0.2},
		UptimeSec:   3600,
		ActiveJobID: &jobID,
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	hb, ok := msg.(*Heartbeat)
	if !ok {
		t.Fatalf("decoded %T, want *Heartbeat", msg)
	}
	if hb.WorkerID != workerID || hb.Status != models.WorkerBusy {
		t.Errorf("got %+v", hb)
	}
	if hb.ActiveJobID == nil || *hb.ActiveJobID != jobID {
		t.Errorf("active job lost: %+v", hb.ActiveJobID)
	}
}

func TestHeartbeatCarriesEmbeddedResult(t *testing.T) {
	in := &Heartbeat{
		WorkerID: uuid.New(),
		Status:   models.WorkerIdle,
		Result: &Result{
			JobID:    uuid.New(),
			WorkerID: uuid.New(),
			ExitCode: 0,
			Stdout:   "done",
		},
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	hb := msg.(*Heartbeat)
	if hb.Result == nil || hb.Result.Stdout != "done" {
		t.Errorf("embedded result lost: %+v", hb.Result)
	}
}

func TestAssignmentRoundTrip(t *testing.T) {
	in := &Assignment{
		JobID:       uuid.New(),
		ImageRef:    "ghcr.io/acme/crunch:1.4",
		ImageKind:   models.ImageRegistry,
		DockerFlags: []string{"--memory=512m"},
		OutputKind:  models.OutputFiles,
		OutputPaths: []string{"out/report.csv"},
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a := msg.(*Assignment)
	if a.ImageRef != in.ImageRef || a.OutputKind != models.OutputFiles {
		t.Errorf("got %+v", a)
	}
	if len(a.OutputPaths) != 1 || a.OutputPaths[0] != "out/report.csv" {
		t.Errorf("output paths lost: %v", a.OutputPaths)
	}
}

func TestResultRoundTrip(t *testing.T) {
	in := &Result{
		JobID:       uuid.New(),
		WorkerID:    uuid.New(),
		ExitCode:    2,
		Stdout:      "boom",
		Files:       []ResultFile{{Path: "out/log.txt", Content: []byte("hi")}},
		DurationSec: 12,
		CPUPct:      83.5,
		MemMB:       301.2,
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	r := msg.(*Result)
	if r.ExitCode != 2 || r.DurationSec != 12 {
		t.Errorf("got %+v", r)
	}
	if len(r.Files) != 1 || string(r.Files[0].Content) != "hi" {
		t.Errorf("files lost: %+v", r.Files)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"gossip"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("got %v, want ErrUnknownKind", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("garbage datagram must not decode")
	}
	if _, err := Decode([]byte(`{"type":"result","result":{}}`)); err == nil {
		t.Error("result without ids must not decode")
	}
}

func TestEncodeEnforcesDatagramBound(t *testing.T) {
	r := &Result{
		JobID:    uuid.New(),
		WorkerID: uuid.New(),
		Stdout:   strings.Repeat("x", MaxDatagram),
	}
	if _, err := Encode(r); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}

	r.TruncateStdout(4 * 1024)
	if _, err := Encode(r); err != nil {
		t.Fatalf("truncated result should encode: %v", err)
	}
	if !strings.HasSuffix(r.Stdout, "[truncated]") {
		t.Errorf("truncation marker missing: %q", r.Stdout[len(r.Stdout)-20:])
	}
}
