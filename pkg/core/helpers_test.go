package core

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hlog"
)

// fakeClock is an injectable time source shared between a test and an
// actor goroutine.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLogger(t *testing.T) *hlog.Logger {
	t.Helper()
	log := hlog.New(hlog.Config{Console: io.Discard, Buffer: 1024, Window: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		log.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return log
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func hasAction(entries []hlog.Entry, action string) bool {
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

func onceJob() *models.Job {
	return &models.Job{
		ID:         uuid.New(),
		Owner:      "tester",
		ImageRef:   "alpine:latest",
		ImageKind:  models.ImageRegistry,
		OutputKind: models.OutputStdout,
		Schedule:   models.ScheduleOnce,
		State:      models.JobStateQueued,
	}
}
