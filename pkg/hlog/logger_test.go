package hlog

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type captureSink struct {
	mu       sync.Mutex
	entries  []Entry
	cleanups int
	fail     bool
}

func (s *captureSink) AppendLogs(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *captureSink) DeleteExpiredLogs(_ context.Context, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	return 0, nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func startLogger(t *testing.T, cfg Config) *Logger {
	t.Helper()
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	l := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestLogNeverBlocksWithoutConsumer(t *testing.T) {
	l := New(Config{Buffer: 8, Console: io.Discard})

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Info(ModuleCore, "", Ref{}, "line %d", i)
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked with a full buffer and no consumer")
	}

	if got := l.Dropped(); got != 92 {
		t.Errorf("Dropped() = %d, want 92", got)
	}
}

func TestWindowFiltering(t *testing.T) {
	l := startLogger(t, Config{})
	jobID := uuid.New()

	l.Info(ModuleScheduler, ActionJobSubmitted, JobRef(jobID), "queued")
	l.Warning(ModuleDispatcher, ActionCapacityExhausted, Ref{}, "no idle workers")
	l.Error(ModuleHarvester, ActionAssignmentTimeout, JobRef(uuid.New()), "timed out")
	l.Success(ModuleHarvester, ActionJobCompleted, JobRef(jobID), "done")

	ctx := context.Background()

	all, err := l.Window(ctx, Filter{})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d entries, want 4", len(all))
	}

	warnings, err := l.Window(ctx, Filter{MinLevel: LevelWarning})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(warnings) != 2 {
		t.Errorf("MinLevel=Warning returned %d entries, want 2", len(warnings))
	}

	byJob, err := l.Window(ctx, Filter{JobID: &jobID})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(byJob) != 2 {
		t.Errorf("JobID filter returned %d entries, want 2", len(byJob))
	}

	byModule, err := l.Window(ctx, Filter{Module: ModuleHarvester, Limit: 1})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(byModule) != 1 {
		t.Fatalf("Module+Limit returned %d entries, want 1", len(byModule))
	}
	if byModule[0].Action != ActionJobCompleted {
		t.Errorf("Limit should keep the newest entry, got action %q", byModule[0].Action)
	}
}

func TestWindowTrimsToCapacity(t *testing.T) {
	l := startLogger(t, Config{Window: 4})

	for i := 0; i < 10; i++ {
		l.Info(ModuleCore, "", Ref{}, "line %d", i)
	}

	got, err := l.Window(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("window holds %d entries, want 4", len(got))
	}
	if got[0].Message != "line 6" || got[3].Message != "line 9" {
		t.Errorf("window kept wrong slice: first=%q last=%q", got[0].Message, got[3].Message)
	}
}

func TestFlushDeliversToSink(t *testing.T) {
	sink := &captureSink{}
	l := startLogger(t, Config{Sink: sink})

	l.Info(ModuleCore, ActionSystemStarted, Ref{}, "up")
	l.Error(ModuleHarvester, ActionPersistence, Ref{}, "store down")

	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("sink holds %d entries, want 2", got)
	}

	// Nothing pending; a second flush must not resend.
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := sink.count(); got != 2 {
		t.Errorf("sink holds %d entries after second flush, want 2", got)
	}
}

func TestFlushKeepsBatchOnSinkError(t *testing.T) {
	sink := &captureSink{fail: true}
	l := startLogger(t, Config{Sink: sink})

	l.Info(ModuleCore, "", Ref{}, "retained")

	if err := l.Flush(context.Background()); err == nil {
		t.Fatal("Flush should report the sink error")
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after sink recovery: %v", err)
	}
	if got := sink.count(); got != 1 {
		t.Errorf("sink holds %d entries, want the retained 1", got)
	}
}

func TestCleanupRunsOnFlush(t *testing.T) {
	sink := &captureSink{}
	l := startLogger(t, Config{Sink: sink, CleanupEvery: time.Nanosecond})

	l.Info(ModuleCore, "", Ref{}, "x")
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	sink.mu.Lock()
	cleanups := sink.cleanups
	sink.mu.Unlock()
	if cleanups == 0 {
		t.Error("expected an expiry sweep during flush")
	}
}

func TestSubscribeReceivesLiveEntries(t *testing.T) {
	l := startLogger(t, Config{})

	ch, cancel, err := l.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	l.Success(ModuleHarvester, ActionJobCompleted, Ref{}, "finished")

	select {
	case e := <-ch:
		if e.Level != LevelSuccess || e.Action != ActionJobCompleted {
			t.Errorf("got %+v, want the success entry", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the entry")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"info", LevelInfo, false},
		{"WARNING", LevelWarning, false},
		{"Fatal", LevelFatal, false},
		{"", "", true},
		{"verbose", "", true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRetentionByLevel(t *testing.T) {
	if got := LevelInfo.Retention(); got != 5*time.Minute {
		t.Errorf("info retention = %v", got)
	}
	if got := LevelError.Retention(); got != 7*24*time.Hour {
		t.Errorf("error retention = %v", got)
	}
	if LevelSuccess.Rank() >= LevelWarning.Rank() {
		t.Error("success must rank below warning")
	}
}
