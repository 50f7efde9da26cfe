package hlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sink receives batches of entries for durable storage and sweeps
// expired rows. Implementations must be safe for use from the single
// consumer goroutine.
type Sink interface {
	AppendLogs(ctx context.Context, entries []Entry) error
	DeleteExpiredLogs(ctx context.Context, before time.Time) (int64, error)
}

const (
	defaultBuffer  = 1024
	defaultWindow  = 512
	maxPending     = 4096
	flushBatch     = 256
	subscriberSlop = 64
)

type Config struct {
	// Console output and minimum level. Nil writer means stdout.
	Console io.Writer
	Level   Level

	// Buffer is the producer channel capacity. Producers never block;
	// entries beyond the buffer are dropped and counted.
	Buffer int

	// Window is how many recent entries are kept for queries.
	Window int

	// Sink, when set, gets pending entries on every Flush and an
	// expiry sweep every CleanupEvery.
	Sink         Sink
	CleanupEvery time.Duration
}

// Logger is a many-producer, single-consumer log pipeline. Log never
// blocks the caller; one consumer goroutine owns the window, the
// pending batch, and all subscriber channels.
type Logger struct {
	events chan Entry
	ctl    chan ctlMsg
	done   chan struct{}

	dropped atomic.Uint64

	// Owned by the consumer goroutine.
	console     *slog.Logger
	sink        Sink
	cleanupGap  time.Duration
	lastCleanup time.Time
	window      []Entry
	windowCap   int
	pending     []Entry
	subs        map[int]chan Entry
	nextSub     int

	now func() time.Time
}

type ctlKind int

const (
	ctlFlush ctlKind = iota
	ctlQuery
	ctlSubscribe
	ctlUnsubscribe
)

type ctlMsg struct {
	kind   ctlKind
	filter Filter
	subID  int

	entries chan []Entry
	sub     chan subscription
	errc    chan error
}

type subscription struct {
	id int
	ch chan Entry
}

func New(cfg Config) *Logger {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Level == "" {
		cfg.Level = LevelInfo
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = 5 * time.Minute
	}

	return &Logger{
		events:     make(chan Entry, cfg.Buffer),
		ctl:        make(chan ctlMsg),
		done:       make(chan struct{}),
		console:    newConsole(cfg.Level, cfg.Console),
		sink:       cfg.Sink,
		cleanupGap: cfg.CleanupEvery,
		windowCap:  cfg.Window,
		subs:       make(map[int]chan Entry),
		now:        time.Now,
	}
}

// Log enqueues an entry. It never blocks; when the buffer is full the
// entry is dropped and counted instead.
func (l *Logger) Log(level Level, module Module, action string, ref Ref, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	e := Entry{
		Time:     l.now(),
		Level:    level,
		Module:   module,
		Action:   action,
		JobID:    ref.JobID,
		WorkerID: ref.WorkerID,
		Message:  msg,
	}
	select {
	case l.events <- e:
	default:
		l.dropped.Add(1)
	}
}

func (l *Logger) Info(module Module, action string, ref Ref, format string, args ...any) {
	l.Log(LevelInfo, module, action, ref, format, args...)
}

func (l *Logger) Success(module Module, action string, ref Ref, format string, args ...any) {
	l.Log(LevelSuccess, module, action, ref, format, args...)
}

func (l *Logger) Warning(module Module, action string, ref Ref, format string, args ...any) {
	l.Log(LevelWarning, module, action, ref, format, args...)
}

func (l *Logger) Error(module Module, action string, ref Ref, format string, args ...any) {
	l.Log(LevelError, module, action, ref, format, args...)
}

func (l *Logger) Fatal(module Module, action string, ref Ref, format string, args ...any) {
	l.Log(LevelFatal, module, action, ref, format, args...)
}

// Dropped reports how many entries were discarded because the buffer
// was full.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// Run consumes entries until ctx is cancelled, then drains the buffer,
// flushes the sink one last time, and closes all subscriber channels.
// All other methods require Run to be active.
func (l *Logger) Run(ctx context.Context) {
	defer close(l.done)

	for {
		// Bias toward the event buffer so queries and flushes observe
		// everything logged before them.
		select {
		case e := <-l.events:
			l.ingest(e)
			continue
		default:
		}

		select {
		case e := <-l.events:
			l.ingest(e)
		case m := <-l.ctl:
			l.handle(ctx, m)
		case <-ctx.Done():
			l.drain()
			return
		}
	}
}

// Flush pushes everything pending to the sink and waits for the write
// to finish.
func (l *Logger) Flush(ctx context.Context) error {
	errc := make(chan error, 1)
	select {
	case l.ctl <- ctlMsg{kind: ctlFlush, errc: errc}:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Window returns the in-memory entries matching f, oldest first.
func (l *Logger) Window(ctx context.Context, f Filter) ([]Entry, error) {
	entries := make(chan []Entry, 1)
	select {
	case l.ctl <- ctlMsg{kind: ctlQuery, filter: f, entries: entries}:
	case <-l.done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case es := <-entries:
		return es, nil
	case <-l.done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a live tail. The returned channel is buffered
// and lossy; slow readers miss entries rather than stall the
// consumer. The cancel func must be called when done.
func (l *Logger) Subscribe(ctx context.Context) (<-chan Entry, func(), error) {
	subc := make(chan subscription, 1)
	select {
	case l.ctl <- ctlMsg{kind: ctlSubscribe, sub: subc}:
	case <-l.done:
		return nil, nil, fmt.Errorf("logger stopped")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	var s subscription
	select {
	case s = <-subc:
	case <-l.done:
		return nil, nil, fmt.Errorf("logger stopped")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	cancel := func() {
		select {
		case l.ctl <- ctlMsg{kind: ctlUnsubscribe, subID: s.id}:
		case <-l.done:
		}
	}
	return s.ch, cancel, nil
}

func (l *Logger) ingest(e Entry) {
	l.toConsole(e)

	l.window = append(l.window, e)
	if len(l.window) > l.windowCap {
		l.window = append(l.window[:0], l.window[len(l.window)-l.windowCap:]...)
	}

	if l.sink != nil {
		if len(l.pending) >= maxPending {
			l.pending = l.pending[1:]
			l.dropped.Add(1)
		}
		l.pending = append(l.pending, e)
	}

	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (l *Logger) toConsole(e Entry) {
	attrs := make([]any, 0, 8)
	attrs = append(attrs, "module", string(e.Module))
	if e.Action != "" {
		attrs = append(attrs, "action", e.Action)
	}
	if e.JobID != nil {
		attrs = append(attrs, "job", e.JobID.String())
	}
	if e.WorkerID != nil {
		attrs = append(attrs, "worker", e.WorkerID.String())
	}

	switch e.Level {
	case LevelInfo:
		l.console.Info(e.Message, attrs...)
	case LevelSuccess:
		l.console.Log(context.Background(), LevelConsoleSuccess, e.Message, attrs...)
	case LevelWarning:
		l.console.Warn(e.Message, attrs...)
	default:
		l.console.Error(e.Message, attrs...)
	}
}

func (l *Logger) handle(ctx context.Context, m ctlMsg) {
	switch m.kind {
	case ctlFlush:
		m.errc <- l.flush(ctx)
	case ctlQuery:
		m.entries <- l.query(m.filter)
	case ctlSubscribe:
		id := l.nextSub
		l.nextSub++
		ch := make(chan Entry, subscriberSlop)
		l.subs[id] = ch
		m.sub <- subscription{id: id, ch: ch}
	case ctlUnsubscribe:
		if ch, ok := l.subs[m.subID]; ok {
			delete(l.subs, m.subID)
			close(ch)
		}
	}
}

func (l *Logger) flush(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}
	for len(l.pending) > 0 {
		n := len(l.pending)
		if n > flushBatch {
			n = flushBatch
		}
		if err := l.sink.AppendLogs(ctx, l.pending[:n]); err != nil {
			// Keep the batch; the next flush retries it.
			return err
		}
		l.pending = append(l.pending[:0], l.pending[n:]...)
	}

	now := l.now()
	if now.Sub(l.lastCleanup) >= l.cleanupGap {
		l.lastCleanup = now
		if _, err := l.sink.DeleteExpiredLogs(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

func (l *Logger) query(f Filter) []Entry {
	out := make([]Entry, 0, len(l.window))
	for _, e := range l.window {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (l *Logger) drain() {
	for {
		select {
		case e := <-l.events:
			l.ingest(e)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = l.flush(ctx)
			cancel()
			for id, ch := range l.subs {
				delete(l.subs, id)
				close(ch)
			}
			return
		}
	}
}
