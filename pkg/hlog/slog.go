package hlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelConsoleSuccess sits between slog's Info and Warn so Success
// lines survive an Info-level cutoff but can still be silenced.
const LevelConsoleSuccess = slog.Level(2)

// simpleHandler formats logs in a clean, CLI-friendly way
type simpleHandler struct {
	level  slog.Level
	output io.Writer
}

func (h *simpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *simpleHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: [LEVEL] message key=value key=value
	var b strings.Builder

	// Level prefix with emoji
	switch r.Level {
	case slog.LevelDebug:
		b.WriteString("🔍 ")
	case slog.LevelInfo:
		b.WriteString("ℹ️  ")
	case LevelConsoleSuccess:
		b.WriteString("✅ ")
	case slog.LevelWarn:
		b.WriteString("⚠️  ")
	case slog.LevelError:
		b.WriteString("❌ ")
	}

	// Message
	b.WriteString(r.Message)

	// Attributes
	if r.NumAttrs() > 0 {
		first := true
		r.Attrs(func(a slog.Attr) bool {
			if first {
				b.WriteString(" ")
				first = false
			} else {
				b.WriteString(", ")
			}
			b.WriteString(a.Key)
			b.WriteString("=")
			b.WriteString(a.Value.String())
			return true
		})
	}

	b.WriteString("\n")
	_, err := h.output.Write([]byte(b.String()))
	return err
}

func (h *simpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// For simplicity, we don't support persistent attrs in this handler
	return h
}

func (h *simpleHandler) WithGroup(name string) slog.Handler {
	// For simplicity, we don't support groups in this handler
	return h
}

// newConsole builds the slog logger the consumer writes through.
func newConsole(min Level, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}
	return slog.New(&simpleHandler{
		level:  consoleLevel(min),
		output: output,
	})
}

func consoleLevel(l Level) slog.Level {
	switch l {
	case LevelInfo:
		return slog.LevelInfo
	case LevelSuccess:
		return LevelConsoleSuccess
	case LevelWarning:
		return slog.LevelWarn
	case LevelError, LevelFatal:
		return slog.LevelError
	}
	return slog.LevelInfo
}
