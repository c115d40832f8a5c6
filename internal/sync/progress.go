package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	stdsync "sync"
	"time"
)

// Event is one progress notification from a run.
type Event struct {
	Time    time.Time
	Level   slog.Level
	Entity  string // empty for run-level events
	Message string
	Counts  map[string]int64
}

// ProgressSink receives progress events. Implementations must not block
// for long; the engine emits synchronously.
type ProgressSink interface {
	Emit(Event)
}

// SlogSink forwards events to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

// Emit implements ProgressSink.
func (s SlogSink) Emit(ev Event) {
	attrs := make([]slog.Attr, 0, len(ev.Counts)+1)
	if ev.Entity != "" {
		attrs = append(attrs, slog.String("entity", ev.Entity))
	}

	for _, k := range sortedCountKeys(ev.Counts) {
		attrs = append(attrs, slog.Int64(k, ev.Counts[k]))
	}

	s.Logger.LogAttrs(context.Background(), ev.Level, ev.Message, attrs...)
}

// TextSink writes one human-readable line per event, for terminals.
// Debug events are dropped.
type TextSink struct {
	mu stdsync.Mutex
	w  io.Writer
}

// NewTextSink returns a TextSink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

// Emit implements ProgressSink.
func (s *TextSink) Emit(ev Event) {
	if ev.Level < slog.LevelInfo {
		return
	}

	var b strings.Builder

	b.WriteString(ev.Time.Format("15:04:05"))

	if ev.Level >= slog.LevelWarn {
		b.WriteString(" " + ev.Level.String())
	}

	if ev.Entity != "" {
		b.WriteString(" [" + ev.Entity + "]")
	}

	b.WriteString(" " + ev.Message)

	for _, k := range sortedCountKeys(ev.Counts) {
		fmt.Fprintf(&b, " %s=%d", k, ev.Counts[k])
	}

	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	io.WriteString(s.w, b.String()) //nolint:errcheck // progress output is best effort
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

func sortedCountKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
