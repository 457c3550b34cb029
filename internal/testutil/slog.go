// Package testutil provides shared test helpers.
package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// LogRecord is one captured log record.
type LogRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// CapturingHandler is a slog.Handler that buffers records so tests can
// assert on what was logged.
type CapturingHandler struct {
	mu      sync.Mutex
	records []LogRecord
	t       *testing.T
}

func (h *CapturingHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	h.records = append(h.records, LogRecord{Level: r.Level, Message: r.Message, Attrs: attrs})
	h.mu.Unlock()

	if h.t != nil {
		h.t.Logf("[%s] %s %v", r.Level, r.Message, attrs)
	}
	return nil
}

func (h *CapturingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *CapturingHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *CapturingHandler) WithGroup(string) slog.Handler            { return h }

// Records returns a copy of the captured records.
func (h *CapturingHandler) Records() []LogRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LogRecord, len(h.records))
	copy(out, h.records)
	return out
}

// ContainsMessage reports whether any record's message contains message.
func (h *CapturingHandler) ContainsMessage(message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		if strings.Contains(r.Message, message) {
			return true
		}
	}
	return false
}

// NewTestLogger returns a logger whose output is captured and echoed to the
// test log.
func NewTestLogger(t *testing.T) (*slog.Logger, *CapturingHandler) {
	h := &CapturingHandler{t: t}
	return slog.New(h), h
}
