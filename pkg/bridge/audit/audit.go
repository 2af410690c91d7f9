// Package audit records every tool dispatch as an append-only trail.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Entry is one dispatched tool call.
type Entry struct {
	Seq       uint64         `json:"seq"`
	SessionID string         `json:"session_id,omitempty"`
	Time      time.Time      `json:"time"`
	Tool      string         `json:"tool"`
	CallID    string         `json:"call_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Local     bool           `json:"local"`
	Outcome   string         `json:"outcome"`
	ErrorCode string         `json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Sink persists audit entries. Sinks must not block the caller for long.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Record(ctx context.Context, e Entry) error { return f(ctx, e) }

// LogSink writes entries through slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, e Entry) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"seq", e.Seq,
		"session_id", e.SessionID,
		"tool", e.Tool,
		"call_id", e.CallID,
		"local", e.Local,
		"outcome", e.Outcome,
		"duration_ms", e.Duration.Milliseconds(),
	}
	if e.Error != "" {
		attrs = append(attrs, "error_code", e.ErrorCode, "error", e.Error)
	}
	logger.InfoContext(ctx, "tool dispatch", attrs...)
	return nil
}

type multiSink []Sink

// Multi fans entries out to every non-nil sink. Errors are joined.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
