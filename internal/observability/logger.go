// Package observability provides the gateway's structured logging with
// credential redaction, request ID propagation, Prometheus metrics, and
// OpenTelemetry tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger. When built with a Redactor, redaction happens
// inside the handler, so every record passing through the logger is scrubbed
// regardless of which logging method produced it.
type Logger struct {
	*slog.Logger
	redactor *Redactor
}

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// NewLogger creates a logger. A nil redactor disables scrubbing.
func NewLogger(cfg LoggerConfig, redactor *Redactor) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	if redactor != nil {
		handler = redactingHandler{inner: handler, redactor: redactor}
	}

	return &Logger{
		Logger:   slog.New(handler),
		redactor: redactor,
	}
}

// WithRequestID returns a logger carrying the request ID from context.
func (l *Logger) WithRequestID(ctx context.Context) *Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return l
	}
	return &Logger{
		Logger:   l.Logger.With("request_id", requestID),
		redactor: l.redactor,
	}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		Logger:   l.Logger.With(args...),
		redactor: l.redactor,
	}
}

// The Redacted* methods mark call sites that log raw upstream payloads or
// key-bearing errors. Scrubbing itself lives in the handler; these survive
// so such sites stay greppable.

// RedactedInfo logs at INFO level.
func (l *Logger) RedactedInfo(msg string, args ...any) { l.Info(msg, args...) }

// RedactedError logs at ERROR level.
func (l *Logger) RedactedError(msg string, args ...any) { l.Error(msg, args...) }

// RedactedDebug logs at DEBUG level.
func (l *Logger) RedactedDebug(msg string, args ...any) { l.Debug(msg, args...) }

// RedactedWarn logs at WARN level.
func (l *Logger) RedactedWarn(msg string, args ...any) { l.Warn(msg, args...) }

// Slog returns the underlying slog.Logger for components that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}

// redactingHandler scrubs record messages and attribute values before the
// wrapped handler formats them.
type redactingHandler struct {
	inner    slog.Handler
	redactor *Redactor
}

func (h redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.redactor.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.scrub(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.scrub(a)
	}
	return redactingHandler{inner: h.inner.WithAttrs(scrubbed), redactor: h.redactor}
}

func (h redactingHandler) WithGroup(name string) slog.Handler {
	return redactingHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

func (h redactingHandler) scrub(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		out := make([]any, 0, len(members))
		for _, m := range members {
			out = append(out, h.scrub(m))
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		// Errors wrap upstream messages, which may echo key material.
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, h.redactor.Redact(err.Error()))
		}
	}
	return a
}
