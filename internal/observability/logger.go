// Package observability provides structured logging helpers for Sekisho.
//
// It wraps log/slog with correlation ID propagation so that every log line
// emitted while serving a broker request carries the request context. Free
// text destined for logs must be passed through the scrub registry by the
// caller before it reaches a log call-site.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/bdobrica/sekisho/common/trace"
)

// Setup configures the global slog logger according to the provided level and
// format strings (e.g. level="info", format="json").
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger that always includes the correlation_id
// from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	id := trace.FromContext(ctx)
	if id == "" {
		return slog.Default()
	}
	return slog.With("correlation_id", id)
}
