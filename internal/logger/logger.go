// Package logger provides structured logging setup for the pipeline
// orchestrator.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
)

const serviceName = "devpipeline"

// New creates a *slog.Logger from the given Log config. Format selects
// between JSON (the default) and plain text output; both carry a "service"
// attribute on every record. The returned Closer flushes buffered records
// when async mode is enabled and is a no-op otherwise.
func New(cfg config.Log) (*slog.Logger, Closer) {
	handler := newHandler(os.Stdout, cfg)
	if cfg.Async {
		async := NewAsyncHandler(handler, 1024, 1)
		return slog.New(async).With("service", serviceName), async
	}
	return slog.New(handler).With("service", serviceName), nopCloser{}
}

func newHandler(w io.Writer, cfg config.Log) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel converts a string log level to slog.Level. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
