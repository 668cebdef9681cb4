// Package logging configures log/slog for the importer processes.
//
// Request-scoped loggers pick up chi's request id; batch-scoped loggers carry
// the batch id so every line written while a file is processed can be
// correlated with its persisted import log.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type ctxKey int

const batchKey ctxKey = iota

// Setup installs the default slog logger.
//
// Level values: "debug", "info", "warn", "error" (default "info").
// Format values: "text", "json" (default "text").
func Setup(level, format string) *slog.Logger {
	logger := New(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w without touching the default logger.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithBatch returns a context that tags log lines with the batch id.
func WithBatch(ctx context.Context, batchID uuid.UUID) context.Context {
	return context.WithValue(ctx, batchKey, batchID)
}

// BatchID returns the batch id stored by WithBatch.
func BatchID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(batchKey).(uuid.UUID)
	return id, ok
}

// FromContext returns the default logger enriched with the request id and
// batch id carried by ctx, when present.
//
//	logger := logging.FromContext(r.Context())
//	logger.Info("mapping attached", "mapping_id", m.ID)
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if id, ok := BatchID(ctx); ok {
		logger = logger.With("batch_id", id.String())
	}
	return logger
}

// WithFields is FromContext plus extra key/value pairs.
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
