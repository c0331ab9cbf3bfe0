// Package logging builds the JSON slog logger used by every binary.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Common attribute keys, so log lines from api and projector line up.
const (
	KeyOrderID     = "order_id"
	KeyOrderNumber = "order_number"
	KeyUserID      = "user_id"
	KeyStep        = "step"
	KeyStatus      = "status"
	KeyRequestID   = "request_id"
)

func New(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level(os.Getenv("LOG_LEVEL"))})
	return slog.New(h).With("service", service)
}

// Discard is for tests and for structs constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// FromRequest tags l with the chi request id carried by ctx, if any.
func FromRequest(ctx context.Context, l *slog.Logger) *slog.Logger {
	l = OrDiscard(l)
	if id := RequestID(ctx); id != "" {
		return l.With(KeyRequestID, id)
	}
	return l
}

func RequestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

func level(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
