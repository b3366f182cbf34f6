package types

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	invocationIDKey contextKey = "invocation_id"
	loggerKey       contextKey = "logger"
)

// WithInvocationID stores the current invocation's ID in the context. Each
// dispatcher invocation generates one ID, which flows through logs and the
// run-history record for correlation across overlapping invocations.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// GetInvocationID retrieves the invocation ID from the context.
// Returns "" if not set.
func GetInvocationID(ctx context.Context) string {
	id, _ := ctx.Value(invocationIDKey).(string)
	return id
}

// WithLogger stores a request-scoped logger in the context. The logger is
// expected to have been pre-enriched with invocation-scoped fields.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the logger from the context, falling back to
// slog.Default() when none has been set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
