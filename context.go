package stategraph

import (
	"context"
	"io"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey      ContextKey = "logger"
	ExecutionIDContextKey ContextKey = "execution_id"
	NodeContextKey        ContextKey = "node"
	AttemptContextKey     ContextKey = "attempt"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ExecutionIDContextKey, id)
}

func withNodeAttempt(ctx context.Context, node string, attempt int) context.Context {
	ctx = context.WithValue(ctx, NodeContextKey, node)
	return context.WithValue(ctx, AttemptContextKey, attempt)
}

// LoggerFromContext returns the run's logger, or a discard logger when the
// context carries none.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return discardLogger()
}

func ExecutionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ExecutionIDContextKey).(string)
	return id, ok
}

func NodeFromContext(ctx context.Context) (string, bool) {
	node, ok := ctx.Value(NodeContextKey).(string)
	return node, ok
}

// AttemptFromContext returns the 1-based attempt number of the running step.
func AttemptFromContext(ctx context.Context) (int, bool) {
	attempt, ok := ctx.Value(AttemptContextKey).(int)
	return attempt, ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
