// Package logger provides the engine's structured logging wrapper around
// log/slog, with a colored console handler for local development.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with execution/node-scoped helpers.
type Logger struct {
	*slog.Logger
}

// New builds a Logger. format "json" selects a JSON handler (production);
// anything else selects a colored console handler (development).
func New(level, format string) *Logger {
	var handler slog.Handler
	opts := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: opts})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      opts,
			TimeFormat: time.TimeOnly,
			AddSource:  false,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch level {
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

// WithContext attaches a trace id found in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok && traceID != "" {
		return l.WithFields(map[string]any{"trace_id": traceID})
	}
	return l
}

// WithFields returns a child logger with the given fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithExecutionID scopes a child logger to one Execution.
func (l *Logger) WithExecutionID(executionID string) *Logger {
	return &Logger{Logger: l.Logger.With("execution_id", executionID)}
}

// WithNodeID scopes a child logger to one node within an Execution.
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return &Logger{Logger: l.Logger.With("node_id", nodeID)}
}

// Error logs at error level with a captured stack trace attached.
func (l *Logger) Error(msg string, args ...any) {
	l.Logger.Error(msg, append(args, "stack", string(debug.Stack()))...)
}

// ErrorContext logs at error level with context and a captured stack trace.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, append(args, "stack", string(debug.Stack()))...)
}

type traceIDKey struct{}

// WithTraceID returns a context carrying a trace id for WithContext to pick up.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}
