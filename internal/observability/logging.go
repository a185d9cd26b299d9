// Package observability provides structured logging and Prometheus metrics
// for the tool protocol and job runner.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ContextKey is the type for context keys used in logging correlation.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"

	// UserIDKey is the context key for user IDs.
	UserIDKey ContextKey = "user_id"

	// ToolCallIDKey is the context key for tool call IDs.
	ToolCallIDKey ContextKey = "tool_call_id"

	// JobIDKey is the context key for runner job IDs.
	JobIDKey ContextKey = "job_id"

	// ToolDepthKey is the context key for the nested tool-call depth counter.
	ToolDepthKey ContextKey = "tool_depth"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	// JSON format is recommended for production; text for development
	Format string

	// Output is the writer for log output (defaults to os.Stdout)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool
}

// NewLogger creates a structured slog logger with the given configuration.
// Invalid or empty level defaults to "info"; empty format defaults to "json".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return ctxString(ctx, RequestIDKey)
}

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

// GetUserID retrieves the user ID from the context.
func GetUserID(ctx context.Context) string {
	return ctxString(ctx, UserIDKey)
}

// WithToolCallID adds a tool call ID to the context.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, id)
}

// GetToolCallID retrieves the tool call ID from the context.
func GetToolCallID(ctx context.Context) string {
	return ctxString(ctx, ToolCallIDKey)
}

// WithJobID adds a runner job ID to the context.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}

// GetJobID retrieves the runner job ID from the context.
func GetJobID(ctx context.Context) string {
	return ctxString(ctx, JobIDKey)
}

// WithToolDepth records the nested tool-call depth on the context. Each hop
// of a tool-triggered tool call increments the depth by one.
func WithToolDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ToolDepthKey, depth)
}

// GetToolDepth retrieves the nested tool-call depth, zero if unset.
func GetToolDepth(ctx context.Context) int {
	if d, ok := ctx.Value(ToolDepthKey).(int); ok {
		return d
	}
	return 0
}

func ctxString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
