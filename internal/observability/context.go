package observability

import (
	"context"

	"github.com/rs/zerolog"
)

// Context keys for observability data.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	paperIDKey   contextKey = "paper_id"
	taskIDKey    contextKey = "task_id"
	taskNameKey  contextKey = "task_name"
	queueKey     contextKey = "queue"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithPaperID adds a paper ID to the context.
func WithPaperID(ctx context.Context, paperID string) context.Context {
	return context.WithValue(ctx, paperIDKey, paperID)
}

// PaperIDFromContext retrieves the paper ID from context.
func PaperIDFromContext(ctx context.Context) string {
	return stringValue(ctx, paperIDKey)
}

// TaskContext identifies the dispatcher task a goroutine is working on.
type TaskContext struct {
	TaskID   string
	TaskName string
	Queue    string
}

// WithTask adds task identifiers to the context.
func WithTask(ctx context.Context, tc TaskContext) context.Context {
	ctx = context.WithValue(ctx, taskIDKey, tc.TaskID)
	ctx = context.WithValue(ctx, taskNameKey, tc.TaskName)
	ctx = context.WithValue(ctx, queueKey, tc.Queue)
	return ctx
}

// TaskFromContext retrieves task identifiers from context.
// Fields not present are empty.
func TaskFromContext(ctx context.Context) TaskContext {
	return TaskContext{
		TaskID:   stringValue(ctx, taskIDKey),
		TaskName: stringValue(ctx, taskNameKey),
		Queue:    stringValue(ctx, queueKey),
	}
}

// LoggerWithContext enriches logger with whatever identifiers ctx carries.
func LoggerWithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	lc := logger.With()
	if v := RequestIDFromContext(ctx); v != "" {
		lc = lc.Str("request_id", v)
	}
	if v := PaperIDFromContext(ctx); v != "" {
		lc = lc.Str("paper_id", v)
	}
	tc := TaskFromContext(ctx)
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID).Str("task_name", tc.TaskName).Str("queue", tc.Queue)
	}
	return lc.Logger()
}

func stringValue(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
