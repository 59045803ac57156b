package queue

import (
	"context"

	"github.com/google/uuid"
)

// TaskInfo describes the task a handler is running for.
type TaskInfo struct {
	ID          uuid.UUID
	Name        string
	Attempt     int
	MaxAttempts int
}

// LastAttempt reports whether a failure now would exhaust the task.
func (i TaskInfo) LastAttempt() bool {
	return i.Attempt >= i.MaxAttempts
}

type taskInfoKey struct{}

// WithTaskInfo stores info in ctx. The worker does this before calling a handler.
func WithTaskInfo(ctx context.Context, info TaskInfo) context.Context {
	return context.WithValue(ctx, taskInfoKey{}, info)
}

// TaskInfoFromContext returns the running task's info, if any.
func TaskInfoFromContext(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(taskInfoKey{}).(TaskInfo)
	return info, ok
}
