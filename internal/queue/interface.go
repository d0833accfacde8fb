package queue

import (
	"context"
	"time"
)

// TaskQueue is what workers need from the queue
type TaskQueue interface {
	// Dequeue claims the next ready task, highest priority first.
	// It returns a not_found error when nothing is ready.
	Dequeue(ctx context.Context, workerID string) (*Task, error)

	// Complete marks a claimed task as completed
	Complete(ctx context.Context, task *Task, result interface{}) error

	// Fail records a handler failure and either schedules a retry or fails the task.
	// It reports whether a retry was scheduled.
	Fail(ctx context.Context, task *Task, cause error) (bool, error)

	// RecoverStale re-queues claimed tasks whose processing deadline passed
	RecoverStale(ctx context.Context) (int, error)

	// Stats returns queue statistics
	Stats(ctx context.Context) (*Stats, error)

	// Name identifies the queue in logs and metrics
	Name() string
}

// Enqueuer submits work; the trigger surface only needs this
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType TaskType, payload interface{}, priority Priority, delay time.Duration) (string, error)
}

// Ensure Queue implements the interfaces
var (
	_ TaskQueue = (*Queue)(nil)
	_ Enqueuer  = (*Queue)(nil)
)
