package taskqueue

import (
	"context"
	"time"
)

// Task asks a worker to call Advance on one workflow instance. Tasks are the
// timer/scheduler half of the suspend/resume model: a suspended instance is
// re-driven by a task whose NotBefore is the next poll time, so no worker
// thread ever blocks on a slow remote operation.
type Task struct {
	ID         string
	InstanceID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for processing.
	// Zero means "immediately".
	NotBefore time.Time

	// Attempts counts how many times a worker has picked this task up.
	Attempts int
}

// Queue is the async task queue interface.
type Queue interface {
	// Enqueue adds a task. It respects ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
