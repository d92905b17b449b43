package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tenantkit/provisor/internal/taskqueue"
	"github.com/tenantkit/provisor/pkg/api"
)

// Worker pulls advance tasks from a Queue and drives the corresponding
// workflow instances using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	logger *zap.Logger
}

// New creates a new Worker. A nil logger disables logging.
func New(engine api.Engine, queue taskqueue.Queue, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		logger: logger,
	}
}

// EnqueueAdvance enqueues a task to advance an instance as soon as a worker
// picks it up.
func (w *Worker) EnqueueAdvance(ctx context.Context, instanceID string) error {
	return w.enqueue(ctx, instanceID, time.Time{})
}

// EnqueueAdvanceAt enqueues an advance task that becomes eligible no earlier
// than 'at'. This is how suspended instances schedule their next poll.
func (w *Worker) EnqueueAdvanceAt(ctx context.Context, instanceID string, at time.Time) error {
	return w.enqueue(ctx, instanceID, at)
}

func (w *Worker) enqueue(ctx context.Context, instanceID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false, err != nil: nothing dequeued (usually ctx cancelled)
//   - processed == true: a task was handled; err reports the Advance outcome
//
// A lost lease race is not an error: another worker holds the instance, so
// the task is simply done.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.engine.Advance(ctx, task.InstanceID)
	if errors.Is(err, api.ErrLeaseLost) {
		return true, nil
	}
	if errors.Is(err, api.ErrInstanceNotFound) {
		// Stale task for an instance created on a backend that was since
		// wiped (tests, in-memory runs). Nothing to do.
		w.logger.Debug("advance task for unknown instance", zap.String("instance_id", task.InstanceID))
		return true, nil
	}
	return true, err
}

// Run processes tasks until ctx is cancelled. Advance errors are logged and
// do not stop the loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return
		}
		if err != nil {
			w.logger.Warn("process task", zap.Error(err))
		}
		if !processed && err == nil {
			// Queue closed or drained with no context error; back off a
			// little before trying again.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates size workers sharing the same engine and queue.
func NewPool(engine api.Engine, queue taskqueue.Queue, logger *zap.Logger, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{}
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, New(engine, queue, logger))
	}
	return p
}

// Start launches every worker in its own goroutine. It returns immediately;
// use Wait after cancelling the context to drain.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until all workers have returned.
func (p *Pool) Wait() { p.wg.Wait() }
