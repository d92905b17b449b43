package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue backed by a buffered channel. Delayed tasks
// (NotBefore in the future) are held back by a timer and pushed into the
// channel when they become eligible. Safe for concurrent use.
type InMemoryQueue struct {
	ch   chan Task
	done chan struct{}

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch:     make(chan Task, capacity),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	delay := time.Until(t.NotBefore)
	if t.NotBefore.IsZero() || delay <= 0 {
		select {
		case q.ch <- t:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		// The send must not be dropped when the channel is momentarily
		// full: a suspended instance whose wake-up task vanished would
		// never be polled again. Block until a consumer drains the channel
		// or the queue is closed.
		select {
		case q.ch <- t:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		t.Attempts++
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops all pending delay timers. Subsequent delayed enqueues are
// dropped. Intended for test cleanup.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
}
