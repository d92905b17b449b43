package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

var queueFactories = map[string]func(t *testing.T) Queue{
	"inmemory": func(t *testing.T) Queue {
		q := NewInMemoryQueue(64)
		t.Cleanup(q.Close)
		return q
	},
	"sqlite": func(t *testing.T) Queue {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		q, err := NewSQLiteQueue(db)
		if err != nil {
			t.Fatalf("NewSQLiteQueue failed: %v", err)
		}
		return q
	},
}

func forEachQueue(t *testing.T, fn func(t *testing.T, q Queue)) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestQueueEnqueueDequeue(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "t1", InstanceID: "inst-1"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if err := q.Enqueue(ctx, Task{ID: "t2", InstanceID: "inst-2"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		first, err := q.Dequeue(dctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if first.InstanceID != "inst-1" {
			t.Fatalf("expected inst-1 first, got %s", first.InstanceID)
		}
		if first.Attempts != 1 {
			t.Fatalf("expected Attempts=1, got %d", first.Attempts)
		}

		second, err := q.Dequeue(dctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if second.InstanceID != "inst-2" {
			t.Fatalf("expected inst-2 second, got %s", second.InstanceID)
		}
	})
}

func TestQueueNotBeforeDelaysDelivery(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()

		delay := 150 * time.Millisecond
		start := time.Now()
		if err := q.Enqueue(ctx, Task{ID: "later", InstanceID: "inst-delayed", NotBefore: start.Add(delay)}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		got, err := q.Dequeue(dctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.InstanceID != "inst-delayed" {
			t.Fatalf("unexpected task %+v", got)
		}
		if elapsed := time.Since(start); elapsed < delay {
			t.Fatalf("task delivered after %v, before NotBefore delay %v", elapsed, delay)
		}
	})
}

func TestQueueEligibleTaskSkipsAheadOfDelayed(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "later", InstanceID: "inst-later", NotBefore: time.Now().Add(time.Minute)}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if err := q.Enqueue(ctx, Task{ID: "now", InstanceID: "inst-now"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		got, err := q.Dequeue(dctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.InstanceID != "inst-now" {
			t.Fatalf("expected the eligible task first, got %s", got.InstanceID)
		}
	})
}

func TestInMemoryDelayedDeliverySurvivesFullChannel(t *testing.T) {
	q := NewInMemoryQueue(1)
	t.Cleanup(q.Close)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "filler", InstanceID: "inst-filler"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Timer fires while the channel is still full; the task must wait for a
	// consumer instead of disappearing.
	if err := q.Enqueue(ctx, Task{ID: "later", InstanceID: "inst-later", NotBefore: time.Now().Add(50 * time.Millisecond)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	first, err := q.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if first.InstanceID != "inst-filler" {
		t.Fatalf("expected inst-filler first, got %s", first.InstanceID)
	}
	second, err := q.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if second.InstanceID != "inst-later" {
		t.Fatalf("expected inst-later after draining, got %s", second.InstanceID)
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if _, err := q.Dequeue(ctx); err == nil {
			t.Fatal("expected context error from empty-queue Dequeue")
		}
	})
}
