package provisor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LocalRunner bundles an in-memory engine, queue and workers to provide a
// simple single-process runner for development, tests and embedded use.
//
// Typical usage:
//
//	runner, _ := provisor.NewLocalRunner(provisor.Options{Activities: acts})
//	runner.Start(ctx, 2)
//	defer runner.Stop()
//
//	tenant, _ := runner.Engine.CreateTenant(ctx, provisor.NewTenant{Key: "acme"})
//	instID, _ := runner.Engine.Provision(ctx, tenant.ID)
//	inst, _ := runner.WaitForTerminal(ctx, instID, 30*time.Second)
type LocalRunner struct {
	Engine Engine

	bundle *Bundle

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores and an
// in-memory queue.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	bundle, err := NewInMemoryBundle(opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{
		Engine: bundle.Engine,
		bundle: bundle,
	}, nil
}

// Start launches 'concurrency' worker goroutines that process advance tasks
// until Stop is called. Calling Start twice without Stop returns an error.
func (r *LocalRunner) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("provisor: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			r.bundle.Worker.Run(ctx)
		}()
	}
	return nil
}

// Stop cancels the worker goroutines and waits for them to exit. Idempotent.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// WaitForTerminal polls until the instance reaches a terminal status or the
// timeout elapses. Convenience for tests and scripts.
func (r *LocalRunner) WaitForTerminal(ctx context.Context, instanceID string, timeout time.Duration) (*WorkflowInstance, error) {
	deadline := time.Now().Add(timeout)
	for {
		inst, err := r.Engine.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		if time.Now().After(deadline) {
			return inst, errors.New("provisor: timeout waiting for instance " + instanceID + " (status " + string(inst.Status) + ")")
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
