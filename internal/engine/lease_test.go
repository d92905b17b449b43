package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tenantkit/provisor/internal/persistence"
	"github.com/tenantkit/provisor/internal/taskqueue"
	"github.com/tenantkit/provisor/pkg/api"
)

func TestConcurrentAdvanceSingleExecution(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	slow := &countingActivity{invoke: func(in api.ActivityInput) (api.ActivityResult, error) {
		once.Do(func() { close(started) })
		<-release
		return api.Done(nil), nil
	}}
	flows := map[api.WorkflowKind]api.FlowDefinition{
		api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{
			{Name: "slow", Activity: "slow", Retry: fastRetry},
		}},
	}
	c := newTestCoordinator(t, map[string]api.Activity{"slow": slow}, flows, nil)
	tenant := createTestTenant(t, c)
	instID, err := c.Provision(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Advance(ctx, instID) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first Advance never reached the activity")
	}

	// A second worker racing onto the same instance loses the lease.
	if err := c.Advance(ctx, instID); !errors.Is(err, api.ErrLeaseLost) {
		t.Fatalf("second Advance err = %v, want ErrLeaseLost", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Advance failed: %v", err)
	}

	if slow.invokeCount() != 1 {
		t.Fatalf("activity invoked %d times, want 1", slow.invokeCount())
	}
	inst, _ := c.GetInstance(ctx, instID)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", inst.Status)
	}
}

// An attempt that runs far past the lease TTL must stay exclusive: the
// heartbeat keeps renewing, so a second worker arriving after the original
// TTL still bounces off the lease instead of re-running the step.
func TestLeaseOutlivesTTLDuringLongAttempt(t *testing.T) {
	ctx := context.Background()

	const ttl = 60 * time.Millisecond
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	slow := &countingActivity{invoke: func(in api.ActivityInput) (api.ActivityResult, error) {
		once.Do(func() { close(started) })
		<-release
		return api.Done(nil), nil
	}}
	c, err := New(Config{
		Stores:     persistence.NewMemoryStore().Stores(),
		Activities: map[string]api.Activity{"slow": slow},
		Flows: map[api.WorkflowKind]api.FlowDefinition{
			api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{
				{Name: "slow", Activity: "slow", Retry: fastRetry},
			}},
		},
		LeaseTTL:     ttl,
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tenant := createTestTenant(t, c)
	instID, err := c.Provision(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Advance(ctx, instID) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first Advance never reached the activity")
	}
	// Let several TTLs elapse while the attempt is still blocked. Without
	// renewal the lease would now read as expired and be taken over.
	time.Sleep(3 * ttl)

	if err := c.Advance(ctx, instID); !errors.Is(err, api.ErrLeaseLost) {
		t.Fatalf("second Advance err = %v, want ErrLeaseLost", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Advance failed: %v", err)
	}
	if slow.invokeCount() != 1 {
		t.Fatalf("activity invoked %d times, want 1", slow.invokeCount())
	}
	inst, err := c.GetInstance(ctx, instID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", inst.Status)
	}
}

func TestRecoverStuckInstances(t *testing.T) {
	ctx := context.Background()

	queue := taskqueue.NewInMemoryQueue(16)
	// Suspend indefinitely so instances stay active without a queue task.
	stuck := &countingActivity{
		invoke: func(in api.ActivityInput) (api.ActivityResult, error) {
			return api.InProgress("tok"), nil
		},
		poll: func(token string) (api.ActivityResult, error) {
			return api.InProgress(token), nil
		},
	}
	flows := map[api.WorkflowKind]api.FlowDefinition{
		api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{
			{Name: "stuck", Activity: "stuck", Retry: fastRetry},
		}},
	}
	c := newTestCoordinator(t, map[string]api.Activity{"stuck": stuck}, flows, queue)

	var instances []string
	for _, key := range []string{"acme", "globex"} {
		tenant, err := c.CreateTenant(ctx, api.NewTenant{Key: key, DisplayName: key, Tier: "standard", Region: "eu-west-1"})
		if err != nil {
			t.Fatalf("CreateTenant failed: %v", err)
		}
		instID, err := c.Provision(ctx, tenant.ID)
		if err != nil {
			t.Fatalf("Provision failed: %v", err)
		}
		instances = append(instances, instID)
	}

	// Drain the start tasks and suspend both instances.
	for range instances {
		task, err := queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if err := c.Advance(ctx, task.InstanceID); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
	}
	// Both suspends scheduled a delayed poll task; empty the queue so the
	// recovery pass is the only thing that can wake them.
	drainCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	for {
		if _, err := queue.Dequeue(drainCtx); err != nil {
			break
		}
	}
	cancel()

	n, err := c.RecoverStuckInstances(ctx)
	if err != nil {
		t.Fatalf("RecoverStuckInstances failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d instances, want 2", n)
	}

	seen := map[string]bool{}
	for range instances {
		task, err := queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue after recovery failed: %v", err)
		}
		seen[task.InstanceID] = true
	}
	for _, id := range instances {
		if !seen[id] {
			t.Fatalf("instance %s not re-enqueued", id)
		}
	}
}

func TestRecoverWithoutQueueIsNoOp(t *testing.T) {
	c := newTestCoordinator(t, map[string]api.Activity{"x": &countingActivity{}},
		map[api.WorkflowKind]api.FlowDefinition{
			api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{{Name: "x", Activity: "x"}}},
		}, nil)

	n, err := c.RecoverStuckInstances(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("RecoverStuckInstances = (%d, %v), want (0, nil)", n, err)
	}
}
