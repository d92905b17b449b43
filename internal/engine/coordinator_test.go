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

// fastRetry keeps test runs quick while still exercising the retry loop.
var fastRetry = api.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newTestCoordinator(t *testing.T, acts map[string]api.Activity, flows map[api.WorkflowKind]api.FlowDefinition, queue taskqueue.Queue) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Stores:       persistence.NewMemoryStore().Stores(),
		Queue:        queue,
		Activities:   acts,
		Flows:        flows,
		LeaseTTL:     time.Minute,
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func createTestTenant(t *testing.T, c *Coordinator) *api.Tenant {
	t.Helper()
	tenant, err := c.CreateTenant(context.Background(), api.NewTenant{
		Key:         "acme",
		DisplayName: "Acme Corp",
		Tier:        "standard",
		Region:      "eu-west-1",
		Domains:     []string{"acme.example.com"},
	})
	if err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}
	return tenant
}

// driveToTerminal calls Advance until the instance settles. Suspended
// instances need multiple calls; the cap guards against a stuck loop.
func driveToTerminal(t *testing.T, c *Coordinator, instanceID string) *api.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := c.Advance(ctx, instanceID); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
		inst, err := c.GetInstance(ctx, instanceID)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if inst.Status.Terminal() {
			return inst
		}
	}
	t.Fatal("instance did not reach a terminal status")
	return nil
}

// countingActivity wraps a result-producing function and counts calls.
type countingActivity struct {
	mu      sync.Mutex
	invokes int
	polls   int

	invoke func(in api.ActivityInput) (api.ActivityResult, error)
	poll   func(token string) (api.ActivityResult, error)
}

func (a *countingActivity) Invoke(ctx context.Context, in api.ActivityInput) (api.ActivityResult, error) {
	a.mu.Lock()
	a.invokes++
	a.mu.Unlock()
	if a.invoke == nil {
		return api.Done(nil), nil
	}
	return a.invoke(in)
}

func (a *countingActivity) PollStatus(ctx context.Context, token string) (api.ActivityResult, error) {
	a.mu.Lock()
	a.polls++
	a.mu.Unlock()
	if a.poll == nil {
		return api.Done(nil), nil
	}
	return a.poll(token)
}

func (a *countingActivity) invokeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invokes
}

func TestCreateTenantValidation(t *testing.T) {
	c := newTestCoordinator(t, map[string]api.Activity{"x": &countingActivity{}},
		map[api.WorkflowKind]api.FlowDefinition{
			api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{{Name: "x", Activity: "x"}}},
		}, nil)

	_, err := c.CreateTenant(context.Background(), api.NewTenant{Key: "  "})
	var ve *api.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for blank key, got %v", err)
	}
}

func TestProvisionHappyPath(t *testing.T) {
	ctx := context.Background()

	idp := &countingActivity{invoke: func(in api.ActivityInput) (api.ActivityResult, error) {
		return api.DoneWithResource(
			map[string]any{"org_id": "org-1"},
			api.ResourceRef{Type: api.ResourceIdPOrg, ExternalID: "org-1"},
		), nil
	}}
	infra := &countingActivity{invoke: func(in api.ActivityInput) (api.ActivityResult, error) {
		if in.Payload["org_id"] != "org-1" {
			return api.Errorf(false, "missing org_id in payload"), nil
		}
		return api.DoneWithResource(
			map[string]any{"run_id": "run-1"},
			api.ResourceRef{Type: api.ResourceInfraRun, ExternalID: "run-1"},
		), nil
	}}
	notify := &countingActivity{}

	acts := map[string]api.Activity{
		"idp": idp, "infra": infra, "notify": notify,
		"idp-del": &countingActivity{}, "infra-del": &countingActivity{},
	}
	flows := map[api.WorkflowKind]api.FlowDefinition{
		api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{
			{
				Name: "create-org", Activity: "idp", Retry: fastRetry,
				Compensation: "idp-del", Resource: api.ResourceIdPOrg,
			},
			{
				Name: "provision-infra", Activity: "infra", Retry: fastRetry,
				BuildInput: func(c api.StepContext) (map[string]any, error) {
					return map[string]any{"org_id": c.StringOutput(0, "org_id")}, nil
				},
				Compensation: "infra-del", Resource: api.ResourceInfraRun,
			},
			{Name: "notify", Activity: "notify", Retry: fastRetry},
		}},
	}

	c := newTestCoordinator(t, acts, flows, nil)
	tenant := createTestTenant(t, c)

	instID, err := c.Provision(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	// Starting the workflow projects the tenant to PROVISIONING.
	got, err := c.GetTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if got.Status != api.TenantProvisioning {
		t.Fatalf("tenant status after start = %s, want PROVISIONING", got.Status)
	}

	inst := driveToTerminal(t, c, instID)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", inst.Status)
	}
	if inst.CurrentStep != 3 {
		t.Fatalf("CurrentStep = %d, want 3", inst.CurrentStep)
	}

	got, _ = c.GetTenant(ctx, tenant.ID)
	if got.Status != api.TenantActive {
		t.Fatalf("tenant status = %s, want ACTIVE", got.Status)
	}

	resources, err := c.ListResources(ctx, instID)
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("expected 2 ledger records, got %d", len(resources))
	}
	if resources[0].Type != api.ResourceIdPOrg || resources[1].ExternalID != "run-1" {
		t.Fatalf("unexpected ledger: %+v %+v", resources[0], resources[1])
	}

	steps, err := c.ListStepRecords(ctx, instID)
	if err != nil {
		t.Fatalf("ListStepRecords failed: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 step records, got %d", len(steps))
	}
	for _, rec := range steps {
		if rec.Status != api.StepSucceeded {
			t.Fatalf("step %s attempt %d: status %s", rec.StepName, rec.Attempt, rec.Status)
		}
	}

	if idp.invokeCount() != 1 || infra.invokeCount() != 1 || notify.invokeCount() != 1 {
		t.Fatalf("unexpected invoke counts: idp=%d infra=%d notify=%d",
			idp.invokeCount(), infra.invokeCount(), notify.invokeCount())
	}
}

func TestProvisionConflict(t *testing.T) {
	ctx := context.Background()

	block := make(chan struct{})
	slow := &countingActivity{invoke: func(in api.ActivityInput) (api.ActivityResult, error) {
		<-block
		return api.Done(nil), nil
	}}
	flows := map[api.WorkflowKind]api.FlowDefinition{
		api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{
			{Name: "slow", Activity: "slow", Retry: fastRetry},
		}},
		api.KindDeprovision: {Kind: api.KindDeprovision, Steps: []api.StepDefinition{
			{Name: "slow", Activity: "slow", Retry: fastRetry},
		}},
	}
	c := newTestCoordinator(t, map[string]api.Activity{"slow": slow}, flows, nil)
	tenant := createTestTenant(t, c)

	if _, err := c.Provision(ctx, tenant.ID); err != nil {
		t.Fatalf("first Provision failed: %v", err)
	}
	if _, err := c.Provision(ctx, tenant.ID); !errors.Is(err, api.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := c.Deprovision(ctx, tenant.ID); !errors.Is(err, api.ErrConflict) {
		t.Fatalf("expected ErrConflict for deprovision too, got %v", err)
	}
	close(block)
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()

	var pollCalls int
	async := &countingActivity{
		invoke: func(in api.ActivityInput) (api.ActivityResult, error) {
			return api.InProgress("tok-1"), nil
		},
		poll: func(token string) (api.ActivityResult, error) {
			if token != "tok-1" {
				return api.Errorf(false, "wrong token "+token), nil
			}
			pollCalls++
			if pollCalls < 2 {
				return api.InProgress(token), nil
			}
			return api.DoneWithResource(
				map[string]any{"run_id": "run-7"},
				api.ResourceRef{Type: api.ResourceInfraRun, ExternalID: "run-7"},
			), nil
		},
	}
	flows := map[api.WorkflowKind]api.FlowDefinition{
		api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{
			{Name: "infra", Activity: "infra", Retry: fastRetry, Compensation: "infra-del", Resource: api.ResourceInfraRun},
		}},
	}
	c := newTestCoordinator(t, map[string]api.Activity{"infra": async, "infra-del": &countingActivity{}}, flows, nil)
	tenant := createTestTenant(t, c)

	instID, err := c.Provision(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	// First Advance starts the operation and parks.
	if err := c.Advance(ctx, instID); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	inst, _ := c.GetInstance(ctx, instID)
	if inst.Status != api.StatusRunning || inst.PendingToken != "tok-1" {
		t.Fatalf("expected suspended RUNNING instance with token, got %s token %q", inst.Status, inst.PendingToken)
	}

	steps, _ := c.ListStepRecords(ctx, instID)
	if len(steps) != 1 || steps[0].Status != api.StepPending {
		t.Fatalf("expected one PENDING record after suspension, got %+v", steps)
	}

	inst = driveToTerminal(t, c, instID)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", inst.Status)
	}
	if inst.StepOutputs[0]["run_id"] != "run-7" {
		t.Fatalf("poll output lost: %+v", inst.StepOutputs)
	}
	if async.invokeCount() != 1 {
		t.Fatalf("Invoke called %d times, want 1 (resume must poll, not restart)", async.invokeCount())
	}

	resources, _ := c.ListResources(ctx, instID)
	if len(resources) != 1 || resources[0].ExternalID != "run-7" {
		t.Fatalf("ledger missing async step's resource: %+v", resources)
	}
}

func TestDeprovisionHappyPath(t *testing.T) {
	ctx := context.Background()

	order := []string{}
	mkStep := func(name string) api.StepDefinition {
		return api.StepDefinition{
			Name:     name,
			Activity: name,
			Retry:    fastRetry,
		}
	}
	acts := map[string]api.Activity{}
	names := []string{"notify-del", "dns-del", "app-del", "infra-del", "org-del"}
	for _, name := range names {
		name := name
		acts[name] = api.ActivityFunc(func(ctx context.Context, in api.ActivityInput) (api.ActivityResult, error) {
			order = append(order, name)
			return api.Done(nil), nil
		})
	}
	steps := make([]api.StepDefinition, 0, len(names))
	for _, name := range names {
		steps = append(steps, mkStep(name))
	}
	flows := map[api.WorkflowKind]api.FlowDefinition{
		api.KindDeprovision: {Kind: api.KindDeprovision, Steps: steps},
	}

	c := newTestCoordinator(t, acts, flows, nil)
	tenant := createTestTenant(t, c)

	instID, err := c.Deprovision(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}
	got, _ := c.GetTenant(ctx, tenant.ID)
	if got.Status != api.TenantDeprovisioning {
		t.Fatalf("tenant status after start = %s, want DEPROVISIONING", got.Status)
	}

	inst := driveToTerminal(t, c, instID)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", inst.Status)
	}

	got, _ = c.GetTenant(ctx, tenant.ID)
	if got.Status != api.TenantDeleted {
		t.Fatalf("tenant status = %s, want DELETED", got.Status)
	}

	for i, name := range names {
		if order[i] != name {
			t.Fatalf("steps ran out of order: %v", order)
		}
	}
}

func TestDeprovisionFailureFailsInPlace(t *testing.T) {
	ctx := context.Background()

	acts := map[string]api.Activity{
		"ok": &countingActivity{},
		"bad": &countingActivity{invoke: func(in api.ActivityInput) (api.ActivityResult, error) {
			return api.ActivityResult{}, &api.ValidationError{Msg: "provider refuses"}
		}},
	}
	flows := map[api.WorkflowKind]api.FlowDefinition{
		api.KindDeprovision: {Kind: api.KindDeprovision, Steps: []api.StepDefinition{
			{Name: "ok", Activity: "ok", Retry: fastRetry},
			{Name: "bad", Activity: "bad", Retry: fastRetry},
		}},
	}
	c := newTestCoordinator(t, acts, flows, nil)
	tenant := createTestTenant(t, c)

	instID, err := c.Deprovision(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}

	inst := driveToTerminal(t, c, instID)
	// Teardown has nothing to compensate; the instance fails where it is.
	if inst.Status != api.StatusFailed {
		t.Fatalf("instance status = %s, want FAILED", inst.Status)
	}
	if inst.CurrentStep != 1 {
		t.Fatalf("CurrentStep = %d, want 1 (failed at second step)", inst.CurrentStep)
	}

	got, _ := c.GetTenant(ctx, tenant.ID)
	if got.Status != api.TenantFailed {
		t.Fatalf("tenant status = %s, want FAILED", got.Status)
	}
	if got.StatusReason == "" || got.StatusReason[:len(api.ReasonDeprovisionFailed)] != api.ReasonDeprovisionFailed {
		t.Fatalf("status reason = %q, want %s prefix", got.StatusReason, api.ReasonDeprovisionFailed)
	}
}

func TestUnknownTenant(t *testing.T) {
	c := newTestCoordinator(t, map[string]api.Activity{"x": &countingActivity{}},
		map[api.WorkflowKind]api.FlowDefinition{
			api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{{Name: "x", Activity: "x"}}},
		}, nil)

	if _, err := c.Provision(context.Background(), "nope"); !errors.Is(err, api.ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestNewRejectsUnboundActivity(t *testing.T) {
	_, err := New(Config{
		Stores:     persistence.NewMemoryStore().Stores(),
		Activities: map[string]api.Activity{},
		Flows: map[api.WorkflowKind]api.FlowDefinition{
			api.KindProvision: {Kind: api.KindProvision, Steps: []api.StepDefinition{
				{Name: "x", Activity: "missing"},
			}},
		},
	})
	if err == nil {
		t.Fatal("expected error for unbound activity name")
	}
}
