package api

import (
	"context"
	"time"
)

// WorkflowKind names one of the two fixed saga flows.
type WorkflowKind string

const (
	KindProvision   WorkflowKind = "PROVISION"
	KindDeprovision WorkflowKind = "DEPROVISION"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusRunning      InstanceStatus = "RUNNING"
	StatusCompensating InstanceStatus = "COMPENSATING"
	StatusCompleted    InstanceStatus = "COMPLETED"
	StatusCompensated  InstanceStatus = "COMPENSATED"
	StatusFailed       InstanceStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the instance still counts against the
// one-active-instance-per-tenant constraint.
func (s InstanceStatus) Active() bool { return !s.Terminal() }

// WorkflowInstance is the persisted state of one saga run.
//
// CurrentStep semantics:
//   - before any step runs: 0
//   - while step i is running (or suspended, or retrying): i
//   - after successful completion: len(steps)
//
// Attempt counts the attempts already consumed by the current step; it resets
// to zero when the step index advances. PendingToken is non-empty while the
// current step waits on an asynchronous remote operation.
type WorkflowInstance struct {
	ID       string
	TenantID string
	Kind     WorkflowKind
	Status   InstanceStatus

	CurrentStep int
	Attempt     int

	// StepOutputs accumulates the output of every succeeded step, keyed by
	// step index, so later input builders can reference earlier results.
	StepOutputs map[int]map[string]any

	// PendingToken is the poll token returned by an activity that reported
	// in_progress. Empty when the current step is not suspended.
	PendingToken string

	// CancelRequested marks the instance for forced compensation; the
	// coordinator honors it at the next Advance.
	CancelRequested bool

	// Error holds the terminal error message, if any.
	Error string

	// FailedResourceID identifies the resource a halted compensation could
	// not clean up. Only set when Status is FAILED during compensation.
	FailedResourceID string

	LeaseOwner     string
	LeaseExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstanceListOptions filters ListInstances. Zero values mean "no filter".
type InstanceListOptions struct {
	TenantID string
	Kind     WorkflowKind
	Status   InstanceStatus

	// ActiveOnly limits results to instances in a non-terminal status.
	ActiveOnly bool
}

// StepContext is what input builders see: the tenant being operated on plus
// the outputs of every step that already succeeded in this instance.
type StepContext struct {
	Tenant  Tenant
	Outputs map[int]map[string]any
}

// Output returns a single value from a prior step's output.
func (c StepContext) Output(step int, key string) (any, bool) {
	out, ok := c.Outputs[step]
	if !ok {
		return nil, false
	}
	v, ok := out[key]
	return v, ok
}

// StringOutput is Output narrowed to string values, which is what most
// provider-assigned identifiers are.
func (c StepContext) StringOutput(step int, key string) string {
	if v, ok := c.Output(step, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// InputBuilder derives an activity's input payload from the step context.
type InputBuilder func(c StepContext) (map[string]any, error)

// StepDefinition is one entry in a flow's fixed, ordered step list.
// Definitions are static data; nothing here is persisted per instance.
type StepDefinition struct {
	Name     string
	Activity string

	// BuildInput produces the activity payload. Nil means an empty payload.
	BuildInput InputBuilder

	Retry          RetryPolicy
	AttemptTimeout time.Duration

	// Compensation names the activity that undoes this step during rollback.
	// Empty means the step has nothing to undo and is skipped by the
	// compensation walk.
	Compensation string

	// Resource, when non-empty, declares that a successful run of this step
	// creates an external resource of the given type that must be recorded
	// in the ledger.
	Resource ResourceType
}

// FlowDefinition is the ordered step list for one workflow kind.
type FlowDefinition struct {
	Kind  WorkflowKind
	Steps []StepDefinition
}

// Engine is the high-level orchestrator API.
type Engine interface {
	// CreateTenant registers a tenant in status CREATED without starting
	// any workflow.
	CreateTenant(ctx context.Context, req NewTenant) (*Tenant, error)

	// Provision starts a provisioning saga for the tenant and returns the
	// new workflow instance id. Returns ErrConflict if the tenant already
	// has an active instance.
	Provision(ctx context.Context, tenantID string) (string, error)

	// Deprovision starts a teardown saga for the tenant. Same conflict
	// semantics as Provision.
	Deprovision(ctx context.Context, tenantID string) (string, error)

	// Advance drives the instance as far as it can go right now. It is
	// idempotent and safe to call concurrently: a caller that fails to win
	// the instance lease gets ErrLeaseLost and must treat it as a no-op.
	Advance(ctx context.Context, instanceID string) error

	// Cancel marks a running instance for forced compensation, honored at
	// the next Advance.
	Cancel(ctx context.Context, instanceID string) error

	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantByKey(ctx context.Context, key string) (*Tenant, error)
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// ListStepRecords and ListResources expose the append-only audit trail
	// for operator tooling and replay.
	ListStepRecords(ctx context.Context, instanceID string) ([]*StepExecutionRecord, error)
	ListResources(ctx context.Context, instanceID string) ([]*ResourceRecord, error)

	// RecoverStuckInstances re-enqueues an advance task for every
	// non-terminal instance. Typically called once on process startup.
	RecoverStuckInstances(ctx context.Context) (int, error)
}
