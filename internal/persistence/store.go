package persistence

import (
	"context"
	"time"

	"github.com/tenantkit/provisor/pkg/api"
)

// TenantStore persists tenant registry records.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *api.Tenant) error
	GetTenant(ctx context.Context, id string) (*api.Tenant, error)
	GetTenantByKey(ctx context.Context, key string) (*api.Tenant, error)

	// UpdateTenantStatus writes the externally visible status. It is called
	// only by the engine's status publisher.
	UpdateTenantStatus(ctx context.Context, id string, status api.TenantStatus, reason string) error
}

// InstanceStore persists workflow instances and implements the per-instance
// lease that serializes Advance across workers.
type InstanceStore interface {
	// CreateInstance inserts a new instance. It returns api.ErrConflict when
	// the tenant already has an instance in a non-terminal status; the
	// constraint is keyed on tenant id + active flag, not on instance id.
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error

	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error

	// UpdateInstanceOwned writes the instance only if 'owner' still holds an
	// unexpired lease on it, so a worker whose lease was taken over cannot
	// clobber the new owner's progress. Returns api.ErrLeaseLost otherwise.
	UpdateInstanceOwned(ctx context.Context, inst *api.WorkflowInstance, owner string) error

	// RequestCancel sets the cancel flag without touching any other field;
	// Cancel runs outside the lease and must not overwrite in-flight state.
	RequestCancel(ctx context.Context, instanceID string) error

	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// instance. If the instance is leased by another owner and the lease has
	// not expired, it returns acquired=false, err=nil. A lease owned by the
	// same owner is re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends a lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. Idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// StepRecordStore is the append-only attempt log.
type StepRecordStore interface {
	AppendStepRecord(ctx context.Context, rec *api.StepExecutionRecord) error

	// ListStepRecords returns all records for an instance ordered by step
	// index, then attempt.
	ListStepRecords(ctx context.Context, instanceID string) ([]*api.StepExecutionRecord, error)
}

// ResourceStore is the resource ledger that drives compensation.
type ResourceStore interface {
	AppendResource(ctx context.Context, rec *api.ResourceRecord) error

	// ListResources returns all ledger records for an instance ordered by
	// step index ascending; the compensation walk reverses them.
	ListResources(ctx context.Context, instanceID string) ([]*api.ResourceRecord, error)

	// MarkCompensated stamps a record once its compensation succeeded, so an
	// interrupted rollback resumes without re-compensating.
	MarkCompensated(ctx context.Context, resourceID string, at time.Time) error
}

// Stores bundles the four stores an engine needs. A single backend value
// usually implements all of them.
type Stores struct {
	Tenants   TenantStore
	Instances InstanceStore
	Steps     StepRecordStore
	Resources ResourceStore
}
