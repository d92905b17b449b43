package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tenantkit/provisor/pkg/api"
)

// MemoryStore is an in-process implementation of all four stores, intended
// for tests and single-process development setups.
type MemoryStore struct {
	mu sync.Mutex

	tenants     map[string]*api.Tenant
	tenantByKey map[string]string

	instances map[string]*api.WorkflowInstance

	steps     map[string][]*api.StepExecutionRecord
	resources map[string][]*api.ResourceRecord
	byResID   map[string]*api.ResourceRecord
}

var (
	_ TenantStore     = (*MemoryStore)(nil)
	_ InstanceStore   = (*MemoryStore)(nil)
	_ StepRecordStore = (*MemoryStore)(nil)
	_ ResourceStore   = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]*api.Tenant),
		tenantByKey: make(map[string]string),
		instances:   make(map[string]*api.WorkflowInstance),
		steps:       make(map[string][]*api.StepExecutionRecord),
		resources:   make(map[string][]*api.ResourceRecord),
		byResID:     make(map[string]*api.ResourceRecord),
	}
}

// Stores returns a Stores value with every role backed by this MemoryStore.
func (m *MemoryStore) Stores() Stores {
	return Stores{Tenants: m, Instances: m, Steps: m, Resources: m}
}

func copyTenant(t *api.Tenant) *api.Tenant {
	c := *t
	c.Domains = append([]string(nil), t.Domains...)
	c.Contacts = append([]api.Contact(nil), t.Contacts...)
	return &c
}

func copyInstance(inst *api.WorkflowInstance) *api.WorkflowInstance {
	c := *inst
	if inst.StepOutputs != nil {
		c.StepOutputs = make(map[int]map[string]any, len(inst.StepOutputs))
		for k, v := range inst.StepOutputs {
			out := make(map[string]any, len(v))
			for ok, ov := range v {
				out[ok] = ov
			}
			c.StepOutputs[k] = out
		}
	}
	return &c
}

func (m *MemoryStore) CreateTenant(ctx context.Context, t *api.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenantByKey[t.Key]; exists {
		return api.ErrConflict
	}
	m.tenants[t.ID] = copyTenant(t)
	m.tenantByKey[t.Key] = t.ID
	return nil
}

func (m *MemoryStore) GetTenant(ctx context.Context, id string) (*api.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, api.ErrTenantNotFound
	}
	return copyTenant(t), nil
}

func (m *MemoryStore) GetTenantByKey(ctx context.Context, key string) (*api.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.tenantByKey[key]
	if !ok {
		return nil, api.ErrTenantNotFound
	}
	return copyTenant(m.tenants[id]), nil
}

func (m *MemoryStore) UpdateTenantStatus(ctx context.Context, id string, status api.TenantStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return api.ErrTenantNotFound
	}
	t.Status = status
	t.StatusReason = reason
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.instances {
		if other.TenantID == inst.TenantID && other.Status.Active() {
			return api.ErrConflict
		}
	}
	m.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (m *MemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.instances[inst.ID]
	if !ok {
		return api.ErrInstanceNotFound
	}
	// The lease fields are owned by the lease methods; carry them over.
	c := copyInstance(inst)
	c.LeaseOwner = stored.LeaseOwner
	c.LeaseExpiresAt = stored.LeaseExpiresAt
	c.UpdatedAt = time.Now()
	m.instances[inst.ID] = c
	return nil
}

func (m *MemoryStore) UpdateInstanceOwned(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.instances[inst.ID]
	if !ok {
		return api.ErrInstanceNotFound
	}
	if stored.LeaseOwner != owner || !stored.LeaseExpiresAt.After(time.Now()) {
		return api.ErrLeaseLost
	}
	c := copyInstance(inst)
	c.LeaseOwner = stored.LeaseOwner
	c.LeaseExpiresAt = stored.LeaseExpiresAt
	c.UpdatedAt = time.Now()
	m.instances[inst.ID] = c
	return nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return api.ErrInstanceNotFound
	}
	inst.CancelRequested = true
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	return copyInstance(inst), nil
}

func (m *MemoryStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*api.WorkflowInstance
	for _, inst := range m.instances {
		if opts.TenantID != "" && inst.TenantID != opts.TenantID {
			continue
		}
		if opts.Kind != "" && inst.Kind != opts.Kind {
			continue
		}
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		if opts.ActiveOnly && !inst.Status.Active() {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return false, api.ErrInstanceNotFound
	}

	now := time.Now()
	if inst.LeaseOwner != "" && inst.LeaseOwner != owner && inst.LeaseExpiresAt.After(now) {
		return false, nil
	}
	inst.LeaseOwner = owner
	inst.LeaseExpiresAt = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return api.ErrInstanceNotFound
	}
	if inst.LeaseOwner != owner {
		return api.ErrLeaseLost
	}
	inst.LeaseExpiresAt = time.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return nil
	}
	if inst.LeaseOwner == owner {
		inst.LeaseOwner = ""
		inst.LeaseExpiresAt = time.Time{}
	}
	return nil
}

func (m *MemoryStore) AppendStepRecord(ctx context.Context, rec *api.StepExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *rec
	m.steps[rec.InstanceID] = append(m.steps[rec.InstanceID], &c)
	return nil
}

func (m *MemoryStore) ListStepRecords(ctx context.Context, instanceID string) ([]*api.StepExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.steps[instanceID]
	out := make([]*api.StepExecutionRecord, len(recs))
	for i, r := range recs {
		c := *r
		out[i] = &c
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (m *MemoryStore) AppendResource(ctx context.Context, rec *api.ResourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *rec
	m.resources[rec.InstanceID] = append(m.resources[rec.InstanceID], &c)
	m.byResID[rec.ID] = &c
	return nil
}

func (m *MemoryStore) ListResources(ctx context.Context, instanceID string) ([]*api.ResourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.resources[instanceID]
	out := make([]*api.ResourceRecord, len(recs))
	for i, r := range recs {
		c := *r
		if r.CompensatedAt != nil {
			at := *r.CompensatedAt
			c.CompensatedAt = &at
		}
		out[i] = &c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (m *MemoryStore) MarkCompensated(ctx context.Context, resourceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byResID[resourceID]
	if !ok {
		return api.ErrInstanceNotFound
	}
	rec.CompensatedAt = &at
	return nil
}
