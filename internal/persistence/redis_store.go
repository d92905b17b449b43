package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tenantkit/provisor/pkg/api"
)

// RedisStore implements all four stores on Redis. Key layout:
//
//	<prefix>tenant:<id>       JSON tenant payload
//	<prefix>tenantkey:<key>   tenant id (SET NX enforces slug uniqueness)
//	<prefix>inst:<id>         JSON instance payload
//	<prefix>active:<tenant>   instance id (SET NX enforces one active instance)
//	<prefix>idx:instances     SET of all instance ids
//	<prefix>steps:<inst>      LIST of JSON step records (append-only)
//	<prefix>res:<id>          JSON resource record
//	<prefix>residx:<inst>     LIST of resource record ids
//	<prefix>lease:<inst>      lease owner, PX-expiring, managed by Lua scripts
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ TenantStore     = (*RedisStore)(nil)
	_ InstanceStore   = (*RedisStore)(nil)
	_ StepRecordStore = (*RedisStore)(nil)
	_ ResourceStore   = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore. prefix is optional but recommended
// (e.g. "provisor:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "provisor:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Stores returns a Stores value with every role backed by this RedisStore.
func (r *RedisStore) Stores() Stores {
	return Stores{Tenants: r, Instances: r, Steps: r, Resources: r}
}

func (r *RedisStore) keyTenant(id string) string     { return r.prefix + "tenant:" + id }
func (r *RedisStore) keyTenantKey(key string) string { return r.prefix + "tenantkey:" + key }
func (r *RedisStore) keyInstance(id string) string   { return r.prefix + "inst:" + id }
func (r *RedisStore) keyActive(tenantID string) string {
	return r.prefix + "active:" + tenantID
}
func (r *RedisStore) keyInstanceIndex() string    { return r.prefix + "idx:instances" }
func (r *RedisStore) keySteps(instID string) string { return r.prefix + "steps:" + instID }
func (r *RedisStore) keyResource(id string) string  { return r.prefix + "res:" + id }
func (r *RedisStore) keyResourceIndex(instID string) string {
	return r.prefix + "residx:" + instID
}
func (r *RedisStore) keyLease(instID string) string { return r.prefix + "lease:" + instID }

type redisTenantPayload struct {
	ID           string        `json:"id"`
	Key          string        `json:"key"`
	DisplayName  string        `json:"display_name"`
	Tier         string        `json:"tier"`
	Region       string        `json:"region"`
	Domains      []string      `json:"domains"`
	Contacts     []api.Contact `json:"contacts"`
	Status       string        `json:"status"`
	StatusReason string        `json:"status_reason"`
	CreatedAt    int64         `json:"created_at"`
	UpdatedAt    int64         `json:"updated_at"`
}

type redisInstancePayload struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenant_id"`
	Kind             string                 `json:"kind"`
	Status           string                 `json:"status"`
	CurrentStep      int                    `json:"current_step"`
	Attempt          int                    `json:"attempt"`
	StepOutputs      map[int]map[string]any `json:"step_outputs,omitempty"`
	PendingToken     string                 `json:"pending_token,omitempty"`
	CancelRequested  bool                   `json:"cancel_requested,omitempty"`
	Error            string                 `json:"error,omitempty"`
	FailedResourceID string                 `json:"failed_resource_id,omitempty"`
	CreatedAt        int64                  `json:"created_at"`
	UpdatedAt        int64                  `json:"updated_at"`
}

func encodeRedisInstance(inst *api.WorkflowInstance) ([]byte, error) {
	return json.Marshal(redisInstancePayload{
		ID:               inst.ID,
		TenantID:         inst.TenantID,
		Kind:             string(inst.Kind),
		Status:           string(inst.Status),
		CurrentStep:      inst.CurrentStep,
		Attempt:          inst.Attempt,
		StepOutputs:      inst.StepOutputs,
		PendingToken:     inst.PendingToken,
		CancelRequested:  inst.CancelRequested,
		Error:            inst.Error,
		FailedResourceID: inst.FailedResourceID,
		CreatedAt:        inst.CreatedAt.UnixNano(),
		UpdatedAt:        inst.UpdatedAt.UnixNano(),
	})
}

func decodeRedisInstance(data []byte) (*api.WorkflowInstance, error) {
	var p redisInstancePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &api.WorkflowInstance{
		ID:               p.ID,
		TenantID:         p.TenantID,
		Kind:             api.WorkflowKind(p.Kind),
		Status:           api.InstanceStatus(p.Status),
		CurrentStep:      p.CurrentStep,
		Attempt:          p.Attempt,
		StepOutputs:      p.StepOutputs,
		PendingToken:     p.PendingToken,
		CancelRequested:  p.CancelRequested,
		Error:            p.Error,
		FailedResourceID: p.FailedResourceID,
		CreatedAt:        time.Unix(0, p.CreatedAt),
		UpdatedAt:        time.Unix(0, p.UpdatedAt),
	}, nil
}

func (r *RedisStore) CreateTenant(ctx context.Context, t *api.Tenant) error {
	ok, err := r.client.SetNX(ctx, r.keyTenantKey(t.Key), t.ID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrConflict
	}

	data, err := json.Marshal(redisTenantPayload{
		ID: t.ID, Key: t.Key, DisplayName: t.DisplayName, Tier: t.Tier,
		Region: t.Region, Domains: t.Domains, Contacts: t.Contacts,
		Status: string(t.Status), StatusReason: t.StatusReason,
		CreatedAt: t.CreatedAt.UnixNano(), UpdatedAt: t.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyTenant(t.ID), data, 0).Err()
}

func (r *RedisStore) getTenantPayload(ctx context.Context, id string) (*redisTenantPayload, error) {
	data, err := r.client.Get(ctx, r.keyTenant(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrTenantNotFound
		}
		return nil, err
	}
	var p redisTenantPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func tenantFromPayload(p *redisTenantPayload) *api.Tenant {
	return &api.Tenant{
		ID: p.ID, Key: p.Key, DisplayName: p.DisplayName, Tier: p.Tier,
		Region: p.Region, Domains: p.Domains, Contacts: p.Contacts,
		Status: api.TenantStatus(p.Status), StatusReason: p.StatusReason,
		CreatedAt: time.Unix(0, p.CreatedAt), UpdatedAt: time.Unix(0, p.UpdatedAt),
	}
}

func (r *RedisStore) GetTenant(ctx context.Context, id string) (*api.Tenant, error) {
	p, err := r.getTenantPayload(ctx, id)
	if err != nil {
		return nil, err
	}
	return tenantFromPayload(p), nil
}

func (r *RedisStore) GetTenantByKey(ctx context.Context, key string) (*api.Tenant, error) {
	id, err := r.client.Get(ctx, r.keyTenantKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrTenantNotFound
		}
		return nil, err
	}
	return r.GetTenant(ctx, id)
}

func (r *RedisStore) UpdateTenantStatus(ctx context.Context, id string, status api.TenantStatus, reason string) error {
	p, err := r.getTenantPayload(ctx, id)
	if err != nil {
		return err
	}
	p.Status = string(status)
	p.StatusReason = reason
	p.UpdatedAt = time.Now().UnixNano()

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyTenant(id), data, 0).Err()
}

func (r *RedisStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	// The active marker is the uniqueness constraint: one active instance
	// per tenant, claimed atomically.
	ok, err := r.client.SetNX(ctx, r.keyActive(inst.TenantID), inst.ID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrConflict
	}

	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.keyInstance(inst.ID), data, 0).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.keyInstanceIndex(), inst.ID).Err()
}

// redisClearActiveLua drops the active marker only if it still points at the
// instance being finalized.
const redisClearActiveLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

func (r *RedisStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	exists, err := r.client.Exists(ctx, r.keyInstance(inst.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return api.ErrInstanceNotFound
	}

	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.keyInstance(inst.ID), data, 0).Err(); err != nil {
		return err
	}

	if inst.Status.Terminal() {
		return r.client.Eval(ctx, redisClearActiveLua,
			[]string{r.keyActive(inst.TenantID)}, inst.ID).Err()
	}
	return nil
}

// redisOwnedUpdateLua writes the instance payload only while the caller still
// holds the lease key, so a stale worker cannot overwrite the new owner.
const redisOwnedUpdateLua = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
if ARGV[3] == '1' and redis.call('GET', KEYS[3]) == ARGV[4] then
	redis.call('DEL', KEYS[3])
end
return 1
`

func (r *RedisStore) UpdateInstanceOwned(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	exists, err := r.client.Exists(ctx, r.keyInstance(inst.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return api.ErrInstanceNotFound
	}

	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}
	terminal := "0"
	if inst.Status.Terminal() {
		terminal = "1"
	}
	res, err := r.client.Eval(ctx, redisOwnedUpdateLua,
		[]string{r.keyLease(inst.ID), r.keyInstance(inst.ID), r.keyActive(inst.TenantID)},
		owner, data, terminal, inst.ID).Result()
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return api.ErrLeaseLost
	}
	return nil
}

func (r *RedisStore) RequestCancel(ctx context.Context, instanceID string) error {
	inst, err := r.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst.CancelRequested = true
	inst.UpdatedAt = time.Now()
	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyInstance(instanceID), data, 0).Err()
}

func (r *RedisStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := r.client.Get(ctx, r.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisInstance(data)
}

func (r *RedisStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	ids, err := r.client.SMembers(ctx, r.keyInstanceIndex()).Result()
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowInstance
	for _, id := range ids {
		inst, err := r.GetInstance(ctx, id)
		if err != nil {
			if errors.Is(err, api.ErrInstanceNotFound) {
				continue
			}
			return nil, err
		}
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
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

const redisLeaseAcquireLua = `
local cur = redis.call('GET', KEYS[1])
if not cur or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`

const redisLeaseRenewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`

const redisLeaseReleaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

func (r *RedisStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	exists, err := r.client.Exists(ctx, r.keyInstance(instanceID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, api.ErrInstanceNotFound
	}

	res, err := r.client.Eval(ctx, redisLeaseAcquireLua,
		[]string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (r *RedisStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseRenewLua,
		[]string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return api.ErrLeaseLost
	}
	return nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	return r.client.Eval(ctx, redisLeaseReleaseLua,
		[]string{r.keyLease(instanceID)}, owner).Err()
}

type redisStepPayload struct {
	InstanceID string         `json:"instance_id"`
	StepIndex  int            `json:"step_index"`
	Attempt    int            `json:"attempt"`
	StepName   string         `json:"step_name"`
	Status     string         `json:"status"`
	StartedAt  int64          `json:"started_at"`
	FinishedAt int64          `json:"finished_at"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (r *RedisStore) AppendStepRecord(ctx context.Context, rec *api.StepExecutionRecord) error {
	data, err := json.Marshal(redisStepPayload{
		InstanceID: rec.InstanceID, StepIndex: rec.StepIndex, Attempt: rec.Attempt,
		StepName: rec.StepName, Status: string(rec.Status),
		StartedAt: rec.StartedAt.UnixNano(), FinishedAt: rec.FinishedAt.UnixNano(),
		Output: rec.Output, Error: rec.Error,
	})
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.keySteps(rec.InstanceID), data).Err()
}

func (r *RedisStore) ListStepRecords(ctx context.Context, instanceID string) ([]*api.StepExecutionRecord, error) {
	items, err := r.client.LRange(ctx, r.keySteps(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*api.StepExecutionRecord, 0, len(items))
	for _, item := range items {
		var p redisStepPayload
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, err
		}
		out = append(out, &api.StepExecutionRecord{
			InstanceID: p.InstanceID, StepIndex: p.StepIndex, Attempt: p.Attempt,
			StepName: p.StepName, Status: api.StepStatus(p.Status),
			StartedAt: time.Unix(0, p.StartedAt), FinishedAt: time.Unix(0, p.FinishedAt),
			Output: p.Output, Error: p.Error,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

type redisResourcePayload struct {
	ID            string         `json:"id"`
	InstanceID    string         `json:"instance_id"`
	StepIndex     int            `json:"step_index"`
	Type          string         `json:"type"`
	ExternalID    string         `json:"external_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	CompensatedAt int64          `json:"compensated_at,omitempty"`
}

func resourceFromPayload(p *redisResourcePayload) *api.ResourceRecord {
	rec := &api.ResourceRecord{
		ID: p.ID, InstanceID: p.InstanceID, StepIndex: p.StepIndex,
		Type: api.ResourceType(p.Type), ExternalID: p.ExternalID,
		Metadata: p.Metadata, CreatedAt: time.Unix(0, p.CreatedAt),
	}
	if p.CompensatedAt != 0 {
		at := time.Unix(0, p.CompensatedAt)
		rec.CompensatedAt = &at
	}
	return rec
}

func (r *RedisStore) AppendResource(ctx context.Context, rec *api.ResourceRecord) error {
	data, err := json.Marshal(redisResourcePayload{
		ID: rec.ID, InstanceID: rec.InstanceID, StepIndex: rec.StepIndex,
		Type: string(rec.Type), ExternalID: rec.ExternalID,
		Metadata: rec.Metadata, CreatedAt: rec.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.keyResource(rec.ID), data, 0).Err(); err != nil {
		return err
	}
	return r.client.RPush(ctx, r.keyResourceIndex(rec.InstanceID), rec.ID).Err()
}

func (r *RedisStore) ListResources(ctx context.Context, instanceID string) ([]*api.ResourceRecord, error) {
	ids, err := r.client.LRange(ctx, r.keyResourceIndex(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*api.ResourceRecord, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.keyResource(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var p redisResourcePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		out = append(out, resourceFromPayload(&p))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (r *RedisStore) MarkCompensated(ctx context.Context, resourceID string, at time.Time) error {
	data, err := r.client.Get(ctx, r.keyResource(resourceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.ErrInstanceNotFound
		}
		return err
	}
	var p redisResourcePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.CompensatedAt = at.UnixNano()

	updated, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyResource(resourceID), updated, 0).Err()
}
