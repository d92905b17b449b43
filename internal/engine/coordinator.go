package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tenantkit/provisor/internal/persistence"
	"github.com/tenantkit/provisor/internal/taskqueue"
	"github.com/tenantkit/provisor/pkg/api"
)

const (
	defaultLeaseTTL     = 30 * time.Second
	defaultPollInterval = 5 * time.Second
)

// Config carries everything a Coordinator needs. Stores, Activities and Flows
// are required; the rest defaults sensibly.
type Config struct {
	Stores     persistence.Stores
	Activities map[string]api.Activity
	Flows      map[api.WorkflowKind]api.FlowDefinition

	// Queue receives advance tasks for newly started, suspended and recovered
	// instances. Nil is allowed for embedded use where the caller drives
	// Advance itself (the local runner does this).
	Queue taskqueue.Queue

	Observer api.Observer
	Logger   *zap.Logger

	// LeaseTTL bounds how long a crashed worker can block an instance.
	LeaseTTL time.Duration

	// PollInterval is how long a suspended instance waits before its next
	// status poll.
	PollInterval time.Duration
}

// Coordinator implements api.Engine: it owns instance state transitions and
// delegates step execution, rollback and tenant status projection.
type Coordinator struct {
	stores       persistence.Stores
	queue        taskqueue.Queue
	flows        map[api.WorkflowKind]api.FlowDefinition
	observer     api.Observer
	logger       *zap.Logger
	leaseTTL     time.Duration
	pollInterval time.Duration

	exec      *stepExecutor
	comp      *compensator
	publisher *statusPublisher
}

var _ api.Engine = (*Coordinator)(nil)

// New validates cfg and builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Stores.Tenants == nil || cfg.Stores.Instances == nil || cfg.Stores.Steps == nil || cfg.Stores.Resources == nil {
		return nil, fmt.Errorf("engine: all four stores are required")
	}
	if len(cfg.Flows) == 0 {
		return nil, fmt.Errorf("engine: at least one flow definition is required")
	}
	for kind, flow := range cfg.Flows {
		if len(flow.Steps) == 0 {
			return nil, fmt.Errorf("engine: flow %s has no steps", kind)
		}
		for _, step := range flow.Steps {
			if _, ok := cfg.Activities[step.Activity]; !ok {
				return nil, fmt.Errorf("engine: flow %s step %s: activity %q not registered", kind, step.Name, step.Activity)
			}
			if step.Compensation != "" {
				if _, ok := cfg.Activities[step.Compensation]; !ok {
					return nil, fmt.Errorf("engine: flow %s step %s: compensation activity %q not registered", kind, step.Name, step.Compensation)
				}
			}
		}
	}

	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	c := &Coordinator{
		stores:       cfg.Stores,
		queue:        cfg.Queue,
		flows:        cfg.Flows,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		leaseTTL:     cfg.LeaseTTL,
		pollInterval: cfg.PollInterval,
	}
	c.exec = &stepExecutor{
		activities: cfg.Activities,
		instances:  cfg.Stores.Instances,
		steps:      cfg.Stores.Steps,
		resources:  cfg.Stores.Resources,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
	}
	c.comp = &compensator{
		activities:   cfg.Activities,
		resources:    cfg.Stores.Resources,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
	}
	c.publisher = &statusPublisher{
		tenants:  cfg.Stores.Tenants,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
	return c, nil
}

func (c *Coordinator) CreateTenant(ctx context.Context, req api.NewTenant) (*api.Tenant, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, &api.ValidationError{Msg: "tenant key is required"}
	}
	now := time.Now()
	t := &api.Tenant{
		ID:          uuid.NewString(),
		Key:         key,
		DisplayName: req.DisplayName,
		Tier:        req.Tier,
		Region:      req.Region,
		Domains:     req.Domains,
		Contacts:    req.Contacts,
		Status:      api.TenantCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.stores.Tenants.CreateTenant(ctx, t); err != nil {
		return nil, err
	}
	c.logger.Info("tenant created", zap.String("tenant_id", t.ID), zap.String("tenant_key", t.Key))
	return t, nil
}

func (c *Coordinator) Provision(ctx context.Context, tenantID string) (string, error) {
	return c.start(ctx, tenantID, api.KindProvision)
}

func (c *Coordinator) Deprovision(ctx context.Context, tenantID string) (string, error) {
	return c.start(ctx, tenantID, api.KindDeprovision)
}

func (c *Coordinator) start(ctx context.Context, tenantID string, kind api.WorkflowKind) (string, error) {
	if _, ok := c.flows[kind]; !ok {
		return "", &api.ValidationError{Msg: "no flow registered for kind " + string(kind)}
	}
	tenant, err := c.stores.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	inst := &api.WorkflowInstance{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		Kind:        kind,
		Status:      api.StatusRunning,
		StepOutputs: map[int]map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// The store enforces one active instance per tenant; a conflicting start
	// surfaces here as api.ErrConflict with nothing written.
	if err := c.stores.Instances.CreateInstance(ctx, inst); err != nil {
		return "", err
	}

	c.observer.OnWorkflowStart(ctx, inst)
	c.publisher.workflowStarted(ctx, inst)
	c.enqueueAdvance(ctx, inst.ID, time.Time{})
	return inst.ID, nil
}

// Advance drives inst as far as it can go under a single lease: consecutive
// ready steps run back to back, and control returns to the scheduler only on
// suspension, terminal state, or lease trouble. A background heartbeat renews
// the lease for the whole call, including retry backoffs and the compensation
// walk, so attempts longer than the TTL stay exclusive.
func (c *Coordinator) Advance(ctx context.Context, instanceID string) error {
	owner := uuid.NewString()
	acquired, err := c.stores.Instances.TryAcquireLease(ctx, instanceID, owner, c.leaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return api.ErrLeaseLost
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := c.stores.Instances.ReleaseLease(releaseCtx, instanceID, owner); err != nil {
			c.logger.Warn("release lease", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}()

	// The work context is cancelled the moment a renewal fails, so an attempt
	// already in flight stops before another worker can take the lease over.
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(c.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-workCtx.Done():
				return
			case <-ticker.C:
				if err := c.stores.Instances.RenewLease(workCtx, instanceID, owner, c.leaseTTL); err != nil {
					if workCtx.Err() == nil {
						c.logger.Warn("lease renewal failed", zap.String("instance_id", instanceID), zap.Error(err))
						leaseLost.Store(true)
						cancelWork()
					}
					return
				}
			}
		}
	}()
	defer func() {
		cancelWork()
		<-hbDone
	}()
	ctx = workCtx

	inst, err := c.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	tenant, err := c.stores.Tenants.GetTenant(ctx, inst.TenantID)
	if err != nil {
		return err
	}
	flow := c.flows[inst.Kind]

	for {
		if ctx.Err() != nil {
			if leaseLost.Load() {
				return api.ErrLeaseLost
			}
			return ctx.Err()
		}
		if inst.Status.Terminal() {
			return nil
		}

		if inst.Status == api.StatusRunning && inst.CancelRequested {
			inst.Error = "cancelled by operator"
			inst.PendingToken = ""
			if inst.Kind == api.KindProvision {
				inst.Status = api.StatusCompensating
				if err := c.updateInstance(ctx, inst, owner); err != nil {
					return err
				}
				continue
			}
			// Teardown steps have no compensations; a cancelled deprovision
			// just stops where it is.
			return c.fail(ctx, inst, owner, fmt.Errorf("cancelled by operator"))
		}

		switch inst.Status {
		case api.StatusRunning:
			if inst.CurrentStep >= len(flow.Steps) {
				return c.complete(ctx, inst, owner)
			}
			step := flow.Steps[inst.CurrentStep]
			out := c.exec.run(ctx, tenant, inst, step, inst.CurrentStep, owner)

			switch out.kind {
			case outcomeSuccess:
				if inst.StepOutputs == nil {
					inst.StepOutputs = map[int]map[string]any{}
				}
				inst.StepOutputs[inst.CurrentStep] = out.output
				inst.CurrentStep++
				inst.Attempt = 0
				inst.PendingToken = ""
				if err := c.updateInstance(ctx, inst, owner); err != nil {
					return err
				}

			case outcomeSuspend:
				inst.PendingToken = out.token
				if err := c.updateInstance(ctx, inst, owner); err != nil {
					return err
				}
				c.enqueueAdvance(ctx, inst.ID, time.Now().Add(c.pollInterval))
				return nil

			case outcomeFatal:
				inst.Error = out.err.Error()
				inst.PendingToken = ""
				if inst.Kind == api.KindDeprovision {
					// Teardown has no compensations to run; the instance
					// fails in place for an operator to inspect.
					return c.fail(ctx, inst, owner, out.err)
				}
				inst.Status = api.StatusCompensating
				if err := c.updateInstance(ctx, inst, owner); err != nil {
					return err
				}

			case outcomeAbort:
				// A lost lease means another worker owns the instance now;
				// writing anything back would clobber its progress.
				if leaseLost.Load() || errors.Is(out.err, api.ErrLeaseLost) {
					return api.ErrLeaseLost
				}
				if err := c.updateInstance(ctx, inst, owner); err != nil {
					c.logger.Warn("persist on abort", zap.String("instance_id", inst.ID), zap.Error(err))
				}
				return out.err
			}

		case api.StatusCompensating:
			err := c.comp.run(ctx, tenant, inst, flow)
			if err == nil {
				inst.Status = api.StatusCompensated
				if uerr := c.updateInstance(ctx, inst, owner); uerr != nil {
					return uerr
				}
				c.observer.OnWorkflowCompensated(ctx, inst)
				c.publisher.workflowCompensated(ctx, inst)
				return nil
			}
			if ctx.Err() != nil {
				// Interrupted, not failed: compensated records are stamped,
				// so the next Advance resumes where this one stopped.
				if leaseLost.Load() {
					return api.ErrLeaseLost
				}
				return err
			}
			return c.failCompensation(ctx, inst, owner, err)

		default:
			return nil
		}
	}
}

func (c *Coordinator) Cancel(ctx context.Context, instanceID string) error {
	inst, err := c.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return &api.ValidationError{Msg: "instance " + instanceID + " is already terminal"}
	}
	// Flag-only write: Cancel runs without the lease, so it must not touch
	// any field a leased Advance may be updating concurrently.
	if err := c.stores.Instances.RequestCancel(ctx, instanceID); err != nil {
		return err
	}
	c.logger.Info("cancel requested", zap.String("instance_id", instanceID))
	c.enqueueAdvance(ctx, instanceID, time.Time{})
	return nil
}

func (c *Coordinator) GetTenant(ctx context.Context, id string) (*api.Tenant, error) {
	return c.stores.Tenants.GetTenant(ctx, id)
}

func (c *Coordinator) GetTenantByKey(ctx context.Context, key string) (*api.Tenant, error) {
	return c.stores.Tenants.GetTenantByKey(ctx, key)
}

func (c *Coordinator) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return c.stores.Instances.GetInstance(ctx, id)
}

func (c *Coordinator) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return c.stores.Instances.ListInstances(ctx, opts)
}

func (c *Coordinator) ListStepRecords(ctx context.Context, instanceID string) ([]*api.StepExecutionRecord, error) {
	return c.stores.Steps.ListStepRecords(ctx, instanceID)
}

func (c *Coordinator) ListResources(ctx context.Context, instanceID string) ([]*api.ResourceRecord, error) {
	return c.stores.Resources.ListResources(ctx, instanceID)
}

// RecoverStuckInstances re-enqueues an advance task for every non-terminal
// instance. Expired leases are not touched here; the next Advance simply
// takes them over.
func (c *Coordinator) RecoverStuckInstances(ctx context.Context) (int, error) {
	if c.queue == nil {
		return 0, nil
	}
	insts, err := c.stores.Instances.ListInstances(ctx, api.InstanceListOptions{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	for _, inst := range insts {
		c.enqueueAdvance(ctx, inst.ID, time.Time{})
	}
	if len(insts) > 0 {
		c.logger.Info("recovered stuck instances", zap.Int("count", len(insts)))
	}
	return len(insts), nil
}

func (c *Coordinator) complete(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	inst.Status = api.StatusCompleted
	if err := c.updateInstance(ctx, inst, owner); err != nil {
		return err
	}
	c.observer.OnWorkflowCompleted(ctx, inst)
	c.publisher.workflowCompleted(ctx, inst)
	return nil
}

func (c *Coordinator) fail(ctx context.Context, inst *api.WorkflowInstance, owner string, cause error) error {
	inst.Status = api.StatusFailed
	if inst.Error == "" && cause != nil {
		inst.Error = cause.Error()
	}
	if err := c.updateInstance(ctx, inst, owner); err != nil {
		return err
	}
	c.observer.OnWorkflowFailed(ctx, inst, cause)
	c.publisher.workflowFailed(ctx, inst, cause)
	return nil
}

func (c *Coordinator) failCompensation(ctx context.Context, inst *api.WorkflowInstance, owner string, cause error) error {
	var cf *api.CompensationFailure
	if errors.As(cause, &cf) {
		inst.FailedResourceID = cf.ResourceID
	}
	inst.Error = cause.Error()
	inst.Status = api.StatusFailed
	if err := c.updateInstance(ctx, inst, owner); err != nil {
		return err
	}
	c.observer.OnWorkflowFailed(ctx, inst, cause)
	c.publisher.compensationFailed(ctx, inst, cause)
	return nil
}

// updateInstance persists through the lease fence: the write lands only while
// this Advance still owns the instance.
func (c *Coordinator) updateInstance(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	inst.UpdatedAt = time.Now()
	return c.stores.Instances.UpdateInstanceOwned(ctx, inst, owner)
}

func (c *Coordinator) enqueueAdvance(ctx context.Context, instanceID string, notBefore time.Time) {
	if c.queue == nil {
		return
	}
	t := taskqueue.Task{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
		NotBefore:  notBefore,
	}
	if err := c.queue.Enqueue(ctx, t); err != nil {
		c.logger.Error("enqueue advance task", zap.String("instance_id", instanceID), zap.Error(err))
	}
}
