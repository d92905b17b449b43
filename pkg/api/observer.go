package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when an instance is created, before
	// the first step runs.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowCompleted is called when an instance reaches COMPLETED.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowCompensated is called when a rollback finishes cleanly and
	// the instance reaches COMPENSATED.
	OnWorkflowCompensated(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance reaches FAILED, either
	// because a deprovision step failed or because compensation halted.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStepStart is called before each step attempt.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex, attempt int)

	// OnStepCompleted is called after a step attempt returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex int, err error, duration time.Duration)

	// OnStepSuspended is called when a step parks on an asynchronous remote
	// operation and the instance is handed back to the scheduler.
	OnStepSuspended(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex int, token string)

	// OnResourceRecorded is called right after a ledger record is written.
	OnResourceRecorded(ctx context.Context, inst *WorkflowInstance, rec *ResourceRecord)

	// OnCompensationCompleted is called after each compensation attempt
	// sequence finishes for one resource record.
	OnCompensationCompleted(ctx context.Context, inst *WorkflowInstance, rec *ResourceRecord, err error, duration time.Duration)

	// OnTenantStatus is called whenever the status publisher writes a new
	// tenant status.
	OnTenantStatus(ctx context.Context, tenantID string, status TenantStatus, reason string)
}

// NoopObserver is the default Observer; it does nothing.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(context.Context, *WorkflowInstance)       {}
func (NoopObserver) OnWorkflowCompleted(context.Context, *WorkflowInstance)   {}
func (NoopObserver) OnWorkflowCompensated(context.Context, *WorkflowInstance) {}
func (NoopObserver) OnWorkflowFailed(context.Context, *WorkflowInstance, error) {
}
func (NoopObserver) OnStepStart(context.Context, *WorkflowInstance, string, int, int) {}
func (NoopObserver) OnStepCompleted(context.Context, *WorkflowInstance, string, int, error, time.Duration) {
}
func (NoopObserver) OnStepSuspended(context.Context, *WorkflowInstance, string, int, string) {}
func (NoopObserver) OnResourceRecorded(context.Context, *WorkflowInstance, *ResourceRecord) {}
func (NoopObserver) OnCompensationCompleted(context.Context, *WorkflowInstance, *ResourceRecord, error, time.Duration) {
}
func (NoopObserver) OnTenantStatus(context.Context, string, TenantStatus, string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowCompensated(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompensated(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, stepName, stepIndex, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, stepName, stepIndex, err, d)
	}
}

func (c *CompositeObserver) OnStepSuspended(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex int, token string) {
	for _, o := range c.observers {
		o.OnStepSuspended(ctx, inst, stepName, stepIndex, token)
	}
}

func (c *CompositeObserver) OnResourceRecorded(ctx context.Context, inst *WorkflowInstance, rec *ResourceRecord) {
	for _, o := range c.observers {
		o.OnResourceRecorded(ctx, inst, rec)
	}
}

func (c *CompositeObserver) OnCompensationCompleted(ctx context.Context, inst *WorkflowInstance, rec *ResourceRecord, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnCompensationCompleted(ctx, inst, rec, err, d)
	}
}

func (c *CompositeObserver) OnTenantStatus(ctx context.Context, tenantID string, status TenantStatus, reason string) {
	for _, o := range c.observers {
		o.OnTenantStatus(ctx, tenantID, status, reason)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / step lifecycle
// events. If logger is nil, zap.NewNop() is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) instFields(inst *WorkflowInstance) []zap.Field {
	return []zap.Field{
		zap.String("instance_id", inst.ID),
		zap.String("tenant_id", inst.TenantID),
		zap.String("kind", string(inst.Kind)),
	}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.Info("workflow_start", o.instFields(inst)...)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.Info("workflow_completed", o.instFields(inst)...)
}

func (o *LoggingObserver) OnWorkflowCompensated(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.Warn("workflow_compensated", o.instFields(inst)...)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.Error("workflow_failed", append(o.instFields(inst), zap.Error(err))...)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex, attempt int) {
	o.Logger.Debug("step_start", append(o.instFields(inst),
		zap.String("step", stepName),
		zap.Int("step_index", stepIndex),
		zap.Int("attempt", attempt),
	)...)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex int, err error, d time.Duration) {
	fields := append(o.instFields(inst),
		zap.String("step", stepName),
		zap.Int("step_index", stepIndex),
		zap.Duration("duration", d),
	)
	if err != nil {
		o.Logger.Warn("step_failed", append(fields, zap.Error(err))...)
		return
	}
	o.Logger.Info("step_completed", fields...)
}

func (o *LoggingObserver) OnStepSuspended(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex int, token string) {
	o.Logger.Info("step_suspended", append(o.instFields(inst),
		zap.String("step", stepName),
		zap.Int("step_index", stepIndex),
		zap.String("token", token),
	)...)
}

func (o *LoggingObserver) OnResourceRecorded(ctx context.Context, inst *WorkflowInstance, rec *ResourceRecord) {
	o.Logger.Info("resource_recorded", append(o.instFields(inst),
		zap.String("resource_type", string(rec.Type)),
		zap.String("external_id", rec.ExternalID),
		zap.Int("step_index", rec.StepIndex),
	)...)
}

func (o *LoggingObserver) OnCompensationCompleted(ctx context.Context, inst *WorkflowInstance, rec *ResourceRecord, err error, d time.Duration) {
	fields := append(o.instFields(inst),
		zap.String("resource_type", string(rec.Type)),
		zap.String("external_id", rec.ExternalID),
		zap.Duration("duration", d),
	)
	if err != nil {
		o.Logger.Error("compensation_failed", append(fields, zap.Error(err))...)
		return
	}
	o.Logger.Info("compensation_completed", fields...)
}

func (o *LoggingObserver) OnTenantStatus(ctx context.Context, tenantID string, status TenantStatus, reason string) {
	o.Logger.Info("tenant_status",
		zap.String("tenant_id", tenantID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
}

// BasicMetrics is an Observer that keeps simple atomic counters. It is cheap
// enough to leave enabled in production and to scrape from a health endpoint.
type BasicMetrics struct {
	workflowsStarted     atomic.Int64
	workflowsCompleted   atomic.Int64
	workflowsCompensated atomic.Int64
	workflowsFailed      atomic.Int64
	stepAttempts         atomic.Int64
	stepFailures         atomic.Int64
	stepSuspensions      atomic.Int64
	resourcesRecorded    atomic.Int64
	compensations        atomic.Int64
	compensationFailures atomic.Int64
}

// BasicMetricsSnapshot is a point-in-time copy of the counters.
type BasicMetricsSnapshot struct {
	WorkflowsStarted     int64
	WorkflowsCompleted   int64
	WorkflowsCompensated int64
	WorkflowsFailed      int64
	StepAttempts         int64
	StepFailures         int64
	StepSuspensions      int64
	ResourcesRecorded    int64
	Compensations        int64
	CompensationFailures int64
}

// Snapshot returns the current counter values.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		WorkflowsStarted:     m.workflowsStarted.Load(),
		WorkflowsCompleted:   m.workflowsCompleted.Load(),
		WorkflowsCompensated: m.workflowsCompensated.Load(),
		WorkflowsFailed:      m.workflowsFailed.Load(),
		StepAttempts:         m.stepAttempts.Load(),
		StepFailures:         m.stepFailures.Load(),
		StepSuspensions:      m.stepSuspensions.Load(),
		ResourcesRecorded:    m.resourcesRecorded.Load(),
		Compensations:        m.compensations.Load(),
		CompensationFailures: m.compensationFailures.Load(),
	}
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompensated(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompensated.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex, attempt int) {
	m.stepAttempts.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex int, err error, d time.Duration) {
	if err != nil {
		m.stepFailures.Add(1)
	}
}

func (m *BasicMetrics) OnStepSuspended(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex int, token string) {
	m.stepSuspensions.Add(1)
}

func (m *BasicMetrics) OnResourceRecorded(ctx context.Context, inst *WorkflowInstance, rec *ResourceRecord) {
	m.resourcesRecorded.Add(1)
}

func (m *BasicMetrics) OnCompensationCompleted(ctx context.Context, inst *WorkflowInstance, rec *ResourceRecord, err error, d time.Duration) {
	if err != nil {
		m.compensationFailures.Add(1)
		return
	}
	m.compensations.Add(1)
}

func (m *BasicMetrics) OnTenantStatus(ctx context.Context, tenantID string, status TenantStatus, reason string) {
}
