package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tenantkit/provisor/internal/persistence"
	"github.com/tenantkit/provisor/pkg/api"
)

// compensator walks the resource ledger in reverse and undoes each recorded
// resource. The walk is resumable: records whose compensation already
// succeeded carry a CompensatedAt stamp and are skipped, so a rollback that
// was interrupted (crash, shutdown, a halting failure later fixed by an
// operator) picks up exactly where it stopped.
type compensator struct {
	activities   map[string]api.Activity
	resources    persistence.ResourceStore
	observer     api.Observer
	logger       *zap.Logger
	pollInterval time.Duration
}

// run compensates every outstanding resource of inst, newest first. It stops
// at the first resource it cannot clean up and returns an
// *api.CompensationFailure naming it; on parent context cancellation it
// returns ctx.Err() so the caller can distinguish "interrupted" from "stuck".
func (m *compensator) run(ctx context.Context, tenant *api.Tenant, inst *api.WorkflowInstance, flow api.FlowDefinition) error {
	recs, err := m.resources.ListResources(ctx, inst.ID)
	if err != nil {
		return err
	}

	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.CompensatedAt != nil {
			continue
		}
		if rec.StepIndex >= len(flow.Steps) {
			return &api.CompensationFailure{
				ResourceID: rec.ID,
				Type:       rec.Type,
				ExternalID: rec.ExternalID,
				Cause:      fmt.Errorf("ledger step index %d out of range for flow %s", rec.StepIndex, flow.Kind),
			}
		}
		step := flow.Steps[rec.StepIndex]
		if step.Compensation == "" {
			continue
		}

		if err := m.compensateOne(ctx, tenant, inst, step, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *compensator) compensateOne(ctx context.Context, tenant *api.Tenant, inst *api.WorkflowInstance, step api.StepDefinition, rec *api.ResourceRecord) error {
	act, ok := m.activities[step.Compensation]
	if !ok {
		return &api.CompensationFailure{
			ResourceID: rec.ID,
			Type:       rec.Type,
			ExternalID: rec.ExternalID,
			Cause:      &api.ValidationError{Msg: "no activity registered for " + step.Compensation},
		}
	}

	retry := stepRetry(step)
	started := time.Now()

	var lastErr error
	for attempt := 1; attempt <= retry.Attempts(); attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := m.attempt(ctx, act, step, tenant, inst, rec, attempt)
		if err == nil {
			now := time.Now()
			if merr := m.resources.MarkCompensated(ctx, rec.ID, now); merr != nil {
				lastErr = fmt.Errorf("mark compensated: %w", merr)
				break
			}
			rec.CompensatedAt = &now
			m.observer.OnCompensationCompleted(ctx, inst, rec, nil, time.Since(started))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		m.logger.Warn("compensation attempt failed",
			zap.String("instance_id", inst.ID),
			zap.String("resource_id", rec.ID),
			zap.String("resource_type", string(rec.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if !api.IsRetryable(err) || attempt >= retry.Attempts() {
			break
		}
		if delay := retry.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	cf := &api.CompensationFailure{
		ResourceID: rec.ID,
		Type:       rec.Type,
		ExternalID: rec.ExternalID,
		Cause:      lastErr,
	}
	m.observer.OnCompensationCompleted(ctx, inst, rec, cf, time.Since(started))
	return cf
}

// attempt runs one compensation call. Long-running undo operations (infra
// destroys) may report in_progress; those are polled inline under the
// attempt timeout rather than suspending the instance, since a rollback
// already holds the lease and is expected to finish.
func (m *compensator) attempt(ctx context.Context, act api.Activity, step api.StepDefinition, tenant *api.Tenant, inst *api.WorkflowInstance, rec *api.ResourceRecord, attempt int) error {
	attemptCtx := ctx
	if step.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, step.AttemptTimeout)
		defer cancel()
	}

	in := api.ActivityInput{
		Tenant:         *tenant,
		IdempotencyKey: fmt.Sprintf("%s:%d:comp:%d", inst.ID, rec.StepIndex, attempt),
		Payload: map[string]any{
			"resource_id":   rec.ID,
			"resource_type": string(rec.Type),
			"external_id":   rec.ExternalID,
			"metadata":      rec.Metadata,
		},
	}

	res, err := act.Invoke(attemptCtx, in)
	for err == nil && res.Kind == api.ResultInProgress {
		select {
		case <-attemptCtx.Done():
			return attemptCtx.Err()
		case <-time.After(m.pollInterval):
		}
		res, err = act.PollStatus(attemptCtx, res.Token)
	}
	if err != nil {
		return err
	}
	if res.Kind == api.ResultError {
		if res.Retryable {
			return &api.TransientError{Msg: res.Message}
		}
		return &api.ValidationError{Msg: res.Message}
	}
	return nil
}
