package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tenantkit/provisor/internal/persistence"
	"github.com/tenantkit/provisor/pkg/api"
)

type outcomeKind int

const (
	// outcomeSuccess: the step's activity reported done; output captured and
	// any declared resource already appended to the ledger.
	outcomeSuccess outcomeKind = iota

	// outcomeSuspend: the activity reported in_progress; the instance should
	// park and be re-driven after the poll interval.
	outcomeSuspend

	// outcomeFatal: retries exhausted or a permanent error; the coordinator
	// decides between compensation (provision) and direct failure
	// (deprovision).
	outcomeFatal

	// outcomeAbort: the caller's context was cancelled mid-step; no state
	// transition should happen, the instance is re-driven later.
	outcomeAbort
)

type stepOutcome struct {
	kind   outcomeKind
	output map[string]any
	token  string
	err    error
}

// stepExecutor runs a single step to a decision: it owns the per-attempt
// timeout, transient/permanent classification, the retry loop with backoff,
// the attempt log, and the post-success ledger write. The ledger write
// happens before control returns so the ledger is never missing a resource
// that truly exists.
type stepExecutor struct {
	activities map[string]api.Activity
	instances  persistence.InstanceStore
	steps      persistence.StepRecordStore
	resources  persistence.ResourceStore
	observer   api.Observer
	logger     *zap.Logger
}

// idempotencyKey derives the key adapters use to detect retried calls whose
// earlier attempt actually succeeded remotely.
func idempotencyKey(instanceID string, stepIndex, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", instanceID, stepIndex, attempt)
}

func stepRetry(step api.StepDefinition) api.RetryPolicy {
	if step.Retry == (api.RetryPolicy{}) {
		return api.DefaultRetry
	}
	return step.Retry
}

// run drives the current step of inst to an outcome. It mutates inst.Attempt
// (and persists it after every consumed attempt) but leaves all other
// instance fields to the coordinator.
func (e *stepExecutor) run(ctx context.Context, tenant *api.Tenant, inst *api.WorkflowInstance, step api.StepDefinition, stepIndex int, owner string) stepOutcome {
	act, ok := e.activities[step.Activity]
	if !ok {
		err := &api.ValidationError{Msg: "no activity registered for " + step.Activity}
		e.recordAttempt(ctx, inst, step, stepIndex, inst.Attempt+1, time.Now(), api.StepFailed, nil, err.Error())
		return stepOutcome{kind: outcomeFatal, err: err}
	}

	retry := stepRetry(step)
	token := inst.PendingToken

	for {
		if ctx.Err() != nil {
			return stepOutcome{kind: outcomeAbort, err: ctx.Err()}
		}

		polling := token != ""
		attempt := inst.Attempt
		if !polling {
			attempt = inst.Attempt + 1
		}

		started := time.Now()
		e.observer.OnStepStart(ctx, inst, step.Name, stepIndex, attempt)

		res, err := e.invoke(ctx, act, step, tenant, inst, stepIndex, attempt, token)
		duration := time.Since(started)

		// Adapters may report failure as a result instead of a Go error;
		// fold both into one path.
		if err == nil && res.Kind == api.ResultError {
			if res.Retryable {
				err = &api.TransientError{Msg: res.Message}
			} else {
				err = &api.ValidationError{Msg: res.Message}
			}
		}

		if err == nil && res.Kind == api.ResultInProgress {
			if !polling {
				// First suspension of this attempt: log it. Re-polls that
				// come back in_progress again do not add records.
				inst.Attempt = attempt
				e.recordAttempt(ctx, inst, step, stepIndex, attempt, started, api.StepPending, nil, "")
				if perr := e.persistAttempt(ctx, inst, owner); perr != nil {
					return stepOutcome{kind: outcomeAbort, err: perr}
				}
			}
			e.observer.OnStepSuspended(ctx, inst, step.Name, stepIndex, res.Token)
			return stepOutcome{kind: outcomeSuspend, token: res.Token}
		}

		if err == nil {
			inst.Attempt = attempt
			e.recordAttempt(ctx, inst, step, stepIndex, attempt, started, api.StepSucceeded, res.Output, "")

			if step.Resource != "" {
				if lerr := e.recordResource(ctx, inst, step, stepIndex, res); lerr != nil {
					// A resource that exists but is missing from the ledger
					// would silently escape compensation; failing the step
					// is the lesser evil.
					e.observer.OnStepCompleted(ctx, inst, step.Name, stepIndex, lerr, duration)
					return stepOutcome{kind: outcomeFatal, err: fmt.Errorf("record resource for step %s: %w", step.Name, lerr)}
				}
			}
			e.observer.OnStepCompleted(ctx, inst, step.Name, stepIndex, nil, duration)
			return stepOutcome{kind: outcomeSuccess, output: res.Output}
		}

		if ctx.Err() != nil {
			return stepOutcome{kind: outcomeAbort, err: ctx.Err()}
		}

		status := api.StepFailed
		if errors.Is(err, context.DeadlineExceeded) {
			// The per-attempt timeout fired; it spends the retry budget
			// exactly like any other failed attempt.
			status = api.StepTimedOut
		}
		inst.Attempt = attempt
		e.recordAttempt(ctx, inst, step, stepIndex, attempt, started, status, nil, err.Error())
		if perr := e.persistAttempt(ctx, inst, owner); perr != nil {
			return stepOutcome{kind: outcomeAbort, err: perr}
		}
		e.observer.OnStepCompleted(ctx, inst, step.Name, stepIndex, err, duration)

		if !api.IsRetryable(err) {
			return stepOutcome{kind: outcomeFatal, err: err}
		}
		if attempt >= retry.Attempts() {
			return stepOutcome{kind: outcomeFatal,
				err: fmt.Errorf("step %s exhausted %d attempts: %w", step.Name, attempt, err)}
		}

		// A failed poll restarts the operation from scratch on the next
		// attempt; the idempotency key lets the adapter dedupe.
		token = ""

		if delay := retry.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return stepOutcome{kind: outcomeAbort, err: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}
}

func (e *stepExecutor) invoke(ctx context.Context, act api.Activity, step api.StepDefinition, tenant *api.Tenant, inst *api.WorkflowInstance, stepIndex, attempt int, token string) (api.ActivityResult, error) {
	attemptCtx := ctx
	if step.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, step.AttemptTimeout)
		defer cancel()
	}

	if token != "" {
		return act.PollStatus(attemptCtx, token)
	}

	payload := map[string]any{}
	if step.BuildInput != nil {
		built, err := step.BuildInput(api.StepContext{Tenant: *tenant, Outputs: inst.StepOutputs})
		if err != nil {
			return api.ActivityResult{}, &api.ValidationError{Msg: "build input for " + step.Name + ": " + err.Error()}
		}
		payload = built
	}

	return act.Invoke(attemptCtx, api.ActivityInput{
		Tenant:         *tenant,
		IdempotencyKey: idempotencyKey(inst.ID, stepIndex, attempt),
		Payload:        payload,
	})
}

func (e *stepExecutor) recordAttempt(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, stepIndex, attempt int, started time.Time, status api.StepStatus, output map[string]any, errMsg string) {
	rec := &api.StepExecutionRecord{
		InstanceID: inst.ID,
		StepIndex:  stepIndex,
		Attempt:    attempt,
		StepName:   step.Name,
		Status:     status,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Output:     output,
		Error:      errMsg,
	}
	if err := e.steps.AppendStepRecord(ctx, rec); err != nil {
		e.logger.Error("append step record",
			zap.String("instance_id", inst.ID),
			zap.Int("step_index", stepIndex),
			zap.Error(err))
	}
}

// persistAttempt saves the consumed attempt count so a crashed worker does
// not reset another worker's retry budget on resume. The write goes through
// the lease fence; a lost lease comes back as api.ErrLeaseLost and the step
// must abort rather than keep executing against someone else's instance.
func (e *stepExecutor) persistAttempt(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	err := e.instances.UpdateInstanceOwned(ctx, inst, owner)
	if errors.Is(err, api.ErrLeaseLost) {
		return err
	}
	if err != nil {
		e.logger.Error("persist attempt count",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}
	return nil
}

func (e *stepExecutor) recordResource(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, stepIndex int, res api.ActivityResult) error {
	rec := &api.ResourceRecord{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepIndex:  stepIndex,
		Type:       step.Resource,
		CreatedAt:  time.Now(),
	}
	if res.Resource != nil {
		rec.ExternalID = res.Resource.ExternalID
		rec.Metadata = res.Resource.Metadata
		if res.Resource.Type != "" {
			rec.Type = res.Resource.Type
		}
	}
	if err := e.resources.AppendResource(ctx, rec); err != nil {
		return err
	}
	e.observer.OnResourceRecorded(ctx, inst, rec)
	return nil
}
