package api

import "context"

// ResourceType classifies externally created resources in the ledger.
type ResourceType string

const (
	ResourceIdPOrg       ResourceType = "idp_org"
	ResourceInfraRun     ResourceType = "infra_run"
	ResourceDeployment   ResourceType = "deployment"
	ResourceDNSRecordSet ResourceType = "dns_record_set"
)

// ResultKind is the three-way outcome of an activity call.
type ResultKind string

const (
	ResultDone       ResultKind = "done"
	ResultInProgress ResultKind = "in_progress"
	ResultError      ResultKind = "error"
)

// ActivityInput is the uniform input handed to every activity adapter.
//
// IdempotencyKey is derived from (instance id, step index, attempt); adapters
// must use it to detect a retried call whose earlier attempt actually
// succeeded remotely, and answer "already done" instead of creating a
// duplicate resource.
type ActivityInput struct {
	Tenant         Tenant
	IdempotencyKey string
	Payload        map[string]any
}

// ResourceRef identifies an external resource an activity created.
type ResourceRef struct {
	Type       ResourceType
	ExternalID string
	Metadata   map[string]any
}

// ActivityResult is the adapter-side report of what happened.
//
//	Kind == ResultDone:       Output (and Resource, if the call created one)
//	Kind == ResultInProgress: Token to poll with later
//	Kind == ResultError:      Retryable + Message
type ActivityResult struct {
	Kind ResultKind

	Output   map[string]any
	Resource *ResourceRef

	Token string

	Retryable bool
	Message   string
}

// Activity is the uniform contract for every external collaborator: identity
// provider, infrastructure engine, deployment platform, DNS, notifications.
//
// Invoke starts (or idempotently re-starts) the operation. Adapters whose
// underlying operation is asynchronous return ResultInProgress with a token;
// the engine suspends the instance and calls PollStatus later instead of
// blocking a worker.
//
// Adapters may report failure either through a Go error (classified by the
// executor, see IsRetryable) or through a ResultError result; both paths are
// equivalent.
type Activity interface {
	Invoke(ctx context.Context, in ActivityInput) (ActivityResult, error)
	PollStatus(ctx context.Context, token string) (ActivityResult, error)
}

// ActivityFunc adapts a plain function into a synchronous Activity whose
// PollStatus never gets called (it never returns in_progress tokens of its
// own; it reports an error if polled anyway).
type ActivityFunc func(ctx context.Context, in ActivityInput) (ActivityResult, error)

func (f ActivityFunc) Invoke(ctx context.Context, in ActivityInput) (ActivityResult, error) {
	return f(ctx, in)
}

func (f ActivityFunc) PollStatus(ctx context.Context, token string) (ActivityResult, error) {
	return ActivityResult{}, &ValidationError{Msg: "activity does not support polling"}
}

// Done builds a successful result.
func Done(output map[string]any) ActivityResult {
	return ActivityResult{Kind: ResultDone, Output: output}
}

// DoneWithResource builds a successful result that also reports a created
// external resource for the ledger.
func DoneWithResource(output map[string]any, ref ResourceRef) ActivityResult {
	return ActivityResult{Kind: ResultDone, Output: output, Resource: &ref}
}

// InProgress builds a suspension result carrying a poll token.
func InProgress(token string) ActivityResult {
	return ActivityResult{Kind: ResultInProgress, Token: token}
}

// Errorf builds a failure result.
func Errorf(retryable bool, msg string) ActivityResult {
	return ActivityResult{Kind: ResultError, Retryable: retryable, Message: msg}
}
