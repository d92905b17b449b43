package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by Provision/Deprovision when the tenant
	// already has an instance in a non-terminal status.
	ErrConflict = errors.New("tenant already has an active workflow instance")

	// ErrLeaseLost is returned by Advance when another worker holds the
	// instance lease. It is not a failure; the losing caller simply stops.
	ErrLeaseLost = errors.New("workflow instance is leased by another worker")

	// ErrTenantNotFound and ErrInstanceNotFound are the lookup sentinels.
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrInstanceNotFound = errors.New("workflow instance not found")
)

// ValidationError marks a permanently bad input. It is never retried and
// fails the step immediately.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// TransientError marks a failure worth retrying: network trouble, timeouts,
// rate limits, 5xx-equivalents.
type TransientError struct {
	Msg   string
	Cause error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return "transient: " + e.Msg + ": " + e.Cause.Error()
	}
	return "transient: " + e.Msg
}

func (e *TransientError) Unwrap() error { return e.Cause }

// CompensationFailure reports a rollback step that could not complete. It is
// always fatal and always surfaced: masking it would leave orphaned external
// resources, which is worse than a stalled rollback.
type CompensationFailure struct {
	ResourceID string
	Type       ResourceType
	ExternalID string
	Cause      error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("compensation failed for %s %q (record %s): %v",
		e.Type, e.ExternalID, e.ResourceID, e.Cause)
}

func (e *CompensationFailure) Unwrap() error { return e.Cause }

// IsRetryable classifies a Go error returned by an activity adapter.
// Validation errors are permanent; context deadline (the per-attempt timeout)
// and everything else default to retryable, matching how remote-API failures
// usually behave.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
