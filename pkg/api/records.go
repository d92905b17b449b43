package api

import "time"

// StepStatus is the outcome of a single step attempt.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepTimedOut  StepStatus = "TIMED_OUT"
)

// StepExecutionRecord is one row of the append-only attempt log: one record
// per attempt, enabling full replay of what happened to an instance.
// A PENDING record marks an attempt that suspended on an asynchronous remote
// operation; the eventual poll outcome appends its own record.
type StepExecutionRecord struct {
	InstanceID string
	StepIndex  int
	Attempt    int
	StepName   string
	Status     StepStatus

	StartedAt  time.Time
	FinishedAt time.Time

	// Output is set on SUCCEEDED records; Error on FAILED/TIMED_OUT.
	Output map[string]any
	Error  string
}

// ResourceRecord is one row of the resource ledger: an external resource a
// step created, written immediately after the activity reported done and
// before control returns to the coordinator. The compensation walk is driven
// entirely off these records, so the ledger must contain precisely the set of
// resources that truly exist, no more and no less.
//
// Records are append-only except for CompensatedAt, which is stamped when the
// resource's compensation succeeds so an interrupted rollback can resume
// without re-compensating.
type ResourceRecord struct {
	ID         string
	InstanceID string
	StepIndex  int
	Type       ResourceType
	ExternalID string
	Metadata   map[string]any

	CreatedAt     time.Time
	CompensatedAt *time.Time
}
