package provisor

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tenantkit/provisor/internal/engine"
	"github.com/tenantkit/provisor/internal/persistence"
	"github.com/tenantkit/provisor/internal/taskqueue"
	"github.com/tenantkit/provisor/pkg/api"
	workerpkg "github.com/tenantkit/provisor/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Tenant               = api.Tenant
	NewTenant            = api.NewTenant
	Contact              = api.Contact
	TenantStatus         = api.TenantStatus
	WorkflowKind         = api.WorkflowKind
	WorkflowInstance     = api.WorkflowInstance
	InstanceStatus       = api.InstanceStatus
	InstanceListOptions  = api.InstanceListOptions
	FlowDefinition       = api.FlowDefinition
	StepDefinition       = api.StepDefinition
	StepContext          = api.StepContext
	InputBuilder         = api.InputBuilder
	RetryPolicy          = api.RetryPolicy
	Activity             = api.Activity
	ActivityFunc         = api.ActivityFunc
	ActivityInput        = api.ActivityInput
	ActivityResult       = api.ActivityResult
	ResourceRef          = api.ResourceRef
	ResourceType         = api.ResourceType
	ResourceRecord       = api.ResourceRecord
	StepExecutionRecord  = api.StepExecutionRecord
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	ValidationError      = api.ValidationError
	TransientError       = api.TransientError
	CompensationFailure  = api.CompensationFailure
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Done                 = api.Done
	DoneWithResource     = api.DoneWithResource
	InProgress           = api.InProgress
	Errorf               = api.Errorf
	IsRetryable          = api.IsRetryable
)

// Re-export sentinel errors.

var (
	ErrConflict         = api.ErrConflict
	ErrLeaseLost        = api.ErrLeaseLost
	ErrTenantNotFound   = api.ErrTenantNotFound
	ErrInstanceNotFound = api.ErrInstanceNotFound
)

// Re-export status values for convenience.

const (
	KindProvision   = api.KindProvision
	KindDeprovision = api.KindDeprovision

	StatusRunning      = api.StatusRunning
	StatusCompensating = api.StatusCompensating
	StatusCompleted    = api.StatusCompleted
	StatusCompensated  = api.StatusCompensated
	StatusFailed       = api.StatusFailed

	TenantCreated        = api.TenantCreated
	TenantProvisioning   = api.TenantProvisioning
	TenantActive         = api.TenantActive
	TenantSuspended      = api.TenantSuspended
	TenantDeprovisioning = api.TenantDeprovisioning
	TenantDeleted        = api.TenantDeleted
	TenantFailed         = api.TenantFailed
)

// DefaultRetry is the retry policy applied to steps that don't set one.
var DefaultRetry = api.DefaultRetry

// Options configures engine construction. Activities is required; everything
// else has a usable default.
type Options struct {
	// Activities maps activity names (see the Activity* constants) to
	// adapters. Every name referenced by a configured flow must be bound.
	Activities map[string]Activity

	// Flows defaults to DefaultFlows().
	Flows map[WorkflowKind]FlowDefinition

	Observer Observer
	Logger   *zap.Logger

	// LeaseTTL bounds how long a crashed worker blocks an instance.
	// Defaults to 30s.
	LeaseTTL time.Duration

	// PollInterval is the delay between status polls of a suspended
	// instance. Defaults to 5s.
	PollInterval time.Duration
}

// Bundle wires together an Engine, the task queue it schedules advance tasks
// on, and a Worker that consumes that queue. All three share one backend.
type Bundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue  taskqueue.Queue
	logger *zap.Logger
}

// QueueLen reports the number of pending advance tasks; useful for health
// endpoints and tests.
func (b *Bundle) QueueLen() int { return b.queue.Len() }

// StartWorkers launches n workers consuming the bundle's queue. The returned
// stop function cancels them and waits for them to exit.
func (b *Bundle) StartWorkers(ctx context.Context, n int) (stop func()) {
	pool := workerpkg.NewPool(b.Engine, b.queue, b.logger, n)
	ctx, cancel := context.WithCancel(ctx)
	pool.Start(ctx)
	return func() {
		cancel()
		pool.Wait()
	}
}

func newBundle(stores persistence.Stores, queue taskqueue.Queue, opts Options) (*Bundle, error) {
	flows := opts.Flows
	if flows == nil {
		flows = DefaultFlows()
	}
	eng, err := engine.New(engine.Config{
		Stores:       stores,
		Queue:        queue,
		Activities:   opts.Activities,
		Flows:        flows,
		Observer:     opts.Observer,
		Logger:       opts.Logger,
		LeaseTTL:     opts.LeaseTTL,
		PollInterval: opts.PollInterval,
	})
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Engine: eng,
		Worker: workerpkg.New(eng, queue, opts.Logger),
		queue:  queue,
		logger: opts.Logger,
	}, nil
}

// NewInMemoryBundle returns a Bundle backed entirely by in-memory stores and
// an in-memory queue. Intended for tests and local development.
func NewInMemoryBundle(opts Options) (*Bundle, error) {
	return newBundle(persistence.NewMemoryStore().Stores(), taskqueue.NewInMemoryQueue(1024), opts)
}

// NewSQLiteBundle returns a Bundle persisting instances, records and queued
// tasks in the given SQLite database. The schema is created if missing.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:provisor.db?_journal=WAL")
//	bundle, err := provisor.NewSQLiteBundle(db, provisor.Options{Activities: acts})
func NewSQLiteBundle(db *sql.DB, opts Options) (*Bundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store.Stores(), queue, opts)
}

// NewPostgresBundle returns a Bundle persisting everything in PostgreSQL.
// The db handle is expected to use the pgx stdlib driver.
func NewPostgresBundle(db *sql.DB, opts Options) (*Bundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store.Stores(), queue, opts)
}

// NewRedisBundle returns a Bundle persisting everything in Redis under the
// given key prefix (empty means "provisor:").
func NewRedisBundle(client *redis.Client, prefix string, opts Options) (*Bundle, error) {
	return newBundle(
		persistence.NewRedisStore(client, prefix).Stores(),
		taskqueue.NewRedisQueue(client, prefix),
		opts,
	)
}
