// Package provisor provides a durable saga orchestrator for SaaS tenant
// provisioning.
//
// Provisor coordinates the multi-system dance of onboarding a tenant
// (identity provider, infrastructure, application deployment, DNS,
// notifications) and of tearing one down again, with automatic rollback when
// onboarding fails partway. It runs fully in Go, supports multiple
// persistence backends, and embeds cleanly into existing services.
//
// # Core Concepts
//
//  1. Engine
//  2. Flows and steps
//  3. Activities
//  4. Resource ledger and compensation
//  5. Worker and LocalRunner
//
// # Engine
//
// The Engine owns tenants and workflow instances. It provides APIs to:
//   - register tenants (CreateTenant)
//   - start provisioning and deprovisioning sagas (Provision, Deprovision)
//   - drive instances forward (Advance), usually via workers
//   - cancel running instances (Cancel)
//   - read tenants, instances and the append-only audit trail
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// Each backend includes a matching task queue implementation so workers can
// reliably fetch work from the same store.
//
// At most one workflow instance per tenant may be active at a time; a
// conflicting start returns ErrConflict with nothing written.
//
// # Flows and steps
//
// The two sagas are fixed, ordered step lists (ProvisionFlow,
// DeprovisionFlow). Each step names an activity, derives its input from the
// tenant and earlier step outputs, and carries a retry policy, a per-attempt
// timeout, and (for provision steps) the compensation activity that undoes
// it. Failures are classified transient or permanent; transient failures
// retry with exponential backoff and jitter until the attempt budget runs
// out.
//
// # Activities
//
// An Activity is the uniform adapter contract for every external
// collaborator. Synchronous adapters return done or error; asynchronous ones
// (infrastructure runs, deployments) return in_progress with a poll token.
// A suspended instance occupies no worker: a delayed task re-delivers it
// when the next status poll is due.
//
// # Resource ledger and compensation
//
// Every external resource a step creates is recorded in an append-only
// ledger before the saga moves on. When a provision step fails for good, the
// engine walks the ledger in reverse and compensates each recorded resource,
// leaving the tenant FAILED but clean. A compensation that itself fails
// halts the rollback and flags the instance with the stuck resource for an
// operator.
//
// # Worker and LocalRunner
//
// Workers consume advance tasks from a queue and call Advance; a
// per-instance lease makes concurrent workers safe. LocalRunner bundles an
// in-memory engine, queue and workers for tests and single-process use:
//
//	runner, _ := provisor.NewLocalRunner(provisor.Options{Activities: acts})
//	runner.Start(ctx, 2)
//	defer runner.Stop()
//
//	tenant, _ := runner.Engine.CreateTenant(ctx, provisor.NewTenant{Key: "acme"})
//	instID, _ := runner.Engine.Provision(ctx, tenant.ID)
//
// For durable deployments, construct a Bundle over SQLite, Postgres or Redis
// and run the provisord daemon or your own worker pool.
package provisor
