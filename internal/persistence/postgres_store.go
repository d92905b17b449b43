package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tenantkit/provisor/pkg/api"
)

// PostgresStore implements all four stores on PostgreSQL.
//
// It expects an *sql.DB using a PostgreSQL driver; the caller imports the
// driver for its side effects, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// Schema mirrors the SQLite store: the one-active-instance-per-tenant
// invariant is a partial unique index, the lease is a conditional UPDATE.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ TenantStore     = (*PostgresStore)(nil)
	_ InstanceStore   = (*PostgresStore)(nil)
	_ StepRecordStore = (*PostgresStore)(nil)
	_ ResourceStore   = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the schema and returns a ready store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stores returns a Stores value with every role backed by this PostgresStore.
func (p *PostgresStore) Stores() Stores {
	return Stores{Tenants: p, Instances: p, Steps: p, Resources: p}
}

func (p *PostgresStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			tenant_key TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			tier TEXT NOT NULL,
			region TEXT NOT NULL,
			domains TEXT NOT NULL,
			contacts TEXT NOT NULL,
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			current_step INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			step_outputs BYTEA,
			pending_token TEXT NOT NULL DEFAULT '',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT '',
			failed_resource_id TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_tenant
			ON workflow_instances (tenant_id) WHERE active;
		CREATE INDEX IF NOT EXISTS idx_instances_tenant
			ON workflow_instances (tenant_id);

		CREATE TABLE IF NOT EXISTS step_execution_records (
			id BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL,
			output BYTEA,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_steps_instance
			ON step_execution_records (instance_id);

		CREATE TABLE IF NOT EXISTS resource_records (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			resource_type TEXT NOT NULL,
			external_id TEXT NOT NULL,
			metadata BYTEA,
			created_at BIGINT NOT NULL,
			compensated_at BIGINT
		);
		CREATE INDEX IF NOT EXISTS idx_resources_instance
			ON resource_records (instance_id);
	`)
	return err
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresStore) CreateTenant(ctx context.Context, t *api.Tenant) error {
	domains, err := EncodeJSON(t.Domains)
	if err != nil {
		return err
	}
	contacts, err := EncodeJSON(t.Contacts)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, tenant_key, display_name, tier, region, domains, contacts, status, status_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Key, t.DisplayName, t.Tier, t.Region,
		string(domains), string(contacts),
		string(t.Status), t.StatusReason,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if isPostgresUniqueViolation(err) {
		return api.ErrConflict
	}
	return err
}

func (p *PostgresStore) GetTenant(ctx context.Context, id string) (*api.Tenant, error) {
	return scanTenantRow(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetTenantByKey(ctx context.Context, key string) (*api.Tenant, error) {
	return scanTenantRow(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE tenant_key = $1`, key))
}

func (p *PostgresStore) UpdateTenantStatus(ctx context.Context, id string, status api.TenantStatus, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET status = $1, status_reason = $2, updated_at = $3
		WHERE id = $4`,
		string(status), reason, time.Now().UnixNano(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	outputs, err := EncodeJSON(inst.StepOutputs)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_instances
			(id, tenant_id, kind, status, active, current_step, attempt, step_outputs,
			 pending_token, cancel_requested, error, failed_resource_id,
			 lease_owner, lease_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		inst.ID, inst.TenantID, string(inst.Kind), string(inst.Status),
		inst.Status.Active(), inst.CurrentStep, inst.Attempt, outputs,
		inst.PendingToken, inst.CancelRequested, inst.Error, inst.FailedResourceID,
		inst.LeaseOwner, inst.LeaseExpiresAt.UnixNano(),
		inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
	)
	if isPostgresUniqueViolation(err) {
		return api.ErrConflict
	}
	return err
}

func (p *PostgresStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	outputs, err := EncodeJSON(inst.StepOutputs)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = $1, active = $2, current_step = $3, attempt = $4, step_outputs = $5,
		    pending_token = $6, cancel_requested = $7, error = $8, failed_resource_id = $9,
		    updated_at = $10
		WHERE id = $11`,
		string(inst.Status), inst.Status.Active(), inst.CurrentStep, inst.Attempt, outputs,
		inst.PendingToken, inst.CancelRequested, inst.Error, inst.FailedResourceID,
		time.Now().UnixNano(), inst.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateInstanceOwned(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	outputs, err := EncodeJSON(inst.StepOutputs)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = $1, active = $2, current_step = $3, attempt = $4, step_outputs = $5,
		    pending_token = $6, cancel_requested = $7, error = $8, failed_resource_id = $9,
		    updated_at = $10
		WHERE id = $11 AND lease_owner = $12 AND lease_expires_at > $13`,
		string(inst.Status), inst.Status.Active(), inst.CurrentStep, inst.Attempt, outputs,
		inst.PendingToken, inst.CancelRequested, inst.Error, inst.FailedResourceID,
		now.UnixNano(), inst.ID, owner, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

func (p *PostgresStore) RequestCancel(ctx context.Context, instanceID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET cancel_requested = TRUE, updated_at = $1
		WHERE id = $2`,
		time.Now().UnixNano(), instanceID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

// pgInstanceRow adapts the BOOLEAN cancel_requested column to the shared
// scanner, which expects an integer flag.
func (p *PostgresStore) scanPGInstance(row instanceScanner) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	var kind, status string
	var outputs []byte
	var cancel bool
	var leaseExpires, createdAt, updatedAt int64

	err := row.Scan(&inst.ID, &inst.TenantID, &kind, &status,
		&inst.CurrentStep, &inst.Attempt, &outputs,
		&inst.PendingToken, &cancel, &inst.Error, &inst.FailedResourceID,
		&inst.LeaseOwner, &leaseExpires, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.Kind = api.WorkflowKind(kind)
	inst.Status = api.InstanceStatus(status)
	inst.CancelRequested = cancel
	if inst.StepOutputs, err = DecodeJSON[map[int]map[string]any](outputs); err != nil {
		return nil, err
	}
	inst.LeaseExpiresAt = time.Unix(0, leaseExpires)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	return &inst, nil
}

func (p *PostgresStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := p.scanPGInstance(p.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (p *PostgresStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	var clauses []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = "+arg(opts.TenantID))
	}
	if opts.Kind != "" {
		clauses = append(clauses, "kind = "+arg(string(opts.Kind)))
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = "+arg(string(opts.Status)))
	}
	if opts.ActiveOnly {
		clauses = append(clauses, "active")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowInstance
	for rows.Next() {
		inst, err := p.scanPGInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (lease_owner = '' OR lease_expires_at <= $4 OR lease_owner = $5)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		if err := p.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_instances WHERE id = $1`, instanceID).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, api.ErrInstanceNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3`,
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

func (p *PostgresStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND lease_owner = $2`,
		instanceID, owner,
	)
	return err
}

func (p *PostgresStore) AppendStepRecord(ctx context.Context, rec *api.StepExecutionRecord) error {
	output, err := EncodeJSON(rec.Output)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO step_execution_records
			(instance_id, step_index, attempt, step_name, status, started_at, finished_at, output, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.InstanceID, rec.StepIndex, rec.Attempt, rec.StepName, string(rec.Status),
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(), output, rec.Error,
	)
	return err
}

func (p *PostgresStore) ListStepRecords(ctx context.Context, instanceID string) ([]*api.StepExecutionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT instance_id, step_index, attempt, step_name, status, started_at, finished_at, output, error
		FROM step_execution_records
		WHERE instance_id = $1
		ORDER BY step_index, attempt, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.StepExecutionRecord
	for rows.Next() {
		var rec api.StepExecutionRecord
		var status string
		var started, finished int64
		var output []byte

		if err := rows.Scan(&rec.InstanceID, &rec.StepIndex, &rec.Attempt, &rec.StepName,
			&status, &started, &finished, &output, &rec.Error); err != nil {
			return nil, err
		}
		rec.Status = api.StepStatus(status)
		rec.StartedAt = time.Unix(0, started)
		rec.FinishedAt = time.Unix(0, finished)
		if rec.Output, err = DecodeJSON[map[string]any](output); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendResource(ctx context.Context, rec *api.ResourceRecord) error {
	metadata, err := EncodeJSON(rec.Metadata)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO resource_records
			(id, instance_id, step_index, resource_type, external_id, metadata, created_at, compensated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
		rec.ID, rec.InstanceID, rec.StepIndex, string(rec.Type), rec.ExternalID,
		metadata, rec.CreatedAt.UnixNano(),
	)
	return err
}

func (p *PostgresStore) ListResources(ctx context.Context, instanceID string) ([]*api.ResourceRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, instance_id, step_index, resource_type, external_id, metadata, created_at, compensated_at
		FROM resource_records
		WHERE instance_id = $1
		ORDER BY step_index, created_at`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.ResourceRecord
	for rows.Next() {
		var rec api.ResourceRecord
		var typ string
		var metadata []byte
		var createdAt int64
		var compensatedAt sql.NullInt64

		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.StepIndex, &typ,
			&rec.ExternalID, &metadata, &createdAt, &compensatedAt); err != nil {
			return nil, err
		}
		rec.Type = api.ResourceType(typ)
		if rec.Metadata, err = DecodeJSON[map[string]any](metadata); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(0, createdAt)
		if compensatedAt.Valid {
			at := time.Unix(0, compensatedAt.Int64)
			rec.CompensatedAt = &at
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkCompensated(ctx context.Context, resourceID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE resource_records SET compensated_at = $1 WHERE id = $2`,
		at.UnixNano(), resourceID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}
