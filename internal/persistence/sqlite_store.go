package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tenantkit/provisor/pkg/api"
)

// SQLiteStore implements all four stores on a SQLite database.
//
// It expects an *sql.DB using a SQLite driver (for example
// "modernc.org/sqlite"). The caller imports the driver:
//
//	import _ "modernc.org/sqlite"
//
// The one-active-instance-per-tenant invariant is enforced in-database by a
// partial unique index over (tenant_id) WHERE active = 1.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ TenantStore     = (*SQLiteStore)(nil)
	_ InstanceStore   = (*SQLiteStore)(nil)
	_ StepRecordStore = (*SQLiteStore)(nil)
	_ ResourceStore   = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the schema and returns a ready store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stores returns a Stores value with every role backed by this SQLiteStore.
func (s *SQLiteStore) Stores() Stores {
	return Stores{Tenants: s, Instances: s, Steps: s, Resources: s}
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
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
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			active INTEGER NOT NULL,
			current_step INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			step_outputs BLOB,
			pending_token TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			failed_resource_id TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_tenant
			ON workflow_instances (tenant_id) WHERE active = 1;
		CREATE INDEX IF NOT EXISTS idx_instances_tenant
			ON workflow_instances (tenant_id);

		CREATE TABLE IF NOT EXISTS step_execution_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			output BLOB,
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
			metadata BLOB,
			created_at INTEGER NOT NULL,
			compensated_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_resources_instance
			ON resource_records (instance_id);
	`)
	return err
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *api.Tenant) error {
	domains, err := EncodeJSON(t.Domains)
	if err != nil {
		return err
	}
	contacts, err := EncodeJSON(t.Contacts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, tenant_key, display_name, tier, region, domains, contacts, status, status_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Key, t.DisplayName, t.Tier, t.Region,
		string(domains), string(contacts),
		string(t.Status), t.StatusReason,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if isSQLiteUniqueViolation(err) {
		return api.ErrConflict
	}
	return err
}

func scanTenantRow(row *sql.Row) (*api.Tenant, error) {
	var t api.Tenant
	var domains, contacts, status string
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.Key, &t.DisplayName, &t.Tier, &t.Region,
		&domains, &contacts, &status, &t.StatusReason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrTenantNotFound
		}
		return nil, err
	}

	t.Status = api.TenantStatus(status)
	if t.Domains, err = DecodeJSON[[]string]([]byte(domains)); err != nil {
		return nil, err
	}
	if t.Contacts, err = DecodeJSON[[]api.Contact]([]byte(contacts)); err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, createdAt)
	t.UpdatedAt = time.Unix(0, updatedAt)
	return &t, nil
}

const tenantColumns = `id, tenant_key, display_name, tier, region, domains, contacts, status, status_reason, created_at, updated_at`

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*api.Tenant, error) {
	return scanTenantRow(s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
}

func (s *SQLiteStore) GetTenantByKey(ctx context.Context, key string) (*api.Tenant, error) {
	return scanTenantRow(s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE tenant_key = ?`, key))
}

func (s *SQLiteStore) UpdateTenantStatus(ctx context.Context, id string, status api.TenantStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET status = ?, status_reason = ?, updated_at = ?
		WHERE id = ?`,
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

func activeFlag(status api.InstanceStatus) int {
	if status.Active() {
		return 1
	}
	return 0
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	outputs, err := EncodeJSON(inst.StepOutputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances
			(id, tenant_id, kind, status, active, current_step, attempt, step_outputs,
			 pending_token, cancel_requested, error, failed_resource_id,
			 lease_owner, lease_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TenantID, string(inst.Kind), string(inst.Status),
		activeFlag(inst.Status), inst.CurrentStep, inst.Attempt, outputs,
		inst.PendingToken, boolToInt(inst.CancelRequested), inst.Error, inst.FailedResourceID,
		inst.LeaseOwner, inst.LeaseExpiresAt.UnixNano(),
		inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
	)
	if isSQLiteUniqueViolation(err) {
		return api.ErrConflict
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	outputs, err := EncodeJSON(inst.StepOutputs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = ?, active = ?, current_step = ?, attempt = ?, step_outputs = ?,
		    pending_token = ?, cancel_requested = ?, error = ?, failed_resource_id = ?,
		    updated_at = ?
		WHERE id = ?`,
		string(inst.Status), activeFlag(inst.Status), inst.CurrentStep, inst.Attempt, outputs,
		inst.PendingToken, boolToInt(inst.CancelRequested), inst.Error, inst.FailedResourceID,
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

func (s *SQLiteStore) UpdateInstanceOwned(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	outputs, err := EncodeJSON(inst.StepOutputs)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = ?, active = ?, current_step = ?, attempt = ?, step_outputs = ?,
		    pending_token = ?, cancel_requested = ?, error = ?, failed_resource_id = ?,
		    updated_at = ?
		WHERE id = ? AND lease_owner = ? AND lease_expires_at > ?`,
		string(inst.Status), activeFlag(inst.Status), inst.CurrentStep, inst.Attempt, outputs,
		inst.PendingToken, boolToInt(inst.CancelRequested), inst.Error, inst.FailedResourceID,
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

func (s *SQLiteStore) RequestCancel(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET cancel_requested = 1, updated_at = ?
		WHERE id = ?`,
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

const instanceColumns = `id, tenant_id, kind, status, current_step, attempt, step_outputs,
	pending_token, cancel_requested, error, failed_resource_id,
	lease_owner, lease_expires_at, created_at, updated_at`

type instanceScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceScanner) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	var kind, status string
	var outputs []byte
	var cancel int
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
	inst.CancelRequested = cancel != 0
	if inst.StepOutputs, err = DecodeJSON[map[int]map[string]any](outputs); err != nil {
		return nil, err
	}
	inst.LeaseExpiresAt = time.Unix(0, leaseExpires)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	return &inst, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	var clauses []string
	var args []any

	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, opts.TenantID)
	}
	if opts.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.ActiveOnly {
		clauses = append(clauses, "active = 1")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
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
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_instances WHERE id = ?`, instanceID).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, api.ErrInstanceNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
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

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID, owner,
	)
	return err
}

func (s *SQLiteStore) AppendStepRecord(ctx context.Context, rec *api.StepExecutionRecord) error {
	output, err := EncodeJSON(rec.Output)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_execution_records
			(instance_id, step_index, attempt, step_name, status, started_at, finished_at, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.StepIndex, rec.Attempt, rec.StepName, string(rec.Status),
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(), output, rec.Error,
	)
	return err
}

func (s *SQLiteStore) ListStepRecords(ctx context.Context, instanceID string) ([]*api.StepExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, step_index, attempt, step_name, status, started_at, finished_at, output, error
		FROM step_execution_records
		WHERE instance_id = ?
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

func (s *SQLiteStore) AppendResource(ctx context.Context, rec *api.ResourceRecord) error {
	metadata, err := EncodeJSON(rec.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resource_records
			(id, instance_id, step_index, resource_type, external_id, metadata, created_at, compensated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.InstanceID, rec.StepIndex, string(rec.Type), rec.ExternalID,
		metadata, rec.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListResources(ctx context.Context, instanceID string) ([]*api.ResourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, step_index, resource_type, external_id, metadata, created_at, compensated_at
		FROM resource_records
		WHERE instance_id = ?
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

func (s *SQLiteStore) MarkCompensated(ctx context.Context, resourceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE resource_records SET compensated_at = ? WHERE id = ?`,
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
