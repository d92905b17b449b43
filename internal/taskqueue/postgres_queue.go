package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresQueue is a persistent task queue backed by PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never double-process a task.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue initializes the tasks table in the given DB and returns a
// new queue. The caller imports a PostgreSQL driver, e.g.
// "github.com/jackc/pgx/v5/stdlib".
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS advance_tasks (
			id BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_advance_tasks_not_before
			ON advance_tasks (not_before, id);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	enqueuedAt := now.UnixNano()
	if !t.EnqueuedAt.IsZero() {
		enqueuedAt = t.EnqueuedAt.UnixNano()
	}

	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO advance_tasks (instance_id, enqueued_at, not_before, attempts)
		VALUES ($1, $2, $3, $4)`,
		t.InstanceID, enqueuedAt, notBefore, t.Attempts,
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		var (
			instanceID  string
			enqueuedInt int64
			notBefore   int64
			attempts    int
		)

		err := q.db.QueryRowContext(ctx, `
			DELETE FROM advance_tasks
			WHERE id = (
				SELECT id FROM advance_tasks
				WHERE not_before <= $1
				ORDER BY not_before, id
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING instance_id, enqueued_at, not_before, attempts`,
			now,
		).Scan(&instanceID, &enqueuedInt, &notBefore, &attempts)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		return &Task{
			InstanceID: instanceID,
			EnqueuedAt: time.Unix(0, enqueuedInt),
			NotBefore:  time.Unix(0, notBefore),
			Attempts:   attempts + 1,
		}, nil
	}
}

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM advance_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
