package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

const deliveryColumns = `id, job_id, event_type, callback_url, payload, attempt_count, status,
	next_attempt_at, COALESCE(last_error, ''), COALESCE(replay_of, ''), created_at, updated_at`

// Postgres is the pgx-backed Ledger.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

func (p *Postgres) Create(ctx context.Context, job *DeliveryJob) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO deliveries
			(id, job_id, event_type, callback_url, payload, attempt_count, status,
			 next_attempt_at, last_error, replay_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.JobID, job.EventType, job.CallbackURL, string(job.Payload),
		job.AttemptCount, string(job.Status), job.NextAttemptAt,
		nullStr(job.LastError), nullStr(job.ReplayOf), created)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*DeliveryJob, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (p *Postgres) Claim(ctx context.Context, id string, now time.Time) (*DeliveryJob, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE deliveries
		SET status = 'in_flight', updated_at = $2
		WHERE id = $1 AND status = 'pending' AND next_attempt_at <= $2
		RETURNING `+deliveryColumns, id, now)
	job, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		// Lost the claim, or the job does not exist. Tell them apart.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	return job, err
}

func (p *Postgres) RecordOutcome(ctx context.Context, id string, attempt Attempt, tr Transition) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE deliveries
		SET attempt_count = $2, status = $3, next_attempt_at = $4, last_error = $5, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`,
		id, attempt.AttemptNumber, string(tr.Status), tr.NextAttemptAt, nullStr(tr.LastError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_attempts
			(delivery_id, attempt_number, started_at, duration_ms, outcome, http_status, retry_after_sec, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, attempt.AttemptNumber, attempt.StartedAt, attempt.DurationMS,
		attempt.Outcome, nullInt(attempt.HTTPStatus), nullInt(attempt.RetryAfterSec), nullStr(attempt.Error))
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Cancel(ctx context.Context, id, reason string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'abandoned', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id, "cancelled: "+reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) Due(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (p *Postgres) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'pending', updated_at = now()
		WHERE status = 'in_flight' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]*DeliveryJob, error) {
	q := `SELECT ` + deliveryColumns + ` FROM deliveries`
	var conds []string
	var args []any
	if f.JobID != "" {
		args = append(args, f.JobID)
		conds = append(conds, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (p *Postgres) Attempts(ctx context.Context, id string) ([]*Attempt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT delivery_id, attempt_number, started_at, duration_ms, outcome,
			COALESCE(http_status, 0), COALESCE(retry_after_sec, 0), COALESCE(error, '')
		FROM delivery_attempts
		WHERE delivery_id = $1
		ORDER BY attempt_number ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.DeliveryID, &a.AttemptNumber, &a.StartedAt, &a.DurationMS,
			&a.Outcome, &a.HTTPStatus, &a.RetryAfterSec, &a.Error); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanDelivery(row pgx.Row) (*DeliveryJob, error) {
	var job DeliveryJob
	var payload, status string
	err := row.Scan(&job.ID, &job.JobID, &job.EventType, &job.CallbackURL, &payload,
		&job.AttemptCount, &status, &job.NextAttemptAt, &job.LastError, &job.ReplayOf,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Payload = []byte(payload)
	job.Status = Status(status)
	return &job, nil
}

func collectDeliveries(rows pgx.Rows) ([]*DeliveryJob, error) {
	var out []*DeliveryJob
	for rows.Next() {
		job, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
