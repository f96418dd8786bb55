package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Timestamps are stored as unix milliseconds.
const sqliteColumns = `id, job_id, event_type, callback_url, payload, attempt_count, status,
	next_attempt_at, COALESCE(last_error, ''), COALESCE(replay_of, ''), created_at, updated_at`

// SQLite is the Ledger backed by a modernc sqlite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open sqlite handle.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLite) Create(ctx context.Context, job *DeliveryJob) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO deliveries
			(id, job_id, event_type, callback_url, payload, attempt_count, status,
			 next_attempt_at, last_error, replay_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.JobID, job.EventType, job.CallbackURL, string(job.Payload),
		job.AttemptCount, string(job.Status), job.NextAttemptAt.UnixMilli(),
		nullStr(job.LastError), nullStr(job.ReplayOf), created.UnixMilli(), created.UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*DeliveryJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM deliveries WHERE id = ?`, id)
	return scanSQLiteDelivery(row)
}

func (s *SQLite) Claim(ctx context.Context, id string, now time.Time) (*DeliveryJob, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'in_flight', updated_at = ?
		WHERE id = ? AND status = 'pending' AND next_attempt_at <= ?`,
		now.UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

func (s *SQLite) RecordOutcome(ctx context.Context, id string, attempt Attempt, tr Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE deliveries
		SET attempt_count = ?, status = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'in_flight'`,
		attempt.AttemptNumber, string(tr.Status), tr.NextAttemptAt.UnixMilli(),
		nullStr(tr.LastError), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_attempts
			(delivery_id, attempt_number, started_at, duration_ms, outcome, http_status, retry_after_sec, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, attempt.AttemptNumber, attempt.StartedAt.UnixMilli(), attempt.DurationMS,
		attempt.Outcome, nullInt(attempt.HTTPStatus), nullInt(attempt.RetryAfterSec), nullStr(attempt.Error))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Cancel(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'abandoned', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		"cancelled: "+reason, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLite) Due(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM deliveries
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteDeliveries(rows)
}

func (s *SQLite) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'pending', updated_at = ?
		WHERE status = 'in_flight' AND updated_at < ?`,
		time.Now().UTC().UnixMilli(), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]*DeliveryJob, error) {
	q := `SELECT ` + sqliteColumns + ` FROM deliveries`
	var conds []string
	var args []any
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	q += " ORDER BY created_at DESC, id LIMIT ?"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteDeliveries(rows)
}

func (s *SQLite) Attempts(ctx context.Context, id string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT delivery_id, attempt_number, started_at, duration_ms, outcome,
			COALESCE(http_status, 0), COALESCE(retry_after_sec, 0), COALESCE(error, '')
		FROM delivery_attempts
		WHERE delivery_id = ?
		ORDER BY attempt_number ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		var startedMS int64
		if err := rows.Scan(&a.DeliveryID, &a.AttemptNumber, &startedMS, &a.DurationMS,
			&a.Outcome, &a.HTTPStatus, &a.RetryAfterSec, &a.Error); err != nil {
			return nil, err
		}
		a.StartedAt = time.UnixMilli(startedMS).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDelivery(row rowScanner) (*DeliveryJob, error) {
	var job DeliveryJob
	var payload, status string
	var nextMS, createdMS, updatedMS int64
	err := row.Scan(&job.ID, &job.JobID, &job.EventType, &job.CallbackURL, &payload,
		&job.AttemptCount, &status, &nextMS, &job.LastError, &job.ReplayOf,
		&createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Payload = []byte(payload)
	job.Status = Status(status)
	job.NextAttemptAt = time.UnixMilli(nextMS).UTC()
	job.CreatedAt = time.UnixMilli(createdMS).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return &job, nil
}

func collectSQLiteDeliveries(rows *sql.Rows) ([]*DeliveryJob, error) {
	var out []*DeliveryJob
	for rows.Next() {
		job, err := scanSQLiteDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
