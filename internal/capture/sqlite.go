package capture

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Timestamps are stored as unix milliseconds.
const sqliteJobColumns = `id, lat, lon, location_name, zoom_level, COALESCE(callback_url, ''), status, progress,
	COALESCE(imagery_data, ''), COALESCE(ai_analysis, ''), COALESCE(error_message, ''),
	created_at, updated_at, completed_at`

// SQLite is the Store backed by a modernc sqlite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open sqlite handle.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Migrate creates the capture tables if they do not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLite) Create(ctx context.Context, job *Job) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO capture_jobs
			(id, lat, lon, location_name, zoom_level, callback_url, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Lat, job.Lon, job.LocationName, job.ZoomLevel,
		nullStr(job.CallbackURL), string(job.Status), job.Progress,
		created.UnixMilli(), created.UnixMilli())
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

func (s *SQLite) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM capture_jobs WHERE id = ?`, id)
	return scanSQLiteJob(row)
}

func (s *SQLite) SetProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capture_jobs
		SET status = 'processing', updated_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')`,
		time.Now().UTC().UnixMilli(), id)
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

func (s *SQLite) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capture_jobs
		SET progress = ?, updated_at = ?
		WHERE id = ?`, progress, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Complete(ctx context.Context, id string, imagery, analysis []byte) error {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE capture_jobs
		SET status = 'completed', progress = 100, imagery_data = ?, ai_analysis = ?,
		    error_message = NULL, completed_at = ?, updated_at = ?
		WHERE id = ?`, nullBytes(imagery), nullBytes(analysis), now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Fail(ctx context.Context, id, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capture_jobs
		SET status = 'failed', error_message = ?, updated_at = ?
		WHERE id = ?`, msg, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := `SELECT ` + sqliteJobColumns + ` FROM capture_jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteJobs(rows)
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	var job Job
	var status, imagery, analysis string
	var createdMS, updatedMS int64
	var completedMS sql.NullInt64
	err := row.Scan(&job.ID, &job.Lat, &job.Lon, &job.LocationName, &job.ZoomLevel,
		&job.CallbackURL, &status, &job.Progress, &imagery, &analysis, &job.ErrorMessage,
		&createdMS, &updatedMS, &completedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if imagery != "" {
		job.ImageryData = []byte(imagery)
	}
	if analysis != "" {
		job.AIAnalysis = []byte(analysis)
	}
	job.CreatedAt = time.UnixMilli(createdMS).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	if completedMS.Valid {
		job.CompletedAt = time.UnixMilli(completedMS.Int64).UTC()
	}
	return &job, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
