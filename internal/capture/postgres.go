package capture

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

const jobColumns = `id, lat, lon, location_name, zoom_level, COALESCE(callback_url, ''), status, progress,
	COALESCE(imagery_data, ''), COALESCE(ai_analysis, ''), COALESCE(error_message, ''),
	created_at, updated_at, completed_at`

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the capture tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

func (p *Postgres) Create(ctx context.Context, job *Job) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO capture_jobs
			(id, lat, lon, location_name, zoom_level, callback_url, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Lat, job.Lon, job.LocationName, job.ZoomLevel,
		nullStr(job.CallbackURL), string(job.Status), job.Progress, created)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM capture_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (p *Postgres) SetProcessing(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE capture_jobs
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing')`, id)
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

func (p *Postgres) UpdateProgress(ctx context.Context, id string, progress int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE capture_jobs
		SET progress = $2, updated_at = now()
		WHERE id = $1`, id, progress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Complete(ctx context.Context, id string, imagery, analysis []byte) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE capture_jobs
		SET status = 'completed', progress = 100, imagery_data = $2, ai_analysis = $3,
		    error_message = NULL, completed_at = now(), updated_at = now()
		WHERE id = $1`, id, nullBytes(imagery), nullBytes(analysis))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Fail(ctx context.Context, id, msg string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE capture_jobs
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1`, id, msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := `SELECT ` + jobColumns + ` FROM capture_jobs`
	var args []any
	if status != "" {
		args = append(args, string(status))
		q += ` WHERE status = $1`
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	var status, imagery, analysis string
	var completed *time.Time
	err := row.Scan(&job.ID, &job.Lat, &job.Lon, &job.LocationName, &job.ZoomLevel,
		&job.CallbackURL, &status, &job.Progress, &imagery, &analysis, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if completed != nil {
		job.CompletedAt = *completed
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
