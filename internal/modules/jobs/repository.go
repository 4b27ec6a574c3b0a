package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nextconvert/composer/internal/modules/export"
)

// ErrNotFound is returned when no job has the requested ID.
var ErrNotFound = errors.New("job not found")

// DBTX is the subset of *pgxpool.Pool used by the repository.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the jobs table.
const Schema = `
CREATE TABLE IF NOT EXISTS export_jobs (
	id            UUID PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	operation     TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      TEXT NOT NULL DEFAULT 'default',
	request       JSONB NOT NULL,
	output_path   TEXT,
	error         JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS export_jobs_status_created_idx ON export_jobs (status, created_at DESC);
ALTER TABLE export_jobs ADD COLUMN IF NOT EXISTS owner_id TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS export_jobs_owner_created_idx ON export_jobs (owner_id, created_at DESC);
`

const jobColumns = `id::text, owner_id, operation, status, priority, request, output_path, error, created_at, started_at, completed_at`

// Repository persists jobs in PostgreSQL.
type Repository struct {
	db DBTX
}

// NewRepository creates a repository on db.
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the table if it does not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create jobs schema: %w", err)
	}
	return nil
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	request, err := json.Marshal(job.Request)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO export_jobs (id, operation, status, priority, request, output_path, created_at, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, string(job.Operation), string(job.Status), job.Priority, request, job.Request.Output, job.CreatedAt, job.Owner)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// MarkProcessing moves a queued job to processing. It reports false when
// the job is no longer queued, e.g. because it was cancelled.
func (r *Repository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE export_jobs SET status = $1, started_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(StatusProcessing), id, string(StatusQueued))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Complete marks a job as completed with its published output.
func (r *Repository) Complete(ctx context.Context, id, outputPath string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE export_jobs SET status = $1, output_path = $2, completed_at = NOW()
		WHERE id = $3
	`, string(StatusCompleted), outputPath, id)
	return err
}

// Fail marks a job as failed.
func (r *Repository) Fail(ctx context.Context, id string, jobErr JobError) error {
	data, err := json.Marshal(jobErr)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE export_jobs SET status = $1, error = $2, completed_at = NOW()
		WHERE id = $3
	`, string(StatusFailed), data, id)
	return err
}

// Cancel marks a queued job as cancelled. Running jobs are not interrupted.
func (r *Repository) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE export_jobs SET status = $1, completed_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(StatusCancelled), id, string(StatusQueued))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the job with the given ID.
func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List returns the newest jobs, optionally filtered by owner and status.
func (r *Repository) List(ctx context.Context, owner string, status Status, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+` FROM export_jobs
		WHERE ($1::text = '' OR status = $1::text)
		  AND ($2::text = '' OR owner_id = $2::text)
		ORDER BY created_at DESC
		LIMIT $3
	`, string(status), owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                    Job
		operation, status      string
		requestJSON, errorJSON []byte
		outputPath             *string
		startedAt, completedAt *time.Time
	)
	err := row.Scan(
		&job.ID, &job.Owner, &operation, &status, &job.Priority, &requestJSON, &outputPath, &errorJSON,
		&job.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	if err := json.Unmarshal(requestJSON, &job.Request); err != nil {
		return nil, fmt.Errorf("job %s has invalid request: %w", job.ID, err)
	}
	job.Operation = job.Request.Operation
	if job.Operation == "" {
		job.Operation = export.Operation(operation)
	}
	if outputPath != nil {
		job.Output = *outputPath
	}
	if len(errorJSON) > 0 {
		job.Error = &JobError{}
		if err := json.Unmarshal(errorJSON, job.Error); err != nil {
			return nil, fmt.Errorf("job %s has invalid error: %w", job.ID, err)
		}
	}
	return &job, nil
}
