package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is postgres error code for unique_violation
const pgUniqueViolation = "23505"

// PostgresStore implements job persistence in a shared PostgreSQL database
type PostgresStore struct {
	pool *pgxpool.Pool
}

const pgColumns = `id, type, status, created_at, started_at, completed_at, progress, input, output, error, source`

// NewPostgresStore creates connection pool and verifies the database is reachable
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Name returns backend name for diagnostics
func (p *PostgresStore) Name() string { return string(KindPostgres) }

// InitSchema creates jobs table and indexes if missing
func (p *PostgresStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			progress JSONB,
			input JSONB,
			output JSONB,
			error TEXT,
			source VARCHAR(20) NOT NULL DEFAULT 'local'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := p.pool.Exec(ctx, query); err != nil {
			return storageErr("init schema", err)
		}
	}
	log.Printf("[INFO] postgres jobs table initialized")
	return nil
}

// InsertJob persists a new job, existing id is rejected
func (p *PostgresStore) InsertJob(ctx context.Context, job Job) error {
	input, err := encodeBlob(job.Input)
	if err != nil {
		return storageErr("insert", err)
	}
	progress, err := encodeBlob(job.Progress)
	if err != nil {
		return storageErr("insert", err)
	}

	_, err = p.pool.Exec(ctx, `INSERT INTO jobs (id, type, status, created_at, progress, input, source)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)`,
		job.ID, job.Type.String(), job.Status.String(), job.CreatedAt, progress, input, job.Source.String())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return storageErr("insert", fmt.Errorf("%w: %s", ErrDuplicateID, job.ID))
		}
		return storageErr("insert", err)
	}
	return nil
}

// GetJob returns job by id
func (p *PostgresStore) GetJob(ctx context.Context, id string) (Job, error) {
	job, err := scanPgJob(p.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, storageErr("get", err)
	}
	return job, nil
}

// GetActiveJob returns the most recently created pending or running job
func (p *PostgresStore) GetActiveJob(ctx context.Context) (Job, error) {
	job, err := scanPgJob(p.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM jobs
		WHERE status IN ('pending', 'running') ORDER BY created_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("no active job: %w", ErrNotFound)
	}
	if err != nil {
		return Job{}, storageErr("get active", err)
	}
	return job, nil
}

// UpdateProgress overwrites progress and marks job running, started_at is set once
func (p *PostgresStore) UpdateProgress(ctx context.Context, id string, progress Blob, ts time.Time) error {
	data, err := encodeBlob(progress)
	if err != nil {
		return storageErr("update progress", err)
	}
	return p.transition(ctx, "update progress", id, `UPDATE jobs SET progress = $1::jsonb, status = 'running',
		started_at = COALESCE(started_at, $2) WHERE id = $3 AND status NOT IN `+terminalStatuses,
		data, ts, id)
}

// CompleteJob marks job completed with output
func (p *PostgresStore) CompleteJob(ctx context.Context, id string, output Blob, ts time.Time) error {
	data, err := encodeBlob(output)
	if err != nil {
		return storageErr("complete", err)
	}
	return p.transition(ctx, "complete", id, `UPDATE jobs SET status = 'completed', completed_at = $1,
		started_at = COALESCE(started_at, $1), output = $2::jsonb WHERE id = $3 AND status NOT IN `+terminalStatuses,
		ts, data, id)
}

// FailJob marks job failed with error message
func (p *PostgresStore) FailJob(ctx context.Context, id, errMsg string, ts time.Time) error {
	return p.transition(ctx, "fail", id, `UPDATE jobs SET status = 'failed', completed_at = $1,
		started_at = COALESCE(started_at, $1), error = $2 WHERE id = $3 AND status NOT IN `+terminalStatuses,
		ts, errMsg, id)
}

// CancelJob marks job cancelled with the reason stored as error
func (p *PostgresStore) CancelJob(ctx context.Context, id, reason string, ts time.Time) error {
	return p.transition(ctx, "cancel", id, `UPDATE jobs SET status = 'cancelled', completed_at = $1,
		started_at = COALESCE(started_at, $1), error = $2 WHERE id = $3 AND status NOT IN `+terminalStatuses,
		ts, reason, id)
}

// ListRecent returns up to req.Limit jobs, newest first
func (p *PostgresStore) ListRecent(ctx context.Context, req ListRequest) ([]Job, error) {
	query, args := `SELECT `+pgColumns+` FROM jobs`, []any{}
	if req.Status != "" {
		args = append(args, req.Status.String())
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	args = append(args, req.Limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return jobs, nil
}

// PurgeBefore deletes terminal jobs created before cutoff
func (p *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM jobs WHERE status IN `+terminalStatuses+` AND created_at < $1`, cutoff)
	if err != nil {
		return 0, storageErr("purge", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases all pooled connections
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// transition runs guarded update and classifies zero affected rows as not found or terminal
func (p *PostgresStore) transition(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return storageErr(op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = p.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return storageErr(op, err)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, ErrAlreadyTerminal)
}

// scanPgJob scans a single row selected with pgColumns
func scanPgJob(row pgx.Row) (Job, error) {
	var job Job
	var typ, status, source string
	var progress, input, output []byte

	err := row.Scan(&job.ID, &typ, &status, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
		&progress, &input, &output, &job.Error, &source)
	if err != nil {
		return Job{}, err
	}

	job.Type, job.Status, job.Source = Type(typ), Status(status), Source(source)
	job.CreatedAt = job.CreatedAt.UTC()
	if job.StartedAt != nil {
		ts := job.StartedAt.UTC()
		job.StartedAt = &ts
	}
	if job.CompletedAt != nil {
		ts := job.CompletedAt.UTC()
		job.CompletedAt = &ts
	}

	if job.Progress, err = decodeBlob(progress); err != nil {
		return Job{}, err
	}
	if job.Input, err = decodeBlob(input); err != nil {
		return Job{}, err
	}
	if job.Output, err = decodeBlob(output); err != nil {
		return Job{}, err
	}
	return job, nil
}
