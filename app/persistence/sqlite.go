package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements job persistence in a single local SQLite file
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

// sqliteJob is a row of jobs table, timestamps are unix nanoseconds
type sqliteJob struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	Status      string         `db:"status"`
	CreatedAt   int64          `db:"created_at"`
	StartedAt   sql.NullInt64  `db:"started_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
	Progress    sql.NullString `db:"progress"`
	Input       sql.NullString `db:"input"`
	Output      sql.NullString `db:"output"`
	Error       sql.NullString `db:"error"`
	Source      string         `db:"source"`
}

const sqliteColumns = `id, type, status, created_at, started_at, completed_at, progress, input, output, error, source`

// NewSQLiteStore opens (and creates if needed) SQLite database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// only this process touches the file, one connection serializes writers
	db.SetMaxOpenConns(1)

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Name returns backend name for diagnostics
func (s *SQLiteStore) Name() string { return string(KindSQLite) }

// InitSchema creates jobs table and indexes if missing
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			progress TEXT,
			input TEXT,
			output TEXT,
			error TEXT,
			source TEXT NOT NULL DEFAULT 'local'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return storageErr("init schema", err)
		}
	}
	log.Printf("[INFO] sqlite jobs table initialized at %s", s.path)
	return nil
}

// InsertJob persists a new job, existing id is rejected
func (s *SQLiteStore) InsertJob(ctx context.Context, job Job) error {
	input, err := encodeBlob(job.Input)
	if err != nil {
		return storageErr("insert", err)
	}
	progress, err := encodeBlob(job.Progress)
	if err != nil {
		return storageErr("insert", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (id, type, status, created_at, progress, input, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type.String(), job.Status.String(), job.CreatedAt.UnixNano(), progress, input, job.Source.String())
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE) {
			return storageErr("insert", fmt.Errorf("%w: %s", ErrDuplicateID, job.ID))
		}
		return storageErr("insert", err)
	}
	return nil
}

// GetJob returns job by id
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (Job, error) {
	var row sqliteJob
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, storageErr("get", err)
	}
	return row.toJob()
}

// GetActiveJob returns the most recently created pending or running job
func (s *SQLiteStore) GetActiveJob(ctx context.Context) (Job, error) {
	var row sqliteJob
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteColumns+` FROM jobs
		WHERE status IN ('pending', 'running') ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("no active job: %w", ErrNotFound)
	}
	if err != nil {
		return Job{}, storageErr("get active", err)
	}
	return row.toJob()
}

// UpdateProgress overwrites progress and marks job running, started_at is set once
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress Blob, ts time.Time) error {
	data, err := encodeBlob(progress)
	if err != nil {
		return storageErr("update progress", err)
	}
	return s.transition(ctx, "update progress", id, `UPDATE jobs SET progress = ?, status = 'running',
		started_at = COALESCE(started_at, ?) WHERE id = ? AND status NOT IN `+terminalStatuses,
		data, ts.UnixNano(), id)
}

// CompleteJob marks job completed with output
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, output Blob, ts time.Time) error {
	data, err := encodeBlob(output)
	if err != nil {
		return storageErr("complete", err)
	}
	return s.transition(ctx, "complete", id, `UPDATE jobs SET status = 'completed', completed_at = ?,
		started_at = COALESCE(started_at, ?), output = ? WHERE id = ? AND status NOT IN `+terminalStatuses,
		ts.UnixNano(), ts.UnixNano(), data, id)
}

// FailJob marks job failed with error message
func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string, ts time.Time) error {
	return s.transition(ctx, "fail", id, `UPDATE jobs SET status = 'failed', completed_at = ?,
		started_at = COALESCE(started_at, ?), error = ? WHERE id = ? AND status NOT IN `+terminalStatuses,
		ts.UnixNano(), ts.UnixNano(), errMsg, id)
}

// CancelJob marks job cancelled with the reason stored as error
func (s *SQLiteStore) CancelJob(ctx context.Context, id, reason string, ts time.Time) error {
	return s.transition(ctx, "cancel", id, `UPDATE jobs SET status = 'cancelled', completed_at = ?,
		started_at = COALESCE(started_at, ?), error = ? WHERE id = ? AND status NOT IN `+terminalStatuses,
		ts.UnixNano(), ts.UnixNano(), reason, id)
}

// ListRecent returns up to req.Limit jobs, newest first
func (s *SQLiteStore) ListRecent(ctx context.Context, req ListRequest) ([]Job, error) {
	query, args := `SELECT `+sqliteColumns+` FROM jobs`, []any{}
	if req.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, req.Status.String())
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, req.Limit)

	rows := []sqliteJob{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storageErr("list", err)
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PurgeBefore deletes terminal jobs created before cutoff
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN `+terminalStatuses+` AND created_at < ?`,
		cutoff.UnixNano())
	if err != nil {
		return 0, storageErr("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// transition runs guarded update and classifies zero affected rows as not found or terminal
func (s *SQLiteStore) transition(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return storageErr(op, err)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, ErrAlreadyTerminal)
}

func (r sqliteJob) toJob() (Job, error) {
	job := Job{
		ID:        r.ID,
		Type:      Type(r.Type),
		Status:    Status(r.Status),
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		Source:    Source(r.Source),
	}
	if r.StartedAt.Valid {
		ts := time.Unix(0, r.StartedAt.Int64).UTC()
		job.StartedAt = &ts
	}
	if r.CompletedAt.Valid {
		ts := time.Unix(0, r.CompletedAt.Int64).UTC()
		job.CompletedAt = &ts
	}
	if r.Error.Valid {
		msg := r.Error.String
		job.Error = &msg
	}

	var err error
	if job.Progress, err = decodeBlob([]byte(r.Progress.String)); err != nil {
		return Job{}, storageErr("decode progress", err)
	}
	if job.Input, err = decodeBlob([]byte(r.Input.String)); err != nil {
		return Job{}, storageErr("decode input", err)
	}
	if job.Output, err = decodeBlob([]byte(r.Output.String)); err != nil {
		return Job{}, storageErr("decode output", err)
	}
	return job, nil
}
