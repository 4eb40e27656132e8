// Package store provides a SQLite-backed persistence layer for the job
// queue: schema migrations, job/worker CRUD, and the transaction primitive
// the lease manager builds its compare-and-swap lease handout on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ffarm/pkg/ffarm"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction, rolling back on
// error and committing otherwise. This is the primitive the lease manager
// uses for atomic lease handout.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here.
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  input_path    TEXT NOT NULL UNIQUE,
  output_path   TEXT NOT NULL UNIQUE,
  profile_id    TEXT NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('PENDING','LEASED','RUNNING','SUCCEEDED','FAILED')),
  worker_id     TEXT NULL,
  lease_until   TIMESTAMP NULL,
  progress      REAL NOT NULL DEFAULT 0,
  attempts      INTEGER NOT NULL DEFAULT 0,
  created_at    TIMESTAMP NOT NULL,
  started_at    TIMESTAMP NULL,
  finished_at   TIMESTAMP NULL,
  return_code   INTEGER NULL,
  stderr_tail   TEXT NOT NULL DEFAULT '',
  stdout_tail   TEXT NOT NULL DEFAULT '',
  error_message TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id);`,

		`CREATE TABLE IF NOT EXISTS workers (
  id            TEXT PRIMARY KEY,
  name          TEXT NOT NULL DEFAULT '',
  base_url      TEXT NOT NULL DEFAULT '',
  last_seen     TIMESTAMP NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('ONLINE','STOPPING','FORCE_STOPPING','STOPPED','OFFLINE')),
  running_job_id TEXT NULL,
  accept_leases INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// InsertJob inserts a new job, returning its assigned ID.
func (s *Store) InsertJob(ctx context.Context, job ffarm.Job) (int64, error) {
	const ins = `
INSERT INTO jobs (input_path, output_path, profile_id, status, progress, attempts, created_at, stderr_tail, stdout_tail)
VALUES (?, ?, ?, ?, ?, ?, ?, '', '');`
	res, err := s.db.ExecContext(ctx, ins, job.InputPath, job.OutputPath, job.ProfileID, job.Status.String(), job.Progress, job.Attempts, job.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert job: last insert id: %w", err)
	}
	return id, nil
}

// InputPathExists reports whether a job with the given input_path already exists.
func (s *Store) InputPathExists(ctx context.Context, inputPath string) (bool, error) {
	const q = `SELECT 1 FROM jobs WHERE input_path=? LIMIT 1`
	var one int
	err := s.db.QueryRowContext(ctx, q, inputPath).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check input path: %w", err)
	}
	return true, nil
}

// OutputPathTaken reports whether outputPath is already used by a job row.
// Callers also consult the filesystem for collisions outside the store.
func (s *Store) OutputPathTaken(ctx context.Context, outputPath string) (bool, error) {
	const q = `SELECT 1 FROM jobs WHERE output_path=? LIMIT 1`
	var one int
	err := s.db.QueryRowContext(ctx, q, outputPath).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check output path: %w", err)
	}
	return true, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id int64) (*ffarm.Job, error) {
	const q = jobSelectCols + `FROM jobs WHERE id=?`
	return scanJobRow(s.db.QueryRowContext(ctx, q, id))
}

// ListJobs returns jobs matching filter, ordered by creation time ascending.
func (s *Store) ListJobs(ctx context.Context, filter ffarm.JobFilter) ([]*ffarm.Job, error) {
	q := jobSelectCols + `FROM jobs`
	args := []any{}
	if filter.Status != nil {
		q += ` WHERE status=?`
		args = append(args, filter.Status.String())
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*ffarm.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeleteJobs removes the jobs with the given IDs.
func (s *Store) DeleteJobs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
		if err != nil {
			return total, fmt.Errorf("delete job %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// DeleteByState removes every job in the given state, returning the count deleted.
func (s *Store) DeleteByState(ctx context.Context, status ffarm.JobStatus) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status=?`, status.String())
	if err != nil {
		return 0, fmt.Errorf("delete by state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetFailed transitions every FAILED job back to PENDING, clearing
// transient fields. Returns the count transitioned. Idempotent: a second
// call with nothing FAILED returns 0.
func (s *Store) ResetFailed(ctx context.Context) (int64, error) {
	const upd = `
UPDATE jobs
SET status='PENDING', worker_id=NULL, lease_until=NULL, return_code=NULL, error_message=NULL
WHERE status='FAILED'`
	res, err := s.db.ExecContext(ctx, upd)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const jobSelectCols = `SELECT id, input_path, output_path, profile_id, status, worker_id, lease_until, progress, attempts, created_at, started_at, finished_at, return_code, stderr_tail, stdout_tail, error_message `

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row *sql.Row) (*ffarm.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func scanJob(sc rowScanner) (*ffarm.Job, error) {
	var (
		id                        int64
		inputPath, outputPath     string
		profileID, status         string
		workerID                  sql.NullString
		leaseUntil                sql.NullTime
		progress                  float64
		attempts                  int
		createdAt                 time.Time
		startedAt, finishedAt     sql.NullTime
		returnCode                sql.NullInt64
		stderrTail, stdoutTail    string
		errorMessage              sql.NullString
	)
	if err := sc.Scan(&id, &inputPath, &outputPath, &profileID, &status, &workerID, &leaseUntil,
		&progress, &attempts, &createdAt, &startedAt, &finishedAt, &returnCode, &stderrTail, &stdoutTail, &errorMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job := &ffarm.Job{
		ID:         id,
		InputPath:  inputPath,
		OutputPath: outputPath,
		ProfileID:  profileID,
		Status:     ffarm.JobStatus(status),
		Progress:   progress,
		Attempts:   attempts,
		CreatedAt:  createdAt.UTC(),
		StderrTail: stderrTail,
		StdoutTail: stdoutTail,
	}
	if workerID.Valid {
		v := workerID.String
		job.WorkerID = &v
	}
	if leaseUntil.Valid {
		v := leaseUntil.Time.UTC()
		job.LeaseUntil = &v
	}
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		job.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time.UTC()
		job.FinishedAt = &v
	}
	if returnCode.Valid {
		v := int(returnCode.Int64)
		job.ReturnCode = &v
	}
	if errorMessage.Valid {
		v := errorMessage.String
		job.ErrorMessage = &v
	}
	return job, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
