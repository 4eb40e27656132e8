package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ffarm/pkg/ffarm"
)

// UpsertWorker inserts a worker record or refreshes its name/base_url/last_seen
// if it already exists. It does not touch status or accept_leases on an
// existing row — those are owned by the named mutators below.
func (s *Store) UpsertWorker(ctx context.Context, id, name, baseURL string, now time.Time) error {
	const upsert = `
INSERT INTO workers(id, name, base_url, last_seen, status, accept_leases)
VALUES(?, ?, ?, ?, 'ONLINE', 1)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  base_url=excluded.base_url,
  last_seen=excluded.last_seen;`
	_, err := s.db.ExecContext(ctx, upsert, id, name, baseURL, now.UTC())
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// TouchLastSeen updates a worker's last_seen timestamp to now.
func (s *Store) TouchLastSeen(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET last_seen=? WHERE id=?`, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return affectedOrNotFound(res)
}

// SetStatus sets a worker's status only. Callers that need accept_leases
// changed alongside a status transition (e.g. resume restoring it to true)
// must follow with SetAcceptLeases — the two are independent columns.
func (s *Store) SetStatus(ctx context.Context, id string, status ffarm.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid worker status: %s", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status=? WHERE id=?`, status.String(), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return affectedOrNotFound(res)
}

// SetAcceptLeases sets whether a worker may be handed new leases.
func (s *Store) SetAcceptLeases(ctx context.Context, id string, accept bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET accept_leases=? WHERE id=?`, accept, id)
	if err != nil {
		return fmt.Errorf("set accept leases: %w", err)
	}
	return affectedOrNotFound(res)
}

// SetRunningJob records (or clears, with jobID=nil) the job a worker is
// currently executing, as self-reported via heartbeat.
func (s *Store) SetRunningJob(ctx context.Context, id string, jobID *string) error {
	var v any
	if jobID != nil {
		v = *jobID
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET running_job_id=? WHERE id=?`, v, id)
	if err != nil {
		return fmt.Errorf("set running job: %w", err)
	}
	return affectedOrNotFound(res)
}

// MarkOffline transitions a worker to OFFLINE, clearing accept_leases and
// running_job_id in a single statement, as the heartbeat sweeper requires.
func (s *Store) MarkOffline(ctx context.Context, id string) error {
	const upd = `UPDATE workers SET status='OFFLINE', accept_leases=0, running_job_id=NULL WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, id)
	if err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return affectedOrNotFound(res)
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*ffarm.Worker, error) {
	const q = workerSelectCols + `FROM workers WHERE id=?`
	w, err := scanWorkerRow(s.db.QueryRowContext(ctx, q, id))
	return w, err
}

// ListWorkers returns every worker, ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]*ffarm.Worker, error) {
	const q = workerSelectCols + `FROM workers ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*ffarm.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

// DeleteWorkersByStatus removes workers in the given status, returning the count removed.
func (s *Store) DeleteWorkersByStatus(ctx context.Context, status ffarm.WorkerStatus) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE status=?`, status.String())
	if err != nil {
		return 0, fmt.Errorf("delete workers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const workerSelectCols = `SELECT id, name, base_url, last_seen, status, running_job_id, accept_leases `

func scanWorkerRow(row *sql.Row) (*ffarm.Worker, error) {
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func scanWorker(sc rowScanner) (*ffarm.Worker, error) {
	var (
		id, name, baseURL string
		lastSeen          time.Time
		status            string
		runningJobID      sql.NullString
		acceptLeases      bool
	)
	if err := sc.Scan(&id, &name, &baseURL, &lastSeen, &status, &runningJobID, &acceptLeases); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w := &ffarm.Worker{
		ID:           id,
		Name:         name,
		BaseURL:      baseURL,
		LastSeen:     lastSeen.UTC(),
		Status:       ffarm.WorkerStatus(status),
		AcceptLeases: acceptLeases,
	}
	if runningJobID.Valid {
		v := runningJobID.String
		w.RunningJobID = &v
	}
	return w, nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
