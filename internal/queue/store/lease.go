package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ffarm/pkg/ffarm"
)

// ClaimNextJobTx implements the lease selection algorithm inside an
// existing transaction: first FIFO over PENDING by created_at, then
// stealing the oldest job whose lease has strictly expired. Returns
// ErrNotFound if nothing is claimable.
func (s *Store) ClaimNextJobTx(ctx context.Context, tx *sql.Tx, workerID string, now time.Time, leaseTTL time.Duration) (*ffarm.Job, error) {
	leaseUntil := now.Add(leaseTTL)

	id, err := selectPendingJobIDTx(ctx, tx)
	if errors.Is(err, ErrNotFound) {
		id, err = selectStealableJobIDTx(ctx, tx, now)
	}
	if err != nil {
		return nil, err
	}

	const upd = `
UPDATE jobs
SET status='LEASED', worker_id=?, lease_until=?, attempts=attempts+1,
    started_at=COALESCE(started_at, ?)
WHERE id=?`
	res, err := tx.ExecContext(ctx, upd, workerID, leaseUntil.UTC(), now.UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrNotFound
	}

	row := tx.QueryRowContext(ctx, jobSelectCols+`FROM jobs WHERE id=?`, id)
	return scanJobRow(row)
}

func selectPendingJobIDTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	const sel = `SELECT id FROM jobs WHERE status='PENDING' ORDER BY created_at ASC LIMIT 1`
	var id int64
	err := tx.QueryRowContext(ctx, sel).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select pending job: %w", err)
	}
	return id, nil
}

func selectStealableJobIDTx(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	const sel = `
SELECT id FROM jobs
WHERE status IN ('LEASED','RUNNING') AND lease_until IS NOT NULL AND lease_until < ?
ORDER BY lease_until ASC, id ASC LIMIT 1`
	var id int64
	err := tx.QueryRowContext(ctx, sel, now.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select stealable job: %w", err)
	}
	return id, nil
}

// RenewLease extends a job's lease and transitions LEASED->RUNNING on first
// call, asserting the caller still owns the job. ok is false if the job's
// worker_id no longer matches workerID (the lease was stolen) or the job
// isn't in an active-lease state — renew/complete from a stale owner is a
// silent no-op per the lease-stealing contract.
func (s *Store) RenewLease(ctx context.Context, jobID int64, workerID string, now time.Time, leaseTTL time.Duration, progress float64, stderrTail, stdoutTail string) (bool, error) {
	leaseUntil := now.Add(leaseTTL)
	const upd = `
UPDATE jobs
SET status=CASE WHEN status='LEASED' THEN 'RUNNING' ELSE status END,
    lease_until=?, progress=?, stderr_tail=?, stdout_tail=?
WHERE id=? AND worker_id=? AND status IN ('LEASED','RUNNING')`
	res, err := s.db.ExecContext(ctx, upd, leaseUntil.UTC(), clampProgress(progress), stderrTail, stdoutTail, jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Complete transitions a job to SUCCEEDED or FAILED, clearing its lease.
// Returns ok=false (silent no-op) if the caller no longer owns the job.
func (s *Store) Complete(ctx context.Context, jobID int64, workerID string, now time.Time, success bool, returnCode int, stderrTail, stdoutTail string, errorMessage *string) (bool, error) {
	status := ffarm.JobFailed
	if success {
		status = ffarm.JobSucceeded
	}
	var errMsg any
	if errorMessage != nil {
		errMsg = *errorMessage
	}
	const upd = `
UPDATE jobs
SET status=?, worker_id=NULL, lease_until=NULL, finished_at=?, return_code=?,
    stderr_tail=?, stdout_tail=?, error_message=?,
    progress=CASE WHEN ?=1 THEN 1.0 ELSE progress END
WHERE id=? AND worker_id=? AND status IN ('LEASED','RUNNING')`
	res, err := s.db.ExecContext(ctx, upd, status.String(), now.UTC(), returnCode, stderrTail, stdoutTail, errMsg, boolInt(success), jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseWorkerJobs reverts every LEASED/RUNNING job owned by workerID back
// to PENDING, preserving attempts, as required when a worker is released
// explicitly or declared offline.
func (s *Store) ReleaseWorkerJobs(ctx context.Context, workerID string) (int64, error) {
	const upd = `
UPDATE jobs
SET status='PENDING', worker_id=NULL, lease_until=NULL
WHERE worker_id=? AND status IN ('LEASED','RUNNING')`
	res, err := s.db.ExecContext(ctx, upd, workerID)
	if err != nil {
		return 0, fmt.Errorf("release worker jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpireLeases reverts every LEASED/RUNNING job whose lease_until is
// strictly before now back to PENDING. Returns the count reverted.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) (int64, error) {
	const upd = `
UPDATE jobs
SET status='PENDING', worker_id=NULL, lease_until=NULL
WHERE status IN ('LEASED','RUNNING') AND lease_until IS NOT NULL AND lease_until < ?`
	res, err := s.db.ExecContext(ctx, upd, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
