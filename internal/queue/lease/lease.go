// Package lease implements the job queue's exclusive leasing semantics:
// FIFO handout of pending work, lease renewal and expiry, lease stealing,
// and completion bookkeeping. It is built entirely on the store's
// transaction primitive so that concurrent lease requests never hand the
// same job to two workers.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ffarm/internal/queue/store"
	"ffarm/pkg/ffarm"
)

// DefaultDuration is the fixed lease TTL applied on claim and renewal.
const DefaultDuration = 15 * time.Minute

// Store is the persistence surface the lease manager requires.
type Store interface {
	WithTx(ctx context.Context, fn func(*sql.Tx) error) error
	ClaimNextJobTx(ctx context.Context, tx *sql.Tx, workerID string, now time.Time, leaseTTL time.Duration) (*ffarm.Job, error)
	RenewLease(ctx context.Context, jobID int64, workerID string, now time.Time, leaseTTL time.Duration, progress float64, stderrTail, stdoutTail string) (bool, error)
	Complete(ctx context.Context, jobID int64, workerID string, now time.Time, success bool, returnCode int, stderrTail, stdoutTail string, errorMessage *string) (bool, error)
	ReleaseWorkerJobs(ctx context.Context, workerID string) (int64, error)
	ExpireLeases(ctx context.Context, now time.Time) (int64, error)
}

// Manager is the lease manager described by the dispatcher design: it
// selects, renews, steals, and completes leases over the job queue.
type Manager struct {
	store    Store
	Duration time.Duration
	now      func() time.Time
}

// New constructs a Manager with the default lease duration. Override
// m.Duration before use to change it (e.g. in tests).
func New(s Store) *Manager {
	return &Manager{store: s, Duration: DefaultDuration, now: func() time.Time { return time.Now().UTC() }}
}

// ErrNoJob is returned by LeaseNext when nothing is claimable.
var ErrNoJob = store.ErrNotFound

// LeaseNext claims the next job for workerID: FIFO over PENDING jobs by
// created_at, falling back to stealing the oldest job whose lease has
// strictly expired when no PENDING job remains. Returns ErrNoJob if
// nothing is claimable.
func (m *Manager) LeaseNext(ctx context.Context, workerID string) (*ffarm.Job, error) {
	var claimed *ffarm.Job
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := m.store.ClaimNextJobTx(ctx, tx, workerID, m.now(), m.Duration)
		if err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Renew extends a job's lease and reports progress. A false, nil return
// means the call was silently dropped because workerID no longer owns the
// lease (it was stolen after expiry) — callers must not treat this as an
// error per the lease-stealing contract.
func (m *Manager) Renew(ctx context.Context, jobID int64, workerID string, progress float64, stderrTail, stdoutTail string) (bool, error) {
	return m.store.RenewLease(ctx, jobID, workerID, m.now(), m.Duration, progress, stderrTail, stdoutTail)
}

// Complete records a job's terminal outcome. Like Renew, a false return
// means the caller's ownership had already lapsed and the call was a
// silent no-op.
func (m *Manager) Complete(ctx context.Context, jobID int64, workerID string, success bool, returnCode int, stderrTail, stdoutTail string, errorMessage *string) (bool, error) {
	return m.store.Complete(ctx, jobID, workerID, m.now(), success, returnCode, stderrTail, stdoutTail, errorMessage)
}

// ReleaseWorker reverts every job owned by workerID back to PENDING,
// preserving each job's attempts counter.
func (m *Manager) ReleaseWorker(ctx context.Context, workerID string) (int64, error) {
	return m.store.ReleaseWorkerJobs(ctx, workerID)
}

// ExpireLeases reverts every job whose lease has strictly expired back to
// PENDING. Intended to be called periodically by the lease sweeper.
func (m *Manager) ExpireLeases(ctx context.Context) (int64, error) {
	return m.store.ExpireLeases(ctx, m.now())
}
