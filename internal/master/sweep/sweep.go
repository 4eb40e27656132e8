// Package sweep runs the master's two background liveness loops: a lease
// expiry sweeper and a worker heartbeat sweeper, each an independent
// goroutine driven by a ticker and cancellable context, mirroring the
// worker agent's own poll-loop idiom.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"ffarm/pkg/ffarm"
)

// HeartbeatTimeout is the default duration after which a silent worker is
// declared offline.
const HeartbeatTimeout = 30 * time.Second

// LeaseManager is the subset of the lease manager the sweepers call.
type LeaseManager interface {
	ExpireLeases(ctx context.Context) (int64, error)
	ReleaseWorker(ctx context.Context, workerID string) (int64, error)
}

// WorkerStore is the subset of the job store the worker sweeper calls.
type WorkerStore interface {
	ListWorkers(ctx context.Context) ([]*ffarm.Worker, error)
	MarkOffline(ctx context.Context, id string) error
}

// LeasePeriod returns the lease sweeper's tick interval for the given lease
// duration: max(5s, leaseDuration/3).
func LeasePeriod(leaseDuration time.Duration) time.Duration {
	return maxDuration(5*time.Second, leaseDuration/3)
}

// WorkerPeriod returns the worker sweeper's tick interval for the given
// heartbeat timeout: max(5s, heartbeatTimeout/2).
func WorkerPeriod(heartbeatTimeout time.Duration) time.Duration {
	return maxDuration(5*time.Second, heartbeatTimeout/2)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// RunLeaseSweeper periodically expires stale leases until ctx is canceled.
func RunLeaseSweeper(ctx context.Context, lm LeaseManager, period time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := lm.ExpireLeases(ctx)
			if err != nil {
				logger.Warn("lease sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("expired stale leases", slog.Int64("count", n))
			}
		}
	}
}

// RunWorkerSweeper periodically marks silent workers offline and releases
// their in-flight jobs, until ctx is canceled.
func RunWorkerSweeper(ctx context.Context, ws WorkerStore, lm LeaseManager, heartbeatTimeout time.Duration, period time.Duration, now func() time.Time, logger *slog.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOfflineWorkers(ctx, ws, lm, heartbeatTimeout, now(), logger)
		}
	}
}

func sweepOfflineWorkers(ctx context.Context, ws WorkerStore, lm LeaseManager, heartbeatTimeout time.Duration, now time.Time, logger *slog.Logger) {
	workers, err := ws.ListWorkers(ctx)
	if err != nil {
		logger.Warn("worker sweep: list failed", slog.Any("error", err))
		return
	}
	cutoff := now.Add(-heartbeatTimeout)
	for _, w := range workers {
		if w.Status == ffarm.WorkerOffline {
			continue
		}
		if w.LastSeen.After(cutoff) {
			continue
		}
		if err := ws.MarkOffline(ctx, w.ID); err != nil {
			logger.Warn("worker sweep: mark offline failed", slog.String("worker_id", w.ID), slog.Any("error", err))
			continue
		}
		if _, err := lm.ReleaseWorker(ctx, w.ID); err != nil {
			logger.Warn("worker sweep: release jobs failed", slog.String("worker_id", w.ID), slog.Any("error", err))
			continue
		}
		logger.Info("worker declared offline", slog.String("worker_id", w.ID))
	}
}
