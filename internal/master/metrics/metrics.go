// Package metrics exposes Prometheus counters, gauges, and histograms for
// the master process, following the teacher's package-global registry with
// an accompanying Reset for tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg *prometheus.Registry

	leasesIssued   *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	workersByState *prometheus.GaugeVec
	jobDuration    prometheus.Histogram
	leaseHoldTime  prometheus.Histogram
)

func init() {
	reset()
}

// Reset clears and reinitializes all collectors. Used by tests to ensure a
// clean registry between cases.
func Reset() {
	reset()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// IncLeaseIssued records a lease handed to a worker. outcome is "fifo" or
// "stolen".
func IncLeaseIssued(outcome string) {
	leasesIssued.WithLabelValues(outcome).Inc()
}

// IncJobCompleted records a job's terminal outcome. outcome is "succeeded"
// or "failed".
func IncJobCompleted(outcome string) {
	jobsCompleted.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the current job count for a given status.
func SetQueueDepth(status string, n float64) {
	queueDepth.WithLabelValues(status).Set(n)
}

// SetWorkerCount sets the current worker count for a given status.
func SetWorkerCount(status string, n float64) {
	workersByState.WithLabelValues(status).Set(n)
}

// ObserveJobDuration records the wall-clock time from a job's start to its
// terminal completion.
func ObserveJobDuration(d time.Duration) {
	jobDuration.Observe(d.Seconds())
}

// ObserveLeaseHoldTime records how long a worker held a lease before
// renewing or completing it.
func ObserveLeaseHoldTime(d time.Duration) {
	leaseHoldTime.Observe(d.Seconds())
}

func reset() {
	registry := prometheus.NewRegistry()

	leases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ffarm",
		Subsystem: "master",
		Name:      "leases_issued_total",
		Help:      "Total leases handed to workers, by outcome (fifo, stolen).",
	}, []string{"outcome"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ffarm",
		Subsystem: "master",
		Name:      "jobs_completed_total",
		Help:      "Total jobs reaching a terminal state, by outcome (succeeded, failed).",
	}, []string{"outcome"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ffarm",
		Subsystem: "master",
		Name:      "queue_depth",
		Help:      "Current job count by status.",
	}, []string{"status"})

	workers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ffarm",
		Subsystem: "master",
		Name:      "workers",
		Help:      "Current worker count by status.",
	}, []string{"status"})

	jobDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ffarm",
		Subsystem: "master",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration from job start to terminal completion.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	})

	leaseHold := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ffarm",
		Subsystem: "master",
		Name:      "lease_hold_seconds",
		Help:      "Time between a worker claiming a lease and its renewal or completion.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})

	registry.MustRegister(leases, completed, depth, workers, jobDur, leaseHold)

	reg = registry
	leasesIssued = leases
	jobsCompleted = completed
	queueDepth = depth
	workersByState = workers
	jobDuration = jobDur
	leaseHoldTime = leaseHold
}
