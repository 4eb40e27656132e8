// Package worker implements the worker agent: the long-running process
// that leases jobs from the master, reports heartbeats, and supervises the
// local encoder subprocess. It mirrors the dispatcher's step-based activity
// style (explicit named loops, each with its own sleep-or-stop primitive)
// generalized from a single poll loop to three concurrent activities.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config controls the agent's identity and external dependencies.
type Config struct {
	WorkerID          string
	Name              string
	BaseURL           string
	MasterURL         string
	FFmpegPath        string
	FFprobePath       string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
}

// currentJob is the agent's one in-flight job slot. It is written only by
// the lease loop (when a job starts or finishes) and read by the heartbeat
// loop; all access goes through Agent's mutex per the shared "confine
// writes to one activity, publish immutably" discipline.
type currentJob struct {
	id         int64
	forceStop  chan struct{}
	forceOnce  sync.Once
	progress   float64
	stderrTail string
	stdoutTail string
}

// Agent is the worker process's runtime state.
type Agent struct {
	cfg    Config
	client *client
	logger *slog.Logger

	mu            sync.Mutex
	job           *currentJob
	acceptLeases  bool
	stopping      bool
	forceStopping bool
}

// New constructs an Agent bound to masterURL.
func New(cfg Config, logger *slog.Logger) *Agent {
	cfg.setDefaults()
	return &Agent{
		cfg:          cfg,
		client:       newClient(cfg.MasterURL),
		logger:       logger,
		acceptLeases: true,
	}
}

// Run starts the lease loop and heartbeat loop and blocks until ctx is
// canceled, then joins both loops. Calling Stop does not end the loops:
// Run returns only once ctx is canceled.
func (a *Agent) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.leaseLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	wg.Wait()
}

// Stop requests a graceful shutdown: the stop flag is set, any active
// subprocess is force-terminated, and callers should cancel the context
// passed to Run to unblock both loops promptly.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.stopping = true
	a.forceStopping = true
	job := a.job
	a.mu.Unlock()
	if job != nil {
		job.forceOnce.Do(func() { close(job.forceStop) })
	}
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Info(fmt.Sprintf(format, args...))
	}
}

// --------------- lease loop ---------------

func (a *Agent) leaseLoop(ctx context.Context) {
	a.logf("lease loop starting for worker %s", a.cfg.WorkerID)
	defer a.logf("lease loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if a.hasJob() || !a.canLease() {
			if !a.sleep(ctx, a.cfg.PollInterval) {
				return
			}
			continue
		}

		resp, err := a.client.lease(ctx, leaseRequest{WorkerID: a.cfg.WorkerID, Name: a.cfg.Name, BaseURL: a.cfg.BaseURL})
		if err != nil {
			a.logf("lease request failed: %v", err)
			if !a.sleep(ctx, a.cfg.PollInterval) {
				return
			}
			continue
		}
		a.applyLeaseResponse(resp)

		if resp.JobID == nil {
			if !a.sleep(ctx, a.cfg.PollInterval) {
				return
			}
			continue
		}

		a.runJob(ctx, *resp.JobID, safeString(resp.Profile), safeString(resp.InputPath), safeString(resp.OutputPath), resp.EncoderArgv)
	}
}

func (a *Agent) applyLeaseResponse(resp *leaseResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch resp.Action {
	case "force_stop":
		a.forceStopping = true
		a.acceptLeases = false
	case "stop":
		a.acceptLeases = false
	default:
		a.acceptLeases = resp.AcceptLeases
	}
}

func (a *Agent) canLease() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acceptLeases && !a.forceStopping && !a.stopping
}

func (a *Agent) hasJob() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.job != nil
}

func (a *Agent) runJob(ctx context.Context, jobID int64, profile, input, output string, argv []string) {
	job := &currentJob{id: jobID, forceStop: make(chan struct{})}
	a.mu.Lock()
	a.job = job
	forceAlready := a.forceStopping
	a.mu.Unlock()
	if forceAlready {
		job.forceOnce.Do(func() { close(job.forceStop) })
	}

	a.logf("job %d leased: profile=%s input=%s", jobID, profile, input)

	duration, ok := probeDuration(ctx, a.cfg.FFprobePath, input)
	if !ok {
		a.logf("job %d: duration probe failed, progress tracking degraded", jobID)
	}

	report := func(fraction float64, stderrTail, stdoutTail string) {
		a.mu.Lock()
		job.progress = fraction
		job.stderrTail = stderrTail
		job.stdoutTail = stdoutTail
		a.mu.Unlock()
		if err := a.client.progress(ctx, jobID, progressRequest{
			WorkerID:   a.cfg.WorkerID,
			Progress:   fraction,
			StderrTail: stderrTail,
			StdoutTail: stdoutTail,
		}); err != nil {
			a.logf("job %d: progress report failed: %v", jobID, err)
		}
	}

	result, err := runEncoder(ctx, a.cfg.FFmpegPath, argv, output, duration, job.forceStop, report)
	if err != nil {
		msg := "FFmpeg failed"
		result = &encodeResult{Success: false, ReturnCode: -1, ErrorMessage: &msg}
	}

	if cerr := a.client.complete(ctx, jobID, completeRequest{
		WorkerID:     a.cfg.WorkerID,
		Success:      result.Success,
		ReturnCode:   result.ReturnCode,
		StderrTail:   result.StderrTail,
		StdoutTail:   result.StdoutTail,
		ErrorMessage: result.ErrorMessage,
	}); cerr != nil {
		a.logf("job %d: completion report failed: %v", jobID, cerr)
	}

	a.mu.Lock()
	a.job = nil
	a.forceStopping = false
	a.mu.Unlock()
}

// --------------- heartbeat loop ---------------

func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.logf("heartbeat loop starting")
	defer a.logf("heartbeat loop stopped")

	a.sendHeartbeat(ctx)
	for {
		if !a.sleep(ctx, a.cfg.HeartbeatInterval) {
			return
		}
		a.sendHeartbeat(ctx)
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	var runningJobID *string
	if job := a.snapshotJob(); job != nil {
		s := fmt.Sprintf("%d", job.id)
		runningJobID = &s
	}

	resp, err := a.client.heartbeat(ctx, heartbeatRequest{
		WorkerID:     a.cfg.WorkerID,
		Name:         a.cfg.Name,
		BaseURL:      a.cfg.BaseURL,
		RunningJobID: runningJobID,
		Status:       a.statusString(),
	})
	if err != nil {
		a.logf("heartbeat failed: %v", err)
		return
	}

	a.mu.Lock()
	a.acceptLeases = resp.AcceptLeases
	if resp.Status == "FORCE_STOPPING" {
		a.forceStopping = true
		job := a.job
		a.mu.Unlock()
		if job != nil {
			job.forceOnce.Do(func() { close(job.forceStop) })
		}
		return
	}
	a.mu.Unlock()
}

func (a *Agent) statusString() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.forceStopping:
		return "FORCE_STOPPING"
	case a.stopping:
		return "STOPPING"
	default:
		return "ONLINE"
	}
}

func (a *Agent) snapshotJob() *currentJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.job
}

// sleep blocks for d or until ctx is done, returning false if ctx ended the wait.
func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func safeString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ErrNoMaster is returned by ResolveMaster when every resolution source is
// exhausted without finding a master base URL.
var ErrNoMaster = errors.New("worker: no master url resolved")
