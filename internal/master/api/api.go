// Package api implements the master's HTTP control surface: the lease
// protocol workers speak, job/worker inspection endpoints, and the
// stop/resume control endpoints an operator uses.
//
// Handlers are wired onto a plain http.ServeMux, no router framework, and
// JSON request/response helpers follow the same writeJSON/writeError shape
// used elsewhere in this codebase's HTTP layers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ffarm/internal/master/metrics"
	"ffarm/internal/master/pause"
	"ffarm/internal/queue/store"
	"ffarm/pkg/ffarm"
)

// JobStore is the persistence surface the API needs beyond leasing.
type JobStore interface {
	GetJob(ctx context.Context, id int64) (*ffarm.Job, error)
	ListJobs(ctx context.Context, filter ffarm.JobFilter) ([]*ffarm.Job, error)
	DeleteByState(ctx context.Context, status ffarm.JobStatus) (int64, error)

	UpsertWorker(ctx context.Context, id, name, baseURL string, now time.Time) error
	GetWorker(ctx context.Context, id string) (*ffarm.Worker, error)
	ListWorkers(ctx context.Context) ([]*ffarm.Worker, error)
	TouchLastSeen(ctx context.Context, id string, now time.Time) error
	SetStatus(ctx context.Context, id string, status ffarm.WorkerStatus) error
	SetAcceptLeases(ctx context.Context, id string, accept bool) error
	SetRunningJob(ctx context.Context, id string, jobID *string) error
	DeleteWorkersByStatus(ctx context.Context, status ffarm.WorkerStatus) (int64, error)
}

// LeaseManager is the leasing surface the API needs.
type LeaseManager interface {
	LeaseNext(ctx context.Context, workerID string) (*ffarm.Job, error)
	Renew(ctx context.Context, jobID int64, workerID string, progress float64, stderrTail, stdoutTail string) (bool, error)
	Complete(ctx context.Context, jobID int64, workerID string, success bool, returnCode int, stderrTail, stdoutTail string, errorMessage *string) (bool, error)
}

// Materializer builds an encoder argv for a leased job.
type Materializer interface {
	Materialize(ctx context.Context, profileID, input, output string) ([]string, error)
}

// API is the master's HTTP control surface.
type API struct {
	Store   JobStore
	Lease   LeaseManager
	Profile Materializer
	Pause   *pause.Flag
	Logger  *slog.Logger
	Now     func() time.Time
}

// New constructs an API with its required dependencies.
func New(store JobStore, lease LeaseManager, profile Materializer, pauseFlag *pause.Flag, logger *slog.Logger) *API {
	return &API{
		Store:   store,
		Lease:   lease,
		Profile: profile,
		Pause:   pauseFlag,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches every handler to mux under its documented route.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/jobs/lease", a.handleLease)
	mux.HandleFunc("/api/v1/jobs/clear-all", a.handleClearAllJobs)
	mux.HandleFunc("/api/v1/jobs", a.handleListJobs)
	mux.HandleFunc("/api/v1/jobs/", a.handleJobByID)

	mux.HandleFunc("/api/v1/workers/heartbeat", a.handleHeartbeat)
	mux.HandleFunc("/api/v1/workers/clear_offline", a.handleClearOffline)
	mux.HandleFunc("/api/v1/workers", a.handleListWorkers)
	mux.HandleFunc("/api/v1/workers/", a.handleWorkerByID)

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleHealthz)
}

// --------------- Models ---------------

type leaseRequest struct {
	WorkerID string `json:"worker_id"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
}

// leaseResponse is the LeaseResponse shape: job fields are omitted when no
// job is handed out.
type leaseResponse struct {
	JobID        *int64   `json:"job_id,omitempty"`
	Profile      *string  `json:"profile,omitempty"`
	InputPath    *string  `json:"input_path,omitempty"`
	OutputPath   *string  `json:"output_path,omitempty"`
	EncoderArgv  []string `json:"encoder_argv"`
	AcceptLeases bool     `json:"accept_leases"`
	Action       string   `json:"action,omitempty"`
}

type progressRequest struct {
	WorkerID   string  `json:"worker_id"`
	Progress   float64 `json:"progress"`
	StderrTail string  `json:"stderr_tail"`
	StdoutTail string  `json:"stdout_tail"`
}

type completeRequest struct {
	WorkerID     string  `json:"worker_id"`
	Success      bool    `json:"success"`
	ReturnCode   int     `json:"return_code"`
	StderrTail   string  `json:"stderr_tail"`
	StdoutTail   string  `json:"stdout_tail"`
	ErrorMessage *string `json:"error_message"`
}

type heartbeatRequest struct {
	WorkerID     string  `json:"worker_id"`
	Name         string  `json:"name"`
	BaseURL      string  `json:"base_url"`
	RunningJobID *string `json:"running_job_id"`
	Status       string  `json:"status"`
}

type heartbeatResponse struct {
	AcceptLeases bool   `json:"accept_leases"`
	Status       string `json:"status"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, notFoundMsgFmt string, args ...any) {
	if isNotFound(err) {
		writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: fmt.Sprintf(notFoundMsgFmt, args...)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, jsonError{Error: "invalid_json", Message: "request body could not be parsed as JSON"})
		return false
	}
	return true
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// --------------- POST /api/v1/jobs/lease ---------------

func (a *API) handleLease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var req leaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, jsonError{Error: "invalid_request", Message: "worker_id is required"})
		return
	}

	now := a.Now()
	if err := a.Store.UpsertWorker(ctx, req.WorkerID, req.Name, req.BaseURL, now); err != nil {
		a.logf("upsert worker %s failed: %v", req.WorkerID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}

	worker, err := a.Store.GetWorker(ctx, req.WorkerID)
	if err != nil {
		writeError(w, err, "unknown worker: %s", req.WorkerID)
		return
	}
	if worker.Status == ffarm.WorkerOffline {
		if err := a.Store.SetStatus(ctx, req.WorkerID, ffarm.WorkerOnline); err != nil {
			a.logf("restore worker %s to online failed: %v", req.WorkerID, err)
		}
		worker.Status = ffarm.WorkerOnline
	}

	resp := leaseResponse{EncoderArgv: []string{}, AcceptLeases: worker.AcceptLeases}

	switch worker.Status {
	case ffarm.WorkerForceStopping:
		resp.Action = "force_stop"
		writeJSON(w, http.StatusOK, resp)
		return
	case ffarm.WorkerStopping:
		resp.Action = "stop"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if a.Pause.Paused() {
		resp.AcceptLeases = false
		writeJSON(w, http.StatusOK, resp)
		return
	}

	job, err := a.Lease.LeaseNext(ctx, req.WorkerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		a.logf("lease next for worker %s failed: %v", req.WorkerID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}

	argv, err := a.Profile.Materialize(ctx, job.ProfileID, job.InputPath, job.OutputPath)
	if err != nil {
		a.logf("materialize profile %s for job %d failed: %v", job.ProfileID, job.ID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}

	id := job.ID
	profile := job.ProfileID
	input := job.InputPath
	output := job.OutputPath
	resp.JobID = &id
	resp.Profile = &profile
	resp.InputPath = &input
	resp.OutputPath = &output
	resp.EncoderArgv = argv
	metrics.IncLeaseIssued(leaseOutcome(job))

	writeJSON(w, http.StatusOK, resp)
}

func leaseOutcome(job *ffarm.Job) string {
	if job.Attempts > 1 {
		return "stolen"
	}
	return "fifo"
}

// --------------- /api/v1/jobs/{id}/progress, /complete ---------------

func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, jsonError{Error: "invalid_request", Message: "job id must be numeric"})
		return
	}

	switch parts[1] {
	case "progress":
		a.handleProgress(w, r, id)
	case "complete":
		a.handleComplete(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request, jobID int64) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req progressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, jsonError{Error: "invalid_request", Message: "worker_id is required"})
		return
	}
	ctx := r.Context()
	if _, err := a.Lease.Renew(ctx, jobID, req.WorkerID, req.Progress, req.StderrTail, req.StdoutTail); err != nil {
		a.logf("renew job %d for worker %s failed: %v", jobID, req.WorkerID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request, jobID int64) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, jsonError{Error: "invalid_request", Message: "worker_id is required"})
		return
	}
	ctx := r.Context()

	ok, err := a.Lease.Complete(ctx, jobID, req.WorkerID, req.Success, req.ReturnCode, req.StderrTail, req.StdoutTail, req.ErrorMessage)
	if err != nil {
		a.logf("complete job %d for worker %s failed: %v", jobID, req.WorkerID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	if ok {
		outcome := "failed"
		if req.Success {
			outcome = "succeeded"
		}
		metrics.IncJobCompleted(outcome)
	}

	if err := a.Store.SetRunningJob(ctx, req.WorkerID, nil); err != nil && !isNotFound(err) {
		a.logf("clear running job for worker %s failed: %v", req.WorkerID, err)
	}

	worker, err := a.Store.GetWorker(ctx, req.WorkerID)
	if err == nil && (worker.Status == ffarm.WorkerOnline || worker.Status == ffarm.WorkerOffline) {
		if err := a.Store.SetStatus(ctx, req.WorkerID, ffarm.WorkerOnline); err != nil {
			a.logf("restore worker %s to online failed: %v", req.WorkerID, err)
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// --------------- /api/v1/jobs, /clear-all ---------------

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	jobs, err := a.Store.ListJobs(r.Context(), ffarm.JobFilter{})
	if err != nil {
		a.logf("list jobs failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) handleClearAllJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	var total int64
	for _, status := range []ffarm.JobStatus{ffarm.JobPending, ffarm.JobSucceeded, ffarm.JobFailed} {
		n, err := a.Store.DeleteByState(ctx, status)
		if err != nil {
			a.logf("clear jobs in state %s failed: %v", status, err)
			writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
			return
		}
		total += n
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: total})
}

// --------------- /api/v1/workers/heartbeat, /clear_offline ---------------

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, jsonError{Error: "invalid_request", Message: "worker_id is required"})
		return
	}

	now := a.Now()
	if err := a.Store.UpsertWorker(ctx, req.WorkerID, req.Name, req.BaseURL, now); err != nil {
		a.logf("upsert worker %s failed: %v", req.WorkerID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	if err := a.Store.TouchLastSeen(ctx, req.WorkerID, now); err != nil {
		a.logf("touch last seen for worker %s failed: %v", req.WorkerID, err)
	}
	if err := a.Store.SetRunningJob(ctx, req.WorkerID, req.RunningJobID); err != nil {
		a.logf("set running job for worker %s failed: %v", req.WorkerID, err)
	}

	worker, err := a.Store.GetWorker(ctx, req.WorkerID)
	if err != nil {
		writeError(w, err, "unknown worker: %s", req.WorkerID)
		return
	}

	resp := heartbeatResponse{AcceptLeases: worker.AcceptLeases, Status: worker.Status.String()}
	if a.Pause.Paused() {
		resp.AcceptLeases = false
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleClearOffline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	n, err := a.Store.DeleteWorkersByStatus(r.Context(), ffarm.WorkerOffline)
	if err != nil {
		a.logf("clear offline workers failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

// --------------- /api/v1/workers, /{id}/stop, /force_stop, /resume ---------------

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	workers, err := a.Store.ListWorkers(r.Context())
	if err != nil {
		a.logf("list workers failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (a *API) handleWorkerByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/workers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	ctx := r.Context()

	var status ffarm.WorkerStatus
	switch parts[1] {
	case "stop":
		status = ffarm.WorkerStopping
	case "force_stop":
		status = ffarm.WorkerForceStopping
	case "resume":
		status = ffarm.WorkerOnline
	default:
		http.NotFound(w, r)
		return
	}

	if err := a.Store.SetStatus(ctx, id, status); err != nil {
		writeError(w, err, "unknown worker: %s", id)
		return
	}
	// status=STOPPING/FORCE_STOPPING implies accept_leases=false; resume
	// restores it to true. SetStatus never touches accept_leases on its
	// own, so every branch here must set it explicitly.
	acceptLeases := status == ffarm.WorkerOnline
	if err := a.Store.SetAcceptLeases(ctx, id, acceptLeases); err != nil {
		a.logf("worker %s failed to update accept_leases: %v", id, err)
	}

	worker, err := a.Store.GetWorker(ctx, id)
	if err != nil {
		writeError(w, err, "unknown worker: %s", id)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Warn(fmt.Sprintf(format, args...))
	}
}
