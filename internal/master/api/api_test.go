package api_test

// API tests for the lease protocol, job inspection, and worker control
// endpoints, using the real store and lease manager against a SQLite
// database file in a per-test temporary directory.

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ffarm/internal/logging"
	"ffarm/internal/master/api"
	"ffarm/internal/master/pause"
	"ffarm/internal/profile"
	"ffarm/internal/queue/lease"
	"ffarm/internal/queue/store"
	"ffarm/pkg/ffarm"
)

func writeProfilesFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func newTestAPI(t *testing.T) (*api.API, *store.Store, *lease.Manager, *pause.Flag) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	leaseMgr := lease.New(st)
	profilesPath := filepath.Join(t.TempDir(), "profiles.yaml")
	yaml := `
profiles:
  proxy:
    argv_template: ["ffmpeg", "-i", "{input}", "{output}"]
`
	if err := writeProfilesFile(profilesPath, yaml); err != nil {
		t.Fatalf("write profiles.yaml failed: %v", err)
	}
	reg, err := profile.LoadRegistry(profilesPath)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	pauseFlag := pause.New()
	a := api.New(st, leaseMgr, reg, pauseFlag, logging.New("error"))
	return a, st, leaseMgr, pauseFlag
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body failed: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response body failed: %v (%s)", err, rec.Body.String())
	}
}

func TestLeaseHandsOutPendingJobWithMaterializedArgv(t *testing.T) {
	a, st, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	job := ffarm.NewJob("/in/a.mov", "/out/a.mp4", "proxy", time.Now().UTC())
	if _, err := st.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/jobs/lease", map[string]string{
		"worker_id": "w1", "name": "node-a", "base_url": "http://w1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobID       *int64   `json:"job_id"`
		InputPath   *string  `json:"input_path"`
		OutputPath  *string  `json:"output_path"`
		EncoderArgv []string `json:"encoder_argv"`
	}
	decodeBody(t, rec, &resp)
	if resp.JobID == nil {
		t.Fatalf("expected a job to be leased")
	}
	if *resp.InputPath != "/in/a.mov" || *resp.OutputPath != "/out/a.mp4" {
		t.Fatalf("unexpected paths in lease response: %+v", resp)
	}
	want := []string{"ffmpeg", "-i", "/in/a.mov", "/out/a.mp4"}
	if len(resp.EncoderArgv) != len(want) {
		t.Fatalf("argv mismatch: got %v want %v", resp.EncoderArgv, want)
	}
}

func TestLeaseReturnsEmptyResponseWhenQueueIsEmpty(t *testing.T) {
	a, _, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/jobs/lease", map[string]string{"worker_id": "w1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		JobID *int64 `json:"job_id"`
	}
	decodeBody(t, rec, &resp)
	if resp.JobID != nil {
		t.Fatalf("expected no job_id when queue is empty, got %d", *resp.JobID)
	}
}

func TestLeaseRejectsMissingWorkerID(t *testing.T) {
	a, _, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/jobs/lease", map[string]string{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestLeaseHonorsPauseFlag(t *testing.T) {
	a, st, _, pauseFlag := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	job := ffarm.NewJob("/in/a.mov", "/out/a.mp4", "proxy", time.Now().UTC())
	if _, err := st.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	pauseFlag.Set(true)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/jobs/lease", map[string]string{"worker_id": "w1"})
	var resp struct {
		JobID        *int64 `json:"job_id"`
		AcceptLeases bool   `json:"accept_leases"`
	}
	decodeBody(t, rec, &resp)
	if resp.JobID != nil {
		t.Fatalf("expected no job handed out while paused")
	}
	if resp.AcceptLeases {
		t.Fatalf("expected accept_leases false while paused")
	}
}

func TestLeaseSignalsStopActionForStoppingWorker(t *testing.T) {
	a, st, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	if err := st.UpsertWorker(context.Background(), "w1", "node-a", "http://w1", time.Now().UTC()); err != nil {
		t.Fatalf("UpsertWorker failed: %v", err)
	}
	if err := st.SetStatus(context.Background(), "w1", ffarm.WorkerStopping); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/jobs/lease", map[string]string{"worker_id": "w1"})
	var resp struct {
		Action string `json:"action"`
	}
	decodeBody(t, rec, &resp)
	if resp.Action != "stop" {
		t.Fatalf("expected action=stop, got %q", resp.Action)
	}
}

func TestProgressAndCompleteEndpoints(t *testing.T) {
	a, st, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	job := ffarm.NewJob("/in/a.mov", "/out/a.mp4", "proxy", time.Now().UTC())
	if _, err := st.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	leaseRec := doJSON(t, mux, http.MethodPost, "/api/v1/jobs/lease", map[string]string{"worker_id": "w1"})
	var leaseResp struct {
		JobID *int64 `json:"job_id"`
	}
	decodeBody(t, leaseRec, &leaseResp)
	if leaseResp.JobID == nil {
		t.Fatalf("setup: expected job to be leased")
	}
	id := *leaseResp.JobID

	progressPath := "/api/v1/jobs/" + itoa(id) + "/progress"
	rec := doJSON(t, mux, http.MethodPost, progressPath, map[string]any{"worker_id": "w1", "progress": 0.42})
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != ffarm.JobRunning {
		t.Fatalf("expected RUNNING after progress report, got %s", got.Status)
	}

	completePath := "/api/v1/jobs/" + itoa(id) + "/complete"
	rec = doJSON(t, mux, http.MethodPost, completePath, map[string]any{"worker_id": "w1", "success": true, "return_code": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err = st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != ffarm.JobSucceeded {
		t.Fatalf("expected SUCCEEDED after complete, got %s", got.Status)
	}
}

func TestCompleteRestoresWorkerToOnlineOnlyFromOnlineOrOffline(t *testing.T) {
	a, st, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	job := ffarm.NewJob("/in/a.mov", "/out/a.mp4", "proxy", time.Now().UTC())
	if _, err := st.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	leaseRec := doJSON(t, mux, http.MethodPost, "/api/v1/jobs/lease", map[string]string{"worker_id": "w1"})
	var leaseResp struct {
		JobID *int64 `json:"job_id"`
	}
	decodeBody(t, leaseRec, &leaseResp)
	id := *leaseResp.JobID

	// Operator requests a graceful stop while the job is still running.
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/workers/w1/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	completePath := "/api/v1/jobs/" + itoa(id) + "/complete"
	rec = doJSON(t, mux, http.MethodPost, completePath, map[string]any{"worker_id": "w1", "success": true, "return_code": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}

	w, err := st.GetWorker(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.Status != ffarm.WorkerStopping {
		t.Fatalf("expected STOPPING to survive job completion, got %s", w.Status)
	}
}

func TestWorkerStopForceStopAndResume(t *testing.T) {
	a, st, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	if err := st.UpsertWorker(context.Background(), "w1", "node-a", "http://w1", time.Now().UTC()); err != nil {
		t.Fatalf("UpsertWorker failed: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/workers/w1/force_stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("force_stop: expected 200, got %d", rec.Code)
	}
	w, err := st.GetWorker(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.Status != ffarm.WorkerForceStopping {
		t.Fatalf("expected FORCE_STOPPING, got %s", w.Status)
	}
	if w.AcceptLeases {
		t.Fatalf("expected force_stop to clear accept_leases, got %+v", w)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/workers/w1/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}
	w, err = st.GetWorker(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.Status != ffarm.WorkerOnline || !w.AcceptLeases {
		t.Fatalf("expected resume to restore ONLINE and accept_leases, got %+v", w)
	}
}

func TestWorkerByIDUnknownWorkerReturnsNotFound(t *testing.T) {
	a, _, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/workers/ghost/stop", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHeartbeatUpsertsAndReflectsPause(t *testing.T) {
	a, _, _, pauseFlag := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/workers/heartbeat", map[string]string{
		"worker_id": "w1", "name": "node-a", "base_url": "http://w1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AcceptLeases bool   `json:"accept_leases"`
		Status       string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	if !resp.AcceptLeases || resp.Status != "ONLINE" {
		t.Fatalf("unexpected heartbeat response: %+v", resp)
	}

	pauseFlag.Set(true)
	rec = doJSON(t, mux, http.MethodPost, "/api/v1/workers/heartbeat", map[string]string{"worker_id": "w1"})
	decodeBody(t, rec, &resp)
	if resp.AcceptLeases {
		t.Fatalf("expected accept_leases false while paused")
	}
}

func TestClearAllJobsDeletesTerminalAndPendingOnly(t *testing.T) {
	a, st, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	now := time.Now().UTC()
	pendingJob := ffarm.NewJob("/in/a.mov", "/out/a.mp4", "proxy", now)
	if _, err := st.InsertJob(context.Background(), pendingJob); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	runningJob := ffarm.NewJob("/in/b.mov", "/out/b.mp4", "proxy", now)
	if _, err := st.InsertJob(context.Background(), runningJob); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	doJSON(t, mux, http.MethodPost, "/api/v1/jobs/lease", map[string]string{"worker_id": "w1"})

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/jobs/clear-all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	decodeBody(t, rec, &resp)
	if resp.Deleted != 1 {
		t.Fatalf("expected 1 deleted (the still-pending job), got %d", resp.Deleted)
	}

	jobs, err := st.ListJobs(context.Background(), ffarm.JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != ffarm.JobLeased {
		t.Fatalf("expected the leased job to survive clear-all, got %+v", jobs)
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
