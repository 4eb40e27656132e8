package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// client speaks the master's Control API lease/heartbeat/progress/complete
// protocol over plain HTTP + JSON.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{Timeout: 15 * time.Second}}
}

type leaseRequest struct {
	WorkerID string `json:"worker_id"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
}

type leaseResponse struct {
	JobID        *int64   `json:"job_id,omitempty"`
	Profile      *string  `json:"profile,omitempty"`
	InputPath    *string  `json:"input_path,omitempty"`
	OutputPath   *string  `json:"output_path,omitempty"`
	EncoderArgv  []string `json:"encoder_argv"`
	AcceptLeases bool     `json:"accept_leases"`
	Action       string   `json:"action,omitempty"`
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

func (c *client) lease(ctx context.Context, req leaseRequest) (*leaseResponse, error) {
	var resp leaseResponse
	if err := c.postJSON(ctx, "/api/v1/jobs/lease", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) heartbeat(ctx context.Context, req heartbeatRequest) (*heartbeatResponse, error) {
	var resp heartbeatResponse
	if err := c.postJSON(ctx, "/api/v1/workers/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) progress(ctx context.Context, jobID int64, req progressRequest) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/v1/jobs/%d/progress", jobID), req, nil)
}

func (c *client) complete(ctx context.Context, jobID int64, req completeRequest) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/v1/jobs/%d/complete", jobID), req, nil)
}

func (c *client) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
