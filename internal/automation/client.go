package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/soknadhub/applyd/internal/domain"
)

// Task status values reported by the automation engine.
const (
	TaskCreated    = "created"
	TaskQueued     = "queued"
	TaskRunning    = "running"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskTerminated = "terminated"
	TaskCancelled  = "canceled"
)

// TaskRequest is the payload submitted to the engine. The engine
// drives a live browser against URL following NavigationGoal, filling
// forms from NavigationPayload.
type TaskRequest struct {
	URL                  string            `json:"url"`
	NavigationGoal       string            `json:"navigation_goal"`
	NavigationPayload    map[string]string `json:"navigation_payload,omitempty"`
	DataExtractionGoal   string            `json:"data_extraction_goal,omitempty"`
	DataExtractionSchema map[string]any    `json:"data_extraction_schema,omitempty"`
	ErrorCodeMapping     map[string]string `json:"error_code_mapping,omitempty"`
	CompleteCriterion    string            `json:"complete_criterion,omitempty"`
	TerminateCriterion   string            `json:"terminate_criterion,omitempty"`
	TOTPVerificationURL  string            `json:"totp_verification_url,omitempty"`
	TOTPIdentifier       string            `json:"totp_identifier,omitempty"`
	MaxSteps             int               `json:"max_steps,omitempty"`
	ProxyLocation        string            `json:"proxy_location,omitempty"`
	BrowserSessionID     string            `json:"browser_session_id,omitempty"`
}

// TaskError is one structured error code attached to a finished task.
type TaskError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// TaskResult is the engine's view of a task.
type TaskResult struct {
	TaskID        string         `json:"task_id"`
	Status        string         `json:"status"`
	Extracted     map[string]any `json:"extracted_information"`
	Errors        []TaskError    `json:"errors"`
	FailureReason string         `json:"failure_reason"`
}

// Terminal reports whether the task has finished running.
func (r *TaskResult) Terminal() bool {
	switch r.Status {
	case TaskCompleted, TaskFailed, TaskTerminated, TaskCancelled:
		return true
	}
	return false
}

// ExtractedBool reads a boolean out of extracted information,
// tolerating the engine returning it as a string.
func (r *TaskResult) ExtractedBool(key string) (bool, bool) {
	v, ok := r.Extracted[key]
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return t == "true", true
	}
	return false, false
}

// ExtractedString reads a string field of extracted information.
func (r *TaskResult) ExtractedString(key string) string {
	if v, ok := r.Extracted[key].(string); ok {
		return v
	}
	return ""
}

// Step is one executed action of a running task, used only for
// progress reporting.
type Step struct {
	StepID string `json:"step_id"`
	Order  int    `json:"order"`
	Status string `json:"status"`
}

// Config holds the engine connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	SubmitAttempts int
	// SubmitBackoff holds the delay before each retry attempt.
	SubmitBackoff []time.Duration
	MaxSteps      int
	ProxyLocation string
}

// Client talks to the browser-automation engine over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	// sleep waits out a retry delay; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 3
	}
	if len(cfg.SubmitBackoff) == 0 {
		cfg.SubmitBackoff = []time.Duration{5 * time.Second, 10 * time.Second}
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 60
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With("component", "automation"),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Health probes the engine. Callers treat failures as advisory.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/heartbeat", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Submit creates a task, retrying transient failures with the
// configured backoff sequence. A failed health probe before the first
// attempt is logged but never blocks submission.
func (c *Client) Submit(ctx context.Context, req *TaskRequest) (string, error) {
	if req.MaxSteps == 0 {
		req.MaxSteps = c.cfg.MaxSteps
	}
	if req.ProxyLocation == "" {
		req.ProxyLocation = c.cfg.ProxyLocation
	}

	if err := c.Health(ctx); err != nil {
		c.logger.Warn("engine health probe failed, submitting anyway", "error", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.SubmitAttempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.SubmitBackoff[min(attempt-1, len(c.cfg.SubmitBackoff)-1)]
			c.logger.Info("retrying task submission",
				"attempt", attempt+1, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		taskID, err := c.submitOnce(ctx, req)
		if err == nil {
			c.logger.Info("task submitted", "task_id", taskID, "url", req.URL)
			return taskID, nil
		}
		lastErr = err
		c.logger.Warn("task submission failed", "attempt", attempt+1, "error", err)
	}

	return "", domain.NewTransientError(fmt.Errorf("task submission exhausted retries: %w", lastErr))
}

func (c *Client) submitOnce(ctx context.Context, req *TaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode task request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("engine rejected task: status %d: %s", resp.StatusCode, text)
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode task response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("engine returned no task id")
	}

	return out.TaskID, nil
}

// Get fetches the current state of a task.
func (c *Client) Get(ctx context.Context, taskID string) (*TaskResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get task %s: status %d", taskID, resp.StatusCode)
	}

	var result TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	if result.TaskID == "" {
		result.TaskID = taskID
	}

	return &result, nil
}

// Cancel asks the engine to stop a running task. Best effort.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to cancel task %s: status %d", taskID, resp.StatusCode)
	}

	c.logger.Info("task cancelled", "task_id", taskID)
	return nil
}

// ListSteps returns the executed steps of a task.
func (c *Client) ListSteps(ctx context.Context, taskID string) ([]Step, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID+"/steps", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list steps for %s: status %d", taskID, resp.StatusCode)
	}

	var steps []Step
	if err := json.NewDecoder(resp.Body).Decode(&steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps for %s: %w", taskID, err)
	}

	return steps, nil
}

// RegisterCredential stores a credential in the engine's own vault so
// later tasks can reference it without carrying the secret in the
// payload. Optional; callers tolerate failure.
func (c *Client) RegisterCredential(ctx context.Context, name, email, password string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"name":            name,
		"credential_type": "password",
		"credential": map[string]string{
			"username": email,
			"password": password,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode credential: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/credentials", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to register credential: status %d", resp.StatusCode)
	}

	var out struct {
		CredentialID string `json:"credential_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode credential response: %w", err)
	}

	return out.CredentialID, nil
}

// CreateBrowserSession opens a persistent browser session so a batch
// of tasks against the same site shares one login. Timeout is in
// minutes on the engine side.
func (c *Client) CreateBrowserSession(ctx context.Context, timeout time.Duration) (string, error) {
	body, err := json.Marshal(map[string]int{"timeout": int(timeout.Minutes())})
	if err != nil {
		return "", fmt.Errorf("failed to encode session request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/browser-sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to create browser session: status %d", resp.StatusCode)
	}

	var out struct {
		BrowserSessionID string `json:"browser_session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}

	c.logger.Info("browser session created", "session_id", out.BrowserSessionID)
	return out.BrowserSessionID, nil
}

// CloseBrowserSession releases a session. Best effort.
func (c *Client) CloseBrowserSession(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/browser-sessions/"+sessionID+"/close", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to close browser session %s: status %d", sessionID, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("engine request failed: %w", err))
	}
	return resp, nil
}
