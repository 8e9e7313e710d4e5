package automation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soknadhub/applyd/internal/domain"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		SubmitAttempts: 3,
		SubmitBackoff:  []time.Duration{time.Millisecond, 2 * time.Millisecond},
	}, slog.New(slog.DiscardHandler))
}

func TestSubmitSendsAPIKeyAndReturnsTaskID(t *testing.T) {
	var gotKey string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/heartbeat" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotKey = r.Header.Get("x-api-key")

		var req TaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.no/apply", req.URL)
		assert.Equal(t, 60, req.MaxSteps)

		json.NewEncoder(w).Encode(map[string]string{"task_id": "tsk_1"})
	}))

	taskID, err := client.Submit(context.Background(), &TaskRequest{
		URL:            "https://example.no/apply",
		NavigationGoal: "apply",
	})
	require.NoError(t, err)

	assert.Equal(t, "tsk_1", taskID)
	assert.Equal(t, "test-key", gotKey)
}

func TestSubmitRetriesUpToConfiguredBound(t *testing.T) {
	var attempts atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/heartbeat" {
			w.WriteHeader(http.StatusOK)
			return
		}
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	var delays []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := client.Submit(context.Background(), &TaskRequest{URL: "https://x.no"})
	require.Error(t, err)

	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestSubmitBackoffRepeatsLastDelayPastSequenceEnd(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/heartbeat" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	client.cfg.SubmitAttempts = 4

	var delays []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := client.Submit(context.Background(), &TaskRequest{URL: "https://x.no"})
	require.Error(t, err)

	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond,
	}, delays)
}

func TestSubmitSucceedsAfterTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/heartbeat" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"task_id": "tsk_2"})
	}))

	taskID, err := client.Submit(context.Background(), &TaskRequest{URL: "https://x.no"})
	require.NoError(t, err)

	assert.Equal(t, "tsk_2", taskID)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSubmitProceedsWhenHealthProbeFails(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/heartbeat" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"task_id": "tsk_3"})
	}))

	taskID, err := client.Submit(context.Background(), &TaskRequest{URL: "https://x.no"})
	require.NoError(t, err)
	assert.Equal(t, "tsk_3", taskID)
}

func TestGetDecodesTaskResult(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/tsk_9", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"task_id": "tsk_9",
			"status":  "completed",
			"extracted_information": map[string]any{
				"application_sent":     true,
				"confirmation_message": "Søknaden er sendt",
			},
		})
	}))

	result, err := client.Get(context.Background(), "tsk_9")
	require.NoError(t, err)

	assert.True(t, result.Terminal())
	sent, ok := result.ExtractedBool("application_sent")
	assert.True(t, ok)
	assert.True(t, sent)
	assert.Equal(t, "Søknaden er sendt", result.ExtractedString("confirmation_message"))
}

func TestCancel(t *testing.T) {
	var cancelled atomic.Bool
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/tsk_4/cancel" && r.Method == http.MethodPost {
			cancelled.Store(true)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	require.NoError(t, client.Cancel(context.Background(), "tsk_4"))
	assert.True(t, cancelled.Load())
}

func TestPollerCancelsOnOutOfBandApproval(t *testing.T) {
	var cancelled atomic.Bool
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			cancelled.Store(true)
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"task_id": "tsk_5", "status": "running"})
	}))

	poller := NewPoller(client, time.Millisecond, slog.New(slog.DiscardHandler))
	result, err := poller.Wait(context.Background(), "tsk_5", WaitOptions{
		CancelRequested: func(context.Context) (bool, error) { return true, nil },
	})
	require.NoError(t, err)

	assert.Equal(t, TaskCancelled, result.Status)
	assert.True(t, cancelled.Load())
}

func TestPollerReturnsTerminalResult(t *testing.T) {
	var polls atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if polls.Add(1) >= 3 {
			status = "failed"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"task_id": "tsk_6", "status": status, "failure_reason": "position closed",
		})
	}))

	poller := NewPoller(client, time.Millisecond, slog.New(slog.DiscardHandler))
	result, err := poller.Wait(context.Background(), "tsk_6", WaitOptions{})
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, result.Status)
	assert.Equal(t, "position closed", result.FailureReason)
}
