package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/dispatchcore/internal/breaker"
	"github.com/nadmax/dispatchcore/internal/dispatch"
	"github.com/nadmax/dispatchcore/internal/health"
	"github.com/nadmax/dispatchcore/internal/queue"
)

type silentSink struct{}

func (silentSink) NotifySuccess(contextID, message string) {}
func (silentSink) NotifyFailure(contextID, message string) {}

func setupTestAPI(t *testing.T) (*API, *queue.Queue) {
	q := queue.New(queue.Config{
		MaxQueueSize: 5,
		MaxRunning:   2,
		SLATimeout:   5 * time.Second,
	}, silentSink{}, nil)
	t.Cleanup(func() { _ = q.Shutdown(time.Second) })

	tracker := health.NewTracker(health.Config{ErrThreshold: 3, OKThreshold: 2, LockCooldown: time.Minute})
	b := breaker.New(breaker.Config{
		FailureThreshold: 3,
		Window:           10 * time.Second,
		RecoveryTimeout:  30 * time.Second,
		ProbeTimeout:     time.Second,
	})
	d := dispatch.New(q, tracker, b, dispatch.Config{
		TotalBudget:   2 * time.Second,
		PerCallBudget: time.Second,
	})

	candidates := func(req DispatchRequest) []dispatch.Candidate {
		return []dispatch.Candidate{
			{Channel: "local", Invoke: func(ctx context.Context) (any, error) {
				return "echo: " + req.Prompt, nil
			}},
		}
	}

	return NewAPI(q, tracker, b, d, candidates, nil), q
}

func postDispatch(t *testing.T, api *API, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(body))
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	return w
}

func TestDispatchAcceptsRequest(t *testing.T) {
	api, q := setupTestAPI(t)

	w := postDispatch(t, api, `{"name":"ask","context_id":"chat-1","prompt":"hi"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["task_id"])

	require.Eventually(t, func() bool {
		task, err := q.GetStatus(resp["task_id"])
		return err == nil && task.Status == queue.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	task, err := q.GetStatus(resp["task_id"])
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", task.Result)
}

func TestDispatchValidation(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := postDispatch(t, api, `{"context_id":"chat-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postDispatch(t, api, `{"name":"ask"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postDispatch(t, api, `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchMethodNotAllowed(t *testing.T) {
	api, _ := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/dispatch", nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestDispatchBackpressure(t *testing.T) {
	api, _ := setupTestAPI(t)

	// Saturate the queue with slow requests.
	slow := func(req DispatchRequest) []dispatch.Candidate {
		return []dispatch.Candidate{
			{Channel: "local", Invoke: func(ctx context.Context) (any, error) {
				select {
				case <-time.After(time.Hour):
				case <-ctx.Done():
				}
				return nil, ctx.Err()
			}},
		}
	}
	api.candidates = slow

	for i := 0; i < 5; i++ {
		w := postDispatch(t, api, `{"name":"slow","context_id":"c","prompt":"x"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := postDispatch(t, api, `{"name":"one too many","context_id":"c","prompt":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetTaskByID(t *testing.T) {
	api, q := setupTestAPI(t)

	id, err := q.Submit("direct", "c", queue.PriorityNormal, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := q.GetStatus(id)
		return err == nil && task.Status == queue.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+id, nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var task queue.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, id, task.ID)
	assert.Equal(t, queue.StatusCompleted, task.Status)
}

func TestGetTaskByID_NotFound(t *testing.T) {
	api, _ := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/nonexistent", nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListActiveTasks(t *testing.T) {
	api, q := setupTestAPI(t)

	release := make(chan struct{})
	_, err := q.Submit("held", "c", queue.PriorityNormal, func(ctx context.Context) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	require.NoError(t, err)
	defer close(release)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var tasks []queue.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 1)
}

func TestStatusEndpoint(t *testing.T) {
	api, _ := setupTestAPI(t)

	api.tracker.RecordFailure("cloud")
	api.breaker.RecordFailure("gateway hiccup")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Queue.MaxQueueSize)
	assert.Equal(t, breaker.StateClosed, resp.Breaker.State)
	assert.Equal(t, 1, resp.Breaker.FailureCount)
	require.Contains(t, resp.Channels, "cloud")
	assert.Equal(t, 1, resp.Channels["cloud"].TotalErrors)
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dispatch_tasks_rejected_total")
}
