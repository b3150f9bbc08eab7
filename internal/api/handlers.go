// Package api exposes the dispatch core's operational surface over HTTP:
// request submission, task status reads, aggregated diagnostics, and
// Prometheus metrics. Diagnostics responses carry plain structured data
// only, never task payloads or raw downstream error bodies.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadmax/dispatchcore/internal/archive"
	"github.com/nadmax/dispatchcore/internal/breaker"
	"github.com/nadmax/dispatchcore/internal/dispatch"
	"github.com/nadmax/dispatchcore/internal/health"
	"github.com/nadmax/dispatchcore/internal/httputil"
	"github.com/nadmax/dispatchcore/internal/queue"
)

// CandidateSource builds the downstream candidate list for one request.
// The daemon wires this; the core stays free of downstream clients.
type CandidateSource func(req DispatchRequest) []dispatch.Candidate

// OutcomeReader is the optional archive view used by the status endpoint.
type OutcomeReader interface {
	RecentOutcomes(ctx context.Context, limit int) ([]archive.OutcomeRow, error)
}

type API struct {
	queue      *queue.Queue
	tracker    *health.Tracker
	breaker    *breaker.Breaker
	dispatcher *dispatch.Dispatcher
	candidates CandidateSource
	outcomes   OutcomeReader
	mux        *http.ServeMux
}

type DispatchRequest struct {
	Name       string `json:"name"`
	ContextID  string `json:"context_id"`
	Privileged bool   `json:"privileged"`
	Priority   *int   `json:"priority"`
	Prompt     string `json:"prompt"`
}

type StatusResponse struct {
	Queue    queue.Metrics                        `json:"queue"`
	Breaker  breaker.Diagnostics                  `json:"breaker"`
	Channels map[string]health.ChannelDiagnostics `json:"channels"`
	Recent   []archive.OutcomeRow                 `json:"recent_outcomes,omitempty"`
}

func NewAPI(q *queue.Queue, tracker *health.Tracker, b *breaker.Breaker, d *dispatch.Dispatcher, candidates CandidateSource, outcomes OutcomeReader) *API {
	api := &API{
		queue:      q,
		tracker:    tracker,
		breaker:    b,
		dispatcher: d,
		candidates: candidates,
		outcomes:   outcomes,
		mux:        http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/dispatch", a.handleDispatch)
	a.mux.HandleFunc("/api/tasks", a.handleTasks)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/status", a.handleStatus)
	a.mux.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		httputil.WriteJSONError(w, "Request name is required", http.StatusBadRequest)
		return
	}
	if req.ContextID == "" {
		httputil.WriteJSONError(w, "Context ID is required", http.StatusBadRequest)
		return
	}

	priority := queue.PriorityNormal
	if req.Privileged {
		priority = queue.PriorityPrivileged
	}
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := a.dispatcher.Submit(req.Name, req.ContextID, priority, a.candidates(req))
	if errors.Is(err, queue.ErrQueueFull) {
		httputil.WriteJSONError(w, "Queue is full, try again later", http.StatusTooManyRequests)
		return
	}
	if errors.Is(err, queue.ErrShutdown) {
		httputil.WriteJSONError(w, "Service is shutting down", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.queue.ListActive())
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	task, err := a.queue.GetStatus(taskID)
	if errors.Is(err, queue.ErrTaskNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, task)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Queue:    a.queue.GetMetrics(),
		Breaker:  a.breaker.Diagnostics(),
		Channels: a.tracker.Diagnostics(),
	}

	if a.outcomes != nil {
		recent, err := a.outcomes.RecentOutcomes(r.Context(), 20)
		if err != nil {
			log.Printf("failed to load recent outcomes: %v", err)
		} else {
			resp.Recent = recent
		}
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}
