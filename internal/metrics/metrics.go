// Package metrics provides Prometheus metrics for monitoring the dispatch core.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_submitted_total",
			Help: "Total number of tasks admitted by the queue",
		},
		[]string{"priority"},
	)
	TasksRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_rejected_total",
			Help: "Total number of submissions rejected at admission",
		},
	)
	TasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)
	TasksFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_failed_total",
			Help: "Total number of tasks that failed",
		},
	)
	TasksSLAAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_sla_aborted_total",
			Help: "Total number of tasks cancelled by their SLA deadline",
		},
	)
	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_tasks_running",
			Help: "Current number of running tasks",
		},
	)
	TasksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_tasks_pending",
			Help: "Current number of admitted tasks waiting for a run slot",
		},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_breaker_state",
			Help: "Gateway breaker state (0=closed, 1=open, 2=half-open)",
		},
	)
	BreakerOpens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_breaker_opens_total",
			Help: "Total number of times the gateway breaker opened",
		},
	)
	BreakerProbes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_breaker_probes_total",
			Help: "Total number of half-open probe calls",
		},
	)
	ChannelState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_channel_state",
			Help: "Channel health state (0=healthy, 1=degraded, 2=locked)",
		},
		[]string{"channel"},
	)
	ChannelFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_channel_failures_total",
			Help: "Total number of failures recorded per channel",
		},
		[]string{"channel"},
	)
	BudgetExhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_budget_exhaustions_total",
			Help: "Total number of requests terminated by budget exhaustion",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskSubmitted(priority int) {
	TasksSubmitted.WithLabelValues(strconv.Itoa(priority)).Inc()
}

func RecordTaskRejected() {
	TasksRejected.Inc()
}

func RecordTaskCompleted(duration time.Duration) {
	TasksCompleted.Inc()
	TaskDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

func RecordTaskFailed(duration time.Duration) {
	TasksFailed.Inc()
	TaskDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

func RecordTaskSLAAborted() {
	TasksSLAAborted.Inc()
}

func UpdateTaskGauges(running, pending int) {
	TasksRunning.Set(float64(running))
	TasksPending.Set(float64(pending))
}

func UpdateBreakerState(state int) {
	BreakerState.Set(float64(state))
}

func RecordBreakerOpened() {
	BreakerOpens.Inc()
}

func RecordBreakerProbe() {
	BreakerProbes.Inc()
}

func UpdateChannelState(channel string, state int) {
	ChannelState.WithLabelValues(channel).Set(float64(state))
}

func RecordChannelFailure(channel string) {
	ChannelFailures.WithLabelValues(channel).Inc()
}

func RecordBudgetExhausted() {
	BudgetExhaustions.Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
