// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksExpanded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_expanded_total",
		Help: "Total number of tasks materialised by an expansion handler",
	}, []string{"task_type"})
	AttemptsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attempts_queued_total",
		Help: "Total number of attempts created and queued by the scheduler",
	}, []string{"task_type"})
	AttemptsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attempts_finished_total",
		Help: "Total number of attempts that reached the finished state",
	}, []string{"task_type", "error_fail"})
	AttemptsStalled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "attempts_stalled",
		Help: "Number of running attempts whose heartbeat has exceeded max_heartbeat_age",
	})
	SchedulerScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_scan_duration_seconds",
		Help:    "Duration of a schedule_eligible bulk scan",
		Buckets: prometheus.DefBuckets,
	})
	FileVersionsRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "file_versions_registered_total",
		Help: "Total number of FileProductVersion rows registered",
	})
	ExpressionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "expression_errors_total",
		Help: "Total number of ExpressionError failures during expansion",
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of each task-type queue",
	}, []string{"task_type"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "1 while a worker process holds a claim and is executing a handler, 0 while polling",
	})
)

func init() {
	prometheus.MustRegister(TasksExpanded, AttemptsQueued, AttemptsFinished, AttemptsStalled,
		SchedulerScanDuration, FileVersionsRegistered, ExpressionErrors, QueueLength,
		CircuitBreakerState, CircuitBreakerTrips, WorkerActive)
}

// StartMetricsServer exposes /metrics alone and returns a server for
// controlled shutdown. Prefer StartHTTPServer, which also registers the
// health endpoints.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
