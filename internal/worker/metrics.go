// Package worker runs the integration job poll loop.
//
// This file exposes Prometheus instrumentation for the worker. Label sets
// are bounded:
//
//   - portal:   registered portal code (e.g. "olx", "demo")
//   - job_type: one of the five job types
//   - outcome:  completed | retried | failed | skipped | released
//   - op:       adapter operation (publish, update, pause, remove, sync_status)
//   - kind:     "ok" or the failure kind of the call
//
// Collectors are registered with the default registry in init(), so both the
// API's /metrics route and the worker's metrics listener expose them.
package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/portal-integrator/internal/failure"
)

var (
	// jobsProcessed counts finished executions by portal, type and outcome.
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrator_jobs_processed_total",
			Help: "Integration jobs processed by the worker.",
		},
		[]string{"portal", "job_type", "outcome"},
	)

	// jobDuration observes wall time from claim to bookkeeping.
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integrator_job_duration_seconds",
			Help:    "Duration of integration job executions in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"portal", "job_type"},
	)

	// workerRunning is 1 while a poll loop is active in this process.
	workerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "integrator_worker_running",
			Help: "Whether the worker poll loop is running.",
		},
	)

	// adapterCalls counts portal adapter calls by outcome kind.
	adapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrator_adapter_calls_total",
			Help: "Portal adapter calls by portal, operation and result kind.",
		},
		[]string{"portal", "op", "kind"},
	)
)

func init() {
	prometheus.MustRegister(jobsProcessed, jobDuration, workerRunning, adapterCalls)
}

func kindLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return failure.KindOf(err).String()
}
