// Package telemetry exposes Prometheus collectors for the harvester service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_jobs_total",
			Help: "Total number of collection jobs reaching a terminal state, labeled by status.",
		},
		[]string{"status"},
	)

	harvesterJobsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_jobs_enqueued_total",
			Help: "Total number of jobs accepted by the queue.",
		},
	)

	harvesterJobRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_job_retries_total",
			Help: "Total number of job retry dispatches.",
		},
	)

	harvesterJobsStalledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_jobs_stalled_total",
			Help: "Total number of stall detections.",
		},
	)

	harvesterActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_active_workers",
			Help: "Number of workers currently executing a collection job.",
		},
	)

	harvesterCasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_cases_total",
			Help: "Candidates seen per source, labeled by disposition (found, processed, rejected).",
		},
		[]string{"source", "disposition"},
	)

	harvesterDuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_duplicates_total",
			Help: "Candidates rejected by the dedup engine, labeled by matching rule.",
		},
		[]string{"rule"},
	)

	harvesterWebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_webhook_deliveries_total",
			Help: "Webhook delivery attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	harvesterCycleDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_cycle_duration_seconds",
			Help:    "Wall-clock duration of collection cycles, labeled by strategy.",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 600},
		},
		[]string{"strategy"},
	)

	harvesterRateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations per host.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// JobEnqueued records a queue admission.
func JobEnqueued() { harvesterJobsEnqueuedTotal.Inc() }

// JobRetried records a retry dispatch.
func JobRetried() { harvesterJobRetriesTotal.Inc() }

// JobStalled records a stall detection.
func JobStalled() { harvesterJobsStalledTotal.Inc() }

// JobFinished records a terminal job state.
func JobFinished(status string) { harvesterJobsTotal.WithLabelValues(status).Inc() }

// WorkerStarted increments the active worker gauge.
func WorkerStarted() { harvesterActiveWorkers.Inc() }

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() { harvesterActiveWorkers.Dec() }

// ObserveCases records per-source candidate accounting.
func ObserveCases(source string, found, processed int) {
	harvesterCasesTotal.WithLabelValues(source, "found").Add(float64(found))
	harvesterCasesTotal.WithLabelValues(source, "processed").Add(float64(processed))
	if rejected := found - processed; rejected > 0 {
		harvesterCasesTotal.WithLabelValues(source, "rejected").Add(float64(rejected))
	}
}

// ObserveDuplicate records a dedup rejection by matching rule.
func ObserveDuplicate(rule string) {
	harvesterDuplicatesTotal.WithLabelValues(rule).Inc()
}

// ObserveWebhookDelivery records a webhook delivery outcome
// (delivered, retried, dropped).
func ObserveWebhookDelivery(outcome string) {
	harvesterWebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCycle records the duration of one collection cycle.
func ObserveCycle(strategy string, duration time.Duration) {
	harvesterCycleDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	harvesterRateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an inbound API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
