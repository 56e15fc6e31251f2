package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ppewatch"

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

// Fetch metrics
var (
	FetchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_runs_total",
			Help:      "Total number of paged fetch runs",
		},
		[]string{"kind", "status"}, // kind: initial, poll, manual
	)

	FetchPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_pages_total",
			Help:      "Total number of violation pages requested",
		},
		[]string{"status"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a complete fetch run",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	FetchResultsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_results_discarded_total",
			Help:      "Fetch results dropped because their epoch was superseded",
		},
	)
)

// Live merge metrics
var (
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Push events by merge outcome",
		},
		[]string{"outcome"}, // added, duplicate, out_of_scope, out_of_window, filtered, malformed
	)

	PushConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connected",
			Help:      "1 when the real-time channel is connected, 0 otherwise",
		},
	)

	FallbackPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_polls_total",
			Help:      "Fallback polls while the real-time channel is down",
		},
		[]string{"status"},
	)

	DataStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_stale",
			Help:      "1 when repeated fallback polls have failed",
		},
	)

	WorkingSetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_set_records",
			Help:      "Number of violation records in the working set",
		},
	)
)

// Export metrics
var (
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Dashboard exports written to storage",
		},
		[]string{"trigger", "status"}, // trigger: manual, scheduled
	)
)

// Worker metrics
var (
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Periodic job runs by outcome",
		},
		[]string{"job", "status"}, // status: ok, failed, skipped
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of periodic job runs",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"job"},
	)
)
