// Package observability provides logging, metrics, and tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	VideosSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videos_submitted_total",
			Help: "Total upstream submissions by mode and result",
		},
		[]string{"mode", "result"},
	)
	VideosCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "videos_completed_total",
			Help: "Total videos driven to completed",
		},
	)
	VideosFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videos_failed_total",
			Help: "Total videos driven to failed, by cause",
		},
		[]string{"cause"},
	)

	TokenDispensesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_dispenses_total",
			Help: "Token dispenses by mode and result",
		},
		[]string{"mode", "result"},
	)
	TokenCooldownsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "token_cooldowns_total",
			Help: "Tokens placed in error cooldown",
		},
	)

	SubmissionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "submission_queue_depth",
			Help: "Jobs waiting in the in-memory submission queue",
		},
	)
	PollingWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "polling_workers",
			Help: "Active polling workers",
		},
	)
	PollAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_attempts_total",
			Help: "Status-check attempts by outcome",
		},
		[]string{"outcome"},
	)

	MediaUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_uploads_total",
			Help: "Media re-host attempts by result",
		},
		[]string{"result"},
	)
)

// InitMetrics registers all collectors with the default registry. Safe to
// call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VideosSubmittedTotal,
		VideosCompletedTotal,
		VideosFailedTotal,
		TokenDispensesTotal,
		TokenCooldownsTotal,
		SubmissionQueueDepth,
		PollingWorkers,
		PollAttemptsTotal,
		MediaUploadsTotal,
	)
}
