package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reframe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reframe_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Job metrics
var (
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_jobs_submitted_total",
			Help: "Total number of jobs created, by origin (upload, url, retry)",
		},
		[]string{"origin"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reframe_job_duration_seconds",
			Help:    "Wall time from start of processing to terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reframe_jobs_in_progress",
			Help: "Number of jobs currently executing in this process",
		},
	)

	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reframe_jobs",
			Help: "Number of stored jobs by status",
		},
		[]string{"status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reframe_queue_depth",
			Help: "Number of job ids waiting in the queue",
		},
	)
)

// Pipeline metrics
var (
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reframe_stage_duration_seconds",
			Help:    "Duration of one pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_stage_errors_total",
			Help: "Total number of pipeline stage failures",
		},
		[]string{"stage"},
	)

	ScenesDetected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reframe_scenes_per_job",
			Help:    "Number of scenes detected per processed video",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 250},
		},
	)

	FallbackScenesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reframe_fallback_scenes_total",
			Help: "Total number of scenes rendered with the letterbox fallback",
		},
	)

	FramesRenderedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reframe_frames_rendered_total",
			Help: "Total number of output frames rendered",
		},
	)
)

// Webhook metrics
var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_webhook_deliveries_total",
			Help: "Total number of webhook attempts by outcome (delivered, rejected, failed, dropped)",
		},
		[]string{"outcome"},
	)
)
