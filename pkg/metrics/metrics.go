package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbox / publisher metrics
	OutboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hashsentry_outbox_backlog",
			Help: "Number of unpublished outbox rows",
		},
	)

	OutboxOldestAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hashsentry_outbox_oldest_age_seconds",
			Help: "Age of the oldest unpublished outbox row in seconds",
		},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashsentry_events_published_total",
			Help: "Total events published to the transport by topic",
		},
		[]string{"topic"},
	)

	PublishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hashsentry_publish_errors_total",
			Help: "Total transport publish failures",
		},
	)

	// Consumer metrics
	EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashsentry_events_consumed_total",
			Help: "Total events processed by consumer and outcome",
		},
		[]string{"consumer", "outcome"},
	)

	DuplicateDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashsentry_duplicate_deliveries_total",
			Help: "Deliveries skipped by inbox idempotency",
		},
		[]string{"consumer"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hashsentry_handler_duration_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer", "kind"},
	)

	DLQEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashsentry_dlq_entries_total",
			Help: "Events dead-lettered by consumer and error kind",
		},
		[]string{"consumer", "error_kind"},
	)

	ConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hashsentry_consumer_lag",
			Help: "Approximate unprocessed message count per consumer group",
		},
		[]string{"group"},
	)

	// Ingest metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashsentry_uploads_total",
			Help: "Collector uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hashsentry_upload_records_total",
			Help: "Telemetry records accepted",
		},
	)

	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hashsentry_upload_duration_seconds",
			Help:    "Upload processing time in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hashsentry_rate_limited_total",
			Help: "Uploads rejected by the sliding-window rate limiter",
		},
	)

	// Command metrics
	CommandTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashsentry_command_transitions_total",
			Help: "Command state transitions by target status",
		},
		[]string{"status"},
	)

	CommandsFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hashsentry_commands_fetched_total",
			Help: "Commands handed to edge devices via long-poll",
		},
	)

	// Edge metrics
	MinerPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashsentry_miner_polls_total",
			Help: "Miner poll attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Write-to-visible latency, sampled by the portfolio consumer.
	WriteToVisible = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hashsentry_write_to_visible_seconds",
			Help:    "Latency from outbox created_at to derived view update",
			Buckets: []float64{.1, .25, .5, 1, 2, 3, 5, 10, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(
		OutboxBacklog,
		OutboxOldestAge,
		EventsPublished,
		PublishErrors,
		EventsConsumed,
		DuplicateDeliveries,
		HandlerDuration,
		DLQEntries,
		ConsumerLag,
		UploadsTotal,
		UploadRecords,
		UploadDuration,
		RateLimited,
		CommandTransitions,
		CommandsFetched,
		MinerPolls,
		WriteToVisible,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
