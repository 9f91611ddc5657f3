package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Router metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagepipe_router_notifications_total",
			Help: "Total number of upstream notification records by outcome",
		},
		[]string{"event_type", "status"},
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagepipe_router_publish_duration_seconds",
			Help:    "Duration of topic publishes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue metrics
	EnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagepipe_queue_enqueued_total",
			Help: "Total number of envelopes enqueued",
		},
		[]string{"queue"},
	)

	ReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagepipe_queue_received_total",
			Help: "Total number of deliveries handed to consumers",
		},
		[]string{"queue"},
	)

	RedeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagepipe_queue_redeliveries_total",
			Help: "Total number of deliveries with an attempt count above one",
		},
		[]string{"queue"},
	)

	DeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagepipe_queue_dead_lettered_total",
			Help: "Total number of envelopes moved to a dead-letter queue",
		},
		[]string{"queue", "reason"},
	)

	ExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagepipe_queue_expired_total",
			Help: "Total number of envelopes dropped after the retention window",
		},
		[]string{"queue"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imagepipe_queue_depth",
			Help: "Messages currently held by a queue, visible and in flight",
		},
		[]string{"queue"},
	)

	// Worker metrics
	ProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagepipe_worker_processed_total",
			Help: "Total number of messages handled by workers",
		},
		[]string{"worker", "status"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagepipe_worker_handler_duration_seconds",
			Help:    "Duration of one worker invocation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imagepipe_worker_in_flight",
			Help: "Messages currently being handled",
		},
		[]string{"worker"},
	)

	// Notification metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagepipe_alerts_total",
			Help: "Total number of alerts dispatched by channel and outcome",
		},
		[]string{"channel", "status"},
	)
)

// Outcome labels.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)
