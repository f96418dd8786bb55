package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofy_events_published_total",
			Help: "Total number of job events published.",
		},
		[]string{"event_type"}, // job.completed, job.failed
	)

	CaptureJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofy_capture_jobs_total",
			Help: "Total number of capture jobs by status transition.",
		},
		[]string{"status"}, // queued, completed, failed
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofy_deliveries_total",
			Help: "Total number of webhook deliveries by terminal status.",
		},
		[]string{"status", "event_type"},
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geofy_delivery_latency_seconds",
			Help:    "Time from delivery creation to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"event_type"},
	)

	AttemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geofy_attempt_duration_seconds",
			Help:    "Duration of individual delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // success, rate_limited, server_error, network_error, client_error
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofy_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_429, timeout, network, other
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofy_dead_letters_total",
			Help: "Total number of deliveries dead-lettered by reason.",
		},
		[]string{"reason"},
	)

	DispatchBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geofy_dispatch_backlog",
			Help: "Number of deliveries currently due for an attempt.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geofy_nsq_topic_depth",
			Help: "Queued message depth per NSQ topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers all collectors on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		CaptureJobsTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		AttemptDurationSeconds,
		RetriesTotal,
		DeadLettersTotal,
		DispatchBacklog,
		NSQTopicDepth,
	)
}

// RecordEventPublished increments the published counter for an event type.
func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordCaptureJob increments the capture job counter for a status transition.
func RecordCaptureJob(status string) {
	CaptureJobsTotal.WithLabelValues(status).Inc()
}

// RecordDelivery records a delivery reaching a terminal status and its
// end-to-end latency.
func RecordDelivery(status, eventType string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status, eventType).Inc()
	DeliveryLatencySeconds.WithLabelValues(eventType).Observe(latency.Seconds())
}

// RecordAttempt records the duration of a single delivery attempt.
func RecordAttempt(outcome string, duration time.Duration) {
	AttemptDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRetry increments the retry counter for a reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLetter increments the dead letter counter for a reason.
func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

// UpdateDispatchBacklog sets the current dispatch backlog gauge.
func UpdateDispatchBacklog(count int) {
	DispatchBacklog.Set(float64(count))
}

// UpdateNSQTopicDepth sets the queued depth gauge for a topic/channel pair.
func UpdateNSQTopicDepth(topic, channel string, depth int64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(float64(depth))
}
