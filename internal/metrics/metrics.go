package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "revguard"

// Pipeline counters and gauges. Registered once at package load via the
// default registry; Handler exposes them.
var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_received_total",
		Help:      "Inbound webhook deliveries accepted by the receiver.",
	}, []string{"source"})

	WebhooksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_rejected_total",
		Help:      "Inbound deliveries rejected before persistence.",
	}, []string{"source", "reason"})

	EventsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_normalized_total",
		Help:      "Canonical events written, by source and event type.",
	}, []string{"source", "event_type"})

	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_duplicate_total",
		Help:      "Normalized events dropped by idempotency.",
	}, []string{"source"})

	ProcessingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_processing_total",
		Help:      "Terminal raw-webhook outcomes.",
	}, []string{"source", "outcome"})

	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_processing_seconds",
		Help:      "Wall time from dequeue to terminal status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingest_queue_depth",
		Help:      "Raw deliveries waiting per worker partition.",
	}, []string{"partition"})

	IssuesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "issues_opened_total",
		Help:      "Issues created, by detector.",
	}, []string{"detector"})

	ProjectionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "projection_conflicts_total",
		Help:      "Events whose entitlement transition was impossible.",
	}, []string{"source"})

	AlertDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_deliveries_total",
		Help:      "Alert sink outcomes.",
	}, []string{"channel", "outcome"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
