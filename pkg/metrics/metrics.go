// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebhooksTotal counts webhook deliveries by provider family and outcome.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"tenant_id"},
	)

	// MessagesTotal tracks messages appended to the ledger.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"tenant_id", "sender"},
	)

	// DuplicateMessagesTotal tracks provider retries absorbed by the dedup key.
	DuplicateMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_duplicate_total",
			Help: "Messages ignored because their provider id was already stored",
		},
		[]string{"tenant_id"},
	)

	// AssignmentsTotal tracks assignment attempts by tier and outcome.
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignments_total",
			Help: "Assignment attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// TransfersTotal tracks ownership transfers.
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfers_total",
			Help: "Conversation transfers",
		},
		[]string{"tenant_id"},
	)

	// BlocksTotal tracks block and unblock actions.
	BlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_blocks_total",
			Help: "Block and unblock actions",
		},
		[]string{"action"},
	)

	// SideEffectFailures tracks best-effort operations that failed.
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "side_effect_failures_total",
			Help: "Best-effort side effects that failed",
		},
		[]string{"operation"},
	)

	// TriageDuration tracks LLM sector triage latency.
	TriageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_duration_seconds",
			Help:    "LLM sector triage duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20},
		},
		[]string{"model", "status"},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordWebhook records one webhook delivery.
func RecordWebhook(provider, outcome string) {
	WebhooksTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordMessage records a ledger append; duplicates are counted separately.
func RecordMessage(tenantID, sender string, duplicate bool) {
	if duplicate {
		DuplicateMessagesTotal.WithLabelValues(tenantID).Inc()
		return
	}
	MessagesTotal.WithLabelValues(tenantID, sender).Inc()
}

// RecordAssignment records an assignment attempt.
func RecordAssignment(tier, outcome string) {
	AssignmentsTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordSideEffectFailure records a failed best-effort operation.
func RecordSideEffectFailure(operation string) {
	SideEffectFailures.WithLabelValues(operation).Inc()
}

// RecordTriage records an LLM triage call.
func RecordTriage(model, status string, duration float64) {
	TriageDuration.WithLabelValues(model, status).Observe(duration)
}

// RecordStream records JetStream stream state.
func RecordStream(stream string, msgs, bytes uint64) {
	NATSStreamMessages.WithLabelValues(stream).Set(float64(msgs))
	NATSStreamBytes.WithLabelValues(stream).Set(float64(bytes))
}
