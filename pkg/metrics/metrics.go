package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_consumed_total",
			Help: "Total number of messages received from broker queues (count)",
		},
		[]string{"queue"},
	)

	MessagesForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_forwarded_total",
			Help: "Total number of messages forwarded to webhooks, by outcome (count)",
		},
		[]string{"queue", "outcome"},
	)

	MessagesDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_duplicate_total",
			Help: "Total number of messages dropped as duplicates (count)",
		},
		[]string{"queue"},
	)

	WebhookRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consumer_webhook_request_duration_ms",
			Help:    "Duration of webhook delivery attempts in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"queue", "status"},
	)

	DedupSetSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_dedup_set_size",
			Help: "Current size of the in-memory processed-fingerprint set (count)",
		},
		[]string{"queue"},
	)

	ConsumerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_state",
			Help: "Consumer lifecycle state (0=idle,1=active,2=paused,3=reconnecting,4=stopped)",
		},
		[]string{"queue"},
	)

	ReconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_reconnect_attempts_total",
			Help: "Total number of reconnection attempts, by outcome (count)",
		},
		[]string{"queue", "outcome"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	AuditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_writes_total",
			Help: "Total number of audit record writes, by outcome (count)",
		},
		[]string{"outcome"},
	)

	PersistenceWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_writes_total",
			Help: "Total number of persistence store writes, by outcome (count)",
		},
		[]string{"outcome"},
	)
)

func RegisterConsumerMetrics() {
	prometheus.MustRegister(MessagesConsumedTotal)
	prometheus.MustRegister(MessagesForwardedTotal)
	prometheus.MustRegister(MessagesDuplicateTotal)
	prometheus.MustRegister(WebhookRequestDuration)
	prometheus.MustRegister(DedupSetSize)
	prometheus.MustRegister(ConsumerState)
	prometheus.MustRegister(ReconnectAttemptsTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterManagementMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(AuditWritesTotal)
	prometheus.MustRegister(PersistenceWritesTotal)
}

func ObserveWebhookDuration(queue, status string, duration time.Duration) {
	WebhookRequestDuration.WithLabelValues(queue, status).Observe(float64(duration.Milliseconds()))
}

func SetDedupSetSize(queue string, size int) {
	DedupSetSize.WithLabelValues(queue).Set(float64(size))
}

func SetConsumerState(queue string, state int) {
	ConsumerState.WithLabelValues(queue).Set(float64(state))
}
