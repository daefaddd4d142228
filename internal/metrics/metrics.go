package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Escrow operations by kind and outcome.
	EscrowOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Total number of escrow operations (list, purchase, withdraw) by result.",
		},
		[]string{"op", "result"}, // result = "ok" | error code
	)

	EscrowOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Duration of escrow operations including the ledger transaction.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		},
		[]string{"op"},
	)

	// Lamports settled to sellers by purchases.
	SettledLamports = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_settled_lamports_total",
			Help: "Sum of purchase prices paid to sellers.",
		},
	)

	RegistryMintsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_mints_total",
			Help: "Assets and collections minted by result.",
		},
		[]string{"kind", "result"},
	)

	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed.",
		},
		[]string{"subject", "result"},
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	AMQPMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqp_messages_total",
			Help: "Total number of RabbitMQ messages published.",
		},
		[]string{"routing_key", "result"},
	)

	ListingCacheAccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_cache_access_total",
			Help: "Listing cache hits and misses.",
		},
		[]string{"result"}, // hit | miss
	)

	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_cache_access_total",
			Help: "Number of cache hits/misses in secret cache.",
		},
		[]string{"result"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_market_errors_total",
			Help: "Count of service-level errors by component.",
		},
		[]string{"component", "reason"},
	)

	// Unix seconds of the last completed listing cache rebuild.
	LastRefreshTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrow_market_last_refresh_timestamp",
			Help: "Timestamp (unix seconds) of the last successful background refresh.",
		},
		[]string{"component"},
	)
)

// ObserveDuration records the time since start on a histogram or summary.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	}
}

func IncEscrowOp(op, result string) {
	EscrowOpsTotal.WithLabelValues(op, result).Inc()
}

func AddSettled(lamports uint64) {
	SettledLamports.Add(float64(lamports))
}

func IncRegistryMint(kind, result string) {
	RegistryMintsTotal.WithLabelValues(kind, result).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncAMQPMessage(routingKey, result string) {
	AMQPMessageCount.WithLabelValues(routingKey, result).Inc()
}

func IncListingCache(result string) {
	ListingCacheAccess.WithLabelValues(result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastRefresh(component string, t time.Time) {
	LastRefreshTimestamp.WithLabelValues(component).Set(float64(t.Unix()))
}
