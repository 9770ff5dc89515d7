// Package obsmetrics registers the Prometheus collectors every
// component in this module reports through, mirroring the teacher's
// flat package-level metrics.go: one var block of exported collectors
// and one init() that registers them all. Call sites use the
// collectors directly (e.g. ConnectionsRejected.WithLabelValues).
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Connections (transport)
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_connections_total",
		Help: "Total number of client connections established",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncore_connections_active",
		Help: "Current number of active client connections",
	})
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncore_connections_rejected_total",
		Help: "Total connection attempts rejected, by reason",
	}, []string{"reason"})
	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_slow_clients_disconnected_total",
		Help: "Total clients disconnected for falling behind on delivery",
	})

	// Messages (C9 dispatcher)
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_messages_received_total",
		Help: "Total inbound protocol messages received",
	})
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_messages_sent_total",
		Help: "Total outbound protocol frames sent",
	})
	DispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncore_dispatch_errors_total",
		Help: "Total dispatcher error responses, by error code",
	}, []string{"code"})
	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_rate_limited_messages_total",
		Help: "Total inbound messages dropped by per-client rate limiting",
	})

	// Entity store (C5) and op-log (C4)
	EntityEmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_entity_emits_total",
		Help: "Total entitystore.Emit calls",
	})
	OpLogEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncore_oplog_entries",
		Help: "Current number of retained patch entries across all entities",
	})
	OpLogEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncore_oplog_evictions_total",
		Help: "Total patch entries evicted from the op-log, by reason",
	}, []string{"reason"})

	// Fan-out (C7)
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncore_subscriptions_active",
		Help: "Current number of live subscriptions tracked by the fan-out engine",
	})
	BroadcastComputeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_broadcast_compute_errors_total",
		Help: "Total per-subscriber update computations that fell back to a value snapshot",
	})
	UpdatesSentByStrategy = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncore_updates_sent_total",
		Help: "Total field updates sent, by encoding strategy",
	}, []string{"strategy"})

	// Reconnect (C8)
	ReconnectRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncore_reconnect_requests_total",
		Help: "Total reconnect subscription resolutions, by resulting status",
	}, []string{"status"})
	ReconnectProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncore_reconnect_processing_seconds",
		Help:    "Time to resolve a full reconnect request batch",
		Buckets: prometheus.DefBuckets,
	})

	// Resource guard (domain stack)
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncore_cpu_usage_percent",
		Help: "Last-sampled CPU usage percentage",
	})
	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncore_memory_usage_bytes",
		Help: "Last-sampled memory usage in bytes",
	})
	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncore_goroutines_active",
		Help: "Current number of active goroutines",
	})

	// Durable op-log adapter (Kafka) and fan-out bus (NATS)
	KafkaConsumerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncore_kafka_consumer_connected",
		Help: "Durable op-log Kafka consumer status (1=running, 0=stopped)",
	})
	KafkaRecordsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_kafka_records_consumed_total",
		Help: "Total patch records consumed from the durable op-log topic",
	})
	NATSMessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_nats_messages_published_total",
		Help: "Total cross-instance fan-out messages published to NATS",
	})
	NATSMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncore_nats_messages_received_total",
		Help: "Total cross-instance fan-out messages received from NATS",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsRejected, SlowClientsDisconnected,
		MessagesReceived, MessagesSent, DispatchErrors, RateLimitedMessages,
		EntityEmits, OpLogEntries, OpLogEvictions,
		SubscriptionsActive, BroadcastComputeErrors, UpdatesSentByStrategy,
		ReconnectRequests, ReconnectProcessingSeconds,
		CPUUsagePercent, MemoryUsageBytes, GoroutinesActive,
		KafkaConsumerConnected, KafkaRecordsConsumed,
		NATSMessagesPublished, NATSMessagesReceived,
	)
}
