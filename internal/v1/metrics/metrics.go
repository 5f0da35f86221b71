package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the collaboration core.
//
// Naming convention: namespace_subsystem_name
// - namespace: artifactor (application-level grouping)
// - subsystem: websocket, room, pipeline, cache, notify (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)

var (
	// ActiveWebSocketConnections tracks the current number of live collaboration sockets.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "artifactor",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live artifact rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "artifactor",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active artifact rooms",
	})

	// RoomOccupancy tracks the number of connected users per artifact room.
	RoomOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "artifactor",
		Subsystem: "room",
		Name:      "occupancy_count",
		Help:      "Number of connected users in each artifact room",
	}, []string{"artifact_id"})

	// CollabEvents counts inbound collaboration messages by type and outcome.
	CollabEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total collaboration messages processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration observes hub message handling latency.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "artifactor",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing collaboration messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// PipelineStageDuration observes per-stage inference latency.
	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "artifactor",
		Subsystem: "pipeline",
		Name:      "stage_seconds",
		Help:      "Time spent in each inference pipeline stage",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"stage"})

	// PipelineQueueDepth tracks queued requests per priority.
	PipelineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "artifactor",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Queued inference requests per priority",
	}, []string{"priority"})

	// PipelineRequests counts processed inference requests by outcome.
	PipelineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Total inference requests processed",
	}, []string{"status"})

	// PipelineInflightStages tracks concurrently executing stage pipelines.
	PipelineInflightStages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "artifactor",
		Subsystem: "pipeline",
		Name:      "inflight_executions",
		Help:      "Inference requests currently executing stages",
	})

	// CacheOperations counts cache lookups by tier and result.
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations by tier and result",
	}, []string{"tier", "result"})

	// CacheMemoryBytes tracks resident bytes in the in-process tier.
	CacheMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "artifactor",
		Subsystem: "cache",
		Name:      "memory_bytes",
		Help:      "Bytes held by the in-process cache tier",
	})

	// CacheEvictions counts LRU evictions from the in-process tier.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted from the in-process cache tier",
	})

	// NotificationsDelivered counts notification deliveries by channel and status.
	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "notify",
		Name:      "delivered_total",
		Help:      "Notification deliveries by channel and status",
	}, []string{"channel", "status"})

	// AgentInvocations counts agent bridge dispatches by agent and outcome.
	AgentInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "agents",
		Name:      "invocations_total",
		Help:      "Agent bridge invocations by agent and outcome",
	}, []string{"agent", "status"})

	// AgentDuration observes per-agent handler latency.
	AgentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "artifactor",
		Subsystem: "agents",
		Name:      "duration_seconds",
		Help:      "Agent handler execution time",
		Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"agent"})

	// CircuitBreakerState reports breaker state per backend (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "artifactor",
		Subsystem: "kv",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "kv",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected by an open circuit breaker",
	}, []string{"backend"})

	// RateLimitRequests counts requests that passed rate limiting per route.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked against rate limits",
	}, []string{"route"})

	// RateLimitExceeded counts requests rejected by rate limiting.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artifactor",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by rate limits",
	}, []string{"route", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
