package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab_hub (application-level grouping)
// - subsystem: websocket, space, card, rate_limit, db, circuit_breaker (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, spaces, occupants, locks)
// - Counter: Cumulative events (frames processed, auth failures)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of open WebSocket sessions
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSpaces tracks the current number of spaces with at least one member
	ActiveSpaces = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "space",
		Name:      "spaces_active",
		Help:      "Current number of spaces with at least one member",
	})

	// SpaceOccupants tracks the number of members in each space
	SpaceOccupants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "space",
		Name:      "occupants_count",
		Help:      "Number of members in each space",
	}, []string{"space_id"})

	// HeldLocks tracks the current number of held card locks
	HeldLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "card",
		Name:      "locks_held",
		Help:      "Current number of held card locks",
	})

	// FrameEvents tracks the total number of inbound frames processed
	FrameEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total inbound frames processed",
	}, []string{"event_type", "status"})

	// AuthFailures tracks failed authentication handshakes
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "auth_failures_total",
		Help:      "Total failed authentication handshakes",
	})

	// HeartbeatDeaths tracks sessions torn down by the liveness monitor
	HeartbeatDeaths = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "heartbeat_deaths_total",
		Help:      "Total sessions torn down after a missed heartbeat",
	})

	// FrameProcessingDuration tracks the time spent processing inbound frames
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_hub",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// DBQueries tracks the total number of store queries (CounterVec)
	DBQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "db",
		Name:      "queries_total",
		Help:      "Total number of store queries",
	}, []string{"query", "status"})

	// DBQueryDuration tracks the duration of store queries (HistogramVec)
	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_hub",
		Subsystem: "db",
		Name:      "query_duration_seconds",
		Help:      "Duration of store queries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_hub",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_hub",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
