package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the sync core.
//
// Naming convention: namespace_subsystem_name
// - namespace: synccore (application-level grouping)
// - subsystem: sync, cache, bus, presence, memberlist (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, subscribers)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of active sync connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "synccore",
		Subsystem: "sync",
		Name:      "connections_active",
		Help:      "Current number of active sync connections",
	})

	// ActiveRooms tracks the current number of cached rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "synccore",
		Subsystem: "cache",
		Name:      "rooms_active",
		Help:      "Current number of rooms held in the cache",
	})

	// SyncEventsTotal tracks the total number of sync events fanned out (CounterVec).
	SyncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synccore",
		Subsystem: "bus",
		Name:      "events_total",
		Help:      "Total sync events published",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing inbound messages.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "synccore",
		Subsystem: "sync",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing sync messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SubscriberLag tracks how far behind a subscriber's cursor is from the bus head.
	SubscriberLag = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "synccore",
		Subsystem: "bus",
		Name:      "subscriber_lag",
		Help:      "Number of events a subscriber is behind when it disconnects or resumes",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"outcome"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec).
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "synccore",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synccore",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synccore",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synccore",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec).
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synccore",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec).
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "synccore",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// PresenceOnlineUsers tracks the current number of users considered online.
	PresenceOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "synccore",
		Subsystem: "presence",
		Name:      "online_users",
		Help:      "Current number of users considered online",
	})

	// MemberListSubscribers tracks the number of active member list syncers.
	MemberListSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "synccore",
		Subsystem: "memberlist",
		Name:      "subscribers_active",
		Help:      "Current number of active member list syncers",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
