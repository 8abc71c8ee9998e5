package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling core.
//
// Naming convention: namespace_subsystem_name
// - namespace: signaling (application-level grouping)
// - subsystem: websocket, room, sfu, bus, http (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: current state (connections, rooms, participants)
// - Counter: cumulative events (messages processed, admissions)
// - Histogram: latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the participant count per room. Labels must be
	// deleted when a room is destroyed or the series leaks.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"channel_id"})

	// WebinarAttendees tracks watch-only seats in use per room.
	WebinarAttendees = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "webinar_attendees_count",
		Help:      "Number of webinar attendees in each room",
	}, []string{"channel_id"})

	// SignalEvents counts processed signaling requests by type and outcome.
	SignalEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total signaling requests processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks time spent handling one request.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing signaling requests",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// AdmissionDecisions counts admission outcomes (joined, waiting, rejected).
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "admissions_total",
		Help:      "Total admission decisions by outcome",
	}, []string{"decision"})

	// HostPromotions counts automatic host promotions after the last admin left.
	HostPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "host_promotions_total",
		Help:      "Total automatic host promotions",
	})

	// Reconnections counts joins that landed inside the disconnect grace window.
	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "reconnections_total",
		Help:      "Total joins classed as reconnection within the grace window",
	})

	// ProducersActive tracks live producers by media kind.
	ProducersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "sfu",
		Name:      "producers_active",
		Help:      "Current number of live producers",
	}, []string{"kind"})

	// BusPublishes counts cross-instance publishes by backend and outcome.
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Total bus publishes",
	}, []string{"backend", "status"})

	// CircuitBreakerState exposes breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0=closed 1=open 2=half-open",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total requests rejected while the circuit breaker was open",
	}, []string{"backend"})

	// RateLimitRequests counts requests that passed through a limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "http",
		Name:      "rate_limit_requests_total",
		Help:      "Total requests checked by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by a limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
