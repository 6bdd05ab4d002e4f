package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueueDepth tracks pending RequestManager work per priority tier
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trackguard_request_queue_depth",
			Help: "Requests waiting in the RequestManager queue",
		},
		[]string{"priority"},
	)

	// CircuitOpen is 1 while the RequestManager circuit is open
	CircuitOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackguard_request_circuit_open",
			Help: "Whether the RequestManager circuit breaker is open",
		},
	)

	// RequestsTotal counts executed work by outcome
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackguard_requests_total",
			Help: "Total number of requests executed by the RequestManager",
		},
		[]string{"priority", "outcome"},
	)

	// RequestLatency tracks work latency
	RequestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackguard_request_latency_seconds",
			Help:    "Latency of work executed by the RequestManager",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PollsTotal counts session polls by outcome
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackguard_session_polls_total",
			Help: "Total number of session polls",
		},
		[]string{"outcome"},
	)

	// ActiveSessions tracks registered polling sessions
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackguard_active_sessions",
			Help: "Number of registered polling sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(CircuitOpen)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestLatency)
	prometheus.MustRegister(PollsTotal)
	prometheus.MustRegister(ActiveSessions)
}
