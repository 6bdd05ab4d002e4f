package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts Coordinator requests by how they were answered
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackguard_coordinator_requests_total",
			Help: "Total number of Coordinator requests by outcome",
		},
		[]string{"action", "outcome"},
	)

	// VendorCallsTotal counts calls that reached the vendor
	VendorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackguard_vendor_calls_total",
			Help: "Total number of vendor calls by result",
		},
		[]string{"action", "result"},
	)

	// QueueDepth tracks requests waiting for the vendor
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackguard_coordinator_queue_depth",
			Help: "Requests waiting in the Coordinator queue",
		},
	)

	// EmergencyStopActive is 1 while a lockout is in force
	EmergencyStopActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackguard_emergency_stop_active",
			Help: "Whether a system-wide emergency stop is in force",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(VendorCallsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(EmergencyStopActive)
}
