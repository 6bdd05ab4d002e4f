package alerts

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AlertsFiredTotal counts fired alerts by severity
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackguard_alerts_fired_total",
			Help: "Total number of alerts fired",
		},
		[]string{"severity"},
	)

	// ActiveAlerts tracks unresolved alerts
	ActiveAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackguard_alerts_active",
			Help: "Number of unresolved alerts",
		},
	)

	// ActionFailuresTotal counts failed alert actions by type
	ActionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackguard_alert_action_failures_total",
			Help: "Total number of failed alert actions",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(AlertsFiredTotal)
	prometheus.MustRegister(ActiveAlerts)
	prometheus.MustRegister(ActionFailuresTotal)
}
