package backend

import (
	"github.com/prometheus/client_golang/prometheus"
)

// serviceMetrics counts the credit flows the service mediates.
type serviceMetrics struct {
	spendMinutes    prometheus.Counter
	grantedMinutes  prometheus.Counter
	emergencyGrants prometheus.Counter
	accountResets   prometheus.Counter
}

func newServiceMetrics(registry *prometheus.Registry) *serviceMetrics {
	metrics := &serviceMetrics{
		spendMinutes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dontskip_spend_minutes_total",
			Help: "Coding minutes reported by agents and deducted from balances.",
		}),
		grantedMinutes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dontskip_granted_minutes_total",
			Help: "Workout minutes credited to balances.",
		}),
		emergencyGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dontskip_emergency_grants_total",
			Help: "Emergency unlock grants honored.",
		}),
		accountResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dontskip_account_resets_total",
			Help: "Accounts reset to provisioned defaults.",
		}),
	}
	registry.MustRegister(
		metrics.spendMinutes,
		metrics.grantedMinutes,
		metrics.emergencyGrants,
		metrics.accountResets,
	)
	return metrics
}
