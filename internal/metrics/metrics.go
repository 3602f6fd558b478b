// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks live sessions by role (device, dashboard, unbound).
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "waterhub_sessions_active",
		Help: "Number of live WebSocket sessions by role.",
	}, []string{"role"})

	// ConnectionsTotal counts every accepted WebSocket connection.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterhub_connections_total",
		Help: "Total WebSocket connections accepted since start.",
	})

	// CommandsTotal counts issued water commands by outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterhub_commands_total",
		Help: "Water commands issued, by outcome.",
	}, []string{"outcome"})

	// AlarmFirings counts alarm engine firings by result.
	AlarmFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterhub_alarm_firings_total",
		Help: "Recurring alarm firings, by result (executed, missed, failed).",
	}, []string{"result"})

	// ScheduleFirings counts one-shot schedule transitions by result.
	ScheduleFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterhub_schedule_firings_total",
		Help: "One-shot schedule firings, by result (executed, failed, expired).",
	}, []string{"result"})

	// BroadcastsTotal counts dashboard fan-out messages actually delivered.
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterhub_dashboard_broadcasts_total",
		Help: "Messages delivered to dashboard sessions.",
	})

	// SweepEvictions counts sessions evicted as stale.
	SweepEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterhub_sweep_evictions_total",
		Help: "Device sessions evicted by the staleness sweeper.",
	})
)
