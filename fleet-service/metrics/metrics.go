// Package metrics exposes the service's Prometheus instrumentation. All
// collectors are registered on the default registry and served from
// /metrics by the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SpawnsRequested counts spawn requests that passed the gate, by tool.
	SpawnsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_spawns_requested_total",
		Help: "Number of spawn requests accepted by the coordinator.",
	}, []string{"tool"})

	// SpawnsFailed counts instances that reached the Failed state, by
	// failure reason class.
	SpawnsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_spawns_failed_total",
		Help: "Number of instances that ended in the Failed state.",
	}, []string{"reason"})

	// SessionsTerminated counts successful provider terminations.
	SessionsTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_sessions_terminated_total",
		Help: "Number of provider sessions terminated by the coordinator.",
	})

	// OrphansReaped counts provider sessions terminated by reconciliation
	// because no store record matched them.
	OrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_orphan_sessions_reaped_total",
		Help: "Number of orphaned provider sessions terminated during reconciliation.",
	})

	// FleetRestarts counts operator-initiated fleet restarts.
	FleetRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_restarts_total",
		Help: "Number of fleet restarts requested by operators.",
	})

	// InstancesByState tracks the current number of instances per state,
	// refreshed by the reconciliation sweep.
	InstancesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_instances",
		Help: "Current number of instances by lifecycle state.",
	}, []string{"state"})

	// HTTPRequests counts requests on the HTTP surface.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_http_requests_total",
		Help: "Number of HTTP requests handled, by route and status class.",
	}, []string{"route", "class"})

	// TasksExecuted counts task-runner executions by kind and outcome.
	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_tasks_executed_total",
		Help: "Number of queue tasks executed, by kind and outcome.",
	}, []string{"kind", "outcome"})
)
