package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the daemon's prometheus instruments. One instance per daemon,
// registered against its own registry so tests never collide. The heartbeat
// monitor updates the gauges on every tick.
type Metrics struct {
	Registry *prometheus.Registry

	HeartbeatTicks       prometheus.Counter
	HeartbeatsSuppressed prometheus.Counter
	ActiveTasks          prometheus.Gauge
	PendingTasks         prometheus.Gauge
	ApprovalsPending     prometheus.Gauge
	HeavyTasksCompleted  prometheus.Counter
	HeavyTasksFailed     prometheus.Counter
	LaneDepth            *prometheus.GaugeVec
}

// NewMetrics creates and registers the daemon instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		HeartbeatTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aided_heartbeat_ticks_total",
			Help: "Heartbeat ticks since start.",
		}),
		HeartbeatsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aided_heartbeats_suppressed_total",
			Help: "Heartbeat broadcasts skipped because the snapshot was unchanged.",
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aided_active_tasks",
			Help: "Tasks currently running across all lanes.",
		}),
		PendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aided_pending_tasks",
			Help: "Entries queued across all lanes.",
		}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aided_approvals_pending",
			Help: "Approval requests awaiting a client decision.",
		}),
		HeavyTasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aided_heavy_tasks_completed_total",
			Help: "Heavy tasks completed by the worker tick.",
		}),
		HeavyTasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aided_heavy_tasks_failed_total",
			Help: "Heavy tasks failed by the worker tick.",
		}),
		LaneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aided_lane_depth",
			Help: "Entries queued per lane.",
		}, []string{"lane"}),
	}
	registry.MustRegister(
		m.HeartbeatTicks, m.HeartbeatsSuppressed, m.ActiveTasks, m.PendingTasks,
		m.ApprovalsPending, m.HeavyTasksCompleted, m.HeavyTasksFailed, m.LaneDepth,
	)
	return m
}
