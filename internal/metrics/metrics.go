// Package metrics implements the Prometheus metrics registry: gauges,
// counters, and histograms registered via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal is recomputed from Store.CountByStatus() on every poll
	// rather than incrementally tracked.
	TasksTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aof_tasks_total",
			Help: "Number of tasks currently filed under each status",
		},
		[]string{"status"},
	)

	// SchedulerUp is 1 while the daemon's poll loop is running, 0 once
	// Stop has completed its cleanup.
	SchedulerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aof_scheduler_up",
			Help: "1 if the scheduler poll loop is running, 0 otherwise",
		},
	)

	// TasksByAgent is recomputed from scratch on every poll: the label set
	// is reset first so an agent with no remaining tasks doesn't linger.
	TasksByAgent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aof_tasks_by_agent",
			Help: "Number of tasks currently routed to each agent, across all statuses",
		},
		[]string{"agent"},
	)

	// OldestLeaseAgeSeconds is the age of the oldest currently held
	// in-progress lease, recomputed on every poll; zero when none is held.
	OldestLeaseAgeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aof_oldest_lease_age_seconds",
			Help: "Age in seconds of the oldest currently held task lease",
		},
	)

	// GateDurationSeconds records now - gate.entered for every completed
	// gate transition, labeled by workflow, gate, and outcome.
	GateDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aof_gate_duration_seconds",
			Help:    "Time a task spent at a gate before its outcome was recorded",
			Buckets: prometheus.ExponentialBuckets(1, 2, 20), // 1s .. ~6 days
		},
		[]string{"workflow", "gate", "outcome"},
	)

	// GateTransitionsTotal counts every advance/reject gate move.
	GateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aof_gate_transitions_total",
			Help: "Total number of gate transitions",
		},
		[]string{"from_gate", "to_gate"},
	)

	// GateRejectionsTotal counts reject outcomes specifically, labeled by
	// the gate that rejected and the project's workflow.
	GateRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aof_gate_rejections_total",
			Help: "Total number of gate rejections",
		},
		[]string{"gate", "workflow"},
	)
)
