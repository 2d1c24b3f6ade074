// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event pipeline
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grace_events_published_total",
			Help: "Total events accepted by the unified publisher, by type prefix and severity",
		},
		[]string{"prefix", "severity"},
	)

	EventsDeadLetteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grace_events_dead_lettered_total",
			Help: "Total events rejected on ingress and routed to the dead-letter audit entry",
		},
	)

	BusSaturationTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grace_bus_saturation_total",
			Help: "Times the bus raised saturation and degraded non-critical subscribers",
		},
	)

	// Governance
	GovernanceDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grace_governance_decisions_total",
			Help: "Governance decisions by tier and outcome",
		},
		[]string{"tier", "decision"},
	)

	// Guardian
	GuardianIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grace_guardian_issues_total",
			Help: "Issues detected by the guardian watchdog, by category",
		},
		[]string{"category"},
	)

	GuardianScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grace_guardian_scan_duration_seconds",
			Help:    "Duration of a full guardian watchdog scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Incidents
	IncidentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grace_incidents_active",
			Help: "Incidents currently in a non-terminal state",
		},
	)

	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grace_incidents_total",
			Help: "Incident terminal outcomes by status and failure mode",
		},
		[]string{"status", "failure_mode"},
	)

	IncidentMTTRSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grace_incident_mttr_seconds",
			Help:    "Time from detection to resolution, by failure mode",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"failure_mode"},
	)

	// HTM scheduler
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grace_htm_tasks_total",
			Help: "HTM task terminal states by kind and state",
		},
		[]string{"kind", "state"},
	)

	TaskRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grace_htm_task_retries_total",
			Help: "Task attempts beyond the first",
		},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grace_htm_queue_depth",
			Help: "Tasks currently queued for dispatch",
		},
	)

	// Meta-loop
	ConfigRevisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grace_config_revisions_total",
			Help: "Config revisions by outcome (proposed, applied, reverted, denied)",
		},
		[]string{"outcome"},
	)
)

// RecordEventPublished records an accepted publication.
func RecordEventPublished(prefix, severity string) {
	EventsPublishedTotal.WithLabelValues(prefix, severity).Inc()
}

// RecordIncidentResolved observes a resolution with its MTTR.
func RecordIncidentResolved(failureMode string, mttrSeconds float64) {
	IncidentsTotal.WithLabelValues("resolved", failureMode).Inc()
	IncidentMTTRSeconds.WithLabelValues(failureMode).Observe(mttrSeconds)
}

// RecordTaskTerminal records a task reaching a terminal state.
func RecordTaskTerminal(kind, state string) {
	TasksTotal.WithLabelValues(kind, state).Inc()
}
