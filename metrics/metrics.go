// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlansStarted counts planning runs triggered.
	PlansStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkplan_plans_started_total",
		Help: "Number of planning runs started.",
	})

	// PlansCompleted counts planning runs that reached the complete state.
	PlansCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkplan_plans_completed_total",
		Help: "Number of planning runs completed successfully.",
	})

	// PlansFailed counts planning runs that ended in the failed state.
	PlansFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkplan_plans_failed_total",
		Help: "Number of planning runs that failed.",
	})

	// LinksPlanned counts link edges persisted by planning runs.
	LinksPlanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkplan_links_planned_total",
		Help: "Number of links created by planning runs.",
	})

	// PlacementFailures counts edges neither injection tier could place.
	PlacementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkplan_placement_failures_total",
		Help: "Number of planned edges left unplaced.",
	})

	// FallbackInjections counts links placed via generative rewriting.
	FallbackInjections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkplan_fallback_injections_total",
		Help: "Number of links placed by the generative fallback tier.",
	})

	// PlanDuration observes end-to-end planning run durations.
	PlanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkplan_plan_duration_seconds",
		Help:    "Duration of planning runs in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	dbOpenConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkplan_db_open_connections",
		Help: "Open connections in the database pool.",
	})

	dbInUseConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkplan_db_in_use_connections",
		Help: "In-use connections in the database pool.",
	})

	dbWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkplan_db_wait_count_total",
		Help: "Cumulative connections waited for in the database pool.",
	})
)

// UpdateDBStats refreshes the database pool gauges. Called on a ticker from
// main.
func UpdateDBStats(db *sql.DB) {
	stats := db.Stats()
	dbOpenConns.Set(float64(stats.OpenConnections))
	dbInUseConns.Set(float64(stats.InUse))
	dbWaitCount.Set(float64(stats.WaitCount))
}
