// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the registered collectors.
type Metrics struct {
	Registry *prometheus.Registry

	ObservationsIngested prometheus.Counter
	ObservationsDropped  prometheus.Counter
	PassesTotal          prometheus.Counter
	CandidatesSelected   prometheus.Counter
	IndexesCommitted     prometheus.Counter
	IndexesRolledBack    prometheus.Counter
	BuildsDeferred       *prometheus.CounterVec
	BuildDuration        prometheus.Histogram
	MutationLogSize      prometheus.Gauge
	StorageUsedBytes     prometheus.Gauge
	PlanCacheEntries     prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ObservationsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexpilot_observations_ingested_total",
			Help: "Query observations accepted by the stats store.",
		}),
		ObservationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexpilot_observations_dropped_total",
			Help: "Query observations dropped under ingest buffer pressure.",
		}),
		PassesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexpilot_analysis_passes_total",
			Help: "Decision engine passes completed.",
		}),
		CandidatesSelected: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexpilot_candidates_selected_total",
			Help: "Index candidates selected for application.",
		}),
		IndexesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexpilot_indexes_committed_total",
			Help: "Index builds committed after validation.",
		}),
		IndexesRolledBack: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexpilot_indexes_rolled_back_total",
			Help: "Index builds rolled back after failed validation.",
		}),
		BuildsDeferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "indexpilot_builds_deferred_total",
			Help: "Index builds deferred, by gate.",
		}, []string{"gate"}),
		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexpilot_build_duration_seconds",
			Help:    "Wall time of index builds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		MutationLogSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "indexpilot_mutation_log_records",
			Help: "Highest mutation id observed.",
		}),
		StorageUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "indexpilot_index_storage_bytes",
			Help: "Bytes consumed by managed indexes.",
		}),
		PlanCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "indexpilot_plan_cache_entries",
			Help: "Entries in the planner's LRU cache.",
		}),
	}
}
