package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarsync_provider_calls_total",
			Help: "Total vendor portal API calls",
		},
		[]string{"provider", "endpoint", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solarsync_provider_latency_seconds",
			Help:    "Vendor portal API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "endpoint"},
	)

	ProviderListFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarsync_provider_list_failures_total",
			Help: "Plant list fetches that failed, leaving the provider out of a run",
		},
		[]string{"provider"},
	)

	PlantsMatched = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solarsync_plants_matched",
			Help: "Provider plants matched to the registry in the last run",
		},
		[]string{"provider"},
	)

	PlantsUnmatched = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solarsync_plants_unmatched",
			Help: "Provider plants with no registry entry in the last run",
		},
		[]string{"provider"},
	)

	EnergyResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarsync_energy_resolved_total",
			Help: "Daily energy values resolved, by provider and source",
		},
		[]string{"provider", "source"},
	)

	RecordsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarsync_records_saved_total",
			Help: "Daily records upserted, by the provider that supplied the energy value",
		},
		[]string{"provider"},
	)

	ItemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarsync_item_errors_total",
			Help: "Per-plant failures recorded in run reports",
		},
		[]string{"kind"},
	)

	HistoryUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarsync_history_updates_total",
			Help: "Historical plant-days written by backfill",
		},
		[]string{"provider"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solarsync_run_duration_seconds",
			Help:    "Duration of sync and backfill runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)
)
