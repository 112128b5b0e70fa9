// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchAttempts counts fetch attempts per series and outcome
	// (success, unreachable, auth_rejected, malformed_payload, rate_limited,
	// schema_mismatch, error).
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_fetch_attempts_total",
		Help: "Fetch attempts by series and outcome.",
	}, []string{"series", "outcome"})

	PointsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_points_inserted_total",
		Help: "Series points inserted into the store.",
	}, []string{"series"})

	PointsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_points_deduplicated_total",
		Help: "Series points skipped as already present.",
	}, []string{"series"})

	JobBackoffSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_job_backoff_seconds",
		Help: "Current backoff delay per fetch job.",
	}, []string{"series"})

	AssetsRefreshed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_assets_snapshot_size",
		Help: "Asset count in the current geo snapshot, by kind.",
	}, []string{"kind"})
)
