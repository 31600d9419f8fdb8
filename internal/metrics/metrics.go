// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EstimatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busdelay_estimates_total",
		Help: "Estimate requests by outcome (ok, invalid_query, service_unavailable, internal)",
	}, []string{"outcome"})

	EstimateLevel = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busdelay_estimate_feature_level_total",
		Help: "Served estimates by feature fallback level",
	}, []string{"level"})

	EstimateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "busdelay_estimate_duration_seconds",
		Help:    "Duration of estimate requests",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	ActiveModelVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "busdelay_active_model_version",
		Help: "Model version currently used for serving",
	})

	ModelLoadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busdelay_model_load_failures_total",
		Help: "Failed attempts to load the active model from the model store",
	})

	RefreshState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "busdelay_refresh_state",
		Help: "Current refresh controller state (1 for the current state)",
	}, []string{"state"})

	RefreshCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busdelay_refresh_cycles_total",
		Help: "Completed refresh cycles by outcome (promoted, rejected, failed, skipped)",
	}, []string{"outcome"})

	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "busdelay_refresh_duration_seconds",
		Help:    "Duration of refresh cycles",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	})

	CandidateValidationError = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "busdelay_candidate_validation_rmse",
		Help: "Validation RMSE of the most recent candidate model",
	})

	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busdelay_records_ingested_total",
		Help: "Position records appended to history by source",
	}, []string{"source"})

	RealtimePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busdelay_realtime_polls_total",
		Help: "GTFS-Realtime feed polls by outcome",
	}, []string{"outcome"})
)
