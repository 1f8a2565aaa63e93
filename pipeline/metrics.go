package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_pipeline_rooms_total",
			Help: "Rooms processed by the pipeline, by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	modelsTrainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_pipeline_models_trained_total",
			Help: "Models trained and persisted",
		},
	)

	verdictsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_pipeline_verdicts_written_total",
			Help: "Verdicts appended to the ledger",
		},
	)

	anomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_pipeline_anomalies_detected_total",
			Help: "Verdicts flagged as anomalous",
		},
		[]string{"room"},
	)

	readingsExcludedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_pipeline_readings_excluded_total",
			Help: "Readings dropped before scoring or training",
		},
		[]string{"reason"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_pipeline_stage_duration_seconds",
			Help:    "Per-room stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	lastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anomaly_pipeline_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		},
	)

	lastRunExitCode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anomaly_pipeline_last_run_exit_code",
			Help: "Exit code of the last run",
		},
	)
)
