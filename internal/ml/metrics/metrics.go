// Package metrics exposes prometheus instrumentation for the predictive
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PredictionsTotal counts served predictions by kind and fallback tier.
	PredictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prism_ml_predictions_total",
		Help: "Total predictions served, by prediction kind and method tier.",
	}, []string{"kind", "method"})

	// CacheHits counts model cache hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prism_ml_model_cache_hits_total",
		Help: "Model cache hits.",
	})

	// CacheMisses counts model cache misses (including TTL expiries).
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prism_ml_model_cache_misses_total",
		Help: "Model cache misses, including lazy TTL evictions.",
	})

	// TrainingDuration observes offline training runs.
	TrainingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prism_ml_training_duration_seconds",
		Help:    "Duration of model training runs.",
		Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"model_type"})

	// TrainingFailures counts failed training runs by model type.
	TrainingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prism_ml_training_failures_total",
		Help: "Training runs that ended in error.",
	}, []string{"model_type"})

	// AnomaliesDetected counts stored anomalies by type.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prism_ml_anomalies_detected_total",
		Help: "Detected project/sprint anomalies.",
	}, []string{"anomaly_type", "severity"})
)
