package adapter

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	statusOK                 = "ok"
	statusError              = "error"
	statusSerializationError = "serialization_error"
	statusEngineError        = "engine_error"

	kindSingle   = "single"
	kindSequence = "sequence"
)

var (
	constructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphrun_adapter_constructions_total",
			Help: "Adapter constructions by outcome.",
		},
		[]string{"status"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphrun_adapter_runs_total",
			Help: "Adapter executions by kind (single|sequence) and outcome.",
		},
		[]string{"kind", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphrun_adapter_run_seconds",
			Help:    "Wall time of adapter executions including input validation, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	artifactBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphrun_adapter_artifact_bytes",
			Help:    "Size of exported model artifacts, in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
	)

	poolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphrun_pool_idle_adapters",
			Help: "Pooled adapters waiting for work.",
		},
	)

	poolWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphrun_pool_wait_seconds",
			Help:    "Time callers waited for an idle pooled adapter, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeAdapters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphrun_adapter_active",
			Help: "Adapters constructed and not yet closed.",
		},
	)
)

func init() {
	prometheus.MustRegister(constructionsTotal)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(artifactBytes)
	prometheus.MustRegister(activeAdapters)
	prometheus.MustRegister(poolIdle)
	prometheus.MustRegister(poolWait)

	for _, status := range []string{statusOK, statusSerializationError, statusEngineError} {
		constructionsTotal.WithLabelValues(status)
	}
	for _, kind := range []string{kindSingle, kindSequence} {
		runsTotal.WithLabelValues(kind, statusOK)
		runsTotal.WithLabelValues(kind, statusError)
	}
}
