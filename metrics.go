package memgate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memgate_evaluations_total",
			Help: "Total number of pressure evaluation rounds",
		},
	)

	evaluationsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memgate_evaluations_skipped_total",
			Help: "Evaluation rounds skipped, by reason",
		},
		[]string{"reason"}, // "gate", "accounting"
	)

	stopRecommendationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memgate_stop_recommendations_total",
			Help: "Total number of cooperative stop recommendations issued",
		},
	)

	sampleRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memgate_sample_requests_total",
			Help: "Total number of per-task sample requests broadcast",
		},
	)

	samplesReportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memgate_samples_reported_total",
			Help: "Memory-usage samples reported by tasks, by path",
		},
		[]string{"path"}, // "shuffle", "cache"
	)

	memoryUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memgate_memory_used_bytes",
			Help: "Aggregate memory usage observed at the last evaluation",
		},
	)

	pressureThresholdBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memgate_pressure_threshold_bytes",
			Help: "Yellow-line threshold derived at the last evaluation",
		},
	)

	runningTasksGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memgate_running_tasks",
			Help: "Number of tasks currently registered with the controller",
		},
	)
)
