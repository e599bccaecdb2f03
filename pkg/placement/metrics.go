package placement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks placement outcomes.
type Metrics struct {
	Operations prometheus.Counter
	Failures   *prometheus.CounterVec
	Latency    prometheus.Histogram
	Replicas   prometheus.Counter
	Released   prometheus.Counter
}

// NewMetrics creates and registers placement metrics. A nil registerer uses
// the Prometheus default registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		Operations: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "placement_operations_total",
			Help: "Total number of whole-file placement attempts",
		}),
		Failures: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "placement_failures_total",
			Help: "Total number of failed placements by error kind",
		}, []string{"kind"}),
		Latency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "placement_latency_seconds",
			Help:    "Whole-file placement latency",
			Buckets: prometheus.DefBuckets,
		}),
		Replicas: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "placement_replicas_total",
			Help: "Total number of chunk replicas reserved",
		}),
		Released: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "placement_replicas_released_total",
			Help: "Total number of chunk replicas released",
		}),
	}
}
