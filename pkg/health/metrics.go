package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Metrics mirrors the latest NetworkStats as Prometheus gauges.
type Metrics struct {
	HealthScore        prometheus.Gauge
	ProvidersTotal     prometheus.Gauge
	ProvidersActive    prometheus.Gauge
	ProvidersOnline    prometheus.Gauge
	ProvidersVerified  prometheus.Gauge
	CapacityBytes      prometheus.Gauge
	UsedBytes          prometheus.Gauge
	Utilization        prometheus.Gauge
	TransferSuccess    prometheus.Gauge
	Throughput         prometheus.Gauge
	Latency            prometheus.Gauge
	RetrievalEstimate  prometheus.Gauge
	LastHealthCheck    prometheus.Gauge
	ProviderUsedBytes  *prometheus.GaugeVec
	ProviderReputation *prometheus.GaugeVec
}

// NewMetrics creates and registers health metrics. A nil registerer uses the
// Prometheus default registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		HealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_health_score",
			Help: "Composite network health score (0-100)",
		}),
		ProvidersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_providers_total",
			Help: "Number of registered providers, including retired ones",
		}),
		ProvidersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_providers_active",
			Help: "Number of active providers",
		}),
		ProvidersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_providers_online",
			Help: "Number of active providers currently online",
		}),
		ProvidersVerified: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_providers_verified",
			Help: "Number of active providers with an external attestation",
		}),
		CapacityBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_capacity_bytes",
			Help: "Total declared capacity of active providers",
		}),
		UsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_used_bytes",
			Help: "Reserved capacity across active providers",
		}),
		Utilization: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_utilization_ratio",
			Help: "Used over total capacity",
		}),
		TransferSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_transfer_success_ratio",
			Help: "Share of recent transfers that succeeded",
		}),
		Throughput: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_throughput_bytes_per_second",
			Help: "Mean throughput of recent transfers",
		}),
		Latency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_latency_seconds",
			Help: "Mean latency of recent samples",
		}),
		RetrievalEstimate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_retrieval_estimate_seconds",
			Help: "Estimated time to retrieve one reference-sized chunk",
		}),
		LastHealthCheck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "network_last_health_check_timestamp",
			Help: "Timestamp of last health computation",
		}),
		ProviderUsedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "provider_used_bytes",
			Help: "Reserved capacity per provider",
		}, []string{"provider"}),
		ProviderReputation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "provider_reputation",
			Help: "Reputation per provider",
		}, []string{"provider"}),
	}
}

func (m *Metrics) update(stats types.NetworkStats, providers []types.StorageProvider) {
	m.HealthScore.Set(stats.HealthScore)
	m.ProvidersTotal.Set(float64(stats.TotalProviders))
	m.ProvidersActive.Set(float64(stats.ActiveProviders))
	m.ProvidersOnline.Set(float64(stats.OnlineProviders))
	m.ProvidersVerified.Set(float64(stats.VerifiedProviders))
	m.CapacityBytes.Set(float64(stats.TotalCapacity))
	m.UsedBytes.Set(float64(stats.UsedCapacity))
	m.Utilization.Set(stats.Utilization)
	m.TransferSuccess.Set(stats.SuccessRate)
	m.Throughput.Set(stats.AvgThroughput)
	m.Latency.Set(stats.AvgLatency.Seconds())
	m.RetrievalEstimate.Set(stats.EstimatedRetrieval.Seconds())
	m.LastHealthCheck.Set(float64(stats.ComputedAt.Unix()))

	for _, p := range providers {
		m.ProviderUsedBytes.WithLabelValues(string(p.ID)).Set(float64(p.UsedCapacity))
		m.ProviderReputation.WithLabelValues(string(p.ID)).Set(float64(p.Reputation))
	}
}
