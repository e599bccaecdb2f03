package health

import (
	"math"
	"time"

	"github.com/samber/lo"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Factor weights. They sum to 100.
const (
	weightAvailability = 25.0
	weightUtilization  = 20.0
	weightTransfer     = 25.0
	weightVerified     = 15.0
	weightLatency      = 15.0
)

// TransferOutcome is one completed or failed transfer.
type TransferOutcome struct {
	Success  bool
	Bytes    int64
	Duration time.Duration
}

// PerfSample is one performance observation. Zero fields are unknown.
type PerfSample struct {
	Throughput float64 // bytes per second
	Latency    time.Duration
}

// Compute derives network stats from a registry snapshot and the recent
// transfer and performance history. Inactive providers are ignored. With no
// active providers every factor, and so the score, is zero.
func Compute(cfg Config, providers []types.StorageProvider, transfers []TransferOutcome, perf []PerfSample, now time.Time) types.NetworkStats {
	stats := types.NetworkStats{
		TotalProviders:  len(providers),
		TransferSamples: len(transfers),
		ComputedAt:      now,
	}

	active := lo.Filter(providers, func(p types.StorageProvider, _ int) bool { return p.IsActive })
	stats.ActiveProviders = len(active)
	for _, p := range active {
		if p.Online {
			stats.OnlineProviders++
		}
		if p.Verified {
			stats.VerifiedProviders++
		}
		stats.TotalCapacity += p.TotalCapacity
		stats.UsedCapacity += p.UsedCapacity
	}
	if stats.TotalCapacity > 0 {
		stats.Utilization = float64(stats.UsedCapacity) / float64(stats.TotalCapacity)
	}

	if len(transfers) > 0 {
		ok := lo.CountBy(transfers, func(t TransferOutcome) bool { return t.Success })
		stats.SuccessRate = float64(ok) / float64(len(transfers))
	}

	throughputs := lo.FilterMap(perf, func(s PerfSample, _ int) (float64, bool) {
		return s.Throughput, s.Throughput > 0
	})
	if len(throughputs) > 0 {
		stats.AvgThroughput = lo.Sum(throughputs) / float64(len(throughputs))
	}
	latencies := lo.FilterMap(perf, func(s PerfSample, _ int) (time.Duration, bool) {
		return s.Latency, s.Latency > 0
	})
	if len(latencies) > 0 {
		stats.AvgLatency = lo.Sum(latencies) / time.Duration(len(latencies))
	}

	if stats.AvgThroughput > 0 && cfg.ReferenceBytes > 0 {
		transfer := time.Duration(float64(cfg.ReferenceBytes) / stats.AvgThroughput * float64(time.Second))
		stats.EstimatedRetrieval = stats.AvgLatency + transfer
	}

	if stats.ActiveProviders == 0 {
		return stats
	}

	total := float64(stats.ActiveProviders)
	score := weightAvailability*float64(stats.OnlineProviders)/total +
		weightUtilization*utilizationFactor(stats.Utilization, cfg.TargetUtilization) +
		weightTransfer*transferFactor(stats.SuccessRate, stats.AvgThroughput, cfg.TargetThroughput, len(transfers)) +
		weightVerified*float64(stats.VerifiedProviders)/total +
		weightLatency*latencyFactor(stats.AvgLatency, cfg.MinLatency)

	stats.HealthScore = clamp(score, 0, 100)
	return stats
}

// utilizationFactor is 1 at target and falls linearly to 0 at empty and full.
func utilizationFactor(u, target float64) float64 {
	if target <= 0 || target >= 1 {
		return 0
	}
	u = clamp(u, 0, 1)
	if u <= target {
		return u / target
	}
	return (1 - u) / (1 - target)
}

func transferFactor(successRate, throughput, target float64, samples int) float64 {
	if samples == 0 || target <= 0 {
		return 0
	}
	return successRate * math.Min(1, throughput/target)
}

func latencyFactor(avg, floor time.Duration) float64 {
	if avg <= 0 || floor <= 0 {
		return 0
	}
	return math.Min(1, float64(floor)/float64(avg))
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(high, v))
}
