package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

type Config struct {
	TickInterval      time.Duration
	TransferWindow    int
	PerformanceWindow int
	TargetUtilization float64
	// TargetThroughput is the throughput, in bytes per second, that earns
	// full marks for transfer performance.
	TargetThroughput float64
	// MinLatency is the latency at or below which the latency factor is 1.
	MinLatency time.Duration
	// ReferenceBytes sizes the retrieval-time estimate.
	ReferenceBytes int64
}

func DefaultConfig() Config {
	return Config{
		TickInterval:      30 * time.Second,
		TransferWindow:    100,
		PerformanceWindow: 100,
		TargetUtilization: 0.7,
		TargetThroughput:  10 * 1024 * 1024,
		MinLatency:        10 * time.Millisecond,
		ReferenceBytes:    1024 * 1024,
	}
}

// Source provides immutable provider snapshots. The registry implements it.
type Source interface {
	Snapshot() []types.StorageProvider
}

// TickFunc runs after each recomputation.
type TickFunc func(ctx context.Context, stats *types.NetworkStats)

// Aggregator periodically derives NetworkStats. Recording samples only
// touches the ring buffers and never waits for a tick.
type Aggregator struct {
	cfg     Config
	source  Source
	metrics *Metrics
	clock   clock.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	transfers *ring[TransferOutcome]
	perf      *ring[PerfSample]

	stats atomic.Pointer[types.NetworkStats]
	hooks []TickFunc
}

func NewAggregator(cfg Config, source Source, metrics *Metrics, clk clock.Clock, logger *zap.Logger) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cfg:       cfg,
		source:    source,
		metrics:   metrics,
		clock:     clk,
		logger:    logger,
		transfers: newRing[TransferOutcome](cfg.TransferWindow),
		perf:      newRing[PerfSample](cfg.PerformanceWindow),
	}
}

// OnTick registers fn to run after every tick. Call before Run.
func (a *Aggregator) OnTick(fn TickFunc) {
	a.hooks = append(a.hooks, fn)
}

// ObserveTransfer records a transfer outcome. Successful transfers also
// contribute a throughput and latency sample.
func (a *Aggregator) ObserveTransfer(success bool, bytes int64, took time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.transfers.push(TransferOutcome{Success: success, Bytes: bytes, Duration: took})
	if success && took > 0 {
		a.perf.push(PerfSample{
			Throughput: float64(bytes) / took.Seconds(),
			Latency:    took,
		})
	}
}

// ObserveLatency records a latency-only sample, for example from a liveness
// beacon.
func (a *Aggregator) ObserveLatency(latency time.Duration) {
	if latency <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.perf.push(PerfSample{Latency: latency})
}

// Run recomputes stats every TickInterval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(a.cfg.TickInterval)
	defer ticker.Stop()

	a.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			a.Tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Tick recomputes and publishes stats once.
func (a *Aggregator) Tick(ctx context.Context) *types.NetworkStats {
	providers := a.source.Snapshot()

	a.mu.Lock()
	transfers := a.transfers.items()
	perf := a.perf.items()
	a.mu.Unlock()

	stats := Compute(a.cfg, providers, transfers, perf, a.clock.Now())
	a.stats.Store(&stats)
	if a.metrics != nil {
		a.metrics.update(stats, providers)
	}

	a.logger.Debug("Health check completed",
		zap.Float64("health_score", stats.HealthScore),
		zap.Int("providers", stats.TotalProviders),
		zap.Int("online", stats.OnlineProviders),
		zap.Float64("utilization", stats.Utilization))

	for _, hook := range a.hooks {
		hook(ctx, &stats)
	}
	return &stats
}

// Stats returns the latest published stats, or nil before the first tick.
func (a *Aggregator) Stats() *types.NetworkStats {
	return a.stats.Load()
}
