package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Status of a provider as seen by the detector.
type Status int

const (
	StatusUnknown Status = iota
	StatusAlive
	StatusSuspected
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspected:
		return "suspected"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Target receives online/offline transitions. The provider registry
// implements it.
type Target interface {
	ApplyLiveness(id types.ProviderID, online bool, seenAt time.Time) error
}

// LatencyObserver receives latency samples carried by updates.
type LatencyObserver interface {
	ObserveLatency(latency time.Duration)
}

type DetectorConfig struct {
	CheckInterval  time.Duration
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CheckInterval:  10 * time.Second,
		SuspectTimeout: 30 * time.Second,
		DeadTimeout:    60 * time.Second,
	}
}

type peerState struct {
	lastSeen time.Time
	status   Status
}

// Detector turns a liveness feed into registry updates and marks providers
// offline once they have been silent for DeadTimeout.
type Detector struct {
	cfg     DetectorConfig
	target  Target
	latency LatencyObserver
	clock   clock.Clock
	logger  *zap.Logger

	mu    sync.Mutex
	peers map[types.ProviderID]*peerState
}

func NewDetector(cfg DetectorConfig, target Target, latency LatencyObserver, clk clock.Clock, logger *zap.Logger) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:     cfg,
		target:  target,
		latency: latency,
		clock:   clk,
		logger:  logger,
		peers:   make(map[types.ProviderID]*peerState),
	}
}

// Run consumes feed until ctx is done or the feed closes.
func (d *Detector) Run(ctx context.Context, feed Feed) error {
	ticker := d.clock.Ticker(d.cfg.CheckInterval)
	defer ticker.Stop()

	updates := feed.Updates()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			d.Observe(u)
		case <-ticker.C:
			d.DetectFailures()
		case <-ctx.Done():
			return nil
		}
	}
}

// Observe applies one update.
func (d *Detector) Observe(u Update) {
	if u.ProviderID == "" {
		return
	}
	seenAt := u.LastSeenAt
	if seenAt.IsZero() {
		seenAt = d.clock.Now()
	}

	d.mu.Lock()
	peer, ok := d.peers[u.ProviderID]
	if !ok {
		peer = &peerState{}
		d.peers[u.ProviderID] = peer
	}
	if seenAt.After(peer.lastSeen) {
		peer.lastSeen = seenAt
	}
	if u.Online {
		peer.status = StatusAlive
	} else {
		peer.status = StatusDead
	}
	d.mu.Unlock()

	if u.Online && u.Latency > 0 && d.latency != nil {
		d.latency.ObserveLatency(u.Latency)
	}
	d.apply(u.ProviderID, u.Online, seenAt)
}

// DetectFailures marks peers suspected after SuspectTimeout and offline after
// DeadTimeout of silence.
func (d *Detector) DetectFailures() {
	now := d.clock.Now()

	var dead []types.ProviderID
	d.mu.Lock()
	for id, peer := range d.peers {
		elapsed := now.Sub(peer.lastSeen)

		// Check dead timeout first, then suspect
		if elapsed > d.cfg.DeadTimeout {
			if peer.status != StatusDead {
				peer.status = StatusDead
				dead = append(dead, id)
			}
		} else if elapsed > d.cfg.SuspectTimeout {
			if peer.status == StatusAlive {
				peer.status = StatusSuspected
			}
		}
	}
	d.mu.Unlock()

	for _, id := range dead {
		d.logger.Info("Provider silent past dead timeout", zap.String("provider_id", string(id)))
		d.apply(id, false, now)
	}
}

// Status returns the detector's view of a provider.
func (d *Detector) Status(id types.ProviderID) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peer, ok := d.peers[id]; ok {
		return peer.status
	}
	return StatusUnknown
}

func (d *Detector) apply(id types.ProviderID, online bool, seenAt time.Time) {
	if d.target == nil {
		return
	}
	if err := d.target.ApplyLiveness(id, online, seenAt); err != nil {
		d.logger.Debug("Liveness update not applied",
			zap.String("provider_id", string(id)),
			zap.Error(err))
	}
}
