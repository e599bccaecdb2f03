package liveness

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/schollz/peerdiscovery"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Update is one observation of a provider.
type Update struct {
	ProviderID types.ProviderID
	Online     bool
	LastSeenAt time.Time
	// Latency is the observed one-way delay, zero when unknown.
	Latency time.Duration
}

// Feed supplies liveness updates from some transport.
type Feed interface {
	Updates() <-chan Update
}

// ChanFeed is a Feed driven by explicit Publish calls.
type ChanFeed struct {
	ch        chan Update
	closeOnce sync.Once
}

func NewChanFeed(buffer int) *ChanFeed {
	return &ChanFeed{ch: make(chan Update, buffer)}
}

func (f *ChanFeed) Updates() <-chan Update {
	return f.ch
}

// Publish blocks until the update is accepted or ctx is done.
func (f *ChanFeed) Publish(ctx context.Context, u Update) error {
	select {
	case f.ch <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *ChanFeed) Close() {
	f.closeOnce.Do(func() { close(f.ch) })
}

// beacon is the payload a provider broadcasts.
type beacon struct {
	ProviderID types.ProviderID `json:"provider_id"`
	SentAt     time.Time        `json:"sent_at"`
}

type BroadcastConfig struct {
	Port             string
	MulticastAddress string
	Interval         time.Duration
	// ProviderID is announced when set. A coordinator leaves it empty and
	// only listens.
	ProviderID types.ProviderID
}

func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		Port:             "9999",
		MulticastAddress: "239.255.255.250",
		Interval:         5 * time.Second,
	}
}

// BroadcastFeed discovers providers over UDP multicast on the local network.
type BroadcastFeed struct {
	cfg     BroadcastConfig
	clock   clock.Clock
	logger  *zap.Logger
	updates chan Update
}

func NewBroadcastFeed(cfg BroadcastConfig, clk clock.Clock, logger *zap.Logger) *BroadcastFeed {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastFeed{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		updates: make(chan Update, 256),
	}
}

func (f *BroadcastFeed) Updates() <-chan Update {
	return f.updates
}

// Run broadcasts and listens until ctx is done.
func (f *BroadcastFeed) Run(ctx context.Context) error {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	f.logger.Info("Starting liveness broadcast",
		zap.String("multicast", f.cfg.MulticastAddress),
		zap.String("port", f.cfg.Port),
		zap.String("provider_id", string(f.cfg.ProviderID)))

	_, err := peerdiscovery.Discover(peerdiscovery.Settings{
		Limit:            -1,
		Port:             f.cfg.Port,
		MulticastAddress: f.cfg.MulticastAddress,
		Delay:            f.cfg.Interval,
		TimeLimit:        -1,
		StopChan:         stop,
		AllowSelf:        true,
		DisableBroadcast: f.cfg.ProviderID == "",
		PayloadFunc:      f.payload,
		Notify:           f.notify,
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (f *BroadcastFeed) payload() []byte {
	data, err := json.Marshal(beacon{ProviderID: f.cfg.ProviderID, SentAt: f.clock.Now()})
	if err != nil {
		return nil
	}
	return data
}

func (f *BroadcastFeed) notify(d peerdiscovery.Discovered) {
	u, ok := f.decode(d.Payload)
	if !ok {
		f.logger.Debug("Ignoring foreign beacon", zap.String("address", d.Address))
		return
	}
	select {
	case f.updates <- u:
	default:
		f.logger.Warn("Liveness update dropped, consumer is behind",
			zap.String("provider_id", string(u.ProviderID)))
	}
}

func (f *BroadcastFeed) decode(payload []byte) (Update, bool) {
	var b beacon
	if err := json.Unmarshal(payload, &b); err != nil || b.ProviderID == "" {
		return Update{}, false
	}
	now := f.clock.Now()
	latency := now.Sub(b.SentAt)
	if latency < 0 || b.SentAt.IsZero() {
		latency = 0
	}
	return Update{
		ProviderID: b.ProviderID,
		Online:     true,
		LastSeenAt: now,
		Latency:    latency,
	}, true
}
