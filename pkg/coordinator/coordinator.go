package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/blobstore"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/health"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/ledger"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/metastore"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/placement"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/registry"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/storage"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

type Config struct {
	ChunkSize            int64
	Redundancy           int
	MinDistinctProviders int
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:            storage.DefaultChunkSize,
		Redundancy:           3,
		MinDistinctProviders: 1,
	}
}

// Services are the components the coordinator drives. Registry, Scheduler,
// Ledger and Blobs are required.
type Services struct {
	Registry  *registry.Registry
	Scheduler *placement.Scheduler
	Ledger    *ledger.Ledger
	Blobs     blobstore.Store
	Health    *health.Aggregator
	Bus       *events.Bus
	Meta      *metastore.Store
	Clock     clock.Clock
}

// Coordinator is the entry point for provider, deal and file operations.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	registry  *registry.Registry
	scheduler *placement.Scheduler
	ledger    *ledger.Ledger
	blobs     blobstore.Store
	health    *health.Aggregator
	bus       *events.Bus
	meta      *metastore.Store

	// File metadata
	files     map[types.FileID]*fileEntry
	manifests map[string]types.FileID
	blobRefs  map[string]int
	fileMutex sync.RWMutex
}

func New(cfg Config, svc Services, logger *zap.Logger) (*Coordinator, error) {
	if svc.Registry == nil || svc.Scheduler == nil || svc.Ledger == nil || svc.Blobs == nil {
		return nil, fmt.Errorf("coordinator requires registry, scheduler, ledger and blob store")
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > storage.MaxChunkSize {
		return nil, fmt.Errorf("invalid chunk size %d", cfg.ChunkSize)
	}
	if cfg.Redundancy < 1 || cfg.MinDistinctProviders < 1 {
		return nil, fmt.Errorf("redundancy and min distinct providers must be at least 1")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := svc.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &Coordinator{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		registry:  svc.Registry,
		scheduler: svc.Scheduler,
		ledger:    svc.Ledger,
		blobs:     svc.Blobs,
		health:    svc.Health,
		bus:       svc.Bus,
		meta:      svc.Meta,
		files:     make(map[types.FileID]*fileEntry),
		manifests: make(map[string]types.FileID),
		blobRefs:  make(map[string]int),
	}

	if c.health != nil {
		c.health.OnTick(func(ctx context.Context, _ *types.NetworkStats) {
			if _, err := c.SweepExpiredDeals(ctx); err != nil {
				c.logger.Warn("Deal sweep failed", zap.Error(err))
			}
		})
	}
	return c, nil
}

// Run drives the health aggregator, and with it the expired deal sweep,
// until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.health == nil {
		<-ctx.Done()
		return nil
	}
	return c.health.Run(ctx)
}

// Close releases the stores. The coordinator must not be used afterwards.
func (c *Coordinator) Close() error {
	err := c.blobs.Close()
	if c.meta != nil {
		err = multierr.Append(err, c.meta.Close())
	}
	return multierr.Append(err, c.registry.Close())
}

// RegisterStorageProvider registers the caller as a storage provider.
func (c *Coordinator) RegisterStorageProvider(ctx context.Context, caller types.Address, capacity int64, price types.TokenAmount, endpoint string) (types.ProviderID, error) {
	id, err := c.registry.Register(caller, capacity, price, endpoint)
	if err != nil {
		return "", err
	}
	c.publish(ctx, events.Event{
		Type:       events.ProviderRegistered,
		ProviderID: id,
		Capacity:   capacity,
	})
	return id, nil
}

// DeactivateProvider retires a provider on behalf of its owner.
func (c *Coordinator) DeactivateProvider(ctx context.Context, caller types.Address, id types.ProviderID) error {
	p, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if p.Owner != caller {
		return types.Errorf(types.KindAuthorization, "deactivate", "%s does not own provider %s", caller, id)
	}
	if err := c.registry.Deactivate(id); err != nil {
		return err
	}
	c.publish(ctx, events.Event{Type: events.ProviderDeactivated, ProviderID: id})
	return nil
}

// SetProviderVerified records an external attestation for a provider.
func (c *Coordinator) SetProviderVerified(id types.ProviderID, verified bool) error {
	return c.registry.SetVerified(id, verified)
}

func (c *Coordinator) GetProvider(id types.ProviderID) (types.StorageProvider, error) {
	return c.registry.Get(id)
}

func (c *Coordinator) ListProviders() []types.StorageProvider {
	return c.registry.Snapshot()
}

func (c *Coordinator) CreateDeal(ctx context.Context, caller types.Address, providerID types.ProviderID, fileSize int64, duration time.Duration, payment types.TokenAmount) (types.DealID, error) {
	return c.ledger.CreateDeal(ctx, caller, providerID, fileSize, duration, payment)
}

func (c *Coordinator) SubmitProof(ctx context.Context, caller types.Address, id types.DealID, proofHash string) error {
	return c.ledger.SubmitProof(ctx, caller, id, proofHash)
}

func (c *Coordinator) CompleteDeal(ctx context.Context, caller types.Address, id types.DealID) error {
	return c.ledger.CompleteDeal(ctx, caller, id)
}

func (c *Coordinator) CancelDeal(ctx context.Context, caller types.Address, id types.DealID) error {
	return c.ledger.CancelDeal(ctx, caller, id)
}

func (c *Coordinator) GetDeal(id types.DealID) (types.Deal, error) {
	return c.ledger.GetDeal(id)
}

func (c *Coordinator) ListDeals(f ledger.Filter) []types.Deal {
	return c.ledger.ListDeals(f)
}

// SweepExpiredDeals completes every active deal whose end time has passed.
func (c *Coordinator) SweepExpiredDeals(ctx context.Context) ([]types.DealID, error) {
	completed, err := c.ledger.SweepExpired(ctx)
	if len(completed) > 0 {
		c.logger.Info("Expired deals completed", zap.Int("count", len(completed)))
	}
	return completed, err
}

// Stats returns the latest network stats, or nil before the first health tick.
func (c *Coordinator) Stats() *types.NetworkStats {
	if c.health == nil {
		return nil
	}
	return c.health.Stats()
}

// Events pages through the durable event log.
func (c *Coordinator) Events(ctx context.Context, after uint64, limit int) ([]events.Event, error) {
	if c.meta == nil {
		return nil, types.NewError(types.KindState, "events", "no metadata store configured")
	}
	return c.meta.Events(ctx, after, limit)
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if _, err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Warn("Event delivery failed",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}
