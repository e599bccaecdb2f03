package registry

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

const DefaultBaselineReputation = 100

type Config struct {
	BaselineReputation int64
	ReputationFloor    int64
	// ReputationCeiling caps reputation when positive.
	ReputationCeiling int64
}

func DefaultConfig() Config {
	return Config{
		BaselineReputation: DefaultBaselineReputation,
		ReputationFloor:    0,
	}
}

type Option func(*Registry)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// Registry is the single owner of provider capacity counters. All counter
// mutations happen under mu, so concurrent writers on the same provider
// serialize and used capacity never exceeds total capacity.
type Registry struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *zap.Logger
	clock     clock.Clock
	providers map[types.ProviderID]*entry
	owners    map[types.Address]types.ProviderID
	ranked    scoreHeap
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:       cfg,
		logger:    logger,
		clock:     clock.New(),
		providers: make(map[types.ProviderID]*entry),
		owners:    make(map[types.Address]types.ProviderID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider owned by owner. An owner may hold at most one
// active registration.
func (r *Registry) Register(owner types.Address, capacity int64, price types.TokenAmount, endpoint string) (types.ProviderID, error) {
	const op = "register provider"
	if owner == "" {
		return "", types.NewError(types.KindValidation, op, "owner address is required")
	}
	if capacity <= 0 {
		return "", types.Errorf(types.KindValidation, op, "capacity must be positive, got %d", capacity)
	}
	if !types.IsPositive(price) {
		return "", types.NewError(types.KindValidation, op, "price per byte-second must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.owners[owner]; ok {
		return "", types.Errorf(types.KindDuplicate, op, "owner %s already registered provider %s", owner, existing)
	}

	now := r.clock.Now()
	e := &entry{
		provider: types.StorageProvider{
			ID:                 types.ProviderID(uuid.NewString()),
			Owner:              owner,
			Endpoint:           endpoint,
			TotalCapacity:      capacity,
			PricePerByteSecond: price,
			Reputation:         r.cfg.BaselineReputation,
			IsActive:           true,
			Online:             true,
			LastSeenAt:         now,
			RegisteredAt:       now,
		},
		heapIndex: -1,
	}
	r.providers[e.provider.ID] = e
	r.owners[owner] = e.provider.ID
	heap.Push(&r.ranked, e)

	r.logger.Info("Provider registered",
		zap.String("provider_id", string(e.provider.ID)),
		zap.String("owner", string(owner)),
		zap.Int64("capacity", capacity),
		zap.String("endpoint", endpoint))

	return e.provider.ID, nil
}

// Reserve atomically adds bytes to the provider's used capacity iff the
// result stays within total capacity.
func (r *Registry) Reserve(id types.ProviderID, bytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserveLocked(id, bytes)
}

func (r *Registry) reserveLocked(id types.ProviderID, bytes int64) error {
	const op = "reserve"
	if bytes <= 0 {
		return types.Errorf(types.KindValidation, op, "reservation must be positive, got %d", bytes)
	}
	e, ok := r.providers[id]
	if !ok {
		return types.Errorf(types.KindNotFound, op, "provider %s not found", id)
	}
	if !e.provider.IsActive {
		return types.Errorf(types.KindState, op, "provider %s is inactive", id)
	}
	if bytes > e.provider.FreeCapacity() {
		return types.Errorf(types.KindCapacity, op, "provider %s has %d bytes free, need %d",
			id, e.provider.FreeCapacity(), bytes)
	}

	e.provider.UsedCapacity += bytes
	e.provider.UploadCount++
	r.fix(e)
	return nil
}

// Release returns bytes to the provider's free capacity, flooring at zero.
func (r *Registry) Release(id types.ProviderID, bytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "release"
	if bytes <= 0 {
		return types.Errorf(types.KindValidation, op, "release must be positive, got %d", bytes)
	}
	e, ok := r.providers[id]
	if !ok {
		return types.Errorf(types.KindNotFound, op, "provider %s not found", id)
	}

	if bytes > e.provider.UsedCapacity {
		r.logger.Warn("Release exceeds used capacity, flooring at zero",
			zap.String("provider_id", string(id)),
			zap.Int64("used", e.provider.UsedCapacity),
			zap.Int64("release", bytes))
		bytes = e.provider.UsedCapacity
	}
	e.provider.UsedCapacity -= bytes
	r.fix(e)
	return nil
}

// unreserveLocked undoes a reservation made in the same transaction,
// including its contribution to the upload count.
func (r *Registry) unreserveLocked(id types.ProviderID, bytes int64) {
	e, ok := r.providers[id]
	if !ok {
		return
	}
	e.provider.UsedCapacity -= bytes
	if e.provider.UsedCapacity < 0 {
		e.provider.UsedCapacity = 0
	}
	if e.provider.UploadCount > 0 {
		e.provider.UploadCount--
	}
	r.fix(e)
}

func (r *Registry) fix(e *entry) {
	if e.heapIndex >= 0 {
		heap.Fix(&r.ranked, e.heapIndex)
	}
}

// Score returns (free capacity) / (upload count + 1).
func (r *Registry) Score(id types.ProviderID) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.providers[id]
	if !ok {
		return 0, types.Errorf(types.KindNotFound, "score", "provider %s not found", id)
	}
	return e.provider.Score(), nil
}

// Deactivate retires a provider. Only an empty provider may be deactivated.
func (r *Registry) Deactivate(id types.ProviderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "deactivate"
	e, ok := r.providers[id]
	if !ok {
		return types.Errorf(types.KindNotFound, op, "provider %s not found", id)
	}
	if !e.provider.IsActive {
		return types.Errorf(types.KindState, op, "provider %s is already inactive", id)
	}
	if e.provider.UsedCapacity != 0 {
		return types.Errorf(types.KindState, op, "provider %s still holds %d bytes", id, e.provider.UsedCapacity)
	}

	e.provider.IsActive = false
	if e.heapIndex >= 0 {
		heap.Remove(&r.ranked, e.heapIndex)
	}
	delete(r.owners, e.provider.Owner)

	r.logger.Info("Provider deactivated", zap.String("provider_id", string(id)))
	return nil
}

// AdjustReputation applies delta and clamps the result to the configured
// floor (and ceiling, when set). It returns the new reputation.
func (r *Registry) AdjustReputation(id types.ProviderID, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.providers[id]
	if !ok {
		return 0, types.Errorf(types.KindNotFound, "adjust reputation", "provider %s not found", id)
	}

	rep := e.provider.Reputation + delta
	if rep < r.cfg.ReputationFloor {
		rep = r.cfg.ReputationFloor
	}
	if r.cfg.ReputationCeiling > 0 && rep > r.cfg.ReputationCeiling {
		rep = r.cfg.ReputationCeiling
	}
	e.provider.Reputation = rep

	r.logger.Debug("Reputation adjusted",
		zap.String("provider_id", string(id)),
		zap.Int64("delta", delta),
		zap.Int64("reputation", rep))
	return rep, nil
}

// ApplyLiveness records an online/offline observation. Older observations
// than the one already recorded are ignored.
func (r *Registry) ApplyLiveness(id types.ProviderID, online bool, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.providers[id]
	if !ok {
		return types.Errorf(types.KindNotFound, "apply liveness", "provider %s not found", id)
	}
	if seenAt.Before(e.provider.LastSeenAt) {
		return nil
	}

	if e.provider.Online != online {
		r.logger.Info("Provider liveness changed",
			zap.String("provider_id", string(id)),
			zap.Bool("online", online))
	}
	e.provider.Online = online
	e.provider.LastSeenAt = seenAt
	return nil
}

// SetVerified records the external attestation flag.
func (r *Registry) SetVerified(id types.ProviderID, verified bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.providers[id]
	if !ok {
		return types.Errorf(types.KindNotFound, "set verified", "provider %s not found", id)
	}
	e.provider.Verified = verified
	return nil
}

// Get returns a copy of the provider record.
func (r *Registry) Get(id types.ProviderID) (types.StorageProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.providers[id]
	if !ok {
		return types.StorageProvider{}, types.Errorf(types.KindNotFound, "get provider", "provider %s not found", id)
	}
	return e.provider, nil
}

// ByOwner returns the owner's active provider.
func (r *Registry) ByOwner(owner types.Address) (types.StorageProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.owners[owner]
	if !ok {
		return types.StorageProvider{}, types.Errorf(types.KindNotFound, "get provider", "no active provider for %s", owner)
	}
	return r.providers[id].provider, nil
}

// Snapshot returns an immutable copy of every provider, sorted by id.
func (r *Registry) Snapshot() []types.StorageProvider {
	r.mu.RLock()
	out := make([]types.StorageProvider, 0, len(r.providers))
	for _, e := range r.providers {
		out = append(out, e.provider)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Ranked returns up to limit active, online providers with at least minFree
// bytes available, best score first.
func (r *Registry) Ranked(minFree int64, limit int, exclude map[types.ProviderID]bool) []types.StorageProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rankedLocked(minFree, limit, exclude)
}

func (r *Registry) rankedLocked(minFree int64, limit int, exclude map[types.ProviderID]bool) []types.StorageProvider {
	if limit <= 0 {
		return nil
	}
	out := make([]types.StorageProvider, 0, limit)
	r.ranked.walk(func(e *entry) bool {
		p := &e.provider
		if p.IsActive && p.Online && p.FreeCapacity() >= minFree && !exclude[p.ID] {
			out = append(out, *p)
		}
		return len(out) < limit
	})
	return out
}

// Len returns the number of providers ever registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Close ends the registry lifecycle. The in-memory registry holds no
// external resources.
func (r *Registry) Close() error {
	return nil
}
