package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/google/uuid"
	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/registry"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

const basisPoints = 10000

const DefaultTreasury types.Address = "treasury"

type Config struct {
	MinDealDuration time.Duration
	MaxDealDuration time.Duration
	// PlatformFeeBps is the treasury's share of each deal, in basis points.
	PlatformFeeBps uint64
	// ActivationDelay separates creation from StartTime. Zero starts deals
	// immediately, which leaves no window for CancelDeal. With a delay the
	// provider's share stays in escrow until the first proof or completion.
	ActivationDelay    time.Duration
	ProofReward        int64
	MissedProofPenalty int64
	// Treasury is checked for sufficient funds before a cancellation
	// refund. Empty skips the check.
	Treasury types.Address
}

func DefaultConfig() Config {
	return Config{
		MinDealDuration:    time.Hour,
		MaxDealDuration:    365 * 24 * time.Hour,
		PlatformFeeBps:     250,
		ProofReward:        10,
		MissedProofPenalty: 5,
		Treasury:           DefaultTreasury,
	}
}

// Filter narrows ListDeals. Zero fields match everything.
type Filter struct {
	ProviderID types.ProviderID
	Renter     types.Address
	Status     *types.DealStatus
}

func (f Filter) matches(d *types.Deal) bool {
	if f.ProviderID != "" && d.ProviderID != f.ProviderID {
		return false
	}
	if f.Renter != "" && d.RenterID != f.Renter {
		return false
	}
	if f.Status != nil && d.Status != *f.Status {
		return false
	}
	return true
}

// Ledger runs the deal state machine. Provider capacity is held in the
// registry; value moves through the escrow.
type Ledger struct {
	mu       sync.RWMutex
	cfg      Config
	registry *registry.Registry
	escrow   Escrow
	bus      *events.Bus
	clock    clock.Clock
	logger   *zap.Logger
	deals    map[types.DealID]*types.Deal
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

func WithEvents(bus *events.Bus) Option {
	return func(l *Ledger) {
		l.bus = bus
	}
}

func New(cfg Config, reg *registry.Registry, escrow Escrow, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		cfg:      cfg,
		registry: reg,
		escrow:   escrow,
		clock:    clock.New(),
		logger:   logger,
		deals:    make(map[types.DealID]*types.Deal),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Quote returns fileSize * pricePerByteSecond * whole seconds of duration.
func Quote(fileSize int64, pricePerByteSecond types.TokenAmount, duration time.Duration) types.TokenAmount {
	seconds := int64(duration / time.Second)
	return big.Mul(big.Mul(big.NewInt(fileSize), pricePerByteSecond), big.NewInt(seconds))
}

// Split divides totalPrice into the platform fee and the provider's share.
func Split(totalPrice types.TokenAmount, feeBps uint64) (fee, providerPayment types.TokenAmount) {
	fee = big.Div(big.Mul(totalPrice, big.NewIntUnsigned(feeBps)), big.NewInt(basisPoints))
	return fee, big.Sub(totalPrice, fee)
}

// CreateDeal opens an active deal between renter and provider. All checks
// run before any state changes; capacity is reserved and the deal stored
// before the escrow is touched. If a transfer fails the deal and its
// reservation are reverted and a payment error is returned.
func (l *Ledger) CreateDeal(ctx context.Context, renter types.Address, providerID types.ProviderID, fileSize int64, duration time.Duration, payment types.TokenAmount) (types.DealID, error) {
	const op = "create deal"

	// Checks.
	if renter == "" {
		return "", types.NewError(types.KindValidation, op, "renter address is required")
	}
	if fileSize <= 0 {
		return "", types.Errorf(types.KindValidation, op, "file size must be positive, got %d", fileSize)
	}
	if duration < l.cfg.MinDealDuration || duration > l.cfg.MaxDealDuration {
		return "", types.Errorf(types.KindValidation, op, "duration %s outside [%s, %s]",
			duration, l.cfg.MinDealDuration, l.cfg.MaxDealDuration)
	}
	if payment.Int == nil || payment.Sign() < 0 {
		return "", types.NewError(types.KindValidation, op, "payment must be non-negative")
	}

	provider, err := l.registry.Get(providerID)
	if err != nil {
		return "", err
	}
	if !provider.IsActive {
		return "", types.Errorf(types.KindState, op, "provider %s is inactive", providerID)
	}
	if provider.FreeCapacity() < fileSize {
		return "", types.Errorf(types.KindCapacity, op, "provider %s has %d bytes free, need %d",
			providerID, provider.FreeCapacity(), fileSize)
	}

	totalPrice := Quote(fileSize, provider.PricePerByteSecond, duration)
	if payment.LessThan(totalPrice) {
		return "", types.Errorf(types.KindPayment, op, "payment %s below price %s", payment, totalPrice)
	}
	balance, err := l.escrow.BalanceOf(ctx, renter)
	if err != nil {
		return "", types.WrapError(types.KindPayment, op, err)
	}
	if balance.LessThan(payment) {
		return "", types.Errorf(types.KindPayment, op, "renter %s holds %s, payment is %s", renter, balance, payment)
	}

	fee, providerPayment := Split(totalPrice, l.cfg.PlatformFeeBps)
	refund := big.Sub(payment, totalPrice)

	// Effects. Reserve re-checks capacity under the registry lock.
	if err := l.registry.Reserve(providerID, fileSize); err != nil {
		return "", err
	}

	now := l.clock.Now()
	start := now.Add(l.cfg.ActivationDelay)
	payNow := !start.After(now)
	deal := &types.Deal{
		ID:              types.DealID(uuid.NewString()),
		ProviderID:      providerID,
		RenterID:        renter,
		FileSize:        fileSize,
		PricePerByte:    provider.PricePerByteSecond,
		Duration:        duration,
		TotalPrice:      totalPrice,
		Fee:             fee,
		ProviderPayment: providerPayment,
		ProviderPaid:    payNow,
		StartTime:       start,
		EndTime:         start.Add(duration),
		Status:          types.DealActive,
		CreatedAt:       now,
	}

	l.mu.Lock()
	l.deals[deal.ID] = deal
	l.mu.Unlock()

	// Interactions.
	held := providerPayment
	if !payNow {
		held = big.Zero()
	}
	if err := l.settleCreate(ctx, renter, provider.Owner, payment, held, refund); err != nil {
		l.mu.Lock()
		delete(l.deals, deal.ID)
		l.mu.Unlock()
		err = multierr.Append(err, l.registry.Release(providerID, fileSize))

		l.logger.Warn("Deal reverted after payment failure",
			zap.String("deal_id", string(deal.ID)),
			zap.String("provider_id", string(providerID)),
			zap.Error(err))
		return "", types.WrapError(types.KindPayment, op, err)
	}

	l.logger.Info("Deal created",
		zap.String("deal_id", string(deal.ID)),
		zap.String("provider_id", string(providerID)),
		zap.String("renter", string(renter)),
		zap.Int64("file_size", fileSize),
		zap.Duration("duration", duration),
		zap.String("total_price", totalPrice.String()))

	l.publish(ctx, events.Event{
		Type:       events.DealCreated,
		DealID:     deal.ID,
		ProviderID: providerID,
		Renter:     renter,
		FileSize:   fileSize,
		Price:      &totalPrice,
	})
	l.publish(ctx, events.Event{
		Type:            events.DealRecorded,
		DealID:          deal.ID,
		ProviderID:      providerID,
		Renter:          renter,
		FileSize:        fileSize,
		Price:           &totalPrice,
		Fee:             &fee,
		ProviderPayment: &providerPayment,
		Refund:          &refund,
	})

	return deal.ID, nil
}

// settleCreate takes the payment into escrow, returns the change and pays the
// provider whatever is due now. On failure it returns whatever it already
// took back to the renter.
func (l *Ledger) settleCreate(ctx context.Context, renter, providerOwner types.Address, payment, providerPayment, refund types.TokenAmount) error {
	if err := l.escrow.Deposit(ctx, renter, payment); err != nil {
		return err
	}
	if err := l.escrow.Transfer(ctx, renter, refund); err != nil {
		return multierr.Append(err, l.escrow.Transfer(ctx, renter, payment))
	}
	if providerPayment.Sign() == 0 {
		return nil
	}
	if err := l.escrow.Transfer(ctx, providerOwner, providerPayment); err != nil {
		return multierr.Append(err, l.escrow.Transfer(ctx, renter, big.Sub(payment, refund)))
	}
	return nil
}

// SubmitProof records proofHash for an active deal inside [StartTime,
// EndTime). Only the provider's owner may submit. Resubmission overwrites
// the previous proof; reputation is only touched at completion.
func (l *Ledger) SubmitProof(ctx context.Context, caller types.Address, id types.DealID, proofHash string) error {
	const op = "submit proof"
	if proofHash == "" {
		return types.NewError(types.KindValidation, op, "proof hash is required")
	}

	l.mu.Lock()
	deal, err := l.dealLocked(op, id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.requireProviderOwner(op, deal, caller); err != nil {
		l.mu.Unlock()
		return err
	}
	now := l.clock.Now()
	if deal.Status != types.DealActive {
		l.mu.Unlock()
		return types.Errorf(types.KindState, op, "deal %s is %s", id, deal.Status)
	}
	if now.Before(deal.StartTime) || !now.Before(deal.EndTime) {
		l.mu.Unlock()
		return types.Errorf(types.KindState, op, "deal %s accepts proofs between %s and %s",
			id, deal.StartTime.Format(time.RFC3339), deal.EndTime.Format(time.RFC3339))
	}
	deal.ProofHash = proofHash
	deal.ProofSubmittedAt = now
	pay := l.claimPaymentLocked(deal)
	l.mu.Unlock()

	l.logger.Debug("Proof submitted",
		zap.String("deal_id", string(id)),
		zap.String("proof_hash", proofHash))
	if pay {
		// The proof stands even if the payout fails; completion retries it.
		if err := l.payProvider(ctx, deal, caller); err != nil {
			l.logger.Warn("Provider payout deferred to completion",
				zap.String("deal_id", string(id)),
				zap.String("provider_id", string(deal.ProviderID)),
				zap.Error(err))
		}
	}
	l.publish(ctx, events.Event{
		Type:       events.ProofSubmitted,
		DealID:     id,
		ProviderID: deal.ProviderID,
		ProofHash:  proofHash,
	})
	return nil
}

// CompleteDeal closes an active deal at or after EndTime. The renter or the
// provider's owner may call it.
func (l *Ledger) CompleteDeal(ctx context.Context, caller types.Address, id types.DealID) error {
	const op = "complete deal"

	l.mu.RLock()
	deal, err := l.dealLocked(op, id)
	l.mu.RUnlock()
	if err != nil {
		return err
	}
	if caller != deal.RenterID {
		if err := l.requireProviderOwner(op, deal, caller); err != nil {
			return err
		}
	}
	return l.complete(ctx, op, id)
}

// SweepExpired completes every active deal whose EndTime has passed. It is
// run by the coordinator, not on behalf of a party.
func (l *Ledger) SweepExpired(ctx context.Context) ([]types.DealID, error) {
	var (
		completed []types.DealID
		errs      error
	)
	for _, d := range l.ExpiredDeals(l.clock.Now()) {
		if err := ctx.Err(); err != nil {
			return completed, multierr.Append(errs, err)
		}
		if err := l.complete(ctx, "sweep expired", d.ID); err != nil {
			// Lost a race with an explicit completion.
			if types.KindOf(err) == types.KindState {
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		completed = append(completed, d.ID)
	}
	return completed, errs
}

func (l *Ledger) complete(ctx context.Context, op string, id types.DealID) error {
	l.mu.Lock()
	deal, err := l.dealLocked(op, id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if deal.Status != types.DealActive {
		l.mu.Unlock()
		return types.Errorf(types.KindState, op, "deal %s is %s", id, deal.Status)
	}
	if now := l.clock.Now(); now.Before(deal.EndTime) {
		l.mu.Unlock()
		return types.Errorf(types.KindState, op, "deal %s ends at %s", id, deal.EndTime.Format(time.RFC3339))
	}
	deal.Status = types.DealCompleted
	proved := deal.ProofHash != ""
	pay := l.claimPaymentLocked(deal)
	l.mu.Unlock()

	if pay {
		provider, err := l.registry.Get(deal.ProviderID)
		if err == nil {
			err = l.payProvider(ctx, deal, provider.Owner)
		} else {
			l.mu.Lock()
			deal.ProviderPaid = false
			l.mu.Unlock()
		}
		if err != nil {
			l.mu.Lock()
			deal.Status = types.DealActive
			l.mu.Unlock()
			l.logger.Warn("Completion reverted after payout failure",
				zap.String("deal_id", string(id)),
				zap.Error(err))
			return types.WrapError(types.KindPayment, op, err)
		}
	}

	var errs error
	errs = multierr.Append(errs, l.registry.Release(deal.ProviderID, deal.FileSize))

	delta := -l.cfg.MissedProofPenalty
	if proved {
		delta = l.cfg.ProofReward
	}
	rep, err := l.registry.AdjustReputation(deal.ProviderID, delta)
	errs = multierr.Append(errs, err)
	if errs != nil {
		l.logger.Error("Deal completed with bookkeeping errors",
			zap.String("deal_id", string(id)),
			zap.Error(errs))
		return errs
	}

	l.logger.Info("Deal completed",
		zap.String("deal_id", string(id)),
		zap.String("provider_id", string(deal.ProviderID)),
		zap.Bool("proved", proved),
		zap.Int64("reputation", rep))
	l.publish(ctx, events.Event{
		Type:       events.DealCompleted,
		DealID:     id,
		ProviderID: deal.ProviderID,
	})
	return nil
}

// CancelDeal lets the renter withdraw before StartTime. The reservation is
// released and the full price is refunded from the treasury, which still
// holds the provider's share of a deal that has not started.
func (l *Ledger) CancelDeal(ctx context.Context, caller types.Address, id types.DealID) error {
	const op = "cancel deal"

	l.mu.Lock()
	deal, err := l.dealLocked(op, id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if caller != deal.RenterID {
		l.mu.Unlock()
		return types.Errorf(types.KindAuthorization, op, "only renter %s may cancel deal %s", deal.RenterID, id)
	}
	if deal.Status != types.DealActive {
		l.mu.Unlock()
		return types.Errorf(types.KindState, op, "deal %s is %s", id, deal.Status)
	}
	if now := l.clock.Now(); !now.Before(deal.StartTime) {
		l.mu.Unlock()
		return types.Errorf(types.KindState, op, "deal %s started at %s", id, deal.StartTime.Format(time.RFC3339))
	}
	refund := deal.TotalPrice
	if l.cfg.Treasury != "" {
		bal, err := l.escrow.BalanceOf(ctx, l.cfg.Treasury)
		if err != nil {
			l.mu.Unlock()
			return types.WrapError(types.KindPayment, op, err)
		}
		if bal.LessThan(refund) {
			l.mu.Unlock()
			return types.Errorf(types.KindPayment, op, "treasury holds %s, refund is %s", bal, refund)
		}
	}
	deal.Status = types.DealCancelled
	l.mu.Unlock()

	if err := l.registry.Release(deal.ProviderID, deal.FileSize); err != nil {
		l.revertCancel(id)
		return err
	}

	if err := l.escrow.Transfer(ctx, deal.RenterID, refund); err != nil {
		l.revertCancel(id)
		err = multierr.Append(err, l.registry.Reserve(deal.ProviderID, deal.FileSize))
		l.logger.Warn("Cancellation reverted after refund failure",
			zap.String("deal_id", string(id)),
			zap.Error(err))
		return types.WrapError(types.KindPayment, op, err)
	}

	l.logger.Info("Deal cancelled",
		zap.String("deal_id", string(id)),
		zap.String("renter", string(deal.RenterID)),
		zap.String("refund", refund.String()))
	l.publish(ctx, events.Event{
		Type:       events.DealCancelled,
		DealID:     id,
		ProviderID: deal.ProviderID,
		Renter:     deal.RenterID,
		Refund:     &refund,
	})
	return nil
}

// claimPaymentLocked marks the provider's held share as paid and reports
// whether the caller must now transfer it.
func (l *Ledger) claimPaymentLocked(deal *types.Deal) bool {
	if deal.ProviderPaid {
		return false
	}
	deal.ProviderPaid = true
	return true
}

// payProvider releases a claimed share from escrow to the provider's owner.
// A failed transfer unclaims it.
func (l *Ledger) payProvider(ctx context.Context, deal *types.Deal, owner types.Address) error {
	if err := l.escrow.Transfer(ctx, owner, deal.ProviderPayment); err != nil {
		l.mu.Lock()
		deal.ProviderPaid = false
		l.mu.Unlock()
		return err
	}
	l.logger.Debug("Provider payment released",
		zap.String("deal_id", string(deal.ID)),
		zap.String("owner", string(owner)),
		zap.String("amount", deal.ProviderPayment.String()))
	return nil
}

func (l *Ledger) revertCancel(id types.DealID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.deals[id]; ok && d.Status == types.DealCancelled {
		d.Status = types.DealActive
	}
}

// GetDeal returns a copy of the deal.
func (l *Ledger) GetDeal(id types.DealID) (types.Deal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	deal, err := l.dealLocked("get deal", id)
	if err != nil {
		return types.Deal{}, err
	}
	return *deal, nil
}

// ListDeals returns deals matching f, oldest first.
func (l *Ledger) ListDeals(f Filter) []types.Deal {
	l.mu.RLock()
	out := make([]types.Deal, 0, len(l.deals))
	for _, d := range l.deals {
		if f.matches(d) {
			out = append(out, *d)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ExpiredDeals returns active deals whose EndTime is at or before now.
func (l *Ledger) ExpiredDeals(now time.Time) []types.Deal {
	active := types.DealActive
	deals := l.ListDeals(Filter{Status: &active})
	out := deals[:0]
	for _, d := range deals {
		if !now.Before(d.EndTime) {
			out = append(out, d)
		}
	}
	return out
}

func (l *Ledger) dealLocked(op string, id types.DealID) (*types.Deal, error) {
	deal, ok := l.deals[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, op, "deal %s not found", id)
	}
	return deal, nil
}

func (l *Ledger) requireProviderOwner(op string, deal *types.Deal, caller types.Address) error {
	provider, err := l.registry.Get(deal.ProviderID)
	if err != nil {
		return err
	}
	if provider.Owner != caller {
		return types.Errorf(types.KindAuthorization, op, "%s does not own provider %s", caller, deal.ProviderID)
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, ev events.Event) {
	// Delivery failures are logged by the bus; the ledger state is already
	// committed.
	_, _ = l.bus.Publish(ctx, ev)
}
