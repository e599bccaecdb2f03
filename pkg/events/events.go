package events

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

type Type string

const (
	ProviderRegistered  Type = "ProviderRegistered"
	ProviderDeactivated Type = "ProviderDeactivated"
	DealCreated         Type = "DealCreated"
	DealCompleted       Type = "DealCompleted"
	DealCancelled       Type = "DealCancelled"
	ProofSubmitted      Type = "ProofSubmitted"
	FileRecorded        Type = "FileRecorded"
	FileDeleted         Type = "FileDeleted"
	DealRecorded        Type = "DealRecorded"
	// DealVoided closes the record of a deal a previous coordinator run left
	// open. Nothing is settled for it.
	DealVoided Type = "DealVoided"
)

// Event is a flat record of something that happened after a state change
// committed. Only the fields relevant to Type are set.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type Type      `json:"type"`
	At   time.Time `json:"at"`

	ProviderID types.ProviderID `json:"provider_id,omitempty"`
	DealID     types.DealID     `json:"deal_id,omitempty"`
	FileID     types.FileID     `json:"file_id,omitempty"`
	Renter     types.Address    `json:"renter,omitempty"`
	Uploader   types.Address    `json:"uploader,omitempty"`

	Capacity    int64    `json:"capacity,omitempty"`
	FileSize    int64    `json:"file_size,omitempty"`
	ProofHash   string   `json:"proof_hash,omitempty"`
	ChunkHashes []string `json:"chunk_hashes,omitempty"`

	Price           *types.TokenAmount `json:"price,omitempty"`
	Fee             *types.TokenAmount `json:"fee,omitempty"`
	ProviderPayment *types.TokenAmount `json:"provider_payment,omitempty"`
	Refund          *types.TokenAmount `json:"refund,omitempty"`
}

// Sink receives every published event in sequence order.
type Sink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Bus stamps events with a sequence number and time and hands them to every
// sink. Delivery is synchronous and ordered; a nil *Bus drops events.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	sinks  []Sink
	clock  clock.Clock
	logger *zap.Logger
}

func NewBus(clk clock.Clock, logger *zap.Logger, sinks ...Sink) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		sinks:  sinks,
		clock:  clk,
		logger: logger,
	}
}

// Attach adds a sink. Events already published are not replayed.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// SetSequence resumes numbering after seq, for buses backed by a persisted log.
func (b *Bus) SetSequence(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq = seq
}

// Publish delivers ev to every sink and returns the stamped event. Sink
// failures do not stop delivery to the remaining sinks; they are logged and
// returned together.
func (b *Bus) Publish(ctx context.Context, ev Event) (Event, error) {
	if b == nil {
		return ev, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}

	var errs error
	for _, s := range b.sinks {
		errs = multierr.Append(errs, s.HandleEvent(ctx, ev))
	}
	if errs != nil {
		b.logger.Error("Event delivery failed",
			zap.String("type", string(ev.Type)),
			zap.Uint64("seq", ev.Seq),
			zap.Error(errs))
	}
	return ev, errs
}

// Recorder is an in-memory sink that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) HandleEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(filter ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if len(filter) == 0 || lo.Contains(filter, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}
