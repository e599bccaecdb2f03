package ledger

import (
	"context"
	"sync"

	"github.com/filecoin-project/go-state-types/big"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Escrow moves value between accounts and the ledger's treasury. The ledger
// only calls it after local state has been updated.
type Escrow interface {
	// Deposit moves amount from the caller's account into the treasury.
	Deposit(ctx context.Context, from types.Address, amount types.TokenAmount) error
	// Transfer pays amount out of the treasury.
	Transfer(ctx context.Context, to types.Address, amount types.TokenAmount) error
	BalanceOf(ctx context.Context, addr types.Address) (types.TokenAmount, error)
}

// MemoryEscrow keeps balances in process. It is the default escrow for a
// single coordinator and for tests.
type MemoryEscrow struct {
	mu       sync.Mutex
	treasury types.Address
	balances map[types.Address]big.Int
}

func NewMemoryEscrow(treasury types.Address) *MemoryEscrow {
	return &MemoryEscrow{
		treasury: treasury,
		balances: make(map[types.Address]big.Int),
	}
}

// Treasury returns the address holding escrowed funds.
func (e *MemoryEscrow) Treasury() types.Address {
	return e.treasury
}

// Credit mints amount into addr. Used to fund accounts.
func (e *MemoryEscrow) Credit(addr types.Address, amount types.TokenAmount) error {
	if amount.Int == nil || amount.Sign() < 0 {
		return types.NewError(types.KindValidation, "credit", "amount must be non-negative")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[addr] = big.Add(e.balanceLocked(addr), amount)
	return nil
}

func (e *MemoryEscrow) Deposit(ctx context.Context, from types.Address, amount types.TokenAmount) error {
	return e.move(ctx, "deposit", from, e.treasury, amount)
}

func (e *MemoryEscrow) Transfer(ctx context.Context, to types.Address, amount types.TokenAmount) error {
	return e.move(ctx, "transfer", e.treasury, to, amount)
}

func (e *MemoryEscrow) BalanceOf(_ context.Context, addr types.Address) (types.TokenAmount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceLocked(addr), nil
}

func (e *MemoryEscrow) move(ctx context.Context, op string, from, to types.Address, amount types.TokenAmount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount.Int == nil || amount.Sign() < 0 {
		return types.NewError(types.KindValidation, op, "amount must be non-negative")
	}
	if amount.IsZero() {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	bal := e.balanceLocked(from)
	if bal.LessThan(amount) {
		return types.Errorf(types.KindPayment, op, "%s holds %s, needs %s", from, bal, amount)
	}
	e.balances[from] = big.Sub(bal, amount)
	e.balances[to] = big.Add(e.balanceLocked(to), amount)
	return nil
}

func (e *MemoryEscrow) balanceLocked(addr types.Address) big.Int {
	if bal, ok := e.balances[addr]; ok {
		return bal
	}
	return big.Zero()
}
