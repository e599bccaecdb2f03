package registry

import (
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Reservation is one capacity hold taken inside a transaction.
type Reservation struct {
	ProviderID types.ProviderID
	Bytes      int64
}

// Tx is a view of the registry valid only inside Transact. Every
// reservation made through it is undone if the transaction fails.
type Tx struct {
	r            *Registry
	reservations []Reservation
}

// Reserve behaves like Registry.Reserve but is tracked for rollback.
func (tx *Tx) Reserve(id types.ProviderID, bytes int64) error {
	if err := tx.r.reserveLocked(id, bytes); err != nil {
		return err
	}
	tx.reservations = append(tx.reservations, Reservation{ProviderID: id, Bytes: bytes})
	return nil
}

// Ranked behaves like Registry.Ranked and sees this transaction's
// reservations.
func (tx *Tx) Ranked(minFree int64, limit int, exclude map[types.ProviderID]bool) []types.StorageProvider {
	return tx.r.rankedLocked(minFree, limit, exclude)
}

// Reservations returns the holds taken so far, in order.
func (tx *Tx) Reservations() []Reservation {
	out := make([]Reservation, len(tx.reservations))
	copy(out, tx.reservations)
	return out
}

// Transact runs fn with the registry write lock held. If fn returns an error
// (or panics) every reservation taken through the Tx is rolled back before
// the lock is released, so other callers never observe partial state.
func (r *Registry) Transact(fn func(tx *Tx) error) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Tx{r: r}
	committed := false
	defer func() {
		if committed {
			return
		}
		for i := len(tx.reservations) - 1; i >= 0; i-- {
			res := tx.reservations[i]
			r.unreserveLocked(res.ProviderID, res.Bytes)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}
