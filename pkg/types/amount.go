package types

import (
	"fmt"

	"github.com/filecoin-project/go-state-types/big"
)

// TokenAmount is denominated in the smallest unit (wei).
type TokenAmount = big.Int

// NewTokenAmount builds an amount from a non-negative integer.
func NewTokenAmount(v uint64) TokenAmount {
	return big.NewIntUnsigned(v)
}

// ParseTokenAmount parses a base-10 amount in wei.
func ParseTokenAmount(s string) (TokenAmount, error) {
	amt, err := big.FromString(s)
	if err != nil {
		return big.Zero(), NewError(KindValidation, "parse amount", fmt.Sprintf("invalid amount %q", s))
	}
	if amt.Sign() < 0 {
		return big.Zero(), NewError(KindValidation, "parse amount", fmt.Sprintf("negative amount %q", s))
	}
	return amt, nil
}

// IsPositive treats a nil amount as zero.
func IsPositive(a TokenAmount) bool {
	return a.Int != nil && a.Sign() > 0
}
