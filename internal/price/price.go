// Package price renders nRLC amounts for humans.
package price

import (
	"github.com/shopspring/decimal"

	"marketline/internal/domain"
)

// Decimals between nRLC and RLC.
const Decimals = 9

// RLC converts an nRLC amount.
func RLC(n domain.Uint256) decimal.Decimal {
	return decimal.NewFromBigInt(n.Big(), -Decimals)
}

// Format returns "<n> nRLC (<x> RLC)".
func Format(n domain.Uint256) string {
	return n.String() + " nRLC (" + RLC(n).String() + " RLC)"
}

// ParseRLC converts a decimal RLC amount to nRLC. Fractions below one nRLC
// are rejected.
func ParseRLC(s string) (domain.Uint256, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return domain.Uint256{}, domain.Validationf("price", "invalid RLC amount %q", s)
	}
	n := d.Shift(Decimals)
	if !n.Equal(n.Truncate(0)) {
		return domain.Uint256{}, domain.Validationf("price", "%s RLC has more than %d decimals", s, Decimals)
	}
	if n.IsNegative() {
		return domain.Uint256{}, domain.Validationf("price", "price must not be negative")
	}
	return domain.Uint256FromBig(n.BigInt())
}
