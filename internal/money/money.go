// Package money holds the exact decimal helpers shared by the escrow ledger,
// the transaction journal and the HTTP boundary. Amounts never pass through
// binary floating point once they are inside the core.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegative    = errors.New("amount must not be negative")
	ErrNotPositive = errors.New("amount must be positive")
	ErrNotFinite   = errors.New("amount must be finite")
)

// Zero is the additive identity used for unknown wallets.
var Zero = decimal.Zero

// FromFloat converts a wire amount to a decimal using the shortest
// representation that round-trips, so 0.05 becomes exactly 0.05.
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, ErrNotFinite
	}
	return decimal.NewFromFloat(f), nil
}

// Parse reads a decimal string such as "10.00".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NonNegative rejects amounts below zero.
func NonNegative(d decimal.Decimal) error {
	if d.IsNegative() {
		return ErrNegative
	}
	return nil
}

// Positive rejects amounts at or below zero.
func Positive(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNotPositive
	}
	return nil
}

// Float is the lossy conversion used only for JSON responses and scoring.
func Float(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

// Format renders an amount with at least two decimals, e.g. "$9.95".
func Format(d decimal.Decimal) string {
	if d.Exponent() >= -2 {
		return "$" + d.StringFixed(2)
	}
	return "$" + d.String()
}
