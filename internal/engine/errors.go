package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"agentmarket/internal/money"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateJob       = errors.New("duplicate job")
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrInvalidState       = errors.New("invalid escrow state")
	ErrAlreadyRated       = errors.New("transaction already rated")
	ErrOverchargeDetected = errors.New("overcharge detected")
)

// OverchargeError reports a release whose claimed price exceeded the locked
// amount. It is returned alongside a Settlement: the refund has already been
// committed when the caller sees it.
type OverchargeError struct {
	JobID     string
	Attempted decimal.Decimal
	Allowed   decimal.Decimal
}

func (e *OverchargeError) Error() string {
	return fmt.Sprintf("overcharge detected on job %s: attempted %s, allowed %s",
		e.JobID, money.Format(e.Attempted), money.Format(e.Allowed))
}

func (e *OverchargeError) Unwrap() error {
	return ErrOverchargeDetected
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
