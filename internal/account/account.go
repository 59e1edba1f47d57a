// Package account implements the single-currency cash account with an
// available and a reserved sub-balance. Reserved cash is collateral for
// cash-secured short puts.
package account

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCash is returned when a debit or reservation exceeds
	// the available balance.
	ErrInsufficientCash = errors.New("account: insufficient cash")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("account: amount must not be negative")
)

// Cash is the cash balance of a portfolio. Available never goes below zero
// through Debit or Reserve; Reserved only changes through Reserve and
// Release.
type Cash struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Initial   decimal.Decimal `json:"initial"`
}

// New creates an account funded with initial.
func New(currency string, initial decimal.Decimal) *Cash {
	return &Cash{
		Currency:  currency,
		Available: initial,
		Reserved:  decimal.Zero,
		Initial:   initial,
	}
}

// Total returns Available + Reserved.
func (c *Cash) Total() decimal.Decimal {
	return c.Available.Add(c.Reserved)
}

// Debit decrements Available by amount.
func (c *Cash) Debit(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if c.Available.LessThan(amount) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash,
			amount.StringFixed(2), c.Available.StringFixed(2))
	}
	c.Available = c.Available.Sub(amount)
	return nil
}

// Credit increments Available. The simulation has no credit limits.
func (c *Cash) Credit(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	c.Available = c.Available.Add(amount)
	return nil
}

// Reserve moves amount from Available to Reserved.
func (c *Cash) Reserve(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if c.Available.LessThan(amount) {
		return fmt.Errorf("%w: reserve %s, available %s", ErrInsufficientCash,
			amount.StringFixed(2), c.Available.StringFixed(2))
	}
	c.Available = c.Available.Sub(amount)
	c.Reserved = c.Reserved.Add(amount)
	return nil
}

// Release moves min(amount, Reserved) back to Available and returns the
// amount actually released. It never fails, so rounding differences at
// settlement boundaries are tolerated.
func (c *Cash) Release(amount decimal.Decimal) decimal.Decimal {
	rel := decimal.Min(decimal.Max(amount, decimal.Zero), c.Reserved)
	c.Reserved = c.Reserved.Sub(rel)
	c.Available = c.Available.Add(rel)
	return rel
}
