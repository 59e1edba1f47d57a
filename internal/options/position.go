// Package options manages the lifecycle of a multi-leg option position:
// open, add legs, partial or full close, roll and exercise, plus valuation,
// aggregate Greeks and payoff curves.
//
// Premiums and strikes are per share. Every currency figure the package
// returns (cash deltas, realized P&L, valuations, curves) is scaled by the
// contract multiplier.
package options

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/model"
)

var (
	ErrEmptyDraft       = errors.New("options: draft has no legs")
	ErrInvalidLeg       = errors.New("options: invalid leg")
	ErrNoExistingExpiry = errors.New("options: no existing expiry to add to")
	ErrPositionOpen     = errors.New("options: position already open")
	ErrUnknownLeg       = errors.New("options: unknown leg")
	ErrNotLong          = errors.New("options: only long legs can be exercised")
)

// Leg is one option contract line of a position.
type Leg struct {
	ID             string      `json:"id"`
	Contract       string      `json:"contract,omitempty"` // OCC symbol
	Side           model.Side  `json:"side"`
	Right          model.Right `json:"right"`
	Quantity       int         `json:"quantity"`
	Strike         float64     `json:"strike"`
	EntryPrice     float64     `json:"entry_price"` // per share
	EntryIndex     int         `json:"entry_index"`
	EntryTimestamp time.Time   `json:"entry_timestamp"`

	// Collateral reserved when the leg was opened cash-secured.
	CollateralCash   decimal.Decimal `json:"collateral_cash"`
	CollateralShares int             `json:"collateral_shares"`
}

// Sign is +1 for a long leg and -1 for a short one.
func (l Leg) Sign() float64 { return l.Side.Sign() }

// Position is the single multi-leg option position of a portfolio. Entry
// and expiry indices are nil exactly when Legs is empty. Realized P&L
// accumulates across the position's whole life, including past trades.
type Position struct {
	Legs        []Leg           `json:"legs"`
	EntryIndex  *int            `json:"entry_index,omitempty"`
	ExpiryIndex *int            `json:"expiry_index,omitempty"`
	Realized    decimal.Decimal `json:"realized"`
}

// NewPosition returns an empty position.
func NewPosition() *Position {
	return &Position{Realized: decimal.Zero}
}

// IsEmpty reports whether the position holds no legs.
func (p *Position) IsEmpty() bool { return len(p.Legs) == 0 }

// Tau returns the time to expiry in years as seen from day idx, floored at 0.
// An empty position has Tau 0.
func (p *Position) Tau(idx int) float64 {
	if p.ExpiryIndex == nil {
		return 0
	}
	return math.Max(0, float64(*p.ExpiryIndex-idx)/365)
}

// Leg returns the leg with the given id.
func (p *Position) Leg(id string) (*Leg, bool) {
	for i := range p.Legs {
		if p.Legs[i].ID == id {
			return &p.Legs[i], true
		}
	}
	return nil, false
}

// RemoveLeg drops the leg with the given id, resetting the position when it
// was the last one.
func (p *Position) RemoveLeg(id string) (Leg, bool) {
	for i, l := range p.Legs {
		if l.ID == id {
			p.Legs = append(p.Legs[:i:i], p.Legs[i+1:]...)
			if len(p.Legs) == 0 {
				p.reset()
			}
			return l, true
		}
	}
	return Leg{}, false
}

// Clone returns a deep copy of p.
func (p *Position) Clone() *Position {
	c := &Position{Realized: p.Realized}
	if p.Legs != nil {
		c.Legs = make([]Leg, len(p.Legs))
		copy(c.Legs, p.Legs)
	}
	if p.EntryIndex != nil {
		v := *p.EntryIndex
		c.EntryIndex = &v
	}
	if p.ExpiryIndex != nil {
		v := *p.ExpiryIndex
		c.ExpiryIndex = &v
	}
	return c
}

// Restore overwrites p with the state of snap.
func (p *Position) Restore(snap *Position) {
	*p = *snap.Clone()
}

// reset empties the position, keeping Realized.
func (p *Position) reset() {
	p.Legs = nil
	p.EntryIndex = nil
	p.ExpiryIndex = nil
}

// dropEmpty removes legs with no quantity and resets the position when none
// remain.
func (p *Position) dropEmpty() {
	kept := p.Legs[:0]
	for _, l := range p.Legs {
		if l.Quantity > 0 {
			kept = append(kept, l)
		}
	}
	p.Legs = kept
	if len(p.Legs) == 0 {
		p.reset()
	}
}

// LegDraft describes a leg to be opened.
type LegDraft struct {
	Side     model.Side  `json:"side"`
	Right    model.Right `json:"right"`
	Quantity int         `json:"quantity"`
	Strike   float64     `json:"strike"`
}

// Validate checks side, right, quantity and strike.
func (d LegDraft) Validate() error {
	switch {
	case !d.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidLeg, d.Side)
	case !d.Right.Valid():
		return fmt.Errorf("%w: right %q", ErrInvalidLeg, d.Right)
	case d.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d must be positive", ErrInvalidLeg, d.Quantity)
	case d.Strike <= 0 || math.IsNaN(d.Strike) || math.IsInf(d.Strike, 0):
		return fmt.Errorf("%w: strike %v must be positive", ErrInvalidLeg, d.Strike)
	}
	return nil
}

// Draft is an order for a new position: legs sharing one expiry, expiryDays
// calendar days from the opening day.
type Draft struct {
	ExpiryDays float64    `json:"expiry_days"`
	Legs       []LegDraft `json:"legs"`
}

// Validate checks that the draft has legs and that each is well formed.
func (d Draft) Validate() error { return validateLegs(d.Legs) }

func validateLegs(legs []LegDraft) error {
	if len(legs) == 0 {
		return ErrEmptyDraft
	}
	for i, l := range legs {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("leg %d: %w", i, err)
		}
	}
	return nil
}
