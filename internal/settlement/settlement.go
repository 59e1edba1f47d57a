// Package settlement expires and assigns the option position when the
// simulated day reaches its expiry index.
//
// Settlement is system-triggered, so failures are strict: a leg that cannot
// be settled is an invariant violation, never a clamped user adjustment.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/bsm"
	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
	"github.com/atmx/paper-options/internal/portfolio"
)

// ErrInvariantViolation means the portfolio cannot honour an assignment it
// should always be able to honour, e.g. an under-reserved covered call.
var ErrInvariantViolation = errors.New("settlement: invariant violation")

// Outcome classifies how a leg left the position.
type Outcome string

const (
	CashSettled Outcome = "cash_settled" // long, intrinsic paid in cash
	Expired     Outcome = "expired"      // short, out of the money
	Assigned    Outcome = "assigned"     // short, in the money
)

// LegResult is the settlement of one leg. Realized is the option-leg
// realized P&L; stock realized from an assignment sits on its own entry.
type LegResult struct {
	Leg       options.Leg     `json:"leg"`
	Outcome   Outcome         `json:"outcome"`
	Intrinsic float64         `json:"intrinsic"`
	Realized  decimal.Decimal `json:"realized"`
	CashDelta decimal.Decimal `json:"cash_delta"`
	Entries   []ledger.Entry  `json:"entries"`
}

// Result is the outcome of a settlement pass. Settled is false when nothing
// was due.
type Result struct {
	Settled   bool            `json:"settled"`
	Index     int             `json:"index"`
	Spot      float64         `json:"spot"`
	Legs      []LegResult     `json:"legs"`
	Realized  decimal.Decimal `json:"realized"`
	CashDelta decimal.Decimal `json:"cash_delta"`
}

// Due reports whether pos must be settled on day idx.
func Due(pos *options.Position, idx int) bool {
	return pos != nil && !pos.IsEmpty() && pos.ExpiryIndex != nil && idx >= *pos.ExpiryIndex
}

// Settle settles every leg of snap.Options at spot s if day idx has reached
// the expiry index. It is a no-op otherwise, so calling it again on the
// same day is safe.
//
// Legs settle in order. When a leg fails, the legs before it stay settled,
// the failing leg and those after it remain on the position, and the
// returned error wraps ErrInvariantViolation.
func Settle(snap *portfolio.Snapshot, symbol string, idx int, s float64, ts time.Time) (Result, error) {
	res := Result{Index: idx, Spot: s, Realized: decimal.Zero, CashDelta: decimal.Zero}
	pos := snap.Options
	if !Due(pos, idx) {
		return res, nil
	}

	legs := append([]options.Leg(nil), pos.Legs...)
	for _, leg := range legs {
		lr, err := settleLeg(snap, symbol, leg, s, ts)
		if err != nil {
			return res, fmt.Errorf("%w: leg %s (%s %s %v x%d): %w",
				ErrInvariantViolation, leg.ID, leg.Side, leg.Right, leg.Strike, leg.Quantity, err)
		}
		pos.RemoveLeg(leg.ID)
		pos.Realized = pos.Realized.Add(lr.Realized)
		res.Settled = true
		res.Legs = append(res.Legs, lr)
		res.Realized = res.Realized.Add(lr.Realized)
		res.CashDelta = res.CashDelta.Add(lr.CashDelta)
	}
	return res, nil
}

func settleLeg(snap *portfolio.Snapshot, symbol string, leg options.Leg, s float64, ts time.Time) (LegResult, error) {
	mult := float64(snap.Multiplier)
	if mult <= 0 {
		mult = model.Multiplier
	}
	qty := float64(leg.Quantity)
	intr := bsm.Intrinsic(leg.Right, s, leg.Strike)
	lr := LegResult{Leg: leg, Intrinsic: intr, CashDelta: decimal.Zero}

	trade := ledger.OptionTrade{
		LegID:      leg.ID,
		Contract:   leg.Contract,
		Side:       leg.Side,
		Right:      leg.Right,
		Contracts:  leg.Quantity,
		Strike:     decimal.NewFromFloat(leg.Strike),
		Price:      model.Dec(intr),
		EntryPrice: decimal.NewFromFloat(leg.EntryPrice),
		Expired:    true,
	}

	switch {
	case leg.Side == model.Long:
		lr.Outcome = CashSettled
		lr.Realized = model.Dec((intr - leg.EntryPrice) * mult * qty)
		lr.CashDelta = model.Dec(intr * mult * qty)
		if err := snap.Cash.Credit(lr.CashDelta); err != nil {
			return lr, err
		}
		e, err := snap.Record(ledger.Entry{
			Timestamp: ts, Type: ledger.CloseLongOption, Symbol: symbol,
			Details: trade, CashDelta: lr.CashDelta, RealizedPnL: lr.Realized,
		})
		if err != nil {
			return lr, err
		}
		lr.Entries = append(lr.Entries, e)

	case intr == 0:
		lr.Outcome = Expired
		lr.Realized = model.Dec(leg.EntryPrice * mult * qty)
		released, err := releaseCollateral(snap, symbol, leg, ts)
		lr.Entries = append(lr.Entries, released...)
		if err != nil {
			return lr, err
		}
		e, err := snap.Record(ledger.Entry{
			Timestamp: ts, Type: ledger.CloseShortOption, Symbol: symbol,
			Details: trade, RealizedPnL: lr.Realized,
		})
		if err != nil {
			return lr, err
		}
		lr.Entries = append(lr.Entries, e)

	default:
		lr.Outcome = Assigned
		if err := checkAssignable(snap, symbol, leg, int(mult)); err != nil {
			return lr, err
		}
		released, err := releaseCollateral(snap, symbol, leg, ts)
		lr.Entries = append(lr.Entries, released...)
		if err != nil {
			return lr, err
		}
		spec := portfolio.ContractSpec{
			LegID:     leg.ID,
			Contract:  leg.Contract,
			Strike:    decimal.NewFromFloat(leg.Strike),
			Contracts: leg.Quantity,
			Premium:   decimal.NewFromFloat(leg.EntryPrice),
			Intrinsic: decimal.NewFromFloat(intr),
		}
		var entries []ledger.Entry
		if leg.Right == model.Put {
			entries, err = snap.AssignShortPut(symbol, spec, ts)
		} else {
			entries, err = snap.AssignShortCall(symbol, spec, ts)
		}
		lr.Entries = append(lr.Entries, entries...)
		if err != nil {
			return lr, err
		}
		// The option-leg realized lives on the ASSIGN_* entry; the stock
		// entry carries the cash and any stock realized.
		for _, e := range entries {
			lr.CashDelta = lr.CashDelta.Add(e.CashDelta)
			if e.Type == ledger.AssignShortCall || e.Type == ledger.AssignShortPut {
				lr.Realized = e.RealizedPnL
			}
		}
	}
	return lr, nil
}

// checkAssignable verifies, before anything is mutated, that the leg's
// assignment can be honoured once its collateral is released.
func checkAssignable(snap *portfolio.Snapshot, symbol string, leg options.Leg, mult int) error {
	n := leg.Quantity * mult
	if leg.Right == model.Put {
		cost := model.Cents(decimal.NewFromFloat(leg.Strike).Mul(decimal.NewFromInt(int64(n))))
		if have := snap.Cash.Available.Add(snap.CashReleasable(leg.CollateralCash)); have.LessThan(cost) {
			return fmt.Errorf("short put assignment needs %s cash, %s available after release",
				cost.StringFixed(2), have.StringFixed(2))
		}
		return nil
	}
	pos := snap.EnsurePosition(symbol)
	deliverable := pos.Free() + min(leg.CollateralShares, pos.ReservedShares)
	if deliverable < n {
		return fmt.Errorf("covered call assignment requires %d deliverable shares; available=%d, reserved=%d",
			n, pos.Free(), pos.ReservedShares)
	}
	return nil
}

// releaseCollateral frees whatever the leg reserved at open.
func releaseCollateral(snap *portfolio.Snapshot, symbol string, leg options.Leg, ts time.Time) ([]ledger.Entry, error) {
	var out []ledger.Entry
	if leg.CollateralCash.IsPositive() {
		e, err := snap.ReleaseReservedCash(symbol, leg.ID, leg.CollateralCash, ts)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	if leg.CollateralShares > 0 {
		e, err := snap.ReleaseReservedShares(symbol, leg.ID, leg.CollateralShares, ts)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}
