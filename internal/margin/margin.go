// Package margin estimates the margin requirement of the short legs of an
// option position. It approximates a retail Reg-T style rule and is an
// educational estimate, not a brokerage calculation.
package margin

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
)

const (
	baseRate  = 0.20 // of underlying, less the out-of-the-money amount
	floorRate = 0.10 // of underlying, minimum per share
)

// OutOfTheMoney returns how far a leg at strike k is out of the money at
// spot s, per share.
func OutOfTheMoney(right model.Right, s, k float64) float64 {
	if right == model.Put {
		return math.Max(0, s-k)
	}
	return math.Max(0, k-s)
}

// PerShare returns the requirement per share of one short leg:
//
//	max(0.20·S - otm, 0.10·S) + premium
func PerShare(leg options.Leg, s float64) float64 {
	otm := OutOfTheMoney(leg.Right, s, leg.Strike)
	return math.Max(baseRate*s-otm, floorRate*s) + leg.EntryPrice
}

// Requirement sums the per-share requirement of every short leg, scaled by
// quantity and multiplier, floored at zero and rounded to cents. Long legs
// carry no requirement.
func Requirement(pos *options.Position, s float64, multiplier int) decimal.Decimal {
	if pos == nil || pos.IsEmpty() {
		return decimal.Zero
	}
	if multiplier <= 0 {
		multiplier = model.Multiplier
	}
	var req float64
	for _, l := range pos.Legs {
		if l.Side != model.Short {
			continue
		}
		req += PerShare(l, s) * float64(l.Quantity) * float64(multiplier)
	}
	return model.Dec(math.Max(0, req))
}

// Utilization is req/equity, or zero when equity is not positive.
func Utilization(req, equity decimal.Decimal) decimal.Decimal {
	if !equity.IsPositive() {
		return decimal.Zero
	}
	return req.DivRound(equity, 4)
}
