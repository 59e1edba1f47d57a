package options

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/bsm"
	"github.com/atmx/paper-options/internal/model"
)

// CurveSteps is the number of intervals of a sampled payoff curve; curves
// have CurveSteps+1 points.
const CurveSteps = 200

// Valuation is the mark-to-model state of a position.
type Valuation struct {
	Value      decimal.Decimal `json:"value"`
	Cost       decimal.Decimal `json:"cost"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Realized   decimal.Decimal `json:"realized"`
}

// ValueNow marks the position at spot s on day idx.
//
//	value = Σ sign·qty·BSM(leg)·mult
//	cost  = Σ sign·qty·entry·mult
func (m *Manager) ValueNow(pos *Position, idx int, s float64) Valuation {
	v := Valuation{Value: decimal.Zero, Cost: decimal.Zero, Unrealized: decimal.Zero, Realized: pos.Realized}
	if pos.IsEmpty() {
		return v
	}
	value, cost := m.valueCost(pos.Legs, s, pos.Tau(idx))
	v.Value = model.Dec(value)
	v.Cost = model.Dec(cost)
	v.Unrealized = v.Value.Sub(v.Cost)
	return v
}

func (m *Manager) valueCost(legs []Leg, s, tau float64) (float64, float64) {
	var value, cost float64
	for _, l := range legs {
		w := l.Sign() * float64(l.Quantity) * m.mult()
		value += w * m.LegPrice(l.Right, l.Strike, s, tau)
		cost += w * l.EntryPrice
	}
	return value, cost
}

// GreeksNow returns the position Greeks: the signed, quantity and
// multiplier weighted sum of leg Greeks.
func (m *Manager) GreeksNow(pos *Position, idx int, s float64) bsm.Greeks {
	if pos.IsEmpty() {
		return bsm.Greeks{}
	}
	return m.greeksAt(pos.Legs, s, pos.Tau(idx))
}

func (m *Manager) greeksAt(legs []Leg, s, tau float64) bsm.Greeks {
	var g bsm.Greeks
	for _, l := range legs {
		g = g.Add(bsm.ComputeEnv(m.Env, s, l.Strike, tau, l.Right), l.Sign()*float64(l.Quantity)*m.mult())
	}
	return g
}

// GreeksSeries holds daily position Greeks from day 0 to the current day.
// Days before Start are zero.
type GreeksSeries struct {
	Start int       `json:"start"`
	Delta []float64 `json:"delta"`
	Gamma []float64 `json:"gamma"`
	Vega  []float64 `json:"vega"`
	Theta []float64 `json:"theta"`
}

// GreeksSeries recomputes the current legs' Greeks for every day from the
// position's entry to currentIdx using prices.
func (m *Manager) GreeksSeries(pos *Position, currentIdx int, prices []float64) GreeksSeries {
	n := max(0, min(currentIdx+1, len(prices)))
	out := GreeksSeries{
		Start: currentIdx,
		Delta: make([]float64, n),
		Gamma: make([]float64, n),
		Vega:  make([]float64, n),
		Theta: make([]float64, n),
	}
	if pos.IsEmpty() || pos.EntryIndex == nil {
		return out
	}
	out.Start = *pos.EntryIndex
	for i := max(0, out.Start); i < n; i++ {
		g := m.greeksAt(pos.Legs, prices[i], pos.Tau(i))
		out.Delta[i], out.Gamma[i], out.Vega[i], out.Theta[i] = g.Delta, g.Gamma, g.Vega, g.Theta
	}
	return out
}

// PnLSeries returns realized + unrealized P&L of the current legs for every
// day up to currentIdx, zero before entry.
func (m *Manager) PnLSeries(pos *Position, currentIdx int, prices []float64) []float64 {
	n := max(0, min(currentIdx+1, len(prices)))
	out := make([]float64, n)
	if pos.IsEmpty() || pos.EntryIndex == nil {
		return out
	}
	realized := pos.Realized.InexactFloat64()
	for i := max(0, *pos.EntryIndex); i < n; i++ {
		value, cost := m.valueCost(pos.Legs, prices[i], pos.Tau(i))
		out[i] = realized + value - cost
	}
	return out
}

// Curve is a sampled P&L curve over underlying prices.
type Curve struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// Grid returns CurveSteps+1 evenly spaced prices over
// [max(0.1, 0.7·sref), 1.3·sref].
func Grid(sref float64) []float64 {
	lo := math.Max(0.1, 0.7*sref)
	hi := 1.3 * sref
	xs := make([]float64, CurveSteps+1)
	for i := range xs {
		xs[i] = lo + (hi-lo)*float64(i)/CurveSteps
	}
	return xs
}

func (m *Manager) curve(sref float64, at func(s float64) float64) Curve {
	xs := Grid(sref)
	ys := make([]float64, len(xs))
	for i, s := range xs {
		ys[i] = at(s)
	}
	return Curve{X: xs, Y: ys}
}

// PayoffAtExpiry samples intrinsic value net of entry premium. An empty
// position yields an empty curve.
func (m *Manager) PayoffAtExpiry(pos *Position, sref float64) Curve {
	if pos.IsEmpty() {
		return Curve{}
	}
	return m.curve(sref, func(s float64) float64 {
		var y float64
		for _, l := range pos.Legs {
			y += l.Sign() * float64(l.Quantity) * m.mult() * (bsm.Intrinsic(l.Right, s, l.Strike) - l.EntryPrice)
		}
		return y
	})
}

// PnLAtTau samples BSM value at tau net of entry premium.
func (m *Manager) PnLAtTau(pos *Position, sref, tau float64) Curve {
	if pos.IsEmpty() {
		return Curve{}
	}
	return m.curve(sref, func(s float64) float64 {
		value, cost := m.valueCost(pos.Legs, s, tau)
		return value - cost
	})
}

// DraftPremium returns the signed cost of a draft at spot s and tau:
// positive for a net debit, negative for a net credit.
func (m *Manager) DraftPremium(s, tau float64, legs []LegDraft) float64 {
	var p float64
	for _, l := range legs {
		p += l.Side.Sign() * float64(l.Quantity) * m.mult() * m.LegPrice(l.Right, l.Strike, s, tau)
	}
	return p
}

// DraftPayoff previews the at-expiry payoff of a draft priced at sref and
// tau, net of its premium.
func (m *Manager) DraftPayoff(sref, tau float64, legs []LegDraft) Curve {
	if len(legs) == 0 {
		return Curve{}
	}
	premium := m.DraftPremium(sref, tau, legs)
	return m.curve(sref, func(s float64) float64 {
		var raw float64
		for _, l := range legs {
			raw += l.Side.Sign() * float64(l.Quantity) * m.mult() * bsm.Intrinsic(l.Right, s, l.Strike)
		}
		return raw - premium
	})
}
