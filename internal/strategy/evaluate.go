// Package strategy prices a fixed catalogue of option templates and
// estimates their P&L distribution at expiry by Monte Carlo.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/atmx/paper-options/internal/bsm"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
)

var ErrInvalidParams = errors.New("strategy: invalid parameters")

// DefaultSamples is the sample count used when Params.N is zero.
const DefaultSamples = 3000

// Params are the inputs of an evaluation. Equal Params give identical
// results.
type Params struct {
	S0         float64
	T          float64 // years to expiry
	Env        model.Env
	Seed       uint64
	N          int
	Multiplier int // 0 means model.Multiplier
}

// Result is the evaluation of one template. Currency figures are per
// template at one contract per leg, scaled by the multiplier.
type Result struct {
	Key     string             `json:"key"`
	Label   string             `json:"label"`
	Legs    []options.LegDraft `json:"legs"`
	Premium float64            `json:"premium"` // net debit positive, credit negative
	EV      float64            `json:"ev"`
	Median  float64            `json:"median"`
	PoP     float64            `json:"pop"`   // fraction of samples with P&L > 0
	VaR95   float64            `json:"var95"` // loss at the 5th percentile, positive
}

// TerminalSpots draws n risk-neutral lognormal spots at horizon T:
//
//	S_T = S0·exp((r - q - σ²/2)·T + σ·√T·z), z ~ N(0,1)
func TerminalSpots(p Params) []float64 {
	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	drift := (p.Env.R - p.Env.Q - 0.5*p.Env.Sigma*p.Env.Sigma) * p.T
	diff := p.Env.Sigma * math.Sqrt(math.Max(0, p.T))
	out := make([]float64, p.N)
	for i := range out {
		out[i] = p.S0 * math.Exp(drift+diff*rng.NormFloat64())
	}
	return out
}

// Evaluate prices every template at S0 and scores it against one shared set
// of terminal spots. Results are sorted by EV, highest first.
func Evaluate(p Params) ([]Result, error) {
	if p.N == 0 {
		p.N = DefaultSamples
	}
	if p.N < 0 || p.S0 <= 0 || math.IsNaN(p.S0) || p.T < 0 {
		return nil, fmt.Errorf("%w: S0=%v T=%v n=%d", ErrInvalidParams, p.S0, p.T, p.N)
	}
	if p.Multiplier <= 0 {
		p.Multiplier = model.Multiplier
	}
	spots := TerminalSpots(p)

	out := make([]Result, 0, len(catalogue))
	for _, t := range catalogue {
		r, err := score(t, p, spots)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.Key, err)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EV > out[j].EV })
	return out, nil
}

func score(t Template, p Params, spots []float64) (Result, error) {
	legs := t.Build(p.S0)
	mult := float64(p.Multiplier)

	var premium float64
	for _, l := range legs {
		premium += l.Side.Sign() * float64(l.Quantity) * bsm.PriceEnv(p.Env, p.S0, l.Strike, p.T, l.Right)
	}

	pnl := make(stats.Float64Data, len(spots))
	wins := 0
	for i, st := range spots {
		var payoff float64
		for _, l := range legs {
			payoff += l.Side.Sign() * float64(l.Quantity) * bsm.Intrinsic(l.Right, st, l.Strike)
		}
		pnl[i] = (payoff - premium) * mult
		if pnl[i] > 0 {
			wins++
		}
	}

	mean, err := pnl.Mean()
	if err != nil {
		return Result{}, err
	}
	median, err := pnl.Median()
	if err != nil {
		return Result{}, err
	}
	p5, err := pnl.Percentile(5)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Key:     t.Key,
		Label:   t.Label,
		Legs:    legs,
		Premium: premium * mult,
		EV:      mean,
		Median:  median,
		PoP:     float64(wins) / float64(len(spots)),
		VaR95:   math.Max(0, -p5),
	}, nil
}
