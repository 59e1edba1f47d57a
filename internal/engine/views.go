package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/account"
	"github.com/atmx/paper-options/internal/bsm"
	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/lots"
	"github.com/atmx/paper-options/internal/margin"
	"github.com/atmx/paper-options/internal/metrics"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
	"github.com/atmx/paper-options/internal/portfolio"
	"github.com/atmx/paper-options/internal/strategy"
)

// MarginReport is the estimated requirement of the short legs against
// account equity.
type MarginReport struct {
	Requirement decimal.Decimal `json:"requirement"`
	Equity      decimal.Decimal `json:"equity"`
	Utilization decimal.Decimal `json:"utilization"`
}

// State is a read-only view of the simulation for rendering.
type State struct {
	Index        int                       `json:"index"`
	Date         string                    `json:"date"`
	Spot         float64                   `json:"spot"`
	AtEnd        bool                      `json:"at_end"`
	Cash         account.Cash              `json:"cash"`
	Stock        []portfolio.UnrealizedRow `json:"stock"`
	StockValue   decimal.Decimal           `json:"stock_value"`
	Position     *options.Position         `json:"position"`
	DaysToExpiry *int                      `json:"days_to_expiry,omitempty"`
	Valuation    options.Valuation         `json:"valuation"`
	Greeks       bsm.Greeks                `json:"greeks"`
	Realized     decimal.Decimal           `json:"realized"` // ledger total
	Equity       decimal.Decimal           `json:"equity"`
	Margin       MarginReport              `json:"margin"`
	LedgerSize   int                       `json:"ledger_size"`
}

// Equity is total cash plus stock and option mark-to-model value.
func (e *Engine) Equity() decimal.Decimal {
	val := e.mgr.ValueNow(e.snap.Options, e.idx, e.Spot())
	return model.Cents(e.snap.CashTotal().Add(e.snap.StockValue(e.prices())).Add(val.Value))
}

func (e *Engine) prices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{e.cfg.Symbol: decimal.NewFromFloat(e.Spot())}
}

// Margin estimates the margin requirement of the open position.
func (e *Engine) Margin() MarginReport {
	req := margin.Requirement(e.snap.Options, e.Spot(), e.cfg.Multiplier)
	eq := e.Equity()
	return MarginReport{Requirement: req, Equity: eq, Utilization: margin.Utilization(req, eq)}
}

// State returns the current view.
func (e *Engine) State() State {
	pos := e.snap.Options
	st := State{
		Index:      e.idx,
		Date:       e.Date(),
		Spot:       e.Spot(),
		AtEnd:      e.AtEnd(),
		Cash:       *e.snap.Cash,
		Stock:      e.snap.UnrealizedRows(e.prices()),
		StockValue: e.snap.StockValue(e.prices()),
		Position:   pos.Clone(),
		Valuation:  e.mgr.ValueNow(pos, e.idx, e.Spot()),
		Greeks:     e.mgr.GreeksNow(pos, e.idx, e.Spot()),
		Realized:   e.snap.Ledger.TotalRealized(),
		Margin:     e.Margin(),
		LedgerSize: e.snap.Ledger.Len(),
	}
	st.Equity = st.Margin.Equity
	if pos.ExpiryIndex != nil {
		dte := max(0, *pos.ExpiryIndex-e.idx)
		st.DaysToExpiry = &dte
	}
	return st
}

// History is the per-day series up to the current day.
type History struct {
	Dates    []string             `json:"dates"`
	Prices   []float64            `json:"prices"`
	PnL      []float64            `json:"pnl"`
	Greeks   options.GreeksSeries `json:"greeks"`
	Realized []ledger.Mark        `json:"realized"`
}

// History returns the price path, the open position's P&L and Greeks per
// day, and the ledger's running realized total.
func (e *Engine) History() History {
	n := e.idx + 1
	h := History{Dates: make([]string, n), Prices: make([]float64, n)}
	for i := 0; i < n; i++ {
		h.Dates[i], h.Prices[i] = e.series[i].Date, e.series[i].Price
	}
	h.PnL = e.mgr.PnLSeries(e.snap.Options, e.idx, h.Prices)
	h.Greeks = e.mgr.GreeksSeries(e.snap.Options, e.idx, h.Prices)
	h.Realized = e.snap.Ledger.RealizedSeries()
	return h
}

// Payoff holds the open position's curves around the current spot.
type Payoff struct {
	Expiry options.Curve `json:"expiry"`
	Now    options.Curve `json:"now"`
}

// Payoff samples the at-expiry payoff and the current model P&L.
func (e *Engine) Payoff() Payoff {
	pos := e.snap.Options
	return Payoff{
		Expiry: e.mgr.PayoffAtExpiry(pos, e.Spot()),
		Now:    e.mgr.PnLAtTau(pos, e.Spot(), pos.Tau(e.idx)),
	}
}

// Preview prices a draft without booking it.
type Preview struct {
	Premium float64       `json:"premium"`
	Payoff  options.Curve `json:"payoff"`
}

// PreviewDraft returns the signed premium and net payoff of draft.
func (e *Engine) PreviewDraft(draft options.Draft) (Preview, error) {
	if err := draft.Validate(); err != nil {
		return Preview{}, err
	}
	tau := float64(max(1, int(math.Round(draft.ExpiryDays)))) / 365
	return Preview{
		Premium: e.mgr.DraftPremium(e.Spot(), tau, draft.Legs),
		Payoff:  e.mgr.DraftPayoff(e.Spot(), tau, draft.Legs),
	}, nil
}

// Evaluate scores the template catalogue at the current spot. The horizon
// is the open position's time to expiry, or Config.ExpiryDays when flat.
// Zero seed or n fall back to the config.
func (e *Engine) Evaluate(seed uint64, n int) ([]strategy.Result, error) {
	if seed == 0 {
		seed = e.cfg.Seed
	}
	if n == 0 {
		n = e.cfg.Samples
	}
	t := e.cfg.ExpiryDays / 365
	if !e.snap.Options.IsEmpty() {
		t = e.snap.Options.Tau(e.idx)
	}
	start := time.Now()
	res, err := strategy.Evaluate(strategy.Params{
		S0: e.Spot(), T: t, Env: e.env, Seed: seed, N: n, Multiplier: e.cfg.Multiplier,
	})
	metrics.EvaluationLatency.Observe(time.Since(start).Seconds())
	return res, err
}

// Saved is the serializable form of an Engine.
type Saved struct {
	Config   Config              `json:"config"`
	Env      model.Env           `json:"env"`
	Series   model.Series        `json:"series"`
	Index    int                 `json:"index"`
	Snapshot *portfolio.Snapshot `json:"snapshot"`
}

// Save captures the engine state.
func (e *Engine) Save() Saved {
	return Saved{Config: e.cfg, Env: e.env, Series: e.series, Index: e.idx, Snapshot: e.snap}
}

// MarshalJSON encodes the engine as its Saved form.
func (e *Engine) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Save())
}

// Restore rebuilds an engine from a saved state.
func Restore(s Saved, opts ...Option) (*Engine, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateEnv(s.Env); err != nil {
		return nil, err
	}
	if err := s.Series.CheckShape(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeries, err)
	}
	if s.Snapshot == nil || s.Snapshot.Cash == nil || s.Snapshot.Ledger == nil {
		return nil, fmt.Errorf("%w: saved state has no portfolio", ErrInvalidConfig)
	}
	if s.Snapshot.Positions == nil {
		s.Snapshot.Positions = make(map[string]*lots.Position)
	}
	if s.Snapshot.Options == nil {
		s.Snapshot.Options = options.NewPosition()
	}
	return assemble(s.Config, s.Series, s.Env, s.Series.Clamp(s.Index), s.Snapshot, applyOpts(opts)), nil
}

// Unmarshal decodes a saved engine from JSON.
func Unmarshal(b []byte, opts ...Option) (*Engine, error) {
	var s Saved
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("engine: decode saved state: %w", err)
	}
	return Restore(s, opts...)
}
