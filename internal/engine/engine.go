// Package engine runs one paper-trading simulation: a price series, the day
// index moving through it and the portfolio the trades act on.
//
// An Engine has no internal locking. Callers that share one across
// goroutines must serialize every call.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/contract"
	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/metrics"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
	"github.com/atmx/paper-options/internal/portfolio"
	"github.com/atmx/paper-options/internal/settlement"
)

var (
	ErrInvalidConfig = errors.New("engine: invalid config")
	ErrInvalidSeries = errors.New("engine: invalid price series")
)

// Config holds the per-simulation settings.
type Config struct {
	Symbol      string          `json:"symbol"`
	Currency    string          `json:"currency"`
	InitialCash decimal.Decimal `json:"initial_cash"`
	// CashSecured reserves collateral for every short leg at open: cash for
	// puts, shares for calls.
	CashSecured bool `json:"cash_secured"`
	Multiplier  int  `json:"multiplier"`
	// ExpiryDays is the horizon evaluated when no position is open.
	ExpiryDays float64 `json:"expiry_days"`
	Seed       uint64  `json:"seed"`
	Samples    int     `json:"samples"`
}

// DefaultConfig returns a cash-secured 100-multiplier setup.
func DefaultConfig() Config {
	return Config{
		Symbol:      "SPY",
		Currency:    "USD",
		InitialCash: decimal.NewFromInt(100000),
		CashSecured: true,
		Multiplier:  model.Multiplier,
		ExpiryDays:  30,
		Seed:        1234,
		Samples:     3000,
	}
}

// Validate checks the fields New depends on.
func (c Config) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	case c.InitialCash.IsNegative():
		return fmt.Errorf("%w: initial cash %s is negative", ErrInvalidConfig, c.InitialCash)
	case c.Multiplier <= 0:
		return fmt.Errorf("%w: multiplier %d must be positive", ErrInvalidConfig, c.Multiplier)
	case c.Samples < 0:
		return fmt.Errorf("%w: samples %d is negative", ErrInvalidConfig, c.Samples)
	}
	return nil
}

// ValidateEnv rejects market parameters that cannot be priced. Zero
// volatility is allowed and prices deterministically.
func ValidateEnv(env model.Env) error {
	for name, v := range map[string]float64{"rate": env.R, "dividend yield": env.Q, "volatility": env.Sigma} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s %v is not finite", ErrInvalidConfig, name, v)
		}
	}
	if env.Sigma < 0 {
		return fmt.Errorf("%w: volatility %v is negative", ErrInvalidConfig, env.Sigma)
	}
	return nil
}

// Engine drives a simulation.
type Engine struct {
	cfg    Config
	env    model.Env
	series model.Series
	idx    int
	snap   *portfolio.Snapshot
	mgr    *options.Manager
	log    *slog.Logger
}

// Option configures an Engine.
type Option func(*engineOpts)

type engineOpts struct {
	logger *slog.Logger
	ledger []ledger.Option
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOpts) { o.logger = l }
}

// WithLedgerOptions passes options to the portfolio ledger.
func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(o *engineOpts) { o.ledger = append(o.ledger, opts...) }
}

// New starts a simulation on series at day start, clamped into range.
func New(cfg Config, series model.Series, env model.Env, start int, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateEnv(env); err != nil {
		return nil, err
	}
	if err := series.CheckShape(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeries, err)
	}
	o := applyOpts(opts)
	idx := series.Clamp(start)
	snap := portfolio.New(cfg.Currency, cfg.InitialCash, series.Timestamp(idx), o.ledger...)
	snap.Multiplier = cfg.Multiplier
	return assemble(cfg, series, env, idx, snap, o), nil
}

func applyOpts(opts []Option) engineOpts {
	var o engineOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func assemble(cfg Config, series model.Series, env model.Env, idx int, snap *portfolio.Snapshot, o engineOpts) *Engine {
	e := &Engine{
		cfg:    cfg,
		env:    env,
		series: series,
		idx:    idx,
		snap:   snap,
		log:    o.logger.With("symbol", cfg.Symbol),
	}
	e.mgr = options.NewManager(env)
	e.mgr.Multiplier = cfg.Multiplier
	e.mgr.Namer = func(expiryIdx int, right model.Right, strike float64) string {
		return contract.ForLeg(cfg.Symbol, series, expiryIdx, right, strike)
	}
	snap.Ledger.Observe(func(en ledger.Entry) {
		metrics.LedgerEntries.WithLabelValues(string(en.Type)).Inc()
	})
	return e
}

// Config returns the simulation settings.
func (e *Engine) Config() Config { return e.cfg }

// Env returns the market parameters.
func (e *Engine) Env() model.Env { return e.env }

// Index returns the current day.
func (e *Engine) Index() int { return e.idx }

// Spot returns the price on the current day.
func (e *Engine) Spot() float64 { return e.series[e.idx].Price }

// Date returns the current day's date string.
func (e *Engine) Date() string { return e.series[e.idx].Date }

// Series returns the price series.
func (e *Engine) Series() model.Series { return e.series }

// Snapshot returns the portfolio. Callers must not mutate it.
func (e *Engine) Snapshot() *portfolio.Snapshot { return e.snap }

// Manager returns the option position manager.
func (e *Engine) Manager() *options.Manager { return e.mgr }

// AtEnd reports whether the current day is the last of the series.
func (e *Engine) AtEnd() bool { return e.idx >= e.series.Len()-1 }

// DayReport is the outcome of Advance.
type DayReport struct {
	Index      int               `json:"index"`
	Date       string            `json:"date"`
	Spot       float64           `json:"spot"`
	Moved      bool              `json:"moved"`
	Settlement settlement.Result `json:"settlement"`
}

// Advance moves to the next day, clamped at the end of the series, and
// settles the option position if its expiry has been reached. Settlement
// runs even when the index did not move, which is a no-op once settled.
func (e *Engine) Advance() (DayReport, error) {
	next := e.series.Clamp(e.idx + 1)
	rep := DayReport{Moved: next != e.idx}
	e.idx = next
	e.snap.Timestamp = e.series.Timestamp(e.idx)
	rep.Index, rep.Date, rep.Spot = e.idx, e.Date(), e.Spot()

	res, err := e.Settle()
	rep.Settlement = res
	return rep, err
}

// Settle runs expiry settlement for the current day.
func (e *Engine) Settle() (settlement.Result, error) {
	res, err := settlement.Settle(e.snap, e.cfg.Symbol, e.idx, e.Spot(), e.series.Timestamp(e.idx))
	for _, lr := range res.Legs {
		metrics.Settlements.WithLabelValues(string(lr.Outcome)).Inc()
		if lr.Outcome == settlement.Assigned {
			metrics.Assignments.WithLabelValues(string(lr.Leg.Right)).Inc()
		}
	}
	if err != nil {
		metrics.InvariantViolations.Inc()
		e.log.Error("settlement aborted",
			"index", e.idx,
			"spot", e.Spot(),
			"settled_legs", len(res.Legs),
			"remaining_legs", len(e.snap.Options.Legs),
			"err", err,
		)
		return res, err
	}
	if res.Settled {
		e.log.Info("position settled",
			"index", e.idx,
			"date", e.Date(),
			"spot", e.Spot(),
			"legs", len(res.Legs),
			"realized", res.Realized.String(),
			"cash_delta", res.CashDelta.String(),
		)
	}
	return res, nil
}
