package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/account"
	"github.com/atmx/paper-options/internal/bsm"
	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/lots"
	"github.com/atmx/paper-options/internal/metrics"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
	"github.com/atmx/paper-options/internal/portfolio"
)

// TradeReport is the outcome of a trade: the manager's result plus the
// ledger entries written for it.
type TradeReport struct {
	Opened   *options.OpenResult  `json:"opened,omitempty"`
	Closed   *options.CloseResult `json:"closed,omitempty"`
	Exercise *options.Fill        `json:"exercise,omitempty"`
	Adjusted bool                 `json:"adjusted"`
	Entries  []ledger.Entry       `json:"entries"`
}

func (e *Engine) now() time.Time { return e.series.Timestamp(e.idx) }

// OpenStrategy opens a new position from draft at the current spot.
func (e *Engine) OpenStrategy(draft options.Draft) (TradeReport, error) {
	work := e.snap.Options.Clone()
	res, err := e.mgr.Open(work, e.idx, e.Spot(), e.now(), draft)
	if err != nil {
		return TradeReport{}, err
	}
	return e.commit(work, nil, &res)
}

// AddLegs adds legs to the open position at its existing expiry.
func (e *Engine) AddLegs(legs []options.LegDraft) (TradeReport, error) {
	work := e.snap.Options.Clone()
	res, err := e.mgr.AddLegs(work, e.idx, e.Spot(), e.now(), legs)
	if err != nil {
		return TradeReport{}, err
	}
	return e.commit(work, nil, &res)
}

// CloseLegs closes the requested contracts per leg id. Over-requests are
// clamped and unknown ids ignored; both set Adjusted.
func (e *Engine) CloseLegs(req map[string]int) (TradeReport, error) {
	work := e.snap.Options.Clone()
	res := e.mgr.CloseSelected(work, e.idx, e.Spot(), req)
	return e.commit(work, &res, nil)
}

// CloseAll closes every leg in full.
func (e *Engine) CloseAll() (TradeReport, error) {
	work := e.snap.Options.Clone()
	res := e.mgr.CloseAll(work, e.idx, e.Spot())
	return e.commit(work, &res, nil)
}

// Roll closes the position and reopens it from draft on the same day. The
// roll is booked as a whole or not at all.
func (e *Engine) Roll(draft options.Draft) (TradeReport, error) {
	work := e.snap.Options.Clone()
	res, err := e.mgr.Roll(work, e.idx, e.Spot(), e.now(), draft)
	if err != nil {
		return TradeReport{}, err
	}
	return e.commit(work, &res.Closed, &res.Opened)
}

// needs is the cash and share footprint of a trade before it is applied.
type needs struct {
	cashDelta      decimal.Decimal
	releasedCash   decimal.Decimal
	releasedShares int
	collateral     decimal.Decimal
	coverShares    int
}

func (e *Engine) footprint(closed *options.CloseResult, opened *options.OpenResult) needs {
	n := needs{cashDelta: decimal.Zero, releasedCash: decimal.Zero, collateral: decimal.Zero}
	if closed != nil {
		n.cashDelta = n.cashDelta.Add(closed.CashDelta)
		for _, f := range closed.Fills {
			n.releasedCash = n.releasedCash.Add(f.ReleasedCash)
			n.releasedShares += f.ReleasedShares
		}
	}
	if opened != nil {
		n.cashDelta = n.cashDelta.Add(opened.CashDelta)
		if e.cfg.CashSecured {
			for _, l := range opened.Legs {
				if l.Side != model.Short {
					continue
				}
				if l.Right == model.Put {
					n.collateral = n.collateral.Add(e.snap.CollateralForPut(decimal.NewFromFloat(l.Strike), l.Quantity))
				} else {
					n.coverShares += l.Quantity * e.cfg.Multiplier
				}
			}
		}
	}
	return n
}

// check rejects a trade the account cannot carry, before anything changes.
func (e *Engine) check(n needs) error {
	have := e.snap.Cash.Available.Add(e.snap.CashReleasable(n.releasedCash))
	if after := have.Add(n.cashDelta).Sub(n.collateral); after.IsNegative() {
		return fmt.Errorf("%w: trade needs %s (premium %s, collateral %s), available %s",
			account.ErrInsufficientCash, n.cashDelta.Neg().Add(n.collateral).StringFixed(2),
			n.cashDelta.StringFixed(2), n.collateral.StringFixed(2), have.StringFixed(2))
	}
	if n.coverShares > 0 {
		pos := e.snap.EnsurePosition(e.cfg.Symbol)
		free := pos.Free() + min(n.releasedShares, pos.ReservedShares)
		if free < n.coverShares {
			return fmt.Errorf("%w: covered call needs %d shares, %d free",
				lots.ErrInsufficientShares, n.coverShares, free)
		}
	}
	return nil
}

// commit books a close and/or an open computed on work, then makes work the
// live position. Order: release collateral, move the net premium, write the
// trade entries, reserve new collateral.
func (e *Engine) commit(work *options.Position, closed *options.CloseResult, opened *options.OpenResult) (TradeReport, error) {
	n := e.footprint(closed, opened)
	if err := e.check(n); err != nil {
		return TradeReport{}, err
	}
	sym, ts := e.cfg.Symbol, e.now()
	rep := TradeReport{Opened: opened, Closed: closed}
	mark := e.snap.Ledger.Len()

	if closed != nil {
		for _, f := range closed.Fills {
			if f.ReleasedCash.IsPositive() {
				if _, err := e.snap.ReleaseReservedCash(sym, f.Leg.ID, f.ReleasedCash, ts); err != nil {
					return e.partial(rep, mark, err)
				}
			}
			if f.ReleasedShares > 0 {
				if _, err := e.snap.ReleaseReservedShares(sym, f.Leg.ID, f.ReleasedShares, ts); err != nil {
					return e.partial(rep, mark, err)
				}
			}
		}
	}
	if err := e.moveCash(n.cashDelta); err != nil {
		return e.partial(rep, mark, err)
	}
	if closed != nil {
		rep.Adjusted = closed.Adjusted()
		for _, f := range closed.Fills {
			if f.Applied == 0 {
				continue
			}
			typ := ledger.CloseLongOption
			if f.Leg.Side == model.Short {
				typ = ledger.CloseShortOption
			}
			if _, err := e.snap.Record(ledger.Entry{
				Timestamp: ts, Type: typ, Symbol: sym,
				Details:   optionTrade(f, f.Applied),
				CashDelta: f.CashDelta, RealizedPnL: f.Realized,
			}); err != nil {
				return e.partial(rep, mark, err)
			}
		}
	}
	if opened != nil {
		for _, f := range opened.Fills {
			typ := ledger.BuyOption
			if f.Leg.Side == model.Short {
				typ = ledger.SellOption
			}
			if _, err := e.snap.Record(ledger.Entry{
				Timestamp: ts, Type: typ, Symbol: sym,
				Details:   optionTrade(f, f.Leg.Quantity),
				CashDelta: f.CashDelta,
			}); err != nil {
				return e.partial(rep, mark, err)
			}
			metrics.OptionTrades.WithLabelValues(string(f.Leg.Side), string(f.Leg.Right)).Inc()
		}
		if err := e.reserve(work, opened.Legs, ts); err != nil {
			return e.partial(rep, mark, err)
		}
	}

	*e.snap.Options = *work
	rep.Entries = e.snap.Ledger.Since(mark)
	e.logTrade(rep)
	return rep, nil
}

// partial reports a failure after the pre-check passed. The entries already
// written stay in the ledger; the option position is left untouched.
func (e *Engine) partial(rep TradeReport, mark int, err error) (TradeReport, error) {
	rep.Entries = e.snap.Ledger.Since(mark)
	e.log.Error("trade failed after pre-check", "entries_written", len(rep.Entries), "err", err)
	return rep, err
}

func (e *Engine) reserve(work *options.Position, legs []options.Leg, ts time.Time) error {
	if !e.cfg.CashSecured {
		return nil
	}
	for _, l := range legs {
		if l.Side != model.Short {
			continue
		}
		leg, ok := work.Leg(l.ID)
		if !ok {
			continue
		}
		if l.Right == model.Put {
			en, err := e.snap.ReserveCashForShortPut(e.cfg.Symbol, l.ID, decimal.NewFromFloat(l.Strike), l.Quantity, ts)
			if err != nil {
				return err
			}
			leg.CollateralCash = en.Details.(ledger.CashReservation).Amount
			continue
		}
		en, err := e.snap.ReserveSharesForShortCall(e.cfg.Symbol, l.ID, l.Quantity, ts)
		if err != nil {
			return err
		}
		leg.CollateralShares = en.Details.(ledger.ShareReservation).Shares
	}
	return nil
}

func (e *Engine) moveCash(delta decimal.Decimal) error {
	if delta.IsNegative() {
		return e.snap.Cash.Debit(delta.Neg())
	}
	return e.snap.Cash.Credit(delta)
}

func optionTrade(f options.Fill, contracts int) ledger.OptionTrade {
	return ledger.OptionTrade{
		LegID:      f.Leg.ID,
		Contract:   f.Leg.Contract,
		Side:       f.Leg.Side,
		Right:      f.Leg.Right,
		Contracts:  contracts,
		Strike:     decimal.NewFromFloat(f.Leg.Strike),
		Price:      perShare(f.Price),
		EntryPrice: perShare(f.Leg.EntryPrice),
	}
}

// perShare converts a per-share premium for the ledger.
func perShare(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Round(4)
}

func (e *Engine) logTrade(rep TradeReport) {
	attrs := []any{"index", e.idx, "spot", e.Spot(), "entries", len(rep.Entries)}
	if rep.Closed != nil {
		attrs = append(attrs,
			"closed_fills", len(rep.Closed.Fills),
			"realized", rep.Closed.Realized.String(),
			"adjusted", rep.Adjusted,
		)
		if len(rep.Closed.Ignored) > 0 {
			attrs = append(attrs, "ignored", rep.Closed.Ignored)
		}
	}
	if rep.Opened != nil {
		attrs = append(attrs, "opened_legs", len(rep.Opened.Legs), "premium", rep.Opened.CashDelta.String())
	}
	e.log.Info("option trade booked", attrs...)
}

// ExerciseLeg exercises up to contracts contracts of a long leg into stock
// at its strike. The premium paid is realized as a loss on the option leg.
func (e *Engine) ExerciseLeg(legID string, contracts int) (TradeReport, error) {
	work := e.snap.Options.Clone()
	fill, err := e.mgr.Exercise(work, legID, contracts)
	if err != nil {
		return TradeReport{}, err
	}
	spec := portfolio.ContractSpec{
		LegID:     fill.Leg.ID,
		Contract:  fill.Leg.Contract,
		Strike:    decimal.NewFromFloat(fill.Leg.Strike),
		Contracts: fill.Applied,
		Premium:   perShare(fill.Leg.EntryPrice),
		Intrinsic: model.Dec(bsm.Intrinsic(fill.Leg.Right, e.Spot(), fill.Leg.Strike)),
	}
	var en ledger.Entry
	if fill.Leg.Right == model.Call {
		en, err = e.snap.ExerciseLongCall(e.cfg.Symbol, spec, e.now())
	} else {
		en, err = e.snap.ExerciseLongPut(e.cfg.Symbol, spec, e.now())
	}
	if err != nil {
		return TradeReport{}, err
	}
	*e.snap.Options = *work
	e.log.Info("leg exercised",
		"leg", legID,
		"right", fill.Leg.Right,
		"contracts", fill.Applied,
		"strike", fill.Leg.Strike,
		"adjusted", fill.Adjusted,
	)
	return TradeReport{Exercise: &fill, Adjusted: fill.Adjusted, Entries: []ledger.Entry{en}}, nil
}

// BuyStock buys shares at the current spot.
func (e *Engine) BuyStock(shares int) (ledger.Entry, error) {
	en, err := e.snap.BuyShares(e.cfg.Symbol, shares, decimal.NewFromFloat(e.Spot()), e.now())
	if err != nil {
		return en, err
	}
	e.log.Info("stock bought", "shares", shares, "price", e.Spot(), "cash_delta", en.CashDelta.String())
	return en, nil
}

// SellStock sells free shares FIFO at the current spot.
func (e *Engine) SellStock(shares int) (ledger.Entry, error) {
	en, err := e.snap.SellShares(e.cfg.Symbol, shares, decimal.NewFromFloat(e.Spot()), e.now())
	if err != nil {
		return en, err
	}
	e.log.Info("stock sold", "shares", shares, "price", e.Spot(), "realized", en.RealizedPnL.String())
	return en, nil
}

// PayDividend credits a cash dividend of perShare on every held share.
func (e *Engine) PayDividend(perShare decimal.Decimal) (ledger.Entry, error) {
	en, err := e.snap.PayDividend(e.cfg.Symbol, perShare, e.now())
	if err != nil {
		return en, err
	}
	e.log.Info("dividend paid", "per_share", perShare.String(), "amount", en.CashDelta.String())
	return en, nil
}
