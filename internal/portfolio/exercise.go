package portfolio

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/lots"
	"github.com/atmx/paper-options/internal/model"
)

// ContractSpec identifies the option side of an exercise or assignment.
// Strike, Premium and Intrinsic are per share.
type ContractSpec struct {
	LegID     string
	Contract  string
	Strike    decimal.Decimal
	Contracts int
	Premium   decimal.Decimal
	Intrinsic decimal.Decimal
}

func (c ContractSpec) validate() error {
	if c.Contracts <= 0 || !c.Strike.IsPositive() {
		return fmt.Errorf("%w: %d contracts @ %s", ErrInvalidAmount, c.Contracts, c.Strike)
	}
	return nil
}

func (s *Snapshot) shares(c ContractSpec) (int, decimal.Decimal) {
	n := c.Contracts * s.mult()
	return n, model.Cents(c.Strike.Mul(decimal.NewFromInt(int64(n))))
}

// premiumPaid is premium·multiplier·contracts.
func (s *Snapshot) premiumPaid(c ContractSpec) decimal.Decimal {
	return c.Premium.Mul(decimal.NewFromInt(int64(c.Contracts * s.mult())))
}

// ExerciseLongCall buys multiplier·contracts shares at strike. The premium
// paid at open is realized as a loss on the option leg.
func (s *Snapshot) ExerciseLongCall(symbol string, c ContractSpec, ts time.Time) (ledger.Entry, error) {
	if err := c.validate(); err != nil {
		return ledger.Entry{}, err
	}
	n, cost := s.shares(c)
	if err := s.Cash.Debit(cost); err != nil {
		return ledger.Entry{}, fmt.Errorf("exercise long call: %w", err)
	}
	if _, err := s.EnsurePosition(symbol).AddLot(n, c.Strike, ts); err != nil {
		_ = s.Cash.Credit(cost)
		return ledger.Entry{}, err
	}
	return s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.ExerciseLongCall,
		Symbol:    symbol,
		Details: ledger.Exercise{
			LegID: c.LegID, Contract: c.Contract, Right: model.Call,
			Contracts: c.Contracts, Strike: c.Strike, Premium: c.Premium,
			Shares: n, CostBasis: cost,
		},
		CashDelta:   cost.Neg(),
		RealizedPnL: s.premiumPaid(c).Neg(),
	})
}

// ExerciseLongPut delivers multiplier·contracts free shares FIFO at strike.
// Realized is the stock gain against consumed lots less the premium paid.
func (s *Snapshot) ExerciseLongPut(symbol string, c ContractSpec, ts time.Time) (ledger.Entry, error) {
	if err := c.validate(); err != nil {
		return ledger.Entry{}, err
	}
	n, proceeds := s.shares(c)
	pos := s.EnsurePosition(symbol)
	if free := pos.Free(); free < n {
		return ledger.Entry{}, fmt.Errorf("exercise long put: %w: need %d, free %d", lots.ErrInsufficientShares, n, free)
	}
	used, err := pos.ConsumeFIFO(n)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := s.Cash.Credit(proceeds); err != nil {
		return ledger.Entry{}, err
	}
	return s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.ExerciseLongPut,
		Symbol:    symbol,
		Details: ledger.Exercise{
			LegID: c.LegID, Contract: c.Contract, Right: model.Put,
			Contracts: c.Contracts, Strike: c.Strike, Premium: c.Premium,
			Shares: n, CostBasis: used.CostBasis, Lots: used.Draws,
		},
		CashDelta:   proceeds,
		RealizedPnL: proceeds.Sub(used.CostBasis).Sub(s.premiumPaid(c)),
	})
}

// AssignShortPut buys multiplier·contracts shares at strike from available
// cash and writes two entries: BUY_STOCK carrying the cash and
// ASSIGN_SHORT_PUT carrying the option-leg realized P&L,
// (premium - intrinsic)·multiplier·contracts. Collateral must already have
// been released by the caller.
func (s *Snapshot) AssignShortPut(symbol string, c ContractSpec, ts time.Time) ([]ledger.Entry, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	n, cost := s.shares(c)
	if err := s.Cash.Debit(cost); err != nil {
		return nil, fmt.Errorf("assign short put: %w", err)
	}
	if _, err := s.EnsurePosition(symbol).AddLot(n, c.Strike, ts); err != nil {
		_ = s.Cash.Credit(cost)
		return nil, err
	}
	buy, err := s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.BuyStock,
		Symbol:    symbol,
		Details:   ledger.StockTrade{Shares: n, Price: c.Strike, CostBasis: cost, Reason: "assignment"},
		CashDelta: cost.Neg(),
	})
	if err != nil {
		return nil, err
	}
	assign, err := s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.AssignShortPut,
		Symbol:    symbol,
		Details: ledger.Assignment{
			LegID: c.LegID, Contract: c.Contract, Right: model.Put,
			Contracts: c.Contracts, Strike: c.Strike, Premium: c.Premium,
			Intrinsic: c.Intrinsic, Shares: n,
		},
		RealizedPnL: s.optionLegRealized(c),
	})
	if err != nil {
		return []ledger.Entry{buy}, err
	}
	return []ledger.Entry{buy, assign}, nil
}

// AssignShortCall delivers multiplier·contracts free shares FIFO at strike
// and writes SELL_STOCK (cash and stock realized) and ASSIGN_SHORT_CALL
// (option-leg realized, no cash). Share reservations must already have been
// released by the caller.
func (s *Snapshot) AssignShortCall(symbol string, c ContractSpec, ts time.Time) ([]ledger.Entry, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	n, proceeds := s.shares(c)
	pos := s.EnsurePosition(symbol)
	if free := pos.Free(); free < n {
		return nil, fmt.Errorf("assign short call: %w: deliver %d, free %d (reserved %d)",
			lots.ErrInsufficientShares, n, free, pos.ReservedShares)
	}
	used, err := pos.ConsumeFIFO(n)
	if err != nil {
		return nil, err
	}
	if err := s.Cash.Credit(proceeds); err != nil {
		return nil, err
	}
	sell, err := s.Record(ledger.Entry{
		Timestamp:   ts,
		Type:        ledger.SellStock,
		Symbol:      symbol,
		Details:     ledger.StockTrade{Shares: n, Price: c.Strike, CostBasis: used.CostBasis, Lots: used.Draws, Reason: "assignment"},
		CashDelta:   proceeds,
		RealizedPnL: proceeds.Sub(used.CostBasis),
	})
	if err != nil {
		return nil, err
	}
	assign, err := s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.AssignShortCall,
		Symbol:    symbol,
		Details: ledger.Assignment{
			LegID: c.LegID, Contract: c.Contract, Right: model.Call,
			Contracts: c.Contracts, Strike: c.Strike, Premium: c.Premium,
			Intrinsic: c.Intrinsic, Shares: n,
		},
		RealizedPnL: s.optionLegRealized(c),
	})
	if err != nil {
		return []ledger.Entry{sell}, err
	}
	return []ledger.Entry{sell, assign}, nil
}

func (s *Snapshot) optionLegRealized(c ContractSpec) decimal.Decimal {
	return model.Cents(c.Premium.Sub(c.Intrinsic).Mul(decimal.NewFromInt(int64(c.Contracts * s.mult()))))
}
