// Package portfolio holds the root aggregate of a paper-trading account and
// the stock-side operations on it: buys, sells, collateral reservations,
// exercise, assignment and dividends. Every operation mutates state and then
// writes exactly the ledger entries describing the change.
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/account"
	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/lots"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
)

var (
	ErrNoHolding     = errors.New("portfolio: no shares held")
	ErrInvalidAmount = errors.New("portfolio: invalid amount")
)

// Snapshot is the complete state of one portfolio. It is built explicitly
// with New and passed by pointer; there is no shared default instance.
type Snapshot struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Multiplier int                       `json:"multiplier"`
	Cash       *account.Cash             `json:"cash"`
	Positions  map[string]*lots.Position `json:"positions"`
	Ledger     *ledger.Ledger            `json:"ledger"`
	Options    *options.Position         `json:"options"`
}

// New returns a funded portfolio with no holdings.
func New(currency string, initialCash decimal.Decimal, ts time.Time, opts ...ledger.Option) *Snapshot {
	return &Snapshot{
		Timestamp:  ts,
		Multiplier: model.Multiplier,
		Cash:       account.New(currency, model.Cents(initialCash)),
		Positions:  make(map[string]*lots.Position),
		Ledger:     ledger.New(opts...),
		Options:    options.NewPosition(),
	}
}

func (s *Snapshot) mult() int {
	if s.Multiplier <= 0 {
		return model.Multiplier
	}
	return s.Multiplier
}

// EnsurePosition returns the stock position for symbol, creating it on
// first use.
func (s *Snapshot) EnsurePosition(symbol string) *lots.Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	p := lots.NewPosition(symbol)
	s.Positions[symbol] = p
	return p
}

// CashTotal returns available plus reserved cash.
func (s *Snapshot) CashTotal() decimal.Decimal { return s.Cash.Total() }

// Record appends an entry to the ledger.
func (s *Snapshot) Record(e ledger.Entry) (ledger.Entry, error) {
	return s.Ledger.Append(e)
}

// BuyShares debits shares·price and adds a lot at price.
func (s *Snapshot) BuyShares(symbol string, shares int, price decimal.Decimal, ts time.Time) (ledger.Entry, error) {
	if shares <= 0 || !price.IsPositive() {
		return ledger.Entry{}, fmt.Errorf("%w: buy %d @ %s", ErrInvalidAmount, shares, price)
	}
	cost := model.Cents(price.Mul(decimal.NewFromInt(int64(shares))))
	if err := s.Cash.Debit(cost); err != nil {
		return ledger.Entry{}, err
	}
	if _, err := s.EnsurePosition(symbol).AddLot(shares, price, ts); err != nil {
		_ = s.Cash.Credit(cost)
		return ledger.Entry{}, err
	}
	return s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.BuyStock,
		Symbol:    symbol,
		Details:   ledger.StockTrade{Shares: shares, Price: price, CostBasis: cost},
		CashDelta: cost.Neg(),
	})
}

// SellShares sells free shares FIFO at price and realizes the gain against
// the consumed lots.
func (s *Snapshot) SellShares(symbol string, shares int, price decimal.Decimal, ts time.Time) (ledger.Entry, error) {
	if shares <= 0 || !price.IsPositive() {
		return ledger.Entry{}, fmt.Errorf("%w: sell %d @ %s", ErrInvalidAmount, shares, price)
	}
	pos := s.EnsurePosition(symbol)
	if free := pos.Free(); free < shares {
		return ledger.Entry{}, fmt.Errorf("%w: sell %d, free %d", lots.ErrInsufficientShares, shares, free)
	}
	used, err := pos.ConsumeFIFO(shares)
	if err != nil {
		return ledger.Entry{}, err
	}
	proceeds := model.Cents(price.Mul(decimal.NewFromInt(int64(shares))))
	if err := s.Cash.Credit(proceeds); err != nil {
		return ledger.Entry{}, err
	}
	return s.Record(ledger.Entry{
		Timestamp:   ts,
		Type:        ledger.SellStock,
		Symbol:      symbol,
		Details:     ledger.StockTrade{Shares: shares, Price: price, CostBasis: used.CostBasis, Lots: used.Draws},
		CashDelta:   proceeds,
		RealizedPnL: proceeds.Sub(used.CostBasis),
	})
}

// CollateralForPut returns the cash securing contracts short puts at strike.
func (s *Snapshot) CollateralForPut(strike decimal.Decimal, contracts int) decimal.Decimal {
	return model.Cents(strike.Mul(decimal.NewFromInt(int64(contracts * s.mult()))))
}

// ReserveCashForShortPut moves strike·multiplier·contracts from available to
// reserved. Total cash is unchanged, so the entry's cash delta is zero.
func (s *Snapshot) ReserveCashForShortPut(symbol, legID string, strike decimal.Decimal, contracts int, ts time.Time) (ledger.Entry, error) {
	amount := s.CollateralForPut(strike, contracts)
	if err := s.Cash.Reserve(amount); err != nil {
		return ledger.Entry{}, fmt.Errorf("cash-secured put %d x %s: %w", contracts, strike, err)
	}
	return s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.ReserveCash,
		Symbol:    symbol,
		Details:   ledger.CashReservation{LegID: legID, Strike: strike, Contracts: contracts, Amount: amount},
	})
}

// CashReleasable is the part of amount that a release would actually free.
func (s *Snapshot) CashReleasable(amount decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, decimal.Min(amount, s.Cash.Reserved))
}

// ReleaseReservedCash returns up to amount of reserved cash to available.
// The entry records the amount actually released.
func (s *Snapshot) ReleaseReservedCash(symbol, legID string, amount decimal.Decimal, ts time.Time) (ledger.Entry, error) {
	rel := s.Cash.Release(amount)
	return s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.ReleaseCash,
		Symbol:    symbol,
		Details:   ledger.CashReservation{LegID: legID, Amount: rel},
	})
}

// ReserveSharesForShortCall earmarks multiplier·contracts free shares.
func (s *Snapshot) ReserveSharesForShortCall(symbol, legID string, contracts int, ts time.Time) (ledger.Entry, error) {
	need := contracts * s.mult()
	if err := s.EnsurePosition(symbol).Reserve(need); err != nil {
		return ledger.Entry{}, fmt.Errorf("covered call %d contracts: %w", contracts, err)
	}
	return s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.ReserveShares,
		Symbol:    symbol,
		Details:   ledger.ShareReservation{LegID: legID, Contracts: contracts, Shares: need},
	})
}

// ReleaseReservedShares frees up to shares reserved shares.
func (s *Snapshot) ReleaseReservedShares(symbol, legID string, shares int, ts time.Time) (ledger.Entry, error) {
	rel := s.EnsurePosition(symbol).Release(shares)
	return s.Record(ledger.Entry{
		Timestamp: ts,
		Type:      ledger.ReleaseShares,
		Symbol:    symbol,
		Details:   ledger.ShareReservation{LegID: legID, Contracts: rel / s.mult(), Shares: rel},
	})
}

// PayDividend credits perShare on every share held of symbol.
func (s *Snapshot) PayDividend(symbol string, perShare decimal.Decimal, ts time.Time) (ledger.Entry, error) {
	if !perShare.IsPositive() {
		return ledger.Entry{}, fmt.Errorf("%w: dividend %s per share", ErrInvalidAmount, perShare)
	}
	pos, ok := s.Positions[symbol]
	if !ok || pos.TotalShares == 0 {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ErrNoHolding, symbol)
	}
	amount := model.Cents(perShare.Mul(decimal.NewFromInt(int64(pos.TotalShares))))
	if err := s.Cash.Credit(amount); err != nil {
		return ledger.Entry{}, err
	}
	return s.Record(ledger.Entry{
		Timestamp:   ts,
		Type:        ledger.Dividend,
		Symbol:      symbol,
		Details:     ledger.DividendPayment{Shares: pos.TotalShares, PerShare: perShare, Amount: amount},
		CashDelta:   amount,
		RealizedPnL: amount,
	})
}

// UnrealizedRow is the mark-to-market of one stock position.
type UnrealizedRow struct {
	Symbol     string          `json:"symbol"`
	Shares     int             `json:"shares"`
	Reserved   int             `json:"reserved"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
	Price      decimal.Decimal `json:"price"`
	Unrealized decimal.Decimal `json:"unrealized"`
}

// UnrealizedRows marks every stock position at prices, sorted by symbol.
// Symbols without a price are marked at zero.
func (s *Snapshot) UnrealizedRows(prices map[string]decimal.Decimal) []UnrealizedRow {
	rows := make([]UnrealizedRow, 0, len(s.Positions))
	for sym, pos := range s.Positions {
		px := prices[sym]
		rows = append(rows, UnrealizedRow{
			Symbol:     sym,
			Shares:     pos.TotalShares,
			Reserved:   pos.ReservedShares,
			AvgCost:    model.Cents(pos.AvgCost),
			Price:      px,
			Unrealized: model.Cents(pos.Unrealized(px)),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return rows
}

// StockValue is the market value of all stock positions at prices.
func (s *Snapshot) StockValue(prices map[string]decimal.Decimal) decimal.Decimal {
	v := decimal.Zero
	for sym, pos := range s.Positions {
		v = v.Add(pos.MarketValue(prices[sym]))
	}
	return model.Cents(v)
}
