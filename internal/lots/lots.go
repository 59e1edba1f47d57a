// Package lots implements per-symbol FIFO stock-lot accounting: purchase
// lots, average cost, share reservations and FIFO consumption with a per-lot
// audit breakdown.
package lots

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientShares is returned when lots cannot supply the
	// requested quantity or a reservation exceeds free shares.
	ErrInsufficientShares = errors.New("lots: insufficient shares")

	// ErrInvalidQuantity is returned for non-positive share counts.
	ErrInvalidQuantity = errors.New("lots: share quantity must be positive")
)

// Lot is one purchase of shares. Only Shares changes after creation, and
// only by FIFO consumption.
type Lot struct {
	LotID     string          `json:"lot_id"`
	Symbol    string          `json:"symbol"`
	Shares    int             `json:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis"` // per share
	OpenedAt  time.Time       `json:"opened_at"`
}

// Position is the stock holding in one symbol. Lots are ordered oldest
// first; TotalShares and AvgCost are recomputed after every mutation.
type Position struct {
	Symbol         string          `json:"symbol"`
	Lots           []Lot           `json:"lots"`
	TotalShares    int             `json:"total_shares"`
	AvgCost        decimal.Decimal `json:"avg_cost"`
	ReservedShares int             `json:"reserved_shares"`
}

// Draw is the quantity taken from one lot during FIFO consumption.
type Draw struct {
	LotID        string          `json:"lot_id"`
	Qty          int             `json:"qty"`
	LotCostBasis decimal.Decimal `json:"lot_cost_basis"`
}

// Consumption is the result of a FIFO removal.
type Consumption struct {
	Shares    int             `json:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis"` // total cost consumed
	Draws     []Draw          `json:"lots"`
}

// NewPosition returns an empty position for symbol.
func NewPosition(symbol string) *Position {
	return &Position{Symbol: symbol, AvgCost: decimal.Zero}
}

// Free returns shares that are neither reserved nor missing.
func (p *Position) Free() int {
	return p.TotalShares - p.ReservedShares
}

// AddLot appends a new lot at the tail and recomputes aggregates.
func (p *Position) AddLot(shares int, costBasis decimal.Decimal, openedAt time.Time) (Lot, error) {
	if shares <= 0 {
		return Lot{}, ErrInvalidQuantity
	}
	lot := Lot{
		LotID:     uuid.New().String(),
		Symbol:    p.Symbol,
		Shares:    shares,
		CostBasis: costBasis,
		OpenedAt:  openedAt,
	}
	p.Lots = append(p.Lots, lot)
	p.recalc()
	return lot, nil
}

// ConsumeFIFO removes shares from the oldest lots first. Lots are stably
// sorted by OpenedAt before consumption; emptied lots are dropped. On
// failure the position is left unchanged.
//
// Callers selling voluntarily must check Free() themselves; ConsumeFIFO
// only guarantees the lots can physically supply the quantity.
func (p *Position) ConsumeFIFO(shares int) (Consumption, error) {
	if shares <= 0 {
		return Consumption{}, ErrInvalidQuantity
	}
	if shares > p.TotalShares {
		return Consumption{}, fmt.Errorf("%w: need %d, hold %d", ErrInsufficientShares, shares, p.TotalShares)
	}

	sort.SliceStable(p.Lots, func(i, j int) bool {
		return p.Lots[i].OpenedAt.Before(p.Lots[j].OpenedAt)
	})

	res := Consumption{Shares: shares, CostBasis: decimal.Zero}
	remaining := shares
	kept := p.Lots[:0]
	for _, lot := range p.Lots {
		if remaining > 0 && lot.Shares > 0 {
			take := min(lot.Shares, remaining)
			res.CostBasis = res.CostBasis.Add(lot.CostBasis.Mul(decimal.NewFromInt(int64(take))))
			res.Draws = append(res.Draws, Draw{LotID: lot.LotID, Qty: take, LotCostBasis: lot.CostBasis})
			lot.Shares -= take
			remaining -= take
		}
		if lot.Shares > 0 {
			kept = append(kept, lot)
		}
	}
	p.Lots = kept
	p.recalc()
	return res, nil
}

// Reserve earmarks shares, e.g. to cover a short call.
func (p *Position) Reserve(shares int) error {
	if shares <= 0 {
		return ErrInvalidQuantity
	}
	if p.Free() < shares {
		return fmt.Errorf("%w: reserve %d, free %d", ErrInsufficientShares, shares, p.Free())
	}
	p.ReservedShares += shares
	return nil
}

// Release returns min(shares, ReservedShares) to the free pool and reports
// how many were released.
func (p *Position) Release(shares int) int {
	rel := min(max(shares, 0), p.ReservedShares)
	p.ReservedShares -= rel
	return rel
}

// MarketValue returns TotalShares * price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(p.TotalShares)))
}

// Unrealized returns (price - AvgCost) * TotalShares.
func (p *Position) Unrealized(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.AvgCost).Mul(decimal.NewFromInt(int64(p.TotalShares)))
}

// recalc recomputes TotalShares and AvgCost in one pass over the lots.
func (p *Position) recalc() {
	total := 0
	cost := decimal.Zero
	for _, lot := range p.Lots {
		total += lot.Shares
		cost = cost.Add(lot.CostBasis.Mul(decimal.NewFromInt(int64(lot.Shares))))
	}
	p.TotalShares = total
	if total == 0 {
		p.AvgCost = decimal.Zero
		return
	}
	p.AvgCost = cost.Div(decimal.NewFromInt(int64(total)))
}
