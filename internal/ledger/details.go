package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/lots"
	"github.com/atmx/paper-options/internal/model"
)

// Type is the closed set of ledger entry kinds.
type Type string

const (
	BuyStock         Type = "BUY_STOCK"
	SellStock        Type = "SELL_STOCK"
	Dividend         Type = "DIVIDEND"
	AssignShortCall  Type = "ASSIGN_SHORT_CALL"
	AssignShortPut   Type = "ASSIGN_SHORT_PUT"
	ExerciseLongCall Type = "EXERCISE_LONG_CALL"
	ExerciseLongPut  Type = "EXERCISE_LONG_PUT"
	ReserveCash      Type = "RESERVE_CASH"
	ReleaseCash      Type = "RELEASE_CASH"
	ReserveShares    Type = "RESERVE_SHARES"
	ReleaseShares    Type = "RELEASE_SHARES"
	BuyOption        Type = "BUY_OPTION"
	SellOption       Type = "SELL_OPTION"
	CloseLongOption  Type = "CLOSE_LONG_OPTION"
	CloseShortOption Type = "CLOSE_SHORT_OPTION"
)

// Types lists every entry type in declaration order.
var Types = []Type{
	BuyStock, SellStock, Dividend,
	AssignShortCall, AssignShortPut,
	ExerciseLongCall, ExerciseLongPut,
	ReserveCash, ReleaseCash, ReserveShares, ReleaseShares,
	BuyOption, SellOption, CloseLongOption, CloseShortOption,
}

// Valid reports whether t is one of the known entry types.
func (t Type) Valid() bool {
	switch t {
	case BuyStock, SellStock, Dividend,
		AssignShortCall, AssignShortPut,
		ExerciseLongCall, ExerciseLongPut,
		ReserveCash, ReleaseCash, ReserveShares, ReleaseShares,
		BuyOption, SellOption, CloseLongOption, CloseShortOption:
		return true
	}
	return false
}

// Columns are the optional qty/price/strike cells of a CSV row.
type Columns struct {
	Qty    decimal.NullDecimal
	Price  decimal.NullDecimal
	Strike decimal.NullDecimal
}

// Details is the typed payload of an entry. The concrete variant is fixed
// by the entry Type.
type Details interface {
	Columns() Columns
	matches(Type) bool
}

func some(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func count(n int) decimal.NullDecimal {
	return some(decimal.NewFromInt(int64(n)))
}

// StockTrade records shares bought or sold. CostBasis is the total cost
// consumed on a sale, or the total paid on a purchase.
type StockTrade struct {
	Shares    int             `json:"shares"`
	Price     decimal.Decimal `json:"price"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Lots      []lots.Draw     `json:"lots,omitempty"`
	Reason    string          `json:"reason,omitempty"` // "assignment", "exercise"
}

func (d StockTrade) Columns() Columns {
	return Columns{Qty: count(d.Shares), Price: some(d.Price)}
}

func (StockTrade) matches(t Type) bool { return t == BuyStock || t == SellStock }

// OptionTrade records a premium paid or received when a leg opens or closes.
// Price is per share; EntryPrice is set on closes.
type OptionTrade struct {
	LegID      string          `json:"leg_id"`
	Contract   string          `json:"contract"`
	Side       model.Side      `json:"side"`
	Right      model.Right     `json:"right"`
	Contracts  int             `json:"contracts"`
	Strike     decimal.Decimal `json:"strike"`
	Price      decimal.Decimal `json:"price"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Expired    bool            `json:"expired,omitempty"`
}

func (d OptionTrade) Columns() Columns {
	return Columns{Qty: count(d.Contracts), Price: some(d.Price), Strike: some(d.Strike)}
}

func (OptionTrade) matches(t Type) bool {
	return t == BuyOption || t == SellOption || t == CloseLongOption || t == CloseShortOption
}

// Assignment records the option-leg side of an assignment. The matching
// stock movement is a separate StockTrade entry carrying the cash.
type Assignment struct {
	LegID     string          `json:"leg_id"`
	Contract  string          `json:"contract"`
	Right     model.Right     `json:"right"`
	Contracts int             `json:"contracts"`
	Strike    decimal.Decimal `json:"strike"`
	Premium   decimal.Decimal `json:"price"`
	Intrinsic decimal.Decimal `json:"intrinsic"`
	Shares    int             `json:"shares"`
}

func (d Assignment) Columns() Columns {
	return Columns{Qty: count(d.Contracts), Price: some(d.Premium), Strike: some(d.Strike)}
}

func (Assignment) matches(t Type) bool { return t == AssignShortCall || t == AssignShortPut }

// Exercise records a manual exercise of a long leg into stock.
type Exercise struct {
	LegID     string          `json:"leg_id"`
	Contract  string          `json:"contract"`
	Right     model.Right     `json:"right"`
	Contracts int             `json:"contracts"`
	Strike    decimal.Decimal `json:"strike"`
	Premium   decimal.Decimal `json:"price"`
	Shares    int             `json:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Lots      []lots.Draw     `json:"lots,omitempty"`
}

func (d Exercise) Columns() Columns {
	return Columns{Qty: count(d.Contracts), Price: some(d.Premium), Strike: some(d.Strike)}
}

func (Exercise) matches(t Type) bool { return t == ExerciseLongCall || t == ExerciseLongPut }

// CashReservation records cash moved between available and reserved.
type CashReservation struct {
	LegID     string          `json:"leg_id,omitempty"`
	Strike    decimal.Decimal `json:"strike"`
	Contracts int             `json:"contracts"`
	Amount    decimal.Decimal `json:"amount"`
}

func (d CashReservation) Columns() Columns {
	var c Columns
	if d.Contracts > 0 {
		c.Qty = count(d.Contracts)
		c.Strike = some(d.Strike)
	}
	return c
}

func (CashReservation) matches(t Type) bool { return t == ReserveCash || t == ReleaseCash }

// ShareReservation records shares earmarked for, or freed from, a short call.
type ShareReservation struct {
	LegID     string `json:"leg_id,omitempty"`
	Contracts int    `json:"contracts"`
	Shares    int    `json:"shares"`
}

func (d ShareReservation) Columns() Columns {
	return Columns{Qty: count(d.Shares)}
}

func (ShareReservation) matches(t Type) bool { return t == ReserveShares || t == ReleaseShares }

// DividendPayment records a cash dividend on held shares.
type DividendPayment struct {
	Shares   int             `json:"shares"`
	PerShare decimal.Decimal `json:"per_share"`
	Amount   decimal.Decimal `json:"amount"`
}

func (d DividendPayment) Columns() Columns {
	return Columns{Qty: count(d.Shares), Price: some(d.PerShare)}
}

func (DividendPayment) matches(t Type) bool { return t == Dividend }

// newDetails returns a pointer to the zero variant for t, for decoding.
func newDetails(t Type) any {
	switch t {
	case BuyStock, SellStock:
		return &StockTrade{}
	case BuyOption, SellOption, CloseLongOption, CloseShortOption:
		return &OptionTrade{}
	case AssignShortCall, AssignShortPut:
		return &Assignment{}
	case ExerciseLongCall, ExerciseLongPut:
		return &Exercise{}
	case ReserveCash, ReleaseCash:
		return &CashReservation{}
	case ReserveShares, ReleaseShares:
		return &ShareReservation{}
	default:
		return &DividendPayment{}
	}
}

func deref(p any) Details {
	switch v := p.(type) {
	case *StockTrade:
		return *v
	case *OptionTrade:
		return *v
	case *Assignment:
		return *v
	case *Exercise:
		return *v
	case *CashReservation:
		return *v
	case *ShareReservation:
		return *v
	case *DividendPayment:
		return *v
	}
	return nil
}
