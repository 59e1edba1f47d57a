// Package model defines the core domain types shared across the options
// engine. Money uses shopspring/decimal; option theoretical prices and Greeks
// are float64 and are converted to decimal at the accounting boundary.
package model

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Multiplier is the number of shares per option contract.
const Multiplier = 100

// CentsScale is the number of decimal places kept for currency amounts.
const CentsScale int32 = 2

// DateLayout is the calendar-day format of the price series.
const DateLayout = "2006-01-02"

// Side of an option leg.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Valid reports whether s is LONG or SHORT.
func (s Side) Valid() bool { return s == Long || s == Short }

// Right of an option contract.
type Right string

const (
	Call Right = "CALL"
	Put  Right = "PUT"
)

// Valid reports whether r is CALL or PUT.
func (r Right) Valid() bool { return r == Call || r == Put }

// Env holds the annualized market parameters used by every pricing call.
type Env struct {
	R     float64 `json:"r" yaml:"r"`         // risk-free rate
	Q     float64 `json:"q" yaml:"q"`         // dividend yield
	Sigma float64 `json:"sigma" yaml:"sigma"` // volatility
}

// Cents rounds a currency amount half away from zero to two decimals.
func Cents(v decimal.Decimal) decimal.Decimal {
	return v.Round(CentsScale)
}

// Dec converts a float64 money figure to a cents-rounded decimal.
func Dec(f float64) decimal.Decimal {
	return Cents(decimal.NewFromFloat(f))
}

// Point is one day of the price series.
type Point struct {
	Date  string  `json:"date"`
	Price float64 `json:"price"`
}

// Series is the externally supplied, date-ordered price history indexed
// 0..N. The engine never generates or validates prices itself.
type Series []Point

// Len returns the number of days in the series.
func (s Series) Len() int { return len(s) }

// Prices returns the price column.
func (s Series) Prices() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Price
	}
	return out
}

// Clamp bounds idx to [0, Len()-1].
func (s Series) Clamp(idx int) int {
	if idx < 0 {
		return 0
	}
	if idx > len(s)-1 {
		return len(s) - 1
	}
	return idx
}

// Timestamp returns the simulated timestamp of day idx: the series date at
// midnight UTC. Unparseable dates fall back to the zero time.
func (s Series) Timestamp(idx int) time.Time {
	if idx < 0 || idx >= len(s) {
		return time.Time{}
	}
	t, err := time.Parse(DateLayout, s[idx].Date)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// CheckShape rejects an empty series or a series with non-positive prices.
func (s Series) CheckShape() error {
	if len(s) == 0 {
		return fmt.Errorf("model: empty price series")
	}
	for i, p := range s {
		if p.Price <= 0 || math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
			return fmt.Errorf("model: price at index %d must be positive, got %v", i, p.Price)
		}
	}
	return nil
}
