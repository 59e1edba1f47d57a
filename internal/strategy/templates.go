package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
)

var ErrUnknownTemplate = errors.New("strategy: unknown template")

// strikeAt is one leg of a template with its strike as a multiple of spot.
type strikeAt struct {
	side  model.Side
	right model.Right
	k     float64
}

// Template is a named multi-leg structure built relative to spot.
type Template struct {
	Key   string
	Label string
	legs  []strikeAt
}

// Build returns the template's legs at spot s, one contract each, with
// strikes rounded to whole currency units.
func (t Template) Build(s float64) []options.LegDraft {
	out := make([]options.LegDraft, len(t.legs))
	for i, l := range t.legs {
		out[i] = options.LegDraft{Side: l.side, Right: l.right, Quantity: 1, Strike: math.Round(s * l.k)}
	}
	return out
}

// Draft builds the template as an order expiring expiryDays from now.
func (t Template) Draft(s, expiryDays float64) options.Draft {
	return options.Draft{ExpiryDays: expiryDays, Legs: t.Build(s)}
}

var catalogue = []Template{
	{Key: "long_call_atm", Label: "Long Call (ATM)", legs: []strikeAt{
		{model.Long, model.Call, 1},
	}},
	{Key: "bull_call_spread", Label: "Bull Call Spread", legs: []strikeAt{
		{model.Long, model.Call, 0.98},
		{model.Short, model.Call, 1.05},
	}},
	{Key: "long_put_atm", Label: "Long Put (ATM)", legs: []strikeAt{
		{model.Long, model.Put, 1},
	}},
	{Key: "bear_put_spread", Label: "Bear Put Spread", legs: []strikeAt{
		{model.Long, model.Put, 1.02},
		{model.Short, model.Put, 0.95},
	}},
	{Key: "long_straddle", Label: "Long Straddle (ATM)", legs: []strikeAt{
		{model.Long, model.Call, 1},
		{model.Long, model.Put, 1},
	}},
	{Key: "short_strangle", Label: "Short Strangle (±10%)", legs: []strikeAt{
		{model.Short, model.Call, 1.10},
		{model.Short, model.Put, 0.90},
	}},
	{Key: "iron_condor", Label: "Iron Condor (±10/20%)", legs: []strikeAt{
		{model.Short, model.Call, 1.10},
		{model.Long, model.Call, 1.20},
		{model.Short, model.Put, 0.90},
		{model.Long, model.Put, 0.80},
	}},
}

// Templates returns the catalogue in display order.
func Templates() []Template {
	return append([]Template(nil), catalogue...)
}

// Lookup finds a template by key.
func Lookup(key string) (Template, error) {
	for _, t := range catalogue {
		if t.Key == key {
			return t, nil
		}
	}
	return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, key)
}
