package margin

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func leg(side model.Side, right model.Right, qty int, k, premium float64) options.Leg {
	return options.Leg{ID: string(side) + string(right), Side: side, Right: right, Quantity: qty, Strike: k, EntryPrice: premium}
}

func TestPerShare(t *testing.T) {
	tests := []struct {
		name string
		leg  options.Leg
		s    float64
		want float64
	}{
		{"atm put", leg(model.Short, model.Put, 1, 100, 2), 100, 22},
		{"otm put uses base", leg(model.Short, model.Put, 1, 95, 1), 100, 16},
		{"deep otm put hits floor", leg(model.Short, model.Put, 1, 80, 0.5), 100, 10.5},
		{"otm call", leg(model.Short, model.Call, 1, 105, 1), 100, 16},
		{"itm call has no otm credit", leg(model.Short, model.Call, 1, 90, 11), 100, 31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PerShare(tt.leg, tt.s); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PerShare = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequirement(t *testing.T) {
	pos := &options.Position{Legs: []options.Leg{
		leg(model.Short, model.Put, 2, 100, 2),  // 22·2·100
		leg(model.Long, model.Put, 5, 90, 1),    // ignored
		leg(model.Short, model.Call, 1, 105, 1), // 16·100
	}}
	got := Requirement(pos, 100, 100)
	if !got.Equal(d(6000)) {
		t.Errorf("Requirement = %s, want 6000", got)
	}
	if def := Requirement(pos, 100, 0); !def.Equal(got) {
		t.Errorf("zero multiplier should default to %d", model.Multiplier)
	}
}

func TestRequirement_LongOnlyOrEmpty(t *testing.T) {
	if got := Requirement(options.NewPosition(), 100, 100); !got.IsZero() {
		t.Errorf("empty = %s", got)
	}
	long := &options.Position{Legs: []options.Leg{leg(model.Long, model.Call, 3, 100, 4)}}
	if got := Requirement(long, 100, 100); !got.IsZero() {
		t.Errorf("long only = %s", got)
	}
}

func TestUtilization(t *testing.T) {
	if got := Utilization(d(2500), d(10000)); !got.Equal(d(0.25)) {
		t.Errorf("Utilization = %s", got)
	}
	if got := Utilization(d(2500), decimal.Zero); !got.IsZero() {
		t.Errorf("zero equity = %s", got)
	}
	if got := Utilization(d(2500), d(-1)); !got.IsZero() {
		t.Errorf("negative equity = %s", got)
	}
}
