package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestParse_Valid(t *testing.T) {
	c, err := Parse("XYZ251115C00100000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Root != "XYZ" {
		t.Errorf("expected root=XYZ, got %s", c.Root)
	}
	if c.Right != model.Call {
		t.Errorf("expected right=CALL, got %s", c.Right)
	}
	if !c.Strike.Equal(d(100)) {
		t.Errorf("expected strike=100, got %s", c.Strike)
	}
	expected := time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC)
	if !c.Expiry.Equal(expected) {
		t.Errorf("expected expiry=%v, got %v", expected, c.Expiry)
	}
}

func TestParse_PaddedRootAndFractionalStrike(t *testing.T) {
	c, err := Parse("SPY   260320P00412500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Root != "SPY" || c.Right != model.Put {
		t.Errorf("got root=%s right=%s", c.Root, c.Right)
	}
	if !c.Strike.Equal(d(412.5)) {
		t.Errorf("expected strike=412.5, got %s", c.Strike)
	}
	if c.Symbol != "SPY260320P00412500" {
		t.Errorf("expected compact symbol, got %s", c.Symbol)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"XYZ",
		"XYZ251115X00100000", // bad right
		"XYZ251115C100000",   // short strike
		"XYZ251399C00100000", // bad date
		"xyz251115C00100000", // lowercase root
		"TOOLONGROOT251115C00100000",
		"XYZ251115C00000000", // zero strike
	}
	for _, sym := range tests {
		if _, err := Parse(sym); err == nil {
			t.Errorf("expected error for symbol %q", sym)
		}
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	expiry := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		root   string
		right  model.Right
		strike float64
		want   string
	}{
		{"XYZ", model.Call, 100, "XYZ251219C00100000"},
		{"abc", model.Put, 87.5, "ABC251219P00087500"},
		{"BRK.B", model.Call, 412.37, "BRK.B251219C00412370"},
	}
	for _, tt := range tests {
		sym, err := Format(tt.root, expiry, tt.right, tt.strike)
		if err != nil {
			t.Fatalf("Format(%s): %v", tt.root, err)
		}
		if sym != tt.want {
			t.Errorf("Format = %s, want %s", sym, tt.want)
		}
		c, err := Parse(sym)
		if err != nil {
			t.Fatalf("Parse(%s): %v", sym, err)
		}
		if c.Right != tt.right || !c.Strike.Equal(d(tt.strike)) || !c.Expiry.Equal(expiry) {
			t.Errorf("round trip mismatch for %s: %+v", sym, c)
		}
	}
}

func TestFormat_Rejects(t *testing.T) {
	exp := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	if _, err := Format("", exp, model.Call, 100); !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("empty root err = %v", err)
	}
	if _, err := Format("XYZ", exp, model.Call, 0); !errors.Is(err, ErrInvalidStrike) {
		t.Errorf("zero strike err = %v", err)
	}
	if _, err := Format("XYZ", exp, model.Put, 1e6); !errors.Is(err, ErrInvalidStrike) {
		t.Errorf("huge strike err = %v", err)
	}
}

func TestForLeg_ProjectsPastSeriesEnd(t *testing.T) {
	series := model.Series{
		{Date: "2025-01-02", Price: 100},
		{Date: "2025-01-03", Price: 101},
	}
	if got := ForLeg("XYZ", series, 1, model.Call, 100); got != "XYZ250103C00100000" {
		t.Errorf("in-range expiry = %s", got)
	}
	if got := ForLeg("XYZ", series, 31, model.Put, 95); got != "XYZ250202P00095000" {
		t.Errorf("projected expiry = %s", got)
	}
	if got := ForLeg("XYZ", model.Series{{Date: "bad", Price: 1}}, 3, model.Put, 95); got != "" {
		t.Errorf("unparseable dates should yield empty symbol, got %s", got)
	}
}
