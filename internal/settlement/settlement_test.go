package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
	"github.com/atmx/paper-options/internal/portfolio"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var ts = time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

const sym = "XYZ"

func newSnap(cash float64) *portfolio.Snapshot {
	return portfolio.New("USD", d(cash), ts)
}

// withLegs installs legs on the snapshot's option position expiring on day
// expiry.
func withLegs(s *portfolio.Snapshot, expiry int, legs ...options.Leg) {
	entry := 0
	s.Options.Legs = legs
	s.Options.EntryIndex = &entry
	s.Options.ExpiryIndex = &expiry
}

func shortPutLeg(t *testing.T, s *portfolio.Snapshot, id string, strike, premium float64, secured bool) options.Leg {
	t.Helper()
	leg := options.Leg{ID: id, Side: model.Short, Right: model.Put, Quantity: 1, Strike: strike, EntryPrice: premium}
	if secured {
		e, err := s.ReserveCashForShortPut(sym, id, d(strike), 1, ts)
		if err != nil {
			t.Fatalf("reserve cash: %v", err)
		}
		leg.CollateralCash = e.Details.(ledger.CashReservation).Amount
	}
	return leg
}

func coveredCallLeg(t *testing.T, s *portfolio.Snapshot, id string, strike, premium float64) options.Leg {
	t.Helper()
	if _, err := s.ReserveSharesForShortCall(sym, id, 1, ts); err != nil {
		t.Fatalf("reserve shares: %v", err)
	}
	return options.Leg{ID: id, Side: model.Short, Right: model.Call, Quantity: 1, Strike: strike, EntryPrice: premium, CollateralShares: 100}
}

func assertCashConserved(t *testing.T, s *portfolio.Snapshot) {
	t.Helper()
	if moved := s.CashTotal().Sub(s.Cash.Initial); !moved.Equal(s.Ledger.TotalCashDelta()) {
		t.Errorf("cash moved %s, ledger deltas sum %s", moved, s.Ledger.TotalCashDelta())
	}
}

func entryOfType(entries []ledger.Entry, typ ledger.Type) (ledger.Entry, bool) {
	for _, e := range entries {
		if e.Type == typ {
			return e, true
		}
	}
	return ledger.Entry{}, false
}

func TestSettle_ShortPutAssigned(t *testing.T) {
	s := newSnap(50000)
	withLegs(s, 5, shortPutLeg(t, s, "p1", 100, 2.35, true))
	before := s.CashTotal()

	res, err := Settle(s, sym, 5, 95, ts)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.Settled || len(res.Legs) != 1 || res.Legs[0].Outcome != Assigned {
		t.Fatalf("result = %+v", res)
	}
	if diff := s.CashTotal().Sub(before); !diff.Equal(d(-10000)) {
		t.Errorf("cash changed by %s, want -10000", diff)
	}
	if !s.Cash.Reserved.IsZero() {
		t.Errorf("collateral should be released, reserved = %s", s.Cash.Reserved)
	}
	pos := s.Positions[sym]
	if pos.TotalShares != 100 || !pos.AvgCost.Equal(d(100)) {
		t.Errorf("stock position = %+v", pos)
	}

	entries := res.Legs[0].Entries
	assign, ok := entryOfType(entries, ledger.AssignShortPut)
	if !ok || !assign.RealizedPnL.Equal(d(-265)) || !assign.CashDelta.IsZero() {
		t.Errorf("ASSIGN_SHORT_PUT = %+v", assign)
	}
	buy, ok := entryOfType(entries, ledger.BuyStock)
	if !ok || !buy.CashDelta.Equal(d(-10000)) {
		t.Errorf("BUY_STOCK = %+v", buy)
	}
	if _, ok := entryOfType(entries, ledger.ReleaseCash); !ok {
		t.Error("expected RELEASE_CASH before assignment")
	}

	if !s.Options.IsEmpty() || s.Options.ExpiryIndex != nil {
		t.Error("position should be Empty after settlement")
	}
	if !s.Options.Realized.Equal(d(-265)) {
		t.Errorf("position realized = %s", s.Options.Realized)
	}
	assertCashConserved(t, s)
}

func TestSettle_Idempotent(t *testing.T) {
	s := newSnap(50000)
	withLegs(s, 5, shortPutLeg(t, s, "p1", 100, 2.35, true))
	if _, err := Settle(s, sym, 5, 95, ts); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	n, cash := s.Ledger.Len(), s.CashTotal()

	res, err := Settle(s, sym, 5, 95, ts)
	if err != nil || res.Settled {
		t.Fatalf("second settle = %+v, %v", res, err)
	}
	if s.Ledger.Len() != n || !s.CashTotal().Equal(cash) {
		t.Error("second settlement must not change state")
	}
}

func TestSettle_NotDue(t *testing.T) {
	s := newSnap(50000)
	withLegs(s, 5, options.Leg{ID: "c1", Side: model.Long, Right: model.Call, Quantity: 1, Strike: 100, EntryPrice: 3})
	res, err := Settle(s, sym, 4, 120, ts)
	if err != nil || res.Settled || len(s.Options.Legs) != 1 {
		t.Errorf("settle before expiry = %+v, %v", res, err)
	}
	if res, _ := Settle(s, sym, 9, 120, ts); !res.Settled {
		t.Error("settle after expiry index should run")
	}
}

func TestSettle_CoveredCallAssigned(t *testing.T) {
	s := newSnap(20000)
	if _, err := s.BuyShares(sym, 100, d(100), ts); err != nil {
		t.Fatal(err)
	}
	withLegs(s, 5, coveredCallLeg(t, s, "c1", 103, 2))

	res, err := Settle(s, sym, 5, 113, ts)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	entries := res.Legs[0].Entries
	sell, _ := entryOfType(entries, ledger.SellStock)
	if !sell.RealizedPnL.Equal(d(300)) || !sell.CashDelta.Equal(d(10300)) {
		t.Errorf("SELL_STOCK = %+v", sell)
	}
	assign, _ := entryOfType(entries, ledger.AssignShortCall)
	if !assign.RealizedPnL.Equal(d(-800)) || !assign.CashDelta.IsZero() {
		t.Errorf("ASSIGN_SHORT_CALL = %+v", assign)
	}
	if _, ok := entryOfType(entries, ledger.ReleaseShares); !ok {
		t.Error("expected RELEASE_SHARES before delivery")
	}
	if p := s.Positions[sym]; p.TotalShares != 0 || p.ReservedShares != 0 {
		t.Errorf("stock position = %+v", p)
	}
	if !res.CashDelta.Equal(d(10300)) || !res.Realized.Equal(d(-800)) {
		t.Errorf("result totals = %s / %s", res.CashDelta, res.Realized)
	}
	assertCashConserved(t, s)
}

func TestSettle_UnderReservedCallIsInvariantViolation(t *testing.T) {
	s := newSnap(20000)
	withLegs(s, 5, options.Leg{ID: "c1", Side: model.Short, Right: model.Call, Quantity: 1, Strike: 103, EntryPrice: 2})

	_, err := Settle(s, sym, 5, 113, ts)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
	if len(s.Options.Legs) != 1 || s.Ledger.Len() != 0 {
		t.Error("failed leg must stay on the position with no ledger writes")
	}
}

func TestSettle_FailureKeepsEarlierLegsSettled(t *testing.T) {
	s := newSnap(20000)
	long := options.Leg{ID: "c1", Side: model.Long, Right: model.Call, Quantity: 1, Strike: 100, EntryPrice: 3}
	naked := options.Leg{ID: "c2", Side: model.Short, Right: model.Call, Quantity: 1, Strike: 105, EntryPrice: 1}
	withLegs(s, 5, long, naked)

	res, err := Settle(s, sym, 5, 110, ts)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v", err)
	}
	if len(res.Legs) != 1 || res.Legs[0].Leg.ID != "c1" {
		t.Errorf("settled legs = %+v", res.Legs)
	}
	if len(s.Options.Legs) != 1 || s.Options.Legs[0].ID != "c2" {
		t.Errorf("remaining legs = %+v", s.Options.Legs)
	}
	assertCashConserved(t, s)
}

func TestSettle_UncoveredPutWithoutCash(t *testing.T) {
	s := newSnap(5000)
	withLegs(s, 5, shortPutLeg(t, s, "p1", 100, 2, false))
	if _, err := Settle(s, sym, 5, 90, ts); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("err = %v, want ErrInvariantViolation", err)
	}
}

func TestSettle_ShortOTMReleasesCollateral(t *testing.T) {
	s := newSnap(50000)
	if _, err := s.BuyShares(sym, 100, d(100), ts); err != nil {
		t.Fatal(err)
	}
	put := shortPutLeg(t, s, "p1", 90, 1.5, true)
	call := coveredCallLeg(t, s, "c1", 110, 1.25)
	withLegs(s, 5, put, call)
	before := s.CashTotal()

	res, err := Settle(s, sym, 5, 100, ts)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	for _, lr := range res.Legs {
		if lr.Outcome != Expired {
			t.Errorf("leg %s outcome = %s, want expired", lr.Leg.ID, lr.Outcome)
		}
		if e, ok := entryOfType(lr.Entries, ledger.CloseShortOption); !ok || !e.CashDelta.IsZero() {
			t.Errorf("CLOSE_SHORT_OPTION = %+v", e)
		}
	}
	if !res.Realized.Equal(d(150 + 125)) {
		t.Errorf("realized = %s, want 275 (premium kept)", res.Realized)
	}
	if !s.CashTotal().Equal(before) || !s.Cash.Reserved.IsZero() {
		t.Errorf("OTM expiry must not move total cash; reserved=%s", s.Cash.Reserved)
	}
	if s.Positions[sym].ReservedShares != 0 {
		t.Error("share reservation should be released")
	}
}

func TestSettle_LongCashSettled(t *testing.T) {
	s := newSnap(10000)
	withLegs(s, 5,
		options.Leg{ID: "c1", Side: model.Long, Right: model.Call, Quantity: 2, Strike: 100, EntryPrice: 3},
		options.Leg{ID: "p1", Side: model.Long, Right: model.Put, Quantity: 1, Strike: 100, EntryPrice: 2.5},
	)
	res, err := Settle(s, sym, 5, 108, ts)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.CashDelta.Equal(d(1600)) {
		t.Errorf("cash = %s, want 1600", res.CashDelta)
	}
	// (8-3)*200 + (0-2.5)*100
	if !res.Realized.Equal(d(750)) {
		t.Errorf("realized = %s, want 750", res.Realized)
	}
	for _, lr := range res.Legs {
		if lr.Outcome != CashSettled || lr.Entries[0].Type != ledger.CloseLongOption {
			t.Errorf("leg %s = %+v", lr.Leg.ID, lr)
		}
	}
	if _, ok := s.Positions[sym]; ok {
		t.Error("cash settlement must not create a stock position")
	}
	assertCashConserved(t, s)
}

func TestSettle_PartialCoverIsStillInvariant(t *testing.T) {
	s := newSnap(20000)
	if _, err := s.BuyShares(sym, 50, d(100), ts); err != nil {
		t.Fatal(err)
	}
	withLegs(s, 1, options.Leg{ID: "c1", Side: model.Short, Right: model.Call, Quantity: 1, Strike: 100, EntryPrice: 1})
	_, err := Settle(s, sym, 1, 120, ts)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v", err)
	}
	if s.Positions[sym].TotalShares != 50 {
		t.Error("failed delivery must not consume lots")
	}
}
