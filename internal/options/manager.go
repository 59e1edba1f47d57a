package options

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/bsm"
	"github.com/atmx/paper-options/internal/model"
)

// Namer returns the contract symbol of a leg expiring on day expiryIdx.
type Namer func(expiryIdx int, right model.Right, strike float64) string

// Manager prices and books option trades against a Position. It never
// touches cash: every result carries the signed cash delta for the caller
// to apply.
type Manager struct {
	Env        model.Env
	Multiplier int
	Namer      Namer // optional
}

// NewManager returns a manager with the standard contract multiplier.
func NewManager(env model.Env) *Manager {
	return &Manager{Env: env, Multiplier: model.Multiplier}
}

func (m *Manager) mult() float64 {
	if m.Multiplier <= 0 {
		return model.Multiplier
	}
	return float64(m.Multiplier)
}

// Fill describes what happened to one leg in a trade. For closes Applied is
// the clamped quantity and Adjusted is set when it differs from Requested.
type Fill struct {
	Leg       Leg             `json:"leg"` // leg state before the trade
	Requested int             `json:"requested"`
	Applied   int             `json:"applied"`
	Price     float64         `json:"price"` // per share
	Realized  decimal.Decimal `json:"realized"`
	CashDelta decimal.Decimal `json:"cash_delta"`
	Adjusted  bool            `json:"adjusted"`

	// Collateral freed by a close, proportional to Applied.
	ReleasedCash   decimal.Decimal `json:"released_cash"`
	ReleasedShares int             `json:"released_shares"`
}

// OpenResult reports the legs added to a position.
type OpenResult struct {
	Legs      []Leg           `json:"legs"`
	Fills     []Fill          `json:"fills"`
	CashDelta decimal.Decimal `json:"cash_delta"`
}

// CloseResult reports a tolerant close. Ignored holds requested leg ids that
// are not in the position.
type CloseResult struct {
	Fills     []Fill          `json:"fills"`
	Ignored   []string        `json:"ignored,omitempty"`
	Realized  decimal.Decimal `json:"realized"`
	CashDelta decimal.Decimal `json:"cash_delta"`
}

// Adjusted reports whether any requested quantity was clamped or ignored.
func (r CloseResult) Adjusted() bool {
	if len(r.Ignored) > 0 {
		return true
	}
	for _, f := range r.Fills {
		if f.Adjusted {
			return true
		}
	}
	return false
}

// RollResult reports the close and reopen halves of a roll.
type RollResult struct {
	Closed CloseResult `json:"closed"`
	Opened OpenResult  `json:"opened"`
}

// LegPrice returns the BSM price per share of a leg at spot s and tau.
func (m *Manager) LegPrice(right model.Right, strike, s, tau float64) float64 {
	return bsm.PriceEnv(m.Env, s, strike, math.Max(0, tau), right)
}

// Open starts a new position from draft on day idx at spot s. The expiry is
// idx + max(1, round(ExpiryDays)) and each leg is priced at that tau.
func (m *Manager) Open(pos *Position, idx int, s float64, ts time.Time, draft Draft) (OpenResult, error) {
	if err := validateLegs(draft.Legs); err != nil {
		return OpenResult{}, err
	}
	if !pos.IsEmpty() {
		return OpenResult{}, fmt.Errorf("%w: %d legs held, add or roll instead", ErrPositionOpen, len(pos.Legs))
	}
	expiry := idx + max(1, int(math.Round(draft.ExpiryDays)))
	entry := idx
	pos.EntryIndex = &entry
	pos.ExpiryIndex = &expiry
	return m.appendLegs(pos, idx, s, ts, draft.Legs), nil
}

// AddLegs prices legs at the position's existing expiry and appends them.
func (m *Manager) AddLegs(pos *Position, idx int, s float64, ts time.Time, legs []LegDraft) (OpenResult, error) {
	if pos.ExpiryIndex == nil {
		return OpenResult{}, ErrNoExistingExpiry
	}
	if err := validateLegs(legs); err != nil {
		return OpenResult{}, err
	}
	return m.appendLegs(pos, idx, s, ts, legs), nil
}

func (m *Manager) appendLegs(pos *Position, idx int, s float64, ts time.Time, drafts []LegDraft) OpenResult {
	tau := pos.Tau(idx)
	res := OpenResult{CashDelta: decimal.Zero}
	for _, d := range drafts {
		leg := Leg{
			ID:             uuid.New().String(),
			Side:           d.Side,
			Right:          d.Right,
			Quantity:       d.Quantity,
			Strike:         d.Strike,
			EntryPrice:     m.LegPrice(d.Right, d.Strike, s, tau),
			EntryIndex:     idx,
			EntryTimestamp: ts,
		}
		if m.Namer != nil {
			leg.Contract = m.Namer(*pos.ExpiryIndex, d.Right, d.Strike)
		}
		// Long pays the premium, short receives it.
		cash := model.Dec(-leg.Sign() * float64(leg.Quantity) * leg.EntryPrice * m.mult())
		pos.Legs = append(pos.Legs, leg)
		res.Legs = append(res.Legs, leg)
		res.Fills = append(res.Fills, Fill{
			Leg:       leg,
			Requested: leg.Quantity,
			Applied:   leg.Quantity,
			Price:     leg.EntryPrice,
			Realized:  decimal.Zero,
			CashDelta: cash,
		})
		res.CashDelta = res.CashDelta.Add(cash)
	}
	return res
}

// CloseSelected closes min(requested, held) contracts of each leg in
// closeMap at the current BSM price. Over-requests are clamped and unknown
// ids ignored, both reported in the result. Emptied legs are dropped and
// the position resets when none remain.
func (m *Manager) CloseSelected(pos *Position, idx int, s float64, closeMap map[string]int) CloseResult {
	res := CloseResult{Realized: decimal.Zero, CashDelta: decimal.Zero}
	for id := range closeMap {
		if _, ok := pos.Leg(id); !ok {
			res.Ignored = append(res.Ignored, id)
		}
	}
	sort.Strings(res.Ignored)
	if pos.IsEmpty() {
		return res
	}

	tau := pos.Tau(idx)
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		req, ok := closeMap[leg.ID]
		if !ok {
			continue
		}
		applied := min(max(req, 0), leg.Quantity)
		fill := m.closeLeg(leg, applied, tau, s)
		fill.Requested = req
		fill.Adjusted = applied != req
		res.Fills = append(res.Fills, fill)
		res.Realized = res.Realized.Add(fill.Realized)
		res.CashDelta = res.CashDelta.Add(fill.CashDelta)
	}
	pos.Realized = pos.Realized.Add(res.Realized)
	pos.dropEmpty()
	return res
}

// closeLeg books qty contracts of leg closed at the BSM price and shrinks
// the leg in place, freeing collateral pro rata.
func (m *Manager) closeLeg(leg *Leg, qty int, tau, s float64) Fill {
	before := *leg
	now := m.LegPrice(leg.Right, leg.Strike, s, tau)
	fill := Fill{
		Leg:          before,
		Applied:      qty,
		Price:        now,
		Realized:     model.Dec(leg.Sign() * float64(qty) * m.mult() * (now - leg.EntryPrice)),
		CashDelta:    model.Dec(leg.Sign() * float64(qty) * m.mult() * now),
		ReleasedCash: decimal.Zero,
	}
	if qty == 0 {
		return fill
	}
	fill.ReleasedCash, fill.ReleasedShares = leg.releaseCollateral(qty)
	leg.Quantity -= qty
	return fill
}

// releaseCollateral frees the share of the leg's collateral backing qty
// contracts. Closing the whole leg frees everything that remains.
func (l *Leg) releaseCollateral(qty int) (decimal.Decimal, int) {
	if qty >= l.Quantity {
		cash, shares := l.CollateralCash, l.CollateralShares
		l.CollateralCash, l.CollateralShares = decimal.Zero, 0
		return cash, shares
	}
	frac := decimal.NewFromInt(int64(qty)).Div(decimal.NewFromInt(int64(l.Quantity)))
	cash := model.Cents(l.CollateralCash.Mul(frac))
	shares := l.CollateralShares * qty / l.Quantity
	l.CollateralCash = l.CollateralCash.Sub(cash)
	l.CollateralShares -= shares
	return cash, shares
}

// CloseAll closes every leg in full and leaves the position empty with
// Realized carried forward.
func (m *Manager) CloseAll(pos *Position, idx int, s float64) CloseResult {
	all := make(map[string]int, len(pos.Legs))
	for _, l := range pos.Legs {
		all[l.ID] = l.Quantity
	}
	return m.CloseSelected(pos, idx, s, all)
}

// Roll closes the whole position and reopens it from draft on the same day.
// The draft is validated before anything is closed.
func (m *Manager) Roll(pos *Position, idx int, s float64, ts time.Time, draft Draft) (RollResult, error) {
	if err := validateLegs(draft.Legs); err != nil {
		return RollResult{}, err
	}
	closed := m.CloseAll(pos, idx, s)
	opened, err := m.Open(pos, idx, s, ts, draft)
	if err != nil {
		return RollResult{Closed: closed}, err
	}
	return RollResult{Closed: closed, Opened: opened}, nil
}

// Exercise removes up to contracts contracts of a long leg for early
// exercise. The premium paid is realized as a loss on the option leg; the
// stock side is booked by the caller. Fill.Price is the entry premium.
func (m *Manager) Exercise(pos *Position, legID string, contracts int) (Fill, error) {
	leg, ok := pos.Leg(legID)
	if !ok {
		return Fill{}, fmt.Errorf("%w: %s", ErrUnknownLeg, legID)
	}
	if leg.Side != model.Long {
		return Fill{}, fmt.Errorf("%w: leg %s is %s", ErrNotLong, legID, leg.Side)
	}
	if contracts <= 0 {
		return Fill{}, fmt.Errorf("%w: exercise quantity %d must be positive", ErrInvalidLeg, contracts)
	}
	applied := min(contracts, leg.Quantity)
	fill := Fill{
		Leg:          *leg,
		Requested:    contracts,
		Applied:      applied,
		Price:        leg.EntryPrice,
		Realized:     model.Dec(-float64(applied) * m.mult() * leg.EntryPrice),
		CashDelta:    decimal.Zero,
		Adjusted:     applied != contracts,
		ReleasedCash: decimal.Zero,
	}
	leg.Quantity -= applied
	pos.Realized = pos.Realized.Add(fill.Realized)
	pos.dropEmpty()
	return fill, nil
}
