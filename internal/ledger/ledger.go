// Package ledger is the append-only event log of every cash, share and
// option movement in a portfolio. It never mutates cash or positions; the
// operation that changes state writes the entry describing it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/model"
)

var (
	ErrInvalidType     = errors.New("ledger: unknown entry type")
	ErrDetailsMismatch = errors.New("ledger: details do not match entry type")
)

// Entry is one ledger row. CashDelta and RealizedPnL are rounded to cents
// when appended.
type Entry struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        Type            `json:"type"`
	Symbol      string          `json:"symbol,omitempty"`
	Details     Details         `json:"details"`
	CashDelta   decimal.Decimal `json:"cash_delta"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// UnmarshalJSON decodes Details into the variant selected by Type.
func (e *Entry) UnmarshalJSON(b []byte) error {
	type alias Entry
	var raw struct {
		alias
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Entry(raw.alias)
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	d := newDetails(e.Type)
	if len(raw.Details) > 0 && string(raw.Details) != "null" {
		if err := json.Unmarshal(raw.Details, d); err != nil {
			return fmt.Errorf("ledger: decode %s details: %w", e.Type, err)
		}
	}
	e.Details = deref(d)
	return nil
}

// Mark is the cumulative realized P&L after one entry.
type Mark struct {
	Timestamp time.Time       `json:"timestamp"`
	Realized  decimal.Decimal `json:"realized"`
}

// Ledger holds entries in append order.
type Ledger struct {
	entries []Entry
	now     func() time.Time
	newID   func() string
	observe func(Entry)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the fallback clock used for entries without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDs sets the id generator.
func WithIDs(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Observe registers fn to be called after every successful append.
func (l *Ledger) Observe(fn func(Entry)) {
	l.observe = fn
}

// Append validates e, assigns a missing id or timestamp, rounds the money
// columns to cents and pushes the entry to the tail.
func (l *Ledger) Append(e Entry) (Entry, error) {
	if !e.Type.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if e.Details == nil || !e.Details.matches(e.Type) {
		return Entry{}, fmt.Errorf("%w: %s with %T", ErrDetailsMismatch, e.Type, e.Details)
	}
	if e.ID == "" {
		e.ID = l.id()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	e.CashDelta = model.Cents(e.CashDelta)
	e.RealizedPnL = model.Cents(e.RealizedPnL)

	l.entries = append(l.entries, e)
	if l.observe != nil {
		l.observe(e)
	}
	return e, nil
}

// Entries returns a copy of all entries in append order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns entries appended at or after position n.
func (l *Ledger) Since(n int) []Entry {
	if n < 0 {
		n = 0
	}
	if n >= len(l.entries) {
		return nil
	}
	out := make([]Entry, len(l.entries)-n)
	copy(out, l.entries[n:])
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int { return len(l.entries) }

// TotalRealized sums RealizedPnL over all entries.
func (l *Ledger) TotalRealized() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range l.entries {
		sum = sum.Add(e.RealizedPnL)
	}
	return sum
}

// TotalCashDelta sums CashDelta over all entries.
func (l *Ledger) TotalCashDelta() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range l.entries {
		sum = sum.Add(e.CashDelta)
	}
	return sum
}

// RealizedSeries returns the running realized total after each entry.
func (l *Ledger) RealizedSeries() []Mark {
	out := make([]Mark, 0, len(l.entries))
	sum := decimal.Zero
	for _, e := range l.entries {
		sum = sum.Add(e.RealizedPnL)
		out = append(out, Mark{Timestamp: e.Timestamp, Realized: sum})
	}
	return out
}

// MarshalJSON encodes the ledger as its entry list.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	if l.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.entries)
}

// UnmarshalJSON restores entries from a list; clock and id generator are
// reset to defaults if unset.
func (l *Ledger) UnmarshalJSON(b []byte) error {
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return err
	}
	l.entries = entries
	return nil
}

func (l *Ledger) clock() time.Time {
	if l.now == nil {
		return time.Now().UTC()
	}
	return l.now()
}

func (l *Ledger) id() string {
	if l.newID == nil {
		return uuid.New().String()
	}
	return l.newID()
}
