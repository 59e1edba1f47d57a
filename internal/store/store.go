// Package store defines the persistence interface for simulation sessions.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/atmx/paper-options/internal/ledger"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("store: session not found")

// Session is one persisted simulation. State holds the engine's saved form
// and is opaque to the store.
type Session struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Index     int             `json:"index"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	State     json.RawMessage `json:"state,omitempty"`
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Sessions ---

	// SaveSession inserts or replaces a session.
	SaveSession(ctx context.Context, s *Session) error

	// LoadSession retrieves a session by id, including its state.
	LoadSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns every session, most recently updated first,
	// without state.
	ListSessions(ctx context.Context) ([]Session, error)

	// --- Ledger archive ---

	// AppendLedger archives entries for a session. Entries already stored
	// under the same id are skipped.
	AppendLedger(ctx context.Context, sessionID string, entries []ledger.Entry) error

	// LedgerEntries returns a session's archived entries in append order.
	LedgerEntries(ctx context.Context, sessionID string) ([]ledger.Entry, error)
}
