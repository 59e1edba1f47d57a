package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/ledger"
)

// Schema creates the tables PostgresStore reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	day_index  INTEGER NOT NULL,
	state      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	ts           TIMESTAMPTZ NOT NULL,
	type         TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	cash_delta   NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	entry        JSONB NOT NULL,
	UNIQUE (session_id, id)
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Ledger amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, symbol, day_index, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET symbol = EXCLUDED.symbol, day_index = EXCLUDED.day_index,
		     state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.Symbol, sess.Index, string(sess.State), sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var state string

	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, day_index, state::TEXT, created_at, updated_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Symbol, &sess.Index, &state, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.State = json.RawMessage(state)
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, day_index, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Symbol, &sess.Index, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AppendLedger(ctx context.Context, sessionID string, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode ledger entry %s: %w", e.ID, err)
		}
		batch.Queue(
			`INSERT INTO ledger_entries (id, session_id, ts, type, symbol, cash_delta, realized_pnl, entry)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::JSONB)
			 ON CONFLICT (session_id, id) DO NOTHING`,
			e.ID, sessionID, e.Timestamp, string(e.Type), e.Symbol,
			e.CashDelta.String(), e.RealizedPnL.String(), string(body),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append ledger for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry::TEXT, cash_delta::TEXT, realized_pnl::TEXT
		 FROM ledger_entries WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query ledger for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var result []ledger.Entry
	for rows.Next() {
		var body, cashDelta, realized string
		if err := rows.Scan(&body, &cashDelta, &realized); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e, err := decodeLedgerRow(body, cashDelta, realized)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", sessionID, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// decodeLedgerRow rebuilds an entry from its JSONB body. The NUMERIC columns
// are authoritative for amounts.
func decodeLedgerRow(body, cashDelta, realized string) (ledger.Entry, error) {
	var e ledger.Entry
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return ledger.Entry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	var err error
	if e.CashDelta, err = decimal.NewFromString(cashDelta); err != nil {
		return ledger.Entry{}, fmt.Errorf("ledger entry %s cash_delta %q: %w", e.ID, cashDelta, err)
	}
	if e.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return ledger.Entry{}, fmt.Errorf("ledger entry %s realized_pnl %q: %w", e.ID, realized, err)
	}
	return e, nil
}
