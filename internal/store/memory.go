package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/paper-options/internal/ledger"
)

// MemoryStore is an in-memory Store for testing and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ledger   map[string][]ledger.Entry
	seen     map[string]map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		ledger:   make(map[string][]ledger.Entry),
		seen:     make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) SaveSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	cp.State = append([]byte(nil), sess.State...)
	if prev, ok := s.sessions[sess.ID]; ok && cp.CreatedAt.IsZero() {
		cp.CreatedAt = prev.CreatedAt
	}
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) LoadSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	cp.State = append([]byte(nil), sess.State...)
	return &cp, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		cp.State = nil
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) AppendLedger(_ context.Context, sessionID string, entries []ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.seen[sessionID]
	if seen == nil {
		seen = make(map[string]bool)
		s.seen[sessionID] = seen
	}
	for _, e := range entries {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		s.ledger[sessionID] = append(s.ledger[sessionID], e)
	}
	return nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, sessionID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.Entry(nil), s.ledger[sessionID]...), nil
}
