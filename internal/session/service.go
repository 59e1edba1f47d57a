// Package session serves paper-trading simulations over HTTP. Each session
// wraps one engine; every mutation is persisted to the store and broadcast
// to WebSocket clients.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/account"
	"github.com/atmx/paper-options/internal/bsm"
	"github.com/atmx/paper-options/internal/engine"
	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/lots"
	"github.com/atmx/paper-options/internal/metrics"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
	"github.com/atmx/paper-options/internal/portfolio"
	"github.com/atmx/paper-options/internal/settlement"
	"github.com/atmx/paper-options/internal/store"
	"github.com/atmx/paper-options/internal/strategy"
)

// Service handles session operations. A single mutex serializes every
// engine call, since engines carry no locking of their own.
type Service struct {
	store    store.Store
	defaults engine.Config
	env      model.Env
	wsHub    *WSHub // optional
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*live
}

type live struct {
	eng     *engine.Engine
	created time.Time
}

// NewService creates a session service. defaults and env seed sessions
// whose create request does not override them. Pass nil for hub if
// WebSocket broadcasting is not needed.
func NewService(st store.Store, defaults engine.Config, env model.Env, hub *WSHub) *Service {
	return &Service{
		store:    st,
		defaults: defaults,
		env:      env,
		wsHub:    hub,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*live),
	}
}

// Mount registers the session routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/templates", s.ListTemplates)
	r.Get("/sessions", s.ListSessions)
	r.Post("/sessions", s.CreateSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", s.GetSession)
		r.Post("/advance", s.Advance)

		r.Post("/options/open", s.OpenOptions)
		r.Post("/options/add", s.AddLegs)
		r.Post("/options/close", s.CloseLegs)
		r.Post("/options/close-all", s.CloseAll)
		r.Post("/options/roll", s.Roll)
		r.Post("/options/exercise", s.Exercise)
		r.Post("/options/preview", s.Preview)

		r.Post("/stock/buy", s.BuyStock)
		r.Post("/stock/sell", s.SellStock)
		r.Post("/dividend", s.PayDividend)

		r.Get("/margin", s.GetMargin)
		r.Get("/greeks", s.GetGreeks)
		r.Get("/history", s.GetHistory)
		r.Get("/payoff", s.GetPayoff)
		r.Get("/strategies", s.GetStrategies)
		r.Get("/ledger", s.GetLedger)
		r.Get("/ledger.csv", s.GetLedgerCSV)
		r.Get("/ledger/archive", s.GetLedgerArchive)
	})
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// CreateSessionRequest is the JSON body for POST /sessions. Unset fields
// fall back to the service defaults.
type CreateSessionRequest struct {
	Series      model.Series     `json:"series"`
	Start       int              `json:"start"`
	Symbol      string           `json:"symbol,omitempty"`
	InitialCash *decimal.Decimal `json:"initial_cash,omitempty"`
	CashSecured *bool            `json:"cash_secured,omitempty"`
	Env         *model.Env       `json:"env,omitempty"`
}

// SessionResponse is a session id plus its current state.
type SessionResponse struct {
	ID    string       `json:"id"`
	State engine.State `json:"state"`
}

// OpenRequest opens either a catalogue template at the current spot or an
// explicit draft. Template wins when both are given.
type OpenRequest struct {
	Template   string             `json:"template,omitempty"`
	ExpiryDays float64            `json:"expiry_days"`
	Legs       []options.LegDraft `json:"legs,omitempty"`
}

// AddLegsRequest is the JSON body for POST /options/add.
type AddLegsRequest struct {
	Legs []options.LegDraft `json:"legs"`
}

// CloseRequest maps leg id to contracts to close.
type CloseRequest struct {
	Legs map[string]int `json:"legs"`
}

// ExerciseRequest is the JSON body for POST /options/exercise.
type ExerciseRequest struct {
	LegID     string `json:"leg_id"`
	Contracts int    `json:"contracts"`
}

// StockRequest is the JSON body for the stock endpoints.
type StockRequest struct {
	Shares int `json:"shares"`
}

// DividendRequest is the JSON body for POST /dividend.
type DividendRequest struct {
	PerShare decimal.Decimal `json:"per_share"`
}

// GreeksResponse holds the current Greeks and their daily history.
type GreeksResponse struct {
	Now     bsm.Greeks           `json:"now"`
	History options.GreeksSeries `json:"history"`
}

// --- HTTP Handlers ---

// ListTemplates handles GET /api/v1/templates
func (s *Service) ListTemplates(w http.ResponseWriter, _ *http.Request) {
	type tmpl struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	}
	var out []tmpl
	for _, t := range strategy.Templates() {
		out = append(out, tmpl{Key: t.Key, Label: t.Label})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListSessions handles GET /api/v1/sessions
func (s *Service) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateSession handles POST /api/v1/sessions
func (s *Service) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg := s.defaults
	if req.Symbol != "" {
		cfg.Symbol = req.Symbol
	}
	if req.InitialCash != nil {
		cfg.InitialCash = *req.InitialCash
	}
	if req.CashSecured != nil {
		cfg.CashSecured = *req.CashSecured
	}
	env := s.env
	if req.Env != nil {
		env = *req.Env
	}

	eng, err := engine.New(cfg, req.Series, env, req.Start, engine.WithLogger(s.log))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	lv := &live{eng: eng, created: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(r.Context(), id, lv, 0); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sessions[id] = lv
	metrics.ActiveSessions.Set(float64(len(s.sessions)))

	slog.Info("session created",
		"id", id,
		"symbol", cfg.Symbol,
		"days", req.Series.Len(),
		"start", eng.Index(),
		"initial_cash", cfg.InitialCash.String(),
	)
	s.broadcast("created", id, eng, 0)
	writeJSON(w, http.StatusCreated, SessionResponse{ID: id, State: eng.State()})
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(id string, e *engine.Engine) (any, error) {
		return SessionResponse{ID: id, State: e.State()}, nil
	})
}

// Advance handles POST /api/v1/sessions/{sessionID}/advance
func (s *Service) Advance(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "advance", func(e *engine.Engine) (any, error) {
		return e.Advance()
	})
}

// OpenOptions handles POST /api/v1/sessions/{sessionID}/options/open
func (s *Service) OpenOptions(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !decode(w, r, &req) {
		return
	}
	s.mutate(w, r, "trade", func(e *engine.Engine) (any, error) {
		draft := options.Draft{ExpiryDays: req.ExpiryDays, Legs: req.Legs}
		if req.Template != "" {
			t, err := strategy.Lookup(req.Template)
			if err != nil {
				return nil, err
			}
			days := req.ExpiryDays
			if days <= 0 {
				days = e.Config().ExpiryDays
			}
			draft = t.Draft(e.Spot(), days)
		}
		return e.OpenStrategy(draft)
	})
}

// AddLegs handles POST /api/v1/sessions/{sessionID}/options/add
func (s *Service) AddLegs(w http.ResponseWriter, r *http.Request) {
	var req AddLegsRequest
	if !decode(w, r, &req) {
		return
	}
	s.mutate(w, r, "trade", func(e *engine.Engine) (any, error) {
		return e.AddLegs(req.Legs)
	})
}

// CloseLegs handles POST /api/v1/sessions/{sessionID}/options/close
func (s *Service) CloseLegs(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if !decode(w, r, &req) {
		return
	}
	s.mutate(w, r, "trade", func(e *engine.Engine) (any, error) {
		return e.CloseLegs(req.Legs)
	})
}

// CloseAll handles POST /api/v1/sessions/{sessionID}/options/close-all
func (s *Service) CloseAll(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "trade", func(e *engine.Engine) (any, error) {
		return e.CloseAll()
	})
}

// Roll handles POST /api/v1/sessions/{sessionID}/options/roll
func (s *Service) Roll(w http.ResponseWriter, r *http.Request) {
	var req options.Draft
	if !decode(w, r, &req) {
		return
	}
	s.mutate(w, r, "trade", func(e *engine.Engine) (any, error) {
		return e.Roll(req)
	})
}

// Exercise handles POST /api/v1/sessions/{sessionID}/options/exercise
func (s *Service) Exercise(w http.ResponseWriter, r *http.Request) {
	var req ExerciseRequest
	if !decode(w, r, &req) {
		return
	}
	s.mutate(w, r, "trade", func(e *engine.Engine) (any, error) {
		return e.ExerciseLeg(req.LegID, req.Contracts)
	})
}

// Preview handles POST /api/v1/sessions/{sessionID}/options/preview
func (s *Service) Preview(w http.ResponseWriter, r *http.Request) {
	var req options.Draft
	if !decode(w, r, &req) {
		return
	}
	s.view(w, r, func(_ string, e *engine.Engine) (any, error) {
		return e.PreviewDraft(req)
	})
}

// BuyStock handles POST /api/v1/sessions/{sessionID}/stock/buy
func (s *Service) BuyStock(w http.ResponseWriter, r *http.Request) {
	var req StockRequest
	if !decode(w, r, &req) {
		return
	}
	s.mutate(w, r, "stock", func(e *engine.Engine) (any, error) {
		return e.BuyStock(req.Shares)
	})
}

// SellStock handles POST /api/v1/sessions/{sessionID}/stock/sell
func (s *Service) SellStock(w http.ResponseWriter, r *http.Request) {
	var req StockRequest
	if !decode(w, r, &req) {
		return
	}
	s.mutate(w, r, "stock", func(e *engine.Engine) (any, error) {
		return e.SellStock(req.Shares)
	})
}

// PayDividend handles POST /api/v1/sessions/{sessionID}/dividend
func (s *Service) PayDividend(w http.ResponseWriter, r *http.Request) {
	var req DividendRequest
	if !decode(w, r, &req) {
		return
	}
	s.mutate(w, r, "dividend", func(e *engine.Engine) (any, error) {
		return e.PayDividend(req.PerShare)
	})
}

// GetMargin handles GET /api/v1/sessions/{sessionID}/margin
func (s *Service) GetMargin(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(_ string, e *engine.Engine) (any, error) {
		return e.Margin(), nil
	})
}

// GetGreeks handles GET /api/v1/sessions/{sessionID}/greeks
func (s *Service) GetGreeks(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(_ string, e *engine.Engine) (any, error) {
		return GreeksResponse{Now: e.State().Greeks, History: e.History().Greeks}, nil
	})
}

// GetHistory handles GET /api/v1/sessions/{sessionID}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(_ string, e *engine.Engine) (any, error) {
		return e.History(), nil
	})
}

// GetPayoff handles GET /api/v1/sessions/{sessionID}/payoff
func (s *Service) GetPayoff(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(_ string, e *engine.Engine) (any, error) {
		return e.Payoff(), nil
	})
}

// GetStrategies handles GET /api/v1/sessions/{sessionID}/strategies?seed=&n=
func (s *Service) GetStrategies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var seed uint64
	var n int
	if v := q.Get("seed"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "seed must be a non-negative integer", http.StatusBadRequest)
			return
		}
		seed = parsed
	}
	if v := q.Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	s.view(w, r, func(_ string, e *engine.Engine) (any, error) {
		return e.Evaluate(seed, n)
	})
}

// GetLedger handles GET /api/v1/sessions/{sessionID}/ledger
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(_ string, e *engine.Engine) (any, error) {
		return e.Snapshot().Ledger, nil
	})
}

// GetLedgerArchive handles GET /api/v1/sessions/{sessionID}/ledger/archive
// It reads the entries persisted by the store, not the live engine.
func (s *Service) GetLedgerArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	if _, err := s.store.LoadSession(ctx, id); err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	entries, err := s.store.LedgerEntries(ctx, id)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetLedgerCSV handles GET /api/v1/sessions/{sessionID}/ledger.csv
func (s *Service) GetLedgerCSV(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	defer s.mu.Unlock()

	lv, err := s.lookup(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "ledger-"+id+".csv"))
	if err := lv.eng.Snapshot().Ledger.WriteCSV(w); err != nil {
		slog.Error("ledger csv export failed", "session", id, "err", err)
	}
}

// --- Helpers ---

// view runs a read-only engine call under the service lock.
func (s *Service) view(w http.ResponseWriter, r *http.Request, fn func(id string, e *engine.Engine) (any, error)) {
	id := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	defer s.mu.Unlock()

	lv, err := s.lookup(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	resp, err := fn(id, lv.eng)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// mutate runs an engine mutation under the service lock, then persists the
// session and broadcasts the change. The session is persisted even when fn
// fails, because a failed settlement still moves the day index.
func (s *Service) mutate(w http.ResponseWriter, r *http.Request, event string, fn func(e *engine.Engine) (any, error)) {
	id := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	lv, err := s.lookup(ctx, id)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}

	before := lv.eng.Snapshot().Ledger.Len()
	resp, opErr := fn(lv.eng)

	if err := s.persist(ctx, id, lv, before); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	written := lv.eng.Snapshot().Ledger.Len() - before
	if rep, ok := resp.(engine.DayReport); ok && rep.Settlement.Settled {
		event = "settlement"
	}
	if opErr != nil {
		if written > 0 {
			s.broadcast(event, id, lv.eng, written)
		}
		s.writeEngineError(w, id, opErr)
		return
	}
	s.broadcast(event, id, lv.eng, written)
	writeJSON(w, http.StatusOK, resp)
}

// lookup returns the live engine for id, restoring it from the store on
// first use. Callers must hold s.mu.
func (s *Service) lookup(ctx context.Context, id string) (*live, error) {
	if lv, ok := s.sessions[id]; ok {
		return lv, nil
	}
	sess, err := s.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Unmarshal(sess.State, engine.WithLogger(s.log))
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	lv := &live{eng: eng, created: sess.CreatedAt}
	s.sessions[id] = lv
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return lv, nil
}

// persist saves the session state and archives ledger entries written since
// index before.
func (s *Service) persist(ctx context.Context, id string, lv *live, before int) error {
	state, err := json.Marshal(lv.eng)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	sess := &store.Session{
		ID:        id,
		Symbol:    lv.eng.Config().Symbol,
		Index:     lv.eng.Index(),
		CreatedAt: lv.created,
		UpdatedAt: s.now(),
		State:     state,
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	if err := s.store.AppendLedger(ctx, id, lv.eng.Snapshot().Ledger.Since(before)); err != nil {
		return fmt.Errorf("archive ledger for session %s: %w", id, err)
	}
	return nil
}

func (s *Service) broadcast(event, id string, e *engine.Engine, entries int) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:      event,
		SessionID: id,
		Index:     e.Index(),
		Date:      e.Date(),
		Spot:      e.Spot(),
		Equity:    e.Equity(),
		Entries:   entries,
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, options.ErrUnknownLeg):
		return http.StatusNotFound
	case errors.Is(err, account.ErrInsufficientCash),
		errors.Is(err, lots.ErrInsufficientShares),
		errors.Is(err, options.ErrNoExistingExpiry),
		errors.Is(err, options.ErrPositionOpen),
		errors.Is(err, portfolio.ErrNoHolding):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrInvariantViolation):
		return http.StatusInternalServerError
	case errors.Is(err, options.ErrEmptyDraft),
		errors.Is(err, options.ErrInvalidLeg),
		errors.Is(err, options.ErrNotLong),
		errors.Is(err, account.ErrInvalidAmount),
		errors.Is(err, lots.ErrInvalidQuantity),
		errors.Is(err, portfolio.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidConfig),
		errors.Is(err, engine.ErrInvalidSeries),
		errors.Is(err, strategy.ErrInvalidParams),
		errors.Is(err, strategy.ErrUnknownTemplate):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Service) writeEngineError(w http.ResponseWriter, id string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("session operation failed", "session", id, "err", err)
	}
	writeError(w, err.Error(), status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON encodes v before writing the header, so an unencodable value
// becomes a 500 instead of a truncated 2xx body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("response encode failed", "status", status, "err", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"response could not be encoded"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
