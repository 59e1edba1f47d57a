package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/engine"
	"github.com/atmx/paper-options/internal/ledger"
	"github.com/atmx/paper-options/internal/model"
	"github.com/atmx/paper-options/internal/options"
	"github.com/atmx/paper-options/internal/session"
	"github.com/atmx/paper-options/internal/store"
	"github.com/atmx/paper-options/internal/strategy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var env = model.Env{R: 0.03, Q: 0, Sigma: 0.25}

func flatSeries(n int, price float64) model.Series {
	base := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	s := make(model.Series, n)
	for i := range s {
		s[i] = model.Point{Date: base.AddDate(0, 0, i).Format(model.DateLayout), Price: price}
	}
	return s
}

// newTestEnv creates a Service with an in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ms, routerFor(ms)
}

func routerFor(ms store.Store) chi.Router {
	cfg := engine.DefaultConfig()
	cfg.Symbol = "XYZ"
	svc := session.NewService(ms, cfg, env, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Mount)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router chi.Router, req session.CreateSessionRequest) session.SessionResponse {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/sessions", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp session.SessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return resp
}

func shortPutOpen(k float64, days float64) session.OpenRequest {
	return session.OpenRequest{ExpiryDays: days, Legs: []options.LegDraft{
		{Side: model.Short, Right: model.Put, Quantity: 1, Strike: k},
	}}
}

// --- Session lifecycle ---

func TestCreateSession(t *testing.T) {
	ms, router := newTestEnv(t)
	resp := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100), Start: 2})

	if resp.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if resp.State.Index != 2 || resp.State.Spot != 100 {
		t.Errorf("state = index %d spot %v", resp.State.Index, resp.State.Spot)
	}
	if !resp.State.Cash.Available.Equal(d(100000)) {
		t.Errorf("available cash = %s", resp.State.Cash.Available)
	}

	sess, err := ms.LoadSession(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.Symbol != "XYZ" || sess.Index != 2 {
		t.Errorf("stored session = %+v", sess)
	}
}

func TestCreateSession_Overrides(t *testing.T) {
	_, router := newTestEnv(t)
	cash := d(2500)
	secured := false
	resp := createSession(t, router, session.CreateSessionRequest{
		Series:      flatSeries(5, 50),
		Symbol:      "ABC",
		InitialCash: &cash,
		CashSecured: &secured,
	})
	if !resp.State.Cash.Initial.Equal(cash) {
		t.Errorf("initial cash = %s, want 2500", resp.State.Cash.Initial)
	}
}

func TestCreateSession_InvalidSeries(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "POST", "/api/v1/sessions", session.CreateSessionRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty series, got %d", w.Code)
	}
}

func TestCreateSession_BadBody(t *testing.T) {
	_, router := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/sessions", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/sessions/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	_, router := newTestEnv(t)
	createSession(t, router, session.CreateSessionRequest{Series: flatSeries(3, 100)})
	createSession(t, router, session.CreateSessionRequest{Series: flatSeries(3, 100)})

	w := do(t, router, "GET", "/api/v1/sessions", nil)
	var list []store.Session
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(list))
	}
}

// --- Option trades ---

func TestOpenShortPut_ReservesAndArchives(t *testing.T) {
	ms, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", shortPutOpen(95, 3))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rep engine.TradeReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Opened == nil || len(rep.Opened.Legs) != 1 {
		t.Fatalf("opened = %+v", rep.Opened)
	}

	state := getState(t, router, id)
	if !state.Cash.Reserved.Equal(d(9500)) {
		t.Errorf("reserved = %s, want 9500", state.Cash.Reserved)
	}

	archived, _ := ms.LedgerEntries(context.Background(), id)
	var sawReserve, sawSell bool
	for _, e := range archived {
		sawReserve = sawReserve || e.Type == ledger.ReserveCash
		sawSell = sawSell || e.Type == ledger.SellOption
	}
	if !sawReserve || !sawSell {
		t.Errorf("archived ledger missing entries: %d entries", len(archived))
	}
}

func TestOpen_Template(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(40, 100)}).ID

	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", session.OpenRequest{Template: "long_straddle"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	state := getState(t, router, id)
	if len(state.Position.Legs) != 2 {
		t.Errorf("expected 2 legs, got %d", len(state.Position.Legs))
	}
	if state.DaysToExpiry == nil || *state.DaysToExpiry != 30 {
		t.Errorf("days to expiry = %v, want 30", state.DaysToExpiry)
	}
}

func TestOpen_UnknownTemplate(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", session.OpenRequest{Template: "butterfly"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestOpen_PositionAlreadyOpen(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", shortPutOpen(95, 3))
	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", shortPutOpen(90, 3))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpen_InsufficientCash(t *testing.T) {
	_, router := newTestEnv(t)
	cash := d(1000)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100), InitialCash: &cash}).ID

	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", shortPutOpen(95, 3))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	state := getState(t, router, id)
	if !state.Cash.Available.Equal(cash) || state.LedgerSize != 0 {
		t.Errorf("failed open changed state: cash %s, ledger %d", state.Cash.Available, state.LedgerSize)
	}
}

func TestOpen_EmptyDraft(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", session.OpenRequest{ExpiryDays: 5})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAddLegs_NoExpiry(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/add", session.AddLegsRequest{
		Legs: []options.LegDraft{{Side: model.Long, Right: model.Call, Quantity: 1, Strike: 105}},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestCloseLegs_IgnoresUnknown(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID
	do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", shortPutOpen(95, 3))

	legID := getState(t, router, id).Position.Legs[0].ID
	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/close", session.CloseRequest{
		Legs: map[string]int{legID: 5, "bogus": 1},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rep engine.TradeReport
	json.Unmarshal(w.Body.Bytes(), &rep)
	if !rep.Adjusted {
		t.Error("over-request and unknown id should mark the close adjusted")
	}

	state := getState(t, router, id)
	if !state.Position.IsEmpty() {
		t.Error("position should be flat after close")
	}
	if !state.Cash.Reserved.IsZero() {
		t.Errorf("collateral not released: %s", state.Cash.Reserved)
	}
}

func TestExercise_UnknownLeg(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/exercise", session.ExerciseRequest{LegID: "nope", Contracts: 1})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Advance and settlement ---

func TestAdvance_SettlesAndPersists(t *testing.T) {
	ms, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID
	do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", shortPutOpen(95, 3))

	var rep engine.DayReport
	for i := 0; i < 3; i++ {
		w := do(t, router, "POST", "/api/v1/sessions/"+id+"/advance", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("advance %d: %d %s", i, w.Code, w.Body.String())
		}
		json.Unmarshal(w.Body.Bytes(), &rep)
	}
	if rep.Index != 3 || !rep.Settlement.Settled {
		t.Fatalf("expected settlement on day 3, got %+v", rep)
	}

	state := getState(t, router, id)
	if !state.Position.IsEmpty() || !state.Cash.Reserved.IsZero() {
		t.Errorf("position %+v reserved %s after OTM expiry", state.Position, state.Cash.Reserved)
	}
	sess, _ := ms.LoadSession(context.Background(), id)
	if sess.Index != 3 {
		t.Errorf("stored index = %d, want 3", sess.Index)
	}
}

func TestSession_RestoresFromStore(t *testing.T) {
	ms, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID
	do(t, router, "POST", "/api/v1/sessions/"+id+"/stock/buy", session.StockRequest{Shares: 200})
	do(t, router, "POST", "/api/v1/sessions/"+id+"/advance", nil)
	before := getState(t, router, id)

	// A fresh service over the same store rebuilds the engine on first use.
	restored := getState(t, routerFor(ms), id)
	if restored.Index != before.Index || !restored.Cash.Available.Equal(before.Cash.Available) {
		t.Errorf("restored state differs: %+v vs %+v", restored, before)
	}
	if restored.LedgerSize != before.LedgerSize {
		t.Errorf("restored ledger size %d, want %d", restored.LedgerSize, before.LedgerSize)
	}
}

// --- Stock and dividends ---

func TestStock_BuySellDividend(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	if w := do(t, router, "POST", "/api/v1/sessions/"+id+"/stock/buy", session.StockRequest{Shares: 100}); w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, router, "POST", "/api/v1/sessions/"+id+"/stock/sell", session.StockRequest{Shares: 500}); w.Code != http.StatusConflict {
		t.Errorf("oversell: expected 409, got %d", w.Code)
	}
	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/dividend", session.DividendRequest{PerShare: d(0.5)})
	if w.Code != http.StatusOK {
		t.Fatalf("dividend: %d %s", w.Code, w.Body.String())
	}
	var en ledger.Entry
	json.Unmarshal(w.Body.Bytes(), &en)
	if !en.CashDelta.Equal(d(50)) {
		t.Errorf("dividend cash = %s, want 50", en.CashDelta)
	}
}

// --- Read-only views ---

func TestViews(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(40, 100)}).ID
	do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", shortPutOpen(95, 20))

	for _, path := range []string{"margin", "greeks", "history", "payoff", "ledger"} {
		w := do(t, router, "GET", "/api/v1/sessions/"+id+"/"+path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d: %s", path, w.Code, w.Body.String())
		}
	}

	var m engine.MarginReport
	json.Unmarshal(do(t, router, "GET", "/api/v1/sessions/"+id+"/margin", nil).Body.Bytes(), &m)
	if !m.Requirement.IsPositive() {
		t.Errorf("short put should carry a margin requirement, got %s", m.Requirement)
	}
}

func TestPreview_DoesNotBook(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/preview", options.Draft{
		ExpiryDays: 5, Legs: []options.LegDraft{{Side: model.Long, Right: model.Call, Quantity: 1, Strike: 100}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p engine.Preview
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Premium <= 0 {
		t.Errorf("long call premium should be a positive debit, got %v", p.Premium)
	}
	if getState(t, router, id).LedgerSize != 0 {
		t.Error("preview must not write the ledger")
	}
}

func TestStrategies(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID

	w := do(t, router, "GET", "/api/v1/sessions/"+id+"/strategies?seed=7&n=200", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res []strategy.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if len(res) != len(strategy.Templates()) {
		t.Errorf("expected %d results, got %d", len(strategy.Templates()), len(res))
	}

	if w := do(t, router, "GET", "/api/v1/sessions/"+id+"/strategies?n=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad n, got %d", w.Code)
	}
}

func TestLedgerCSV(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID
	do(t, router, "POST", "/api/v1/sessions/"+id+"/stock/buy", session.StockRequest{Shares: 10})

	w := do(t, router, "GET", "/api/v1/sessions/"+id+"/ledger.csv", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if lines[0] != strings.Join(ledger.CSVHeader, ",") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "BUY_STOCK") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestListTemplates(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/templates", nil)
	var out []map[string]string
	json.Unmarshal(w.Body.Bytes(), &out)
	if len(out) != 7 || out[0]["key"] != "long_call_atm" {
		t.Errorf("templates = %v", out)
	}
}

func getState(t *testing.T, router chi.Router, id string) engine.State {
	t.Helper()
	w := do(t, router, "GET", "/api/v1/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get session: %d %s", w.Code, w.Body.String())
	}
	var resp session.SessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return resp.State
}

func TestLedgerArchive(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{Series: flatSeries(10, 100)}).ID
	do(t, router, "POST", "/api/v1/sessions/"+id+"/stock/buy", session.StockRequest{Shares: 10})
	do(t, router, "POST", "/api/v1/sessions/"+id+"/dividend", session.DividendRequest{PerShare: d(1)})

	w := do(t, router, "GET", "/api/v1/sessions/"+id+"/ledger/archive", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []ledger.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if len(entries) != 2 || entries[0].Type != ledger.BuyStock || entries[1].Type != ledger.Dividend {
		t.Errorf("archive = %+v", entries)
	}

	if w := do(t, router, "GET", "/api/v1/sessions/missing/ledger/archive", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", w.Code)
	}
}

func TestCreateSession_InvalidEnv(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "POST", "/api/v1/sessions", session.CreateSessionRequest{
		Series: flatSeries(10, 100),
		Env:    &model.Env{R: 0.03, Sigma: -0.5},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative volatility, got %d", w.Code)
	}
}

func TestZeroVolatility_ViewsRespond(t *testing.T) {
	_, router := newTestEnv(t)
	id := createSession(t, router, session.CreateSessionRequest{
		Series: flatSeries(40, 100),
		Env:    &model.Env{R: 0.03, Sigma: 0},
	}).ID
	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/options/open", session.OpenRequest{
		ExpiryDays: 30, Legs: []options.LegDraft{{Side: model.Long, Right: model.Call, Quantity: 1, Strike: 100}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("open: %d %s", w.Code, w.Body.String())
	}

	getState(t, router, id)
	for _, path := range []string{"greeks", "history"} {
		w := do(t, router, "GET", "/api/v1/sessions/"+id+"/"+path, nil)
		if w.Code != http.StatusOK || !json.Valid(w.Body.Bytes()) {
			t.Errorf("%s: status %d body %q", path, w.Code, w.Body.String())
		}
	}
}
