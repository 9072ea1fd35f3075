package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ema-sentinel/internal/model"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProvider struct {
	pairs map[string]model.InstrumentSnapshot
}

func (f *fakeProvider) Status(ctx context.Context) model.StatusSnapshot {
	var s model.StatusSnapshot
	s.Status.Connection = "SUBSCRIBED"
	s.Status.ActiveSymbols = len(f.pairs)
	s.Status.AlertsToday = 3
	for _, p := range f.pairs {
		s.Pairs = append(s.Pairs, p)
	}
	return s
}

func (f *fakeProvider) Pair(symbol string) (model.InstrumentSnapshot, bool) {
	p, ok := f.pairs[symbol]
	return p, ok
}

type fakeHistory struct {
	alerts    []model.Alert
	err       error
	gotSymbol string
	gotLimit  int
}

func (f *fakeHistory) Recent(ctx context.Context, symbol string, limit int) ([]model.Alert, error) {
	f.gotSymbol, f.gotLimit = symbol, limit
	return f.alerts, f.err
}

func newProvider() *fakeProvider {
	return &fakeProvider{pairs: map[string]model.InstrumentSnapshot{
		"BTCUSDT": {
			Symbol:    "BTCUSDT",
			Price:     99.91666666,
			EMA:       100.90909090,
			Deviation: -0.98348348,
			Position:  model.PositionBelow,
			Ready:     true,
		},
	}}
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestStatus_RoundsPairs(t *testing.T) {
	s := NewServer(":0", newProvider(), nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}

	var body struct {
		Status struct {
			Connection    string `json:"connection"`
			ActiveSymbols int    `json:"active_symbols"`
			AlertsToday   int    `json:"alerts_today"`
		} `json:"status"`
		Pairs []struct {
			Symbol    string  `json:"symbol"`
			Price     float64 `json:"price"`
			EMA       float64 `json:"ema21"`
			Deviation float64 `json:"deviation"`
			Position  string  `json:"position"`
		} `json:"pairs"`
	}
	decode(t, rec, &body)

	if body.Status.Connection != "SUBSCRIBED" || body.Status.ActiveSymbols != 1 || body.Status.AlertsToday != 3 {
		t.Errorf("status = %+v", body.Status)
	}
	if len(body.Pairs) != 1 {
		t.Fatalf("pairs = %d", len(body.Pairs))
	}
	p := body.Pairs[0]
	if p.Price != 99.9167 || p.EMA != 100.9091 || p.Deviation != -0.98 || p.Position != "below" {
		t.Errorf("pair = %+v", p)
	}
}

func TestPair(t *testing.T) {
	s := NewServer(":0", newProvider(), nil, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/pairs/btcusdt")
	if rec.Code != http.StatusOK {
		t.Fatalf("known pair: code = %d", rec.Code)
	}
	var p struct {
		Symbol string  `json:"symbol"`
		EMA    float64 `json:"ema21"`
	}
	decode(t, rec, &p)
	if p.Symbol != "BTCUSDT" || p.EMA != 100.9091 {
		t.Errorf("pair = %+v", p)
	}

	rec = do(t, s.Handler(), http.MethodGet, "/api/pairs/DOGEUSDT")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown pair: code = %d", rec.Code)
	}
}

func TestAlerts(t *testing.T) {
	hist := &fakeHistory{alerts: []model.Alert{{
		ID:        "a1",
		Symbol:    "BTCUSDT",
		Direction: model.CrossUp,
		TS:        time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}}}
	s := NewServer(":0", newProvider(), hist, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/alerts?symbol=btcusdt&limit=10000")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if hist.gotSymbol != "BTCUSDT" || hist.gotLimit != maxAlertLimit {
		t.Errorf("query = %q/%d", hist.gotSymbol, hist.gotLimit)
	}
	var body struct {
		Alerts []model.Alert `json:"alerts"`
	}
	decode(t, rec, &body)
	if len(body.Alerts) != 1 || body.Alerts[0].ID != "a1" {
		t.Errorf("alerts = %+v", body.Alerts)
	}

	if rec := do(t, s.Handler(), http.MethodGet, "/api/alerts?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: code = %d", rec.Code)
	}
	do(t, s.Handler(), http.MethodGet, "/api/alerts")
	if hist.gotLimit != defaultAlertLimit {
		t.Errorf("default limit = %d", hist.gotLimit)
	}

	hist.err = errors.New("disk gone")
	if rec := do(t, s.Handler(), http.MethodGet, "/api/alerts"); rec.Code != http.StatusInternalServerError {
		t.Errorf("history error: code = %d", rec.Code)
	}
}

func TestAlerts_JournalDisabled(t *testing.T) {
	s := NewServer(":0", newProvider(), nil, nil)
	if rec := do(t, s.Handler(), http.MethodGet, "/api/alerts"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestHealthzAndCORS(t *testing.T) {
	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s := NewServer(":0", newProvider(), nil, health)

	if rec := do(t, s.Handler(), http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz code = %d", rec.Code)
	}

	rec := do(t, s.Handler(), http.MethodOptions, "/api/status")
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight code = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}
