package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/metrics"
	"github.com/alanyoungcy/pricearena/internal/server/handler"
	"github.com/alanyoungcy/pricearena/internal/service"
	"github.com/alanyoungcy/pricearena/internal/store/memory"
)

const testPair = "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640"

type staticPrice struct{ price float64 }

func (p staticPrice) LastPrice() (float64, bool) { return p.price, p.price > 0 }

type staticFeed struct{ status domain.FeedStatus }

func (f staticFeed) Status() domain.FeedStatus { return f.status }

type stubCEX struct{}

func (stubCEX) Supports(exchange string) bool { return exchange == "binance" || exchange == "mexc" }

func (stubCEX) Price(context.Context, string, string) (float64, error) { return 100, nil }

type stubDEX struct{}

func (stubDEX) PairPrice(context.Context, string, string) (float64, error) { return 100, nil }

type countingLimiter struct {
	mu    sync.Mutex
	calls map[string]int
	limit int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[key]++
	return l.calls[key] <= l.limit, nil
}

type fixture struct {
	store  *memory.Store
	rounds *service.RoundEngine
	srv    *Server
}

func newFixture(t *testing.T, cfg Config, deps Deps, price float64) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(domain.LevelPolicy{Curve: domain.LevelCurve{Base: 5000, Growth: 1.15}}, 0)
	rounds := service.NewRoundEngine(store.Rounds(), staticPrice{price}, service.RoundConfig{
		Length:    time.Minute,
		BetWindow: 30 * time.Second,
		FeeRate:   0.1,
	}, service.RoundDeps{Ticks: store.Ticks()}, logger)
	spreads := service.NewSpreadTracker(store.Spreads(), stubCEX{}, stubDEX{}, service.SpreadConfig{
		OpenBps:        30,
		ConvergeBps:    10,
		UserTrackLimit: 1,
	}, service.SpreadDeps{}, logger)

	feed := staticFeed{status: domain.FeedStatus{Provider: "binance", Transport: domain.TransportStream, Connected: true, FailoverCount: 2}}
	m := metrics.New()
	if deps.Metrics == nil {
		deps.Metrics = m
	}
	srv := NewServer(cfg, Handlers{
		Health:  handler.NewHealthHandler("full", logger),
		Rounds:  handler.NewRoundHandler(rounds, logger),
		Feed:    handler.NewFeedHandler(feed),
		Spreads: handler.NewSpreadHandler(spreads, logger),
		Users:   handler.NewUserHandler(store, logger),
		Metrics: m.Handler(),
	}, nil, deps, logger)
	return &fixture{store: store, rounds: rounds, srv: srv}
}

func (f *fixture) do(t *testing.T, method, target, body string, hdr ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestPlaceBet_ErrorCodes(t *testing.T) {
	f := newFixture(t, Config{}, Deps{}, 100)
	ctx := context.Background()

	rec, body := f.do(t, http.MethodPost, "/api/bets", `{"user_id":"u","side":"BUY","amount":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "betting_closed", body["code"], "no round yet")

	require.NoError(t, f.rounds.Tick(ctx))
	_, err := f.store.CreditBalance(ctx, "u", 100)
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{"user_id":`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", `{"user_id":"u","side":"BUY","amount":1,"x":1}`, http.StatusBadRequest, "invalid_request"},
		{"missing user", `{"side":"BUY","amount":1}`, http.StatusBadRequest, "invalid_request"},
		{"bad side", `{"user_id":"u","side":"UP","amount":1}`, http.StatusBadRequest, "invalid_side"},
		{"zero amount", `{"user_id":"u","side":"BUY","amount":0}`, http.StatusBadRequest, "invalid_amount"},
		{"negative amount", `{"user_id":"u","side":"SELL","amount":-3}`, http.StatusBadRequest, "invalid_amount"},
		{"too much", `{"user_id":"u","side":"SELL","amount":101}`, http.StatusBadRequest, "insufficient_balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, http.MethodPost, "/api/bets", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["code"])
		})
	}

	rec, body = f.do(t, http.MethodPost, "/api/bets", `{"user_id":"u","side":"buy","amount":40}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "BUY", body["side"])
	assert.Equal(t, 40.0, body["amount"])

	rec, body = f.do(t, http.MethodGet, "/api/round", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OPEN", body["phase"])
	assert.Equal(t, 40.0, body["bank"])
	assert.Equal(t, 100.0, body["last_price"])
	assert.InDelta(t, 60, body["secs_left"], 1)

	rec, body = f.do(t, http.MethodGet, "/api/users/u", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60.0, body["balance"])
	assert.Equal(t, 1.0, body["level"])
}

func TestRoundState_NoRound(t *testing.T) {
	f := newFixture(t, Config{}, Deps{}, 0)
	rec, body := f.do(t, http.MethodGet, "/api/round", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, body["id"])
	assert.Nil(t, body["last_price"])
}

func TestSpreadRoutes(t *testing.T) {
	f := newFixture(t, Config{}, Deps{}, 100)

	rec, body := f.do(t, http.MethodPost, "/api/spreads", `{"user_id":"u","exchange":"kraken","symbol":"ETHUSDT","dex_input":"`+testPair+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_exchange", body["code"])

	rec, body = f.do(t, http.MethodPost, "/api/spreads", `{"user_id":"u","exchange":"binance","symbol":"ETHUSDT","dex_input":"not a pair"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_dex_input", body["code"])

	rec, body = f.do(t, http.MethodPost, "/api/spreads", `{"user_id":"u","exchange":"binance","symbol":"ETHUSDT"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_dex_input", body["code"])

	rec, body = f.do(t, http.MethodPost, "/api/spreads", `{"user_id":"u","exchange":"binance","symbol":"ETHUSDT","dex_input":"https://dexscreener.com/ethereum/`+testPair+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := body["track_id"].(float64)
	assert.Equal(t, 1.0, id)

	rec, body = f.do(t, http.MethodPost, "/api/spreads", `{"user_id":"u","exchange":"mexc","symbol":"ETHUSDT","dex_input":"`+testPair+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "track_limit", body["code"])

	rec, body = f.do(t, http.MethodGet, "/api/spreads/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["status"])
	assert.Nil(t, body["bps"], "not polled yet")

	rec, _ = f.do(t, http.MethodGet, "/api/spreads/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/spreads/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/spreads/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])

	rec, _ = f.do(t, http.MethodDelete, "/api/spreads/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserNotFound(t *testing.T) {
	f := newFixture(t, Config{}, Deps{}, 100)
	rec, body := f.do(t, http.MethodGet, "/api/users/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestFeedStatus(t *testing.T) {
	f := newFixture(t, Config{}, Deps{}, 100)
	rec, body := f.do(t, http.MethodGet, "/api/feed/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "binance", body["provider"])
	assert.Equal(t, "stream", body["transport"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, 2.0, body["failover_count"])
	assert.Nil(t, body["last_message_at"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"}, Deps{}, 100)

	rec, _ := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/api/round", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", body["code"])

	rec, _ = f.do(t, http.MethodGet, "/api/round", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/round", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/round", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBetRateLimit(t *testing.T) {
	limiter := &countingLimiter{limit: 2}
	f := newFixture(t, Config{BetRateLimit: 2, BetRateWindow: time.Second}, Deps{Limiter: limiter}, 100)
	require.NoError(t, f.rounds.Tick(context.Background()))

	body := `{"user_id":"u","side":"BUY","amount":0}`
	for range 2 {
		rec, _ := f.do(t, http.MethodPost, "/api/bets", body, "X-Forwarded-For", "10.0.0.1")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec, resp := f.do(t, http.MethodPost, "/api/bets", body, "X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", resp["code"])

	rec, _ = f.do(t, http.MethodPost, "/api/bets", body, "X-Forwarded-For", "10.0.0.2")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "other clients are unaffected")

	rec, _ = f.do(t, http.MethodGet, "/api/round", "", "X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
	assert.Equal(t, 3, limiter.calls["ratelimit:bets:10.0.0.1"])
}

func TestCORSAndRequestID(t *testing.T) {
	f := newFixture(t, Config{CORSOrigins: []string{"https://arena.example"}}, Deps{}, 100)

	rec, _ := f.do(t, http.MethodOptions, "/api/bets", "", "Origin", "https://arena.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://arena.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, _ = f.do(t, http.MethodGet, "/api/health", "", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	const id = "0b7c1f4e-5d7a-4c52-9a43-2f1d8e6b9c10"
	rec, _ = f.do(t, http.MethodGet, "/api/health", "", "X-Request-ID", id)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"}, Deps{}, 100)
	f.do(t, http.MethodGet, "/api/health", "")

	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `arena_http_requests_total{method="GET",route="GET /api/health",status="200"} 1`)
}

func TestArchiveRoutes(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(domain.LevelPolicy{}, 0)
	audit := store.Audit()
	require.NoError(t, audit.Log(ctx, "archive.run", map[string]any{"rounds": 3}))
	require.NoError(t, audit.Log(ctx, "round_recovered", nil))
	require.NoError(t, audit.Log(ctx, "archive.rounds", nil))

	trigger := make(chan struct{}, 1)
	srv := NewServer(Config{}, Handlers{
		Archive: handler.NewArchiveHandler(logger).WithTriggerChannel(trigger).WithAudit(audit),
	}, nil, Deps{}, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []domain.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "archive.rounds", runs[0].Event)
	assert.Equal(t, "archive.run", runs[1].Event)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive/runs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for range 2 {
		rec = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/archive/trigger", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
	assert.Len(t, trigger, 1)
}
