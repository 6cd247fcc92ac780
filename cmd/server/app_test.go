package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propdesk/challenge-engine/internal/config"
	"github.com/propdesk/challenge-engine/internal/marketdata"
	"github.com/propdesk/challenge-engine/internal/store"
	"github.com/propdesk/challenge-engine/internal/trade"
)

func TestSelectInstruments(t *testing.T) {
	defaults := marketdata.DefaultCryptoInstruments()

	assert.Equal(t, defaults, selectInstruments(defaults, nil))

	got := selectInstruments(defaults, []string{defaults[0].Symbol, " doge-usd ", ""})
	require.Len(t, got, 2)
	assert.Equal(t, defaults[0], got[0])
	assert.Equal(t, marketdata.Instrument{Symbol: "DOGE-USD"}, got[1])
}

func TestBuildFeeds_SkipsDisabled(t *testing.T) {
	cfg := config.Default()
	assert.Len(t, buildFeeds(cfg), 2)

	cfg.Feeds.Exchange.Disabled = true
	feeds := buildFeeds(cfg)
	require.Len(t, feeds, 1)
	assert.Equal(t, marketdata.FamilyCrypto, feeds[0].Source.Family())
}

func TestNewApp_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "engine.db")

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()

	_, ok := a.store.(*store.SQLiteStore)
	assert.True(t, ok, "expected sqlite store, got %T", a.store)

	sum, err := a.monitor.RunPeriodicCheck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Checked)
}

func TestRouter_HealthAndCORS(t *testing.T) {
	cfg := config.Default()
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()

	hub := trade.NewWSHub()
	h := newRouter(trade.NewService(a.store, a.monitor, a.quotes, a.snapshots, hub), hub)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"challenge-engine"}`, w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/trades", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/challenges/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
