package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusionbot/internal/app"
	"fusionbot/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type fakeStatus struct {
	status    app.Status
	err       error
	lastSince time.Time
}

func (f *fakeStatus) Status(ctx context.Context, since time.Time) (app.Status, error) {
	f.lastSince = since
	return f.status, f.err
}

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, src *fakeStatus, cfg Config) *Server {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fusionbot_cycles_total 3\n"))
	})
	s, err := NewServer(cfg, src, metrics, nopLogger{})
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	fresh := now.Add(-30 * time.Second)
	old := now.Add(-10 * time.Minute)
	tests := []struct {
		name       string
		heartbeat  *time.Time
		err        error
		wantCode   int
		wantStatus string
	}{
		{"fresh heartbeat", &fresh, nil, http.StatusOK, "ok"},
		{"stale heartbeat", &old, nil, http.StatusServiceUnavailable, "stale"},
		{"no heartbeat yet", nil, nil, http.StatusServiceUnavailable, "stale"},
		{"ledger unreachable", nil, errors.New("disk I/O error"), http.StatusServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeStatus{
				status: app.Status{Exchange: "paper", Mode: domain.ModeDefensive, Heartbeat: tt.heartbeat},
				err:    tt.err,
			}
			w := get(t, newTestServer(t, src, Config{StaleAfter: 5 * time.Minute}), "/healthz")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.err != nil {
				assert.Contains(t, body["error"], "disk I/O error")
				return
			}
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, "DEFENSIVE", body["mode"])
			assert.Equal(t, "paper", body["exchange"])
		})
	}
}

func TestHealth_StaleCheckDisabled(t *testing.T) {
	src := &fakeStatus{status: app.Status{Mode: domain.ModeActive}}
	w := get(t, newTestServer(t, src, Config{}), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPositions(t *testing.T) {
	stopID := "STOP-1"
	src := &fakeStatus{status: app.Status{OpenPositions: []*domain.Position{{
		ID: 7, Symbol: "BTC/USDT", Side: domain.Buy, EntryPrice: 45000, Quantity: 0.1,
		VirtualSL: 44100, VirtualTP: 46800, CatastropheSL: 40500,
		ExchangeStopOrderID: &stopID, Status: domain.StatusOpen,
		OpenedAt: now.Add(-90 * time.Minute), SignalID: "sig-1", Confidence: 82,
	}}}}

	w := get(t, newTestServer(t, src, Config{}), "/positions")
	require.Equal(t, http.StatusOK, w.Code)

	var got []positionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, "BUY", got[0].Side)
	assert.Equal(t, "STOP-1", got[0].StopOrderID)
	assert.Equal(t, 90.0, got[0].AgeMinutes)
	assert.Equal(t, 40500.0, got[0].CatastropheSL)
}

func TestPositions_EmptyIsArray(t *testing.T) {
	w := get(t, newTestServer(t, &fakeStatus{}, Config{}), "/positions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestStats(t *testing.T) {
	src := &fakeStatus{status: app.Status{Performance: domain.PerformanceStats{
		TotalTrades:  2,
		Wins:         2,
		TotalPnL:     310,
		ProfitFactor: math.Inf(1),
		ByReason:     map[domain.ExitReason]int{domain.ExitVirtualTP: 2},
	}}}
	s := newTestServer(t, src, Config{})

	w := get(t, s, "/stats?days=30")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, now.Add(-30*24*time.Hour), src.lastSince)

	var got statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 30, got.Days)
	assert.Equal(t, 2, got.TotalTrades)
	assert.Nil(t, got.ProfitFactor)
	assert.Equal(t, map[string]int{"VIRTUAL_TP": 2}, got.ByReason)

	w = get(t, s, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, now.Add(-7*24*time.Hour), src.lastSince)
}

func TestStats_FiniteProfitFactor(t *testing.T) {
	resp := toStatsResponse(domain.PerformanceStats{ProfitFactor: 2.5}, 7)
	require.NotNil(t, resp.ProfitFactor)
	assert.Equal(t, 2.5, *resp.ProfitFactor)
}

func TestStats_BadDays(t *testing.T) {
	s := newTestServer(t, &fakeStatus{}, Config{})
	for _, q := range []string{"abc", "0", "-3", "1000"} {
		w := get(t, s, "/stats?days="+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestMetricsAndRouting(t *testing.T) {
	s := newTestServer(t, &fakeStatus{}, Config{})

	w := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fusionbot_cycles_total")

	w = get(t, s, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/positions", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewServer_RequiresStatus(t *testing.T) {
	_, err := NewServer(Config{}, nil, nil, nopLogger{})
	assert.Error(t, err)
}
