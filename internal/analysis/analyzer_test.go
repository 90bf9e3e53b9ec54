package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	debugMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.debugMsgs = append(m.debugMsgs, msg)
}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type stubSource struct {
	klines    []*domain.Kline
	err       error
	timeframe string
	limit     int
}

func (s *stubSource) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Kline, error) {
	s.timeframe, s.limit = timeframe, limit
	return s.klines, s.err
}

func series(n int, start, step float64) []*domain.Kline {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*domain.Kline, n)
	for i := range out {
		c := start + float64(i)*step
		out[i] = &domain.Kline{OpenTime: base.Add(time.Duration(i) * 4 * time.Hour), Open: c, High: c * 1.01, Low: c * 0.99, Close: c}
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		logger  ports.Logger
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, &mockLogger{}, false},
		{"nil logger", func(c *Config) {}, nil, true},
		{"short EMA not below long", func(c *Config) { c.EMAShortPeriod = 50 }, &mockLogger{}, true},
		{"zero period", func(c *Config) { c.RSIPeriod = 0 }, &mockLogger{}, true},
		{"too few candles", func(c *Config) { c.Candles = 40 }, &mockLogger{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, &stubSource{}, tt.logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAnalyzer_AnalyzeRisingMarket(t *testing.T) {
	src := &stubSource{klines: series(100, 100, 1)}
	logger := &mockLogger{}
	a, err := New(DefaultConfig(), src, logger)
	require.NoError(t, err)

	snap, err := a.Analyze(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	assert.Equal(t, "4h", src.timeframe)
	assert.Equal(t, 100, src.limit)
	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.Equal(t, 199.0, snap.CurrentPrice)
	assert.Equal(t, 100.0, snap.RSI, "only gains")
	assert.Equal(t, domain.RSIOverbought, snap.RSIZone)
	assert.Equal(t, domain.TrendBullish, snap.Trend)
	assert.Greater(t, snap.EMAShort, snap.EMALong)
	assert.Greater(t, snap.MACD, 0.0)
	assert.Greater(t, snap.ATRPercent, 0.0)
	assert.Len(t, logger.debugMsgs, 1)
}

func TestAnalyzer_AnalyzeFallingMarket(t *testing.T) {
	a, err := New(DefaultConfig(), &stubSource{klines: series(100, 300, -1)}, &mockLogger{})
	require.NoError(t, err)

	snap, err := a.Analyze(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, domain.TrendBearish, snap.Trend)
	assert.Equal(t, domain.RSIOversold, snap.RSIZone)
	assert.Less(t, snap.MACD, 0.0)
}

func TestAnalyzer_Errors(t *testing.T) {
	a, err := New(DefaultConfig(), &stubSource{err: errors.New("venue down")}, &mockLogger{})
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), "BTC/USDT")
	assert.ErrorContains(t, err, "venue down")

	a, err = New(DefaultConfig(), &stubSource{klines: series(30, 100, 1)}, &mockLogger{})
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), "BTC/USDT")
	assert.ErrorContains(t, err, "not enough candles")
}

func TestTrend(t *testing.T) {
	assert.Equal(t, domain.TrendBullish, Trend(110, 105, 100))
	assert.Equal(t, domain.TrendBearish, Trend(90, 95, 100))
	assert.Equal(t, domain.TrendNeutral, Trend(102, 105, 100))
	assert.Equal(t, domain.TrendNeutral, Trend(98, 95, 100))
}
