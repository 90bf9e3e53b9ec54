package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.False(t, cfg.Live)
	assert.Equal(t, 10000.0, cfg.PaperBalance)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 3, cfg.Trading.MaxTotalPositions)
	assert.Equal(t, 4*time.Hour, cfg.Trading.MaxPositionDuration)
	assert.Equal(t, -0.10, cfg.Risk.CatastropheSLPct)
	assert.Equal(t, "4h", cfg.Analysis.Timeframe)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "MEDIUM", cfg.NotifyMinPriority)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("TRADING_MODE", "live")
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("SYMBOLS", "btc/usdt, eth/usdt")
	t.Setenv("MAX_TOTAL_POSITIONS", "2")
	t.Setenv("TRADE_COOLDOWN", "45m")
	t.Setenv("MIN_CONFIDENCE", "75")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Live)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 2, cfg.Trading.MaxTotalPositions)
	assert.Equal(t, 45*time.Minute, cfg.Trading.TradeCooldown)
	assert.Equal(t, 75, cfg.Trading.MinConfidence)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 50, cfg.SignalBatch)
}

func TestLoadConfig_CollectsEveryError(t *testing.T) {
	t.Setenv("TRADING_MODE", "live")
	t.Setenv("MAX_TOTAL_POSITIONS", "many")
	t.Setenv("LOOP_INTERVAL", "often")
	t.Setenv("MIN_CONFIDENCE", "40")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")

	_, err := LoadConfig()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "MAX_TOTAL_POSITIONS")
	assert.Contains(t, msg, "LOOP_INTERVAL")
	assert.Contains(t, msg, "min confidence")
	assert.Contains(t, msg, "BINANCE_API_KEY")
	assert.Contains(t, msg, "TELEGRAM_CHAT_ID")
}

func TestLoadConfig_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols: [BTC/USDT]
max_total_positions: 5
max_positions_per_symbol: 2
max_position_duration: 6h
defensive_floor: 3h
risk:
  virtual_tp_pct: 0.05
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_TOTAL_POSITIONS", "4")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 4, cfg.Trading.MaxTotalPositions, "environment wins over the file")
	assert.Equal(t, 2, cfg.Trading.MaxPositionsPerSymbol)
	assert.Equal(t, 6*time.Hour, cfg.Trading.MaxPositionDuration)
	assert.Equal(t, 3*time.Hour, cfg.Trading.DefensiveFloor)
	assert.Equal(t, 0.05, cfg.Risk.VirtualTPPct)
	assert.Equal(t, -0.02, cfg.Risk.VirtualSLPct)
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop_interval: soon\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop_interval")

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "failed to read CONFIG_FILE")
}

func TestValidate_LiveAfterOverride(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Live = true
	assert.ErrorContains(t, cfg.Validate(), "BINANCE_API_KEY")

	cfg.APIKey, cfg.SecretKey = "k", "s"
	assert.NoError(t, cfg.Validate())
}
