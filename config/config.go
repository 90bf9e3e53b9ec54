package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fusionbot/internal/adapters/logger"
	"fusionbot/internal/analysis"
	"fusionbot/internal/app"
	"fusionbot/internal/risk"
)

// Config holds all application configuration.
type Config struct {
	// Venue
	Live       bool // Trade on Binance; paper trading otherwise
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string

	// Paper venue
	PaperBalance float64
	PaperFeeRate float64

	// Trading loop, sizing and indicators
	Trading  app.Config
	Risk     risk.RiskConfig
	Analysis analysis.Config

	// Decision oracle; empty URL means every cycle waits
	OracleURL     string
	OracleAPIKey  string
	OracleTimeout time.Duration

	// Redis feeds and cycle lock; empty address disables them
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SignalBatch   int
	RiskMaxAge    time.Duration
	LockTTL       time.Duration

	// Alerts
	TelegramToken     string
	TelegramChatID    string
	NotifyMinPriority string

	// Database
	DBPath string

	// Logging
	LogLevel    string
	LogEncoding string

	// Admin HTTP server; empty address disables it
	AdminAddr           string
	HeartbeatStaleAfter time.Duration
}

// fileConfig is the optional YAML overlay for trading parameters.
type fileConfig struct {
	Symbols               []string `yaml:"symbols"`
	MaxPositionsPerSymbol *int     `yaml:"max_positions_per_symbol"`
	MaxTotalPositions     *int     `yaml:"max_total_positions"`
	MaxPositionDuration   string   `yaml:"max_position_duration"`
	MinConfidence         *int     `yaml:"min_confidence"`
	TradeCooldown         string   `yaml:"trade_cooldown"`
	MaxSignalAge          string   `yaml:"max_signal_age"`
	RSIUpperLimit         *float64 `yaml:"rsi_upper_limit"`
	RSILowerLimit         *float64 `yaml:"rsi_lower_limit"`
	HeldThreshold         *float64 `yaml:"held_threshold"`
	DefensiveFloor        string   `yaml:"defensive_floor"`
	LoopInterval          string   `yaml:"loop_interval"`

	Risk struct {
		RiskPerTrade     *float64 `yaml:"risk_per_trade"`
		MaxPositionPct   *float64 `yaml:"max_position_pct"`
		FeeRate          *float64 `yaml:"fee_rate"`
		VirtualSLPct     *float64 `yaml:"virtual_sl_pct"`
		VirtualTPPct     *float64 `yaml:"virtual_tp_pct"`
		CatastropheSLPct *float64 `yaml:"catastrophe_sl_pct"`
	} `yaml:"risk"`
}

// LoadConfig loads configuration from the environment (.env file included),
// overlaid by the YAML file named in CONFIG_FILE for trading parameters.
// Environment variables win over the file. Every invalid value is reported.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{
		Trading:  app.DefaultConfig(),
		Risk:     risk.DefaultRiskConfig(),
		Analysis: analysis.DefaultConfig(),
	}
	var errs []string

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			errs = append(errs, err.Error())
		}
	}

	// Venue
	mode := strings.ToLower(getEnv("TRADING_MODE", "paper"))
	switch mode {
	case "paper", "live":
		cfg.Live = mode == "live"
	default:
		errs = append(errs, fmt.Sprintf("TRADING_MODE must be paper or live, got %q", mode))
	}
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.UseTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.BaseURL = getEnv("BINANCE_BASE_URL", "")

	// Trading parameters
	if symbols := getEnv("SYMBOLS", ""); symbols != "" {
		cfg.Trading.Symbols = splitList(symbols)
	}
	intVar(&errs, "MAX_POSITIONS_PER_SYMBOL", &cfg.Trading.MaxPositionsPerSymbol, cfg.Trading.MaxPositionsPerSymbol)
	intVar(&errs, "MAX_TOTAL_POSITIONS", &cfg.Trading.MaxTotalPositions, cfg.Trading.MaxTotalPositions)
	durationVar(&errs, "MAX_POSITION_DURATION", &cfg.Trading.MaxPositionDuration, cfg.Trading.MaxPositionDuration)
	intVar(&errs, "MIN_CONFIDENCE", &cfg.Trading.MinConfidence, cfg.Trading.MinConfidence)
	durationVar(&errs, "TRADE_COOLDOWN", &cfg.Trading.TradeCooldown, cfg.Trading.TradeCooldown)
	durationVar(&errs, "MAX_SIGNAL_AGE", &cfg.Trading.MaxSignalAge, cfg.Trading.MaxSignalAge)
	floatVar(&errs, "RSI_UPPER_LIMIT", &cfg.Trading.RSIUpperLimit, cfg.Trading.RSIUpperLimit)
	floatVar(&errs, "RSI_LOWER_LIMIT", &cfg.Trading.RSILowerLimit, cfg.Trading.RSILowerLimit)
	floatVar(&errs, "HELD_THRESHOLD", &cfg.Trading.HeldThreshold, cfg.Trading.HeldThreshold)
	durationVar(&errs, "DEFENSIVE_FLOOR", &cfg.Trading.DefensiveFloor, cfg.Trading.DefensiveFloor)
	durationVar(&errs, "LOOP_INTERVAL", &cfg.Trading.LoopInterval, cfg.Trading.LoopInterval)
	cfg.Trading.DryRun = getEnvAsBool("DRY_RUN", false)

	// Sizing
	floatVar(&errs, "RISK_PER_TRADE", &cfg.Risk.RiskPerTrade, cfg.Risk.RiskPerTrade)
	floatVar(&errs, "MAX_POSITION_PCT", &cfg.Risk.MaxPositionPct, cfg.Risk.MaxPositionPct)
	floatVar(&errs, "FEE_RATE", &cfg.Risk.FeeRate, cfg.Risk.FeeRate)
	floatVar(&errs, "MIN_NOTIONAL", &cfg.Risk.MinNotional, cfg.Risk.MinNotional)

	// Paper venue
	floatVar(&errs, "PAPER_BALANCE", &cfg.PaperBalance, 10000)
	floatVar(&errs, "PAPER_FEE_RATE", &cfg.PaperFeeRate, cfg.Risk.FeeRate)
	floatVar(&errs, "VIRTUAL_SL_PCT", &cfg.Risk.VirtualSLPct, cfg.Risk.VirtualSLPct)
	floatVar(&errs, "VIRTUAL_TP_PCT", &cfg.Risk.VirtualTPPct, cfg.Risk.VirtualTPPct)
	floatVar(&errs, "CATASTROPHE_SL_PCT", &cfg.Risk.CatastropheSLPct, cfg.Risk.CatastropheSLPct)

	// Indicators
	cfg.Analysis.Timeframe = getEnv("ANALYSIS_TIMEFRAME", cfg.Analysis.Timeframe)
	intVar(&errs, "ANALYSIS_CANDLES", &cfg.Analysis.Candles, cfg.Analysis.Candles)

	// Oracle
	cfg.OracleURL = getEnv("ORACLE_URL", "")
	cfg.OracleAPIKey = getEnv("ORACLE_API_KEY", "")
	durationVar(&errs, "ORACLE_TIMEOUT", &cfg.OracleTimeout, 30*time.Second)

	// Redis
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	intVar(&errs, "REDIS_DB", &cfg.RedisDB, 0)
	cfg.RedisPrefix = getEnv("REDIS_PREFIX", "fusionbot")
	intVar(&errs, "SIGNAL_BATCH", &cfg.SignalBatch, 50)
	durationVar(&errs, "RISK_MAX_AGE", &cfg.RiskMaxAge, 30*time.Minute)
	durationVar(&errs, "CYCLE_LOCK_TTL", &cfg.LockTTL, 5*time.Minute)

	// Alerts
	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	cfg.NotifyMinPriority = strings.ToUpper(getEnv("NOTIFY_MIN_PRIORITY", "MEDIUM"))

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/fusionbot.db")

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "info")).String()
	cfg.LogEncoding = getEnv("LOG_ENCODING", "json")

	// Admin
	cfg.AdminAddr = getEnv("ADMIN_ADDR", ":9090")
	durationVar(&errs, "HEARTBEAT_STALE_AFTER", &cfg.HeartbeatStaleAfter, 5*time.Minute)

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate checks the cross-field rules. It is run again after command-line
// overrides are applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Live && (c.APIKey == "" || c.SecretKey == "") {
		errs = append(errs, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET must be set for live trading"))
	}
	if !c.Live && c.PaperBalance <= 0 {
		errs = append(errs, errors.New("PAPER_BALANCE must be positive"))
	}
	if err := c.Trading.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Analysis.Candles < c.Analysis.EMALongPeriod {
		errs = append(errs, fmt.Errorf("ANALYSIS_CANDLES %d must cover the long EMA period %d", c.Analysis.Candles, c.Analysis.EMALongPeriod))
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	switch c.NotifyMinPriority {
	case "INFO", "MEDIUM", "HIGH", "CRITICAL":
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_MIN_PRIORITY must be INFO, MEDIUM, HIGH or CRITICAL, got %q", c.NotifyMinPriority))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH must be set"))
	}
	if c.LogEncoding != "json" && c.LogEncoding != "console" {
		errs = append(errs, fmt.Errorf("LOG_ENCODING must be json or console, got %q", c.LogEncoding))
	}
	if c.RedisAddr != "" && c.SignalBatch <= 0 {
		errs = append(errs, errors.New("SIGNAL_BATCH must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CONFIG_FILE %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("failed to parse CONFIG_FILE %s: %w", path, err)
	}

	var errs []string
	t := &c.Trading
	if len(fc.Symbols) > 0 {
		t.Symbols = fc.Symbols
	}
	setInt(&t.MaxPositionsPerSymbol, fc.MaxPositionsPerSymbol)
	setInt(&t.MaxTotalPositions, fc.MaxTotalPositions)
	setInt(&t.MinConfidence, fc.MinConfidence)
	setFloat(&t.RSIUpperLimit, fc.RSIUpperLimit)
	setFloat(&t.RSILowerLimit, fc.RSILowerLimit)
	setFloat(&t.HeldThreshold, fc.HeldThreshold)
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"max_position_duration", fc.MaxPositionDuration, &t.MaxPositionDuration},
		{"trade_cooldown", fc.TradeCooldown, &t.TradeCooldown},
		{"max_signal_age", fc.MaxSignalAge, &t.MaxSignalAge},
		{"defensive_floor", fc.DefensiveFloor, &t.DefensiveFloor},
		{"loop_interval", fc.LoopInterval, &t.LoopInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s in %s: %v", d.key, path, err))
			continue
		}
		*d.dst = v
	}

	setFloat(&c.Risk.RiskPerTrade, fc.Risk.RiskPerTrade)
	setFloat(&c.Risk.MaxPositionPct, fc.Risk.MaxPositionPct)
	setFloat(&c.Risk.FeeRate, fc.Risk.FeeRate)
	setFloat(&c.Risk.VirtualSLPct, fc.Risk.VirtualSLPct)
	setFloat(&c.Risk.VirtualTPPct, fc.Risk.VirtualTPPct)
	setFloat(&c.Risk.CatastropheSLPct, fc.Risk.CatastropheSLPct)

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// intVar sets dst from key, or to defaultValue when unset. A malformed value is
// recorded in errs.
func intVar(errs *[]string, key string, dst *int, defaultValue int) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		*dst = defaultValue
		return
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid integer value '%s' for key %s", valueStr, key))
		return
	}
	*dst = value
}

func floatVar(errs *[]string, key string, dst *float64, defaultValue float64) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		*dst = defaultValue
		return
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid float value '%s' for key %s", valueStr, key))
		return
	}
	*dst = value
}

func durationVar(errs *[]string, key string, dst *time.Duration, defaultValue time.Duration) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		*dst = defaultValue
		return
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid duration value '%s' for key %s", valueStr, key))
		return
	}
	*dst = value
}
