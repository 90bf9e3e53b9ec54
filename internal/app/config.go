package app

import (
	"errors"
	"fmt"
	"time"
)

// MinConfidenceFloor is the lowest oracle confidence an entry may ever be approved with.
const MinConfidenceFloor = 60

// Config holds the trading parameters of the application layer.
type Config struct {
	Symbols []string // Watchlist in BASE/QUOTE form

	MaxPositionsPerSymbol int
	MaxTotalPositions     int
	MaxPositionDuration   time.Duration // Open positions older than this close with TIME_DECAY

	MinConfidence  int           // Oracle confidence required for a BUY, never below MinConfidenceFloor
	TradeCooldown  time.Duration // Minimum time between two executed entries
	MaxSignalAge   time.Duration
	RSIUpperLimit  float64 // Entries are refused above this RSI
	RSILowerLimit  float64 // and below this one
	HeldThreshold  float64 // Fraction of the recorded quantity the venue must still hold
	DefensiveFloor time.Duration

	LoopInterval time.Duration
	DryRun       bool // Log orders instead of sending them
	Once         bool // Run a single cycle and return
}

// DefaultConfig returns the standard trading parameters.
func DefaultConfig() Config {
	return Config{
		Symbols:               []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		MaxPositionsPerSymbol: 1,
		MaxTotalPositions:     3,
		MaxPositionDuration:   4 * time.Hour,
		MinConfidence:         70,
		TradeCooldown:         30 * time.Minute,
		MaxSignalAge:          6 * time.Hour,
		RSIUpperLimit:         85,
		RSILowerLimit:         15,
		HeldThreshold:         0.9,
		DefensiveFloor:        2 * time.Hour,
		LoopInterval:          60 * time.Second,
	}
}

// Validate reports every invalid parameter at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("at least one symbol is required"))
	}
	if c.MaxPositionsPerSymbol <= 0 {
		errs = append(errs, fmt.Errorf("max positions per symbol must be positive, got %d", c.MaxPositionsPerSymbol))
	}
	if c.MaxTotalPositions < c.MaxPositionsPerSymbol {
		errs = append(errs, fmt.Errorf("max total positions %d must be at least the per-symbol cap %d", c.MaxTotalPositions, c.MaxPositionsPerSymbol))
	}
	if c.MaxPositionDuration <= 0 {
		errs = append(errs, fmt.Errorf("max position duration must be positive, got %s", c.MaxPositionDuration))
	}
	if c.MinConfidence < MinConfidenceFloor || c.MinConfidence > 100 {
		errs = append(errs, fmt.Errorf("min confidence must be in [%d, 100], got %d", MinConfidenceFloor, c.MinConfidence))
	}
	if c.TradeCooldown < 0 {
		errs = append(errs, fmt.Errorf("trade cooldown must not be negative, got %s", c.TradeCooldown))
	}
	if c.MaxSignalAge <= 0 {
		errs = append(errs, fmt.Errorf("max signal age must be positive, got %s", c.MaxSignalAge))
	}
	if c.RSILowerLimit < 0 || c.RSIUpperLimit > 100 || c.RSILowerLimit >= c.RSIUpperLimit {
		errs = append(errs, fmt.Errorf("rsi limits must satisfy 0 <= lower < upper <= 100, got %v/%v", c.RSILowerLimit, c.RSIUpperLimit))
	}
	if c.HeldThreshold <= 0 || c.HeldThreshold > 1 {
		errs = append(errs, fmt.Errorf("held threshold must be in (0, 1], got %v", c.HeldThreshold))
	}
	if c.DefensiveFloor < 0 {
		errs = append(errs, fmt.Errorf("defensive mode duration must not be negative, got %s", c.DefensiveFloor))
	}
	if c.LoopInterval <= 0 {
		errs = append(errs, fmt.Errorf("loop interval must be positive, got %s", c.LoopInterval))
	}
	return errors.Join(errs...)
}
