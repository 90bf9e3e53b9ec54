package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// RiskConfig holds configuration for position sizing and price levels.
type RiskConfig struct {
	RiskPerTrade     float64 // Fraction of free balance put at risk per trade
	MaxPositionPct   float64 // Fraction of free balance a single position may spend
	FeeRate          float64 // Taker fee applied to the spend cap
	MinNotional      float64 // Venue minimum order value in quote currency
	VirtualSLPct     float64 // Signed offset, e.g. -0.02
	VirtualTPPct     float64 // Signed offset, e.g. +0.04
	CatastropheSLPct float64 // Signed offset, e.g. -0.10
}

// DefaultRiskConfig returns the standard sizing parameters.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		RiskPerTrade:     0.02,
		MaxPositionPct:   0.30,
		FeeRate:          0.001,
		MinNotional:      10,
		VirtualSLPct:     -0.02,
		VirtualTPPct:     0.04,
		CatastropheSLPct: -0.10,
	}
}

// Validate checks that the configured offsets produce a valid BUY ladder.
func (c RiskConfig) Validate() error {
	var errs []error
	if c.RiskPerTrade <= 0 || c.RiskPerTrade > 1 {
		errs = append(errs, fmt.Errorf("risk per trade must be in (0, 1], got %v", c.RiskPerTrade))
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		errs = append(errs, fmt.Errorf("max position pct must be in (0, 1], got %v", c.MaxPositionPct))
	}
	if c.FeeRate < 0 {
		errs = append(errs, fmt.Errorf("fee rate must not be negative, got %v", c.FeeRate))
	}
	if c.VirtualSLPct >= 0 {
		errs = append(errs, fmt.Errorf("virtual stop offset must be negative, got %v", c.VirtualSLPct))
	}
	if c.VirtualTPPct <= 0 {
		errs = append(errs, fmt.Errorf("virtual target offset must be positive, got %v", c.VirtualTPPct))
	}
	if c.CatastropheSLPct >= c.VirtualSLPct {
		errs = append(errs, fmt.Errorf("catastrophe offset %v must be below virtual stop offset %v", c.CatastropheSLPct, c.VirtualSLPct))
	}
	return errors.Join(errs...)
}

// Levels are the stop and target prices derived from a fill.
type Levels struct {
	VirtualSL     float64
	VirtualTP     float64
	CatastropheSL float64
}

// RiskManager sizes positions and derives their exit ladder.
type RiskManager struct {
	config RiskConfig
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig) *RiskManager {
	return &RiskManager{config: config}
}

// Config returns the sizing parameters.
func (r *RiskManager) Config() RiskConfig {
	return r.config
}

// GetPositionSize calculates the base quantity to buy at entryPrice with free quote balance.
// The smaller of the risk-based size and the spend cap wins; the result is raised to the
// venue minimum notional when it falls short.
func (r *RiskManager) GetPositionSize(balance, entryPrice float64) (float64, error) {
	if entryPrice <= 0 {
		return 0, fmt.Errorf("entry price must be positive, got %v: %w", entryPrice, ports.ErrInvalidRequest)
	}
	if balance <= 0 {
		return 0, ports.NewExchangeError("GetPositionSize", ports.KindInsufficientBalance,
			fmt.Errorf("free balance %v", balance))
	}

	bal := decimal.NewFromFloat(balance)
	entry := decimal.NewFromFloat(entryPrice)
	stop := r.stopFor(entry, r.config.VirtualSLPct)
	one := decimal.NewFromInt(1)

	riskAmount := bal.Mul(decimal.NewFromFloat(r.config.RiskPerTrade))
	unitRisk := entry.Sub(stop).Abs()
	kelly := riskAmount.Div(unitRisk)

	spendCap := bal.Mul(decimal.NewFromFloat(r.config.MaxPositionPct)).
		Div(one.Add(decimal.NewFromFloat(r.config.FeeRate)))
	capQty := spendCap.Div(entry)

	qty := decimal.Min(kelly, capQty)

	minNotional := decimal.NewFromFloat(r.config.MinNotional)
	if qty.Mul(entry).LessThan(minNotional) {
		qty = minNotional.Div(entry)
		cost := minNotional.Mul(one.Add(decimal.NewFromFloat(r.config.FeeRate)))
		if cost.GreaterThan(bal) {
			return 0, ports.NewExchangeError("GetPositionSize", ports.KindInsufficientBalance,
				fmt.Errorf("minimum order %s exceeds free balance %s", cost.StringFixed(2), bal.StringFixed(2)))
		}
	}
	return qty.InexactFloat64(), nil
}

// GetLevels derives the ladder from the actual fill price of a position.
func (r *RiskManager) GetLevels(side domain.Side, fillPrice float64) Levels {
	fill := decimal.NewFromFloat(fillPrice)
	sign := 1.0
	if side == domain.Sell {
		sign = -1.0
	}
	return Levels{
		VirtualSL:     r.stopFor(fill, sign*r.config.VirtualSLPct).InexactFloat64(),
		VirtualTP:     r.stopFor(fill, sign*r.config.VirtualTPPct).InexactFloat64(),
		CatastropheSL: r.stopFor(fill, sign*r.config.CatastropheSLPct).InexactFloat64(),
	}
}

func (r *RiskManager) stopFor(price decimal.Decimal, offset float64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(offset)))
}
