package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position represents a spot position tracked in the ledger.
type Position struct {
	ID     int64  // Ledger identifier
	Symbol string // Trading pair in BASE/QUOTE form (e.g., "BTC/USDT")
	Side   Side

	EntryPrice    float64 // Actual fill price of the entry order
	Quantity      float64 // Base currency amount
	VirtualSL     float64 // Locally enforced stop price
	VirtualTP     float64 // Locally enforced target price
	CatastropheSL float64 // Venue-enforced disaster stop price

	EntryOrderID        string
	ExchangeStopOrderID *string // Nil when no protective order is active

	Status   PositionStatus
	OpenedAt time.Time

	// Exit fields, nil until closed. ExitPrice and the PnL fields stay nil
	// when the exit price is unknown (external close).
	ExitPrice   *float64
	ExitReason  ExitReason
	ExitOrderID *string
	ClosedAt    *time.Time
	PnLAmount   *float64
	PnLPercent  *float64
	Unverified  bool // Exit inferred without venue evidence

	// Provenance of the entry decision
	SignalID   string
	Headline   string
	Confidence int
	Reasoning  string
}

// IsOpen reports whether the position still needs monitoring. A CLOSING
// position has an exit under way that is not yet recorded as closed.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusClosing
}

// Age returns how long the position has been open at now.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// Validate checks the price ladder and quantity invariants of an open position.
func (p *Position) Validate() error {
	if p.Quantity <= 0 {
		return fmt.Errorf("position %d: quantity must be positive, got %v", p.ID, p.Quantity)
	}
	switch p.Side {
	case Buy:
		if !(p.VirtualSL < p.EntryPrice && p.EntryPrice < p.VirtualTP) {
			return fmt.Errorf("position %d: expected virtual_sl < entry < virtual_tp, got %v/%v/%v", p.ID, p.VirtualSL, p.EntryPrice, p.VirtualTP)
		}
		if !(p.CatastropheSL < p.VirtualSL) {
			return fmt.Errorf("position %d: catastrophe stop %v must be below virtual stop %v", p.ID, p.CatastropheSL, p.VirtualSL)
		}
	case Sell:
		if !(p.VirtualTP < p.EntryPrice && p.EntryPrice < p.VirtualSL) {
			return fmt.Errorf("position %d: expected virtual_tp < entry < virtual_sl, got %v/%v/%v", p.ID, p.VirtualTP, p.EntryPrice, p.VirtualSL)
		}
		if !(p.CatastropheSL > p.VirtualSL) {
			return fmt.Errorf("position %d: catastrophe stop %v must be above virtual stop %v", p.ID, p.CatastropheSL, p.VirtualSL)
		}
	default:
		return fmt.Errorf("position %d: unknown side", p.ID)
	}
	return nil
}

// ComputePnL returns the realized profit and its fraction of the entry notional.
// BUY: (exit - entry) * qty. SELL: (entry - exit) * qty.
func ComputePnL(side Side, entryPrice, exitPrice, quantity float64) (amount float64, percent float64) {
	entry := decimal.NewFromFloat(entryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(quantity)

	diff := exit.Sub(entry)
	if side == Sell {
		diff = entry.Sub(exit)
	}
	amt := diff.Mul(qty)
	notional := entry.Mul(qty)
	if notional.IsZero() {
		return amt.InexactFloat64(), 0
	}
	return amt.InexactFloat64(), amt.Div(notional).InexactFloat64()
}

// StopOrderID returns the protective order id or "" when none is recorded.
func (p *Position) StopOrderID() string {
	if p.ExchangeStopOrderID == nil {
		return ""
	}
	return *p.ExchangeStopOrderID
}
