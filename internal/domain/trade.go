package domain

import "time"

// PerformanceStats summarizes closed positions over a window.
type PerformanceStats struct {
	Since        time.Time
	TotalTrades  int
	Wins         int
	Losses       int
	Unknown      int // Closes without a known exit price
	WinRate      float64
	TotalPnL     float64
	AveragePnL   float64
	BestTrade    float64
	WorstTrade   float64
	ProfitFactor float64
	MaxDrawdown  float64
	ByReason     map[ExitReason]int
}
