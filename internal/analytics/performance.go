// Package analytics summarizes the closed positions of the ledger.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fusionbot/internal/domain"
)

// AnalyzePerformance calculates performance statistics from closed positions.
// Positions without a known PnL (external closes) are counted as Unknown and
// excluded from every money figure. MaxDrawdown is the largest fall of cumulative
// PnL from its running peak, in quote currency.
func AnalyzePerformance(positions []*domain.Position, since time.Time) domain.PerformanceStats {
	stats := domain.PerformanceStats{
		Since:    since,
		ByReason: make(map[domain.ExitReason]int),
	}

	closed := make([]*domain.Position, 0, len(positions))
	for _, p := range positions {
		if p.Status != domain.StatusClosed || p.ClosedAt == nil || p.ClosedAt.Before(since) {
			continue
		}
		closed = append(closed, p)
	}
	if len(closed) == 0 {
		return stats
	}

	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ClosedAt.Before(*closed[j].ClosedAt)
	})

	var (
		total, grossWin, grossLoss decimal.Decimal
		peak, drawdown             decimal.Decimal
		best, worst                = math.Inf(-1), math.Inf(1)
		known                      int
	)
	for _, p := range closed {
		stats.TotalTrades++
		stats.ByReason[p.ExitReason]++
		if p.PnLAmount == nil {
			stats.Unknown++
			continue
		}

		pnl := decimal.NewFromFloat(*p.PnLAmount)
		known++
		if pnl.IsPositive() {
			stats.Wins++
			grossWin = grossWin.Add(pnl)
		} else {
			stats.Losses++
			grossLoss = grossLoss.Add(pnl.Abs())
		}
		best = math.Max(best, *p.PnLAmount)
		worst = math.Min(worst, *p.PnLAmount)

		total = total.Add(pnl)
		if total.GreaterThan(peak) {
			peak = total
		}
		if dd := peak.Sub(total); dd.GreaterThan(drawdown) {
			drawdown = dd
		}
	}

	if known == 0 {
		return stats
	}
	stats.WinRate = float64(stats.Wins) / float64(known)
	stats.TotalPnL = total.InexactFloat64()
	stats.AveragePnL = total.Div(decimal.NewFromInt(int64(known))).InexactFloat64()
	stats.BestTrade = best
	stats.WorstTrade = worst
	stats.MaxDrawdown = drawdown.InexactFloat64()
	switch {
	case grossLoss.IsPositive():
		stats.ProfitFactor = grossWin.Div(grossLoss).InexactFloat64()
	case grossWin.IsPositive():
		stats.ProfitFactor = math.Inf(1)
	}
	return stats
}
