package indicators

import (
	"context"
	"fmt"

	"fusionbot/internal/domain"
)

// MACDConfig holds the three MACD periods.
type MACDConfig struct {
	Fast   int
	Slow   int
	Signal int
}

// MACDResult holds the latest and previous MACD readings.
type MACDResult struct {
	MACD       float64
	Signal     float64
	Histogram  float64
	PrevMACD   float64
	PrevSignal float64
}

// Classify reports crossovers between the previous and latest reading first,
// then the current side of the signal line.
func (r MACDResult) Classify() domain.MACDSignal {
	above := r.MACD > r.Signal
	prevAbove := r.PrevMACD > r.PrevSignal
	switch {
	case above && !prevAbove:
		return domain.MACDBullishCross
	case !above && prevAbove:
		return domain.MACDBearishCross
	case above:
		return domain.MACDBullish
	default:
		return domain.MACDBearish
	}
}

// MACD implements Moving Average Convergence Divergence.
type MACD struct {
	config MACDConfig
}

var _ Indicator = (*MACD)(nil)

// NewMACD creates a new MACD indicator instance
func NewMACD(config MACDConfig) *MACD {
	return &MACD{config: config}
}

// Name returns the name of the indicator
func (m *MACD) Name() string {
	return fmt.Sprintf("MACD(%d,%d,%d)", m.config.Fast, m.config.Slow, m.config.Signal)
}

// RequiredDataPoints covers the slow EMA, a full signal EMA and one prior reading.
func (m *MACD) RequiredDataPoints() int {
	return m.config.Slow + m.config.Signal
}

// Calculate returns the latest MACD line value.
func (m *MACD) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	res, err := m.Compute(Closes(klines))
	if err != nil {
		return 0, err
	}
	return res.MACD, nil
}

// Compute returns the MACD line, signal line and histogram of a close series.
func (m *MACD) Compute(closes []float64) (MACDResult, error) {
	if m.config.Fast <= 0 || m.config.Slow <= m.config.Fast || m.config.Signal <= 0 {
		return MACDResult{}, fmt.Errorf("invalid MACD periods %d/%d/%d", m.config.Fast, m.config.Slow, m.config.Signal)
	}
	if len(closes) < m.RequiredDataPoints() {
		return MACDResult{}, fmt.Errorf("not enough data (%d) to calculate %s, need %d", len(closes), m.Name(), m.RequiredDataPoints())
	}

	fast, err := EMASeries(closes, m.config.Fast)
	if err != nil {
		return MACDResult{}, err
	}
	slow, err := EMASeries(closes, m.config.Slow)
	if err != nil {
		return MACDResult{}, err
	}

	// Align the fast series with the slow one; both end at the last close.
	offset := len(fast) - len(slow)
	line := make([]float64, len(slow))
	for i := range slow {
		line[i] = fast[i+offset] - slow[i]
	}

	signal, err := EMASeries(line, m.config.Signal)
	if err != nil {
		return MACDResult{}, err
	}

	n, s := len(line), len(signal)
	res := MACDResult{
		MACD:      line[n-1],
		Signal:    signal[s-1],
		Histogram: line[n-1] - signal[s-1],
	}
	if s >= 2 {
		res.PrevMACD = line[n-2]
		res.PrevSignal = signal[s-2]
	} else {
		res.PrevMACD, res.PrevSignal = res.MACD, res.Signal
	}
	return res, nil
}
