// Package analysis turns recent candles into a technical snapshot for entry screening.
package analysis

import (
	"context"
	"fmt"
	"time"

	"fusionbot/internal/analysis/indicators"
	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// CandleSource supplies candles oldest first. ports.ExchangeGateway satisfies it.
type CandleSource interface {
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Kline, error)
}

// Config holds parameters for the technical analyzer.
type Config struct {
	Timeframe      string  // e.g., "4h"
	Candles        int     // Candles fetched per analysis, e.g., 100
	RSIPeriod      int     // e.g., 14
	RSIOverbought  float64 // e.g., 70.0
	RSIOversold    float64 // e.g., 30.0
	EMAShortPeriod int     // e.g., 20
	EMALongPeriod  int     // e.g., 50
	MACDFast       int     // e.g., 12
	MACDSlow       int     // e.g., 26
	MACDSignal     int     // e.g., 9
	ATRPeriod      int     // e.g., 14
}

// DefaultConfig returns the standard 4h indicator set.
func DefaultConfig() Config {
	return Config{
		Timeframe:      "4h",
		Candles:        100,
		RSIPeriod:      14,
		RSIOverbought:  70,
		RSIOversold:    30,
		EMAShortPeriod: 20,
		EMALongPeriod:  50,
		MACDFast:       12,
		MACDSlow:       26,
		MACDSignal:     9,
		ATRPeriod:      14,
	}
}

// Analyzer implements ports.TechnicalAnalyzer.
type Analyzer struct {
	cfg    Config
	source CandleSource
	logger ports.Logger
	now    func() time.Time

	rsi       *indicators.RSI
	emaShort  *indicators.MovingAverage
	emaLong   *indicators.MovingAverage
	macd      *indicators.MACD
	atr       *indicators.ATR
	minCandle int
}

var _ ports.TechnicalAnalyzer = (*Analyzer)(nil)

// New creates a new Analyzer instance.
func New(cfg Config, source CandleSource, logger ports.Logger) (*Analyzer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for analyzer")
	}
	if source == nil {
		return nil, fmt.Errorf("candle source is required for analyzer")
	}
	if cfg.RSIPeriod <= 0 || cfg.EMAShortPeriod <= 0 || cfg.EMALongPeriod <= 0 || cfg.ATRPeriod <= 0 {
		return nil, fmt.Errorf("indicator periods must be positive")
	}
	if cfg.EMAShortPeriod >= cfg.EMALongPeriod {
		return nil, fmt.Errorf("short EMA period must be less than long EMA period")
	}

	a := &Analyzer{
		cfg:    cfg,
		source: source,
		logger: logger,
		now:    time.Now,
		rsi: indicators.NewRSI(indicators.RSIConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.RSIPeriod},
			Overbought:      cfg.RSIOverbought,
			Oversold:        cfg.RSIOversold,
		}),
		emaShort: indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.EMAShortPeriod},
			Type:            indicators.ExponentialMovingAverage,
		}),
		emaLong: indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.EMALongPeriod},
			Type:            indicators.ExponentialMovingAverage,
		}),
		macd: indicators.NewMACD(indicators.MACDConfig{Fast: cfg.MACDFast, Slow: cfg.MACDSlow, Signal: cfg.MACDSignal}),
		atr:  indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.ATRPeriod}}),
	}
	for _, ind := range []indicators.Indicator{a.rsi, a.emaShort, a.emaLong, a.macd, a.atr} {
		if n := ind.RequiredDataPoints(); n > a.minCandle {
			a.minCandle = n
		}
	}
	if cfg.Candles < a.minCandle {
		return nil, fmt.Errorf("candle limit %d below the %d required by the indicator set", cfg.Candles, a.minCandle)
	}
	return a, nil
}

// RequiredDataPoints returns the minimum number of candles the indicator set needs.
func (a *Analyzer) RequiredDataPoints() int {
	return a.minCandle
}

// Analyze fetches recent candles for symbol and computes its snapshot.
func (a *Analyzer) Analyze(ctx context.Context, symbol string) (*domain.TechnicalSnapshot, error) {
	op := "Analyze"
	klines, err := a.source.GetOHLCV(ctx, symbol, a.cfg.Timeframe, a.cfg.Candles)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch candles for %s: %w", op, symbol, err)
	}
	snap, err := a.Snapshot(ctx, symbol, klines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.logger.Debug(ctx, op+": technical analysis complete", map[string]interface{}{
		"symbol": symbol,
		"price":  snap.CurrentPrice,
		"rsi":    snap.RSI,
		"trend":  snap.Trend.String(),
		"macd":   snap.MACDIndicator.String(),
	})
	return snap, nil
}

// Snapshot computes the indicator state from candles already in hand.
func (a *Analyzer) Snapshot(ctx context.Context, symbol string, klines []*domain.Kline) (*domain.TechnicalSnapshot, error) {
	if len(klines) < a.minCandle {
		return nil, fmt.Errorf("not enough candles for %s: %d < %d", symbol, len(klines), a.minCandle)
	}
	price := klines[len(klines)-1].Close
	if price <= 0 {
		return nil, fmt.Errorf("invalid last close %v for %s", price, symbol)
	}

	rsi, err := a.rsi.Calculate(ctx, klines)
	if err != nil {
		return nil, fmt.Errorf("RSI for %s: %w", symbol, err)
	}
	emaShort, err := a.emaShort.Calculate(ctx, klines)
	if err != nil {
		return nil, fmt.Errorf("short EMA for %s: %w", symbol, err)
	}
	emaLong, err := a.emaLong.Calculate(ctx, klines)
	if err != nil {
		return nil, fmt.Errorf("long EMA for %s: %w", symbol, err)
	}
	macd, err := a.macd.Compute(indicators.Closes(klines))
	if err != nil {
		return nil, fmt.Errorf("MACD for %s: %w", symbol, err)
	}
	atr, err := a.atr.Calculate(ctx, klines)
	if err != nil {
		return nil, fmt.Errorf("ATR for %s: %w", symbol, err)
	}

	return &domain.TechnicalSnapshot{
		Symbol:        symbol,
		Timeframe:     a.cfg.Timeframe,
		CurrentPrice:  price,
		RSI:           rsi,
		RSIZone:       a.rsi.Zone(rsi),
		EMAShort:      emaShort,
		EMALong:       emaLong,
		Trend:         Trend(price, emaShort, emaLong),
		MACD:          macd.MACD,
		MACDSignal:    macd.Signal,
		MACDHistogram: macd.Histogram,
		MACDIndicator: macd.Classify(),
		ATR:           atr,
		ATRPercent:    atr / price,
		ComputedAt:    a.now(),
	}, nil
}

// Trend is bullish when price sits above both EMAs with the short EMA on top,
// bearish for the mirror image, and neutral otherwise.
func Trend(price, emaShort, emaLong float64) domain.Trend {
	aboveShort := price > emaShort
	aboveLong := price > emaLong
	shortAboveLong := emaShort > emaLong
	switch {
	case aboveShort && aboveLong && shortAboveLong:
		return domain.TrendBullish
	case !aboveShort && !aboveLong && !shortAboveLong:
		return domain.TrendBearish
	default:
		return domain.TrendNeutral
	}
}
