package domain

import "time"

// Kline represents a single OHLCV candle.
type Kline struct {
	OpenTime  time.Time // Start of the interval, used as the candle timestamp
	CloseTime time.Time
	Symbol    string
	Interval  string // e.g., "1m", "4h"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool
}
