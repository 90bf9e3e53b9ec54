package ports

import (
	"context"

	"fusionbot/internal/domain"
)

// ExchangeGateway defines the venue contract shared by the live and simulated backends.
// Every failure is reported as an *ExchangeError.
type ExchangeGateway interface {
	// Name identifies the backend in logs and metrics (e.g., "binance", "paper").
	Name() string

	// GetBalance returns the holding of one currency.
	GetBalance(ctx context.Context, currency string) (*domain.Balance, error)

	// GetTicker returns the current top of book for a symbol.
	GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error)

	// GetOHLCV returns candles ordered oldest first.
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Kline, error)

	// MarketBuy buys quantity of the base currency.
	// Fails with KindInsufficientBalance if funds are inadequate.
	MarketBuy(ctx context.Context, symbol string, quantity float64) (*domain.OrderResult, error)

	// MarketSell sells quantity of the base currency. atPrice is a fill hint
	// honored only by simulated backends.
	MarketSell(ctx context.Context, symbol string, quantity float64, atPrice *float64) (*domain.OrderResult, error)

	// StopLossOrder places a venue-enforced protective sell stop.
	StopLossOrder(ctx context.Context, symbol string, quantity, stopPrice float64) (*domain.OrderResult, error)

	// CancelOrder cancels an order. Returns false (not an error) if the order is already gone.
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)

	// GetOrder looks up an order. Returns nil, nil if the venue does not know it.
	GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error)

	// GetPosition returns the held base quantity, or nil if there is no meaningful holding.
	GetPosition(ctx context.Context, symbol string) (*float64, error)

	// HealthCheck reports whether the venue is reachable.
	HealthCheck(ctx context.Context) bool
}
