// Package retrying decorates an ExchangeGateway with backoff on transient failures.
package retrying

import (
	"context"
	"errors"
	"time"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
	"fusionbot/internal/retry"
)

// Gateway retries transient venue failures of the wrapped gateway.
// Reads retry on any transient kind. Order submissions retry only on rate limits
// and refused connections: a timeout may hide an order the venue already accepted.
type Gateway struct {
	inner   ports.ExchangeGateway
	cfg     retry.Config
	logger  ports.Logger
	metrics ports.Metrics
}

var _ ports.ExchangeGateway = (*Gateway)(nil)

// New wraps inner. metrics may be nil.
func New(inner ports.ExchangeGateway, cfg retry.Config, logger ports.Logger, metrics ports.Metrics) *Gateway {
	return &Gateway{inner: inner, cfg: cfg, logger: logger, metrics: metrics}
}

func isRetryableSubmission(err error) bool {
	var exErr *ports.ExchangeError
	if !errors.As(err, &exErr) {
		return false
	}
	return exErr.Kind == ports.KindRateLimit || exErr.Kind == ports.KindConnection
}

func (g *Gateway) config(ctx context.Context, op string, retryIf func(error) bool) retry.Config {
	cfg := g.cfg
	cfg.RetryIf = retryIf
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.logger.Warn(ctx, op+": transient exchange error, retrying", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
			"gateway": g.inner.Name(),
		})
		if g.metrics != nil {
			g.metrics.ExchangeRetry(op)
		}
	}
	return cfg
}

func read[T any](ctx context.Context, g *Gateway, op string, fn func() (T, error)) (T, error) {
	return retry.DoWithResult(ctx, fn, g.config(ctx, op, ports.IsTransient))
}

func submit[T any](ctx context.Context, g *Gateway, op string, fn func() (T, error)) (T, error) {
	return retry.DoWithResult(ctx, fn, g.config(ctx, op, isRetryableSubmission))
}

func (g *Gateway) Name() string { return g.inner.Name() }

func (g *Gateway) GetBalance(ctx context.Context, currency string) (*domain.Balance, error) {
	return read(ctx, g, "GetBalance", func() (*domain.Balance, error) {
		return g.inner.GetBalance(ctx, currency)
	})
}

func (g *Gateway) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	return read(ctx, g, "GetTicker", func() (*domain.Ticker, error) {
		return g.inner.GetTicker(ctx, symbol)
	})
}

func (g *Gateway) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Kline, error) {
	return read(ctx, g, "GetOHLCV", func() ([]*domain.Kline, error) {
		return g.inner.GetOHLCV(ctx, symbol, timeframe, limit)
	})
}

func (g *Gateway) MarketBuy(ctx context.Context, symbol string, quantity float64) (*domain.OrderResult, error) {
	return submit(ctx, g, "MarketBuy", func() (*domain.OrderResult, error) {
		return g.inner.MarketBuy(ctx, symbol, quantity)
	})
}

func (g *Gateway) MarketSell(ctx context.Context, symbol string, quantity float64, atPrice *float64) (*domain.OrderResult, error) {
	return submit(ctx, g, "MarketSell", func() (*domain.OrderResult, error) {
		return g.inner.MarketSell(ctx, symbol, quantity, atPrice)
	})
}

func (g *Gateway) StopLossOrder(ctx context.Context, symbol string, quantity, stopPrice float64) (*domain.OrderResult, error) {
	return submit(ctx, g, "StopLossOrder", func() (*domain.OrderResult, error) {
		return g.inner.StopLossOrder(ctx, symbol, quantity, stopPrice)
	})
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	return read(ctx, g, "CancelOrder", func() (bool, error) {
		return g.inner.CancelOrder(ctx, symbol, orderID)
	})
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	return read(ctx, g, "GetOrder", func() (*domain.Order, error) {
		return g.inner.GetOrder(ctx, symbol, orderID)
	})
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*float64, error) {
	return read(ctx, g, "GetPosition", func() (*float64, error) {
		return g.inner.GetPosition(ctx, symbol)
	})
}

func (g *Gateway) HealthCheck(ctx context.Context) bool {
	return g.inner.HealthCheck(ctx)
}
