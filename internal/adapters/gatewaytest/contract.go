// Package gatewaytest holds the behavioral contract every ports.ExchangeGateway
// backend must satisfy. Backend packages run it from their own tests.
package gatewaytest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// Harness is a freshly funded gateway under test.
type Harness struct {
	Gateway ports.ExchangeGateway
	Symbol  string  // e.g., "BTC/USDT"
	BuyQty  float64 // Affordable quantity of the base asset
	// TooLargeQty cannot be afforded with the starting balance.
	TooLargeQty float64
}

// Run executes the contract against a new harness per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()

	t.Run("health check", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.Gateway.HealthCheck(context.Background()))
		assert.NotEmpty(t, h.Gateway.Name())
	})

	t.Run("quote balance", func(t *testing.T) {
		h := newHarness(t)
		bal, err := h.Gateway.GetBalance(context.Background(), domain.QuoteCurrency(h.Symbol))
		require.NoError(t, err)
		assert.Greater(t, bal.Free, 0.0)
		assert.GreaterOrEqual(t, bal.Total, bal.Free)
	})

	t.Run("ticker", func(t *testing.T) {
		h := newHarness(t)
		ticker, err := h.Gateway.GetTicker(context.Background(), h.Symbol)
		require.NoError(t, err)
		assert.Greater(t, ticker.Last, 0.0)
		assert.LessOrEqual(t, ticker.Bid, ticker.Ask)
	})

	t.Run("candles oldest first", func(t *testing.T) {
		h := newHarness(t)
		klines, err := h.Gateway.GetOHLCV(context.Background(), h.Symbol, "4h", 10)
		require.NoError(t, err)
		require.NotEmpty(t, klines)
		assert.LessOrEqual(t, len(klines), 10)
		for i := 1; i < len(klines); i++ {
			assert.True(t, klines[i-1].OpenTime.Before(klines[i].OpenTime), "candle %d out of order", i)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		o, err := h.Gateway.GetOrder(ctx, h.Symbol, "987654321")
		require.NoError(t, err)
		assert.Nil(t, o)

		cancelled, err := h.Gateway.CancelOrder(ctx, h.Symbol, "987654321")
		require.NoError(t, err)
		assert.False(t, cancelled)
	})

	t.Run("no position before buying", func(t *testing.T) {
		h := newHarness(t)
		held, err := h.Gateway.GetPosition(context.Background(), h.Symbol)
		require.NoError(t, err)
		assert.Nil(t, held)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Gateway.MarketBuy(context.Background(), h.Symbol, h.TooLargeQty)
		require.Error(t, err)
		assert.True(t, ports.IsInsufficientBalance(err), "got %v", err)
		assert.False(t, ports.IsTransient(err))
	})

	t.Run("entry, protective stop and exit", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		buy, err := h.Gateway.MarketBuy(ctx, h.Symbol, h.BuyQty)
		require.NoError(t, err)
		assert.NotEmpty(t, buy.OrderID)
		assert.Greater(t, buy.FillPrice, 0.0)
		assert.InDelta(t, h.BuyQty, buy.FilledQuantity, h.BuyQty*0.01)
		assert.Equal(t, domain.OrderStatusClosed, buy.Status)

		held, err := h.Gateway.GetPosition(ctx, h.Symbol)
		require.NoError(t, err)
		require.NotNil(t, held)
		assert.GreaterOrEqual(t, *held, 0.9*h.BuyQty)

		stopPrice := buy.FillPrice * 0.9
		stop, err := h.Gateway.StopLossOrder(ctx, h.Symbol, buy.FilledQuantity, stopPrice)
		require.NoError(t, err)
		require.NotEmpty(t, stop.OrderID)
		assert.Equal(t, domain.OrderStatusOpen, stop.Status)

		o, err := h.Gateway.GetOrder(ctx, h.Symbol, stop.OrderID)
		require.NoError(t, err)
		require.NotNil(t, o)
		assert.Equal(t, domain.OrderStatusOpen, o.Status)
		assert.InDelta(t, stopPrice, o.StopPrice, stopPrice*0.001)

		cancelled, err := h.Gateway.CancelOrder(ctx, h.Symbol, stop.OrderID)
		require.NoError(t, err)
		assert.True(t, cancelled)

		o, err = h.Gateway.GetOrder(ctx, h.Symbol, stop.OrderID)
		require.NoError(t, err)
		if o != nil {
			assert.NotEqual(t, domain.OrderStatusOpen, o.Status)
		}

		again, err := h.Gateway.CancelOrder(ctx, h.Symbol, stop.OrderID)
		require.NoError(t, err)
		assert.False(t, again, "second cancel is a no-op")

		hint := buy.FillPrice * 1.04
		sell, err := h.Gateway.MarketSell(ctx, h.Symbol, buy.FilledQuantity, &hint)
		require.NoError(t, err)
		assert.NotEmpty(t, sell.OrderID)
		assert.Greater(t, sell.FillPrice, 0.0)
		assert.Equal(t, domain.OrderStatusClosed, sell.Status)

		held, err = h.Gateway.GetPosition(ctx, h.Symbol)
		require.NoError(t, err)
		assert.Nil(t, held)
	})
}
