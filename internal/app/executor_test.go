package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

func btcEntry() EntryRequest {
	return EntryRequest{
		Signal: domain.Signal{ID: "sig-1", Symbol: "BTC/USDT", Headline: "ETF approved", PublishedAt: testNow.Add(-time.Hour)},
		Decision: domain.Decision{
			Action:           domain.ActionBuy,
			Symbol:           "BTC/USDT",
			SourceID:         "sig-1",
			Confidence:       82,
			CatalystStrength: domain.CatalystSignificant,
			Reasoning:        "strong catalyst",
		},
	}
}

func TestExecuteEntry_OpensProtectedPosition(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.setPrice("BTC/USDT", 45000)

	pos, err := f.exec.ExecuteEntry(context.Background(), btcEntry())
	require.NoError(t, err)
	require.NotNil(t, pos)

	wantQty := 10000 * 0.30 / 1.001 / 45000
	require.Len(t, f.ex.buys, 1)
	assert.InDelta(t, wantQty, f.ex.buys[0], 1e-9)

	assert.Equal(t, 45000.0, pos.EntryPrice)
	assert.InDelta(t, 44100.0, pos.VirtualSL, 1e-6)
	assert.InDelta(t, 46800.0, pos.VirtualTP, 1e-6)
	assert.InDelta(t, 40500.0, pos.CatastropheSL, 1e-6)
	require.NoError(t, pos.Validate())

	require.Len(t, f.ex.stops, 1)
	assert.InDelta(t, 40500.0, f.ex.stops[0].price, 1e-6)
	assert.InDelta(t, wantQty, f.ex.stops[0].qty, 1e-9)

	stored := f.store.get(pos.ID)
	assert.Equal(t, domain.StatusOpen, stored.Status)
	assert.Equal(t, pos.StopOrderID(), stored.StopOrderID())
	assert.NotEmpty(t, stored.EntryOrderID)
	assert.Equal(t, "sig-1", stored.SignalID)
	assert.Equal(t, 82, stored.Confidence)
	assert.Equal(t, testNow, stored.OpenedAt)

	assert.Equal(t, []string{"BTC/USDT"}, f.metrics.entries)
	assert.True(t, f.notifier.has(ports.PriorityMedium, "Position opened"))
}

func TestExecuteEntry_PositionLimits(t *testing.T) {
	tests := []struct {
		name       string
		open       []string
		wantSymbol string
	}{
		{"global cap reached", []string{"ETH/USDT", "SOL/USDT", "ADA/USDT"}, ""},
		{"symbol cap reached", []string{"BTC/USDT"}, "BTC/USDT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			for _, symbol := range tt.open {
				f.openPosition(t, symbol, testNow.Add(-time.Hour))
			}
			f.ex.tickerCalls = 0

			pos, err := f.exec.ExecuteEntry(context.Background(), btcEntry())
			assert.Nil(t, pos)
			require.True(t, ports.IsPositionLimit(err))

			var limitErr *ports.PositionLimitError
			require.True(t, errors.As(err, &limitErr))
			assert.Equal(t, tt.wantSymbol, limitErr.Symbol)
			assert.Empty(t, f.ex.buys)
			assert.Zero(t, f.ex.tickerCalls)
		})
	}
}

func TestExecuteEntry_InsufficientBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.setPrice("BTC/USDT", 45000)
	f.ex.balances["USDT"] = 5

	_, err := f.exec.ExecuteEntry(context.Background(), btcEntry())
	assert.True(t, ports.IsInsufficientBalance(err))
	assert.False(t, ports.IsPositionLimit(err))
	assert.Empty(t, f.ex.buys)
}

func TestExecuteEntry_Compensation(t *testing.T) {
	stopErr := ports.NewExchangeError("StopLossOrder", ports.KindExecution, errors.New("-2010"))
	tests := []struct {
		name        string
		prepare     func(f *fixture)
		wantErr     error
		wantCancels int
	}{
		{"stop placement fails", func(f *fixture) { f.ex.stopErr = stopErr }, ports.ErrOrderPlacementFailed, 0},
		{"ledger write fails", func(f *fixture) { f.store.createErr = ports.ErrQueryFailed }, ports.ErrQueryFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.ex.setPrice("BTC/USDT", 45000)
			tt.prepare(f)

			pos, err := f.exec.ExecuteEntry(context.Background(), btcEntry())
			assert.Nil(t, pos)
			assert.ErrorIs(t, err, tt.wantErr)

			require.Len(t, f.ex.sells, 1)
			assert.Equal(t, f.ex.buys[0], f.ex.sells[0].qty)
			assert.Nil(t, f.ex.sells[0].atPrice)
			assert.Len(t, f.ex.cancels, tt.wantCancels)

			open, _ := f.store.GetOpen(context.Background())
			assert.Empty(t, open)
			assert.Equal(t, []bool{true}, f.metrics.compensations)
			assert.True(t, f.notifier.has(ports.PriorityCritical, "Entry rolled back"))
			assert.Empty(t, f.metrics.entries)
		})
	}
}

func TestExecuteEntry_CompensationFailureEscalates(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.setPrice("BTC/USDT", 45000)
	f.ex.stopErr = errors.New("stop rejected")
	f.ex.sellErr["BTC/USDT"] = errors.New("sell rejected")

	_, err := f.exec.ExecuteEntry(context.Background(), btcEntry())
	assert.Error(t, err)
	assert.Equal(t, []bool{false}, f.metrics.compensations)
	assert.True(t, f.notifier.has(ports.PriorityCritical, "Compensating sell failed"))
	assert.Contains(t, f.logger.errorMsgs, "compensate: COMPENSATING SELL FAILED, manual intervention required")
}

func TestExecuteEntry_DryRunSendsNothing(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DryRun = true })
	f.ex.setPrice("BTC/USDT", 45000)

	pos, err := f.exec.ExecuteEntry(context.Background(), btcEntry())
	assert.ErrorIs(t, err, ErrDryRun)
	assert.Nil(t, pos)
	assert.Empty(t, f.ex.buys)
	assert.Empty(t, f.ex.stops)
}

func TestExecuteExit(t *testing.T) {
	tests := []struct {
		name      string
		cancelErr error
		hint      *float64
		wantPrice float64
	}{
		{"fills at hint", nil, floatPtr(46900), 46900},
		{"no hint fills at bid", nil, nil, 44999},
		{"stop already gone is benign", ports.NewExchangeError("CancelOrder", ports.KindNotFound, errors.New("-2011")), floatPtr(45100), 45100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			pos := f.openPosition(t, "BTC/USDT", testNow.Add(-time.Hour))
			f.ex.cancelErr = tt.cancelErr

			res, err := f.exec.ExecuteExit(context.Background(), pos, tt.hint)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrice, res.Price)
			assert.NotEmpty(t, res.OrderID)
			assert.Equal(t, []string{pos.StopOrderID()}, f.ex.cancels)
			require.Len(t, f.ex.sells, 1)
			assert.Equal(t, 0.1, f.ex.sells[0].qty)
		})
	}
}

func TestExecuteExit_CancelFailureStillSellsWithoutRestoring(t *testing.T) {
	f := newFixture(t, nil)
	pos := f.openPosition(t, "BTC/USDT", testNow.Add(-time.Hour))
	f.ex.cancelErr = ports.NewExchangeError("CancelOrder", ports.KindConnection, errors.New("reset"))
	f.ex.sellErr["BTC/USDT"] = ports.NewExchangeError("MarketSell", ports.KindInsufficientBalance, errors.New("locked"))

	_, err := f.exec.ExecuteExit(context.Background(), pos, nil)
	assert.True(t, ports.IsInsufficientBalance(err))
	assert.Empty(t, f.ex.stops)
	assert.Equal(t, pos.StopOrderID(), f.store.get(pos.ID).StopOrderID())
}

func floatPtr(v float64) *float64 { return &v }
