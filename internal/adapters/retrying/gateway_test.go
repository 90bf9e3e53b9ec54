package retrying

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
	"fusionbot/internal/retry"
)

type nopLogger struct{ warns int }

func (l *nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.warns++
}
func (l *nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// flakyGateway fails each call with the queued errors before succeeding.
type flakyGateway struct {
	ports.ExchangeGateway
	errs  []error
	calls int
}

func (f *flakyGateway) Name() string { return "flaky" }

func (f *flakyGateway) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *flakyGateway) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &domain.Ticker{Symbol: symbol, Last: 100}, nil
}

func (f *flakyGateway) MarketBuy(ctx context.Context, symbol string, quantity float64) (*domain.OrderResult, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &domain.OrderResult{OrderID: "1", FillPrice: 100, FilledQuantity: quantity}, nil
}

func testConfig() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func exErr(kind ports.ExchangeErrorKind) error {
	return ports.NewExchangeError("test", kind, errors.New("boom"))
}

func TestGateway_ReadRetriesTransientKinds(t *testing.T) {
	for _, kind := range []ports.ExchangeErrorKind{ports.KindConnection, ports.KindRateLimit, ports.KindTimeout} {
		t.Run(kind.String(), func(t *testing.T) {
			inner := &flakyGateway{errs: []error{exErr(kind), exErr(kind)}}
			logger := &nopLogger{}
			g := New(inner, testConfig(), logger, nil)

			ticker, err := g.GetTicker(context.Background(), "BTC/USDT")
			require.NoError(t, err)
			assert.Equal(t, 100.0, ticker.Last)
			assert.Equal(t, 3, inner.calls)
			assert.Equal(t, 2, logger.warns)
		})
	}
}

func TestGateway_NonTransientIsNotRetried(t *testing.T) {
	for _, kind := range []ports.ExchangeErrorKind{ports.KindAuthentication, ports.KindInsufficientBalance, ports.KindExecution} {
		t.Run(kind.String(), func(t *testing.T) {
			inner := &flakyGateway{errs: []error{exErr(kind)}}
			g := New(inner, testConfig(), &nopLogger{}, nil)

			_, err := g.MarketBuy(context.Background(), "BTC/USDT", 0.1)
			require.Error(t, err)
			assert.Equal(t, 1, inner.calls)
		})
	}
}

func TestGateway_SubmissionDoesNotRetryTimeout(t *testing.T) {
	inner := &flakyGateway{errs: []error{exErr(ports.KindTimeout)}}
	g := New(inner, testConfig(), &nopLogger{}, nil)

	_, err := g.MarketBuy(context.Background(), "BTC/USDT", 0.1)
	assert.ErrorIs(t, err, ports.ErrTimeout)
	assert.Equal(t, 1, inner.calls)
}

func TestGateway_SubmissionRetriesRateLimit(t *testing.T) {
	inner := &flakyGateway{errs: []error{exErr(ports.KindRateLimit)}}
	g := New(inner, testConfig(), &nopLogger{}, nil)

	res, err := g.MarketBuy(context.Background(), "BTC/USDT", 0.1)
	require.NoError(t, err)
	assert.Equal(t, "1", res.OrderID)
	assert.Equal(t, 2, inner.calls)
}

func TestGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyGateway{errs: []error{exErr(ports.KindConnection), exErr(ports.KindConnection), exErr(ports.KindConnection), exErr(ports.KindConnection)}}
	g := New(inner, testConfig(), &nopLogger{}, nil)

	_, err := g.GetTicker(context.Background(), "BTC/USDT")
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
	assert.Equal(t, 3, inner.calls)
}
