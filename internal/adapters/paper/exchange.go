// Package paper simulates the venue: market data comes from a real feed while
// balances, fills and stop orders are kept in memory.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// dust is the smallest base holding reported as a position.
var dust = decimal.New(1, -5)

// MarketData supplies real prices to the simulation. The live gateway satisfies it.
type MarketData interface {
	GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error)
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Kline, error)
}

// Config holds the simulation parameters.
type Config struct {
	InitialBalance float64 // Starting quote balance, default 10000
	FeeRate        float64 // Taker fee, default 0.001
	QuoteCurrency  string  // Default "USDT"
}

type order struct {
	domain.Order
	createdAt time.Time
}

// PnL summarizes the simulated account.
type PnL struct {
	InitialBalance float64
	Equity         float64
	Amount         float64
	Percent        float64
	TotalTrades    int
}

// Exchange implements ports.ExchangeGateway in memory.
type Exchange struct {
	cfg    Config
	feed   MarketData
	logger ports.Logger
	now    func() time.Time

	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	entryPrices map[string]float64 // Last buy price per symbol, equity fallback
	orders      map[string]*order
	trades      int
}

var _ ports.ExchangeGateway = (*Exchange)(nil)

// New creates a paper exchange funded with the initial balance.
func New(cfg Config, feed MarketData, logger ports.Logger) (*Exchange, error) {
	if feed == nil {
		return nil, fmt.Errorf("market data feed is required for paper exchange")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for paper exchange")
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.FeeRate < 0 {
		return nil, fmt.Errorf("fee rate must not be negative, got %v", cfg.FeeRate)
	}
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USDT"
	}

	e := &Exchange{cfg: cfg, feed: feed, logger: logger, now: time.Now}
	e.resetLocked()
	logger.Info(context.Background(), "Paper exchange initialized", map[string]interface{}{
		"initialBalance": cfg.InitialBalance,
		"feeRate":        cfg.FeeRate,
		"quote":          cfg.QuoteCurrency,
	})
	return e, nil
}

func (e *Exchange) resetLocked() {
	e.balances = map[string]decimal.Decimal{e.cfg.QuoteCurrency: decimal.NewFromFloat(e.cfg.InitialBalance)}
	e.entryPrices = make(map[string]float64)
	e.orders = make(map[string]*order)
	e.trades = 0
}

func newOrderID() string {
	return "PAPER-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// Name identifies the backend.
func (e *Exchange) Name() string { return "paper" }

// GetBalance returns the simulated holding; nothing is ever locked.
func (e *Exchange) GetBalance(ctx context.Context, currency string) (*domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.balances[strings.ToUpper(currency)].InexactFloat64()
	return &domain.Balance{Currency: currency, Free: total, Used: 0, Total: total}, nil
}

// GetTicker returns the real ticker of the feed.
func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	t, err := e.feed.GetTicker(ctx, symbol)
	if err != nil {
		return nil, asExchangeError("GetTicker", err)
	}
	return t, nil
}

// GetOHLCV returns the real candles of the feed.
func (e *Exchange) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Kline, error) {
	k, err := e.feed.GetOHLCV(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, asExchangeError("GetOHLCV", err)
	}
	return k, nil
}

// MarketBuy fills at the ask and charges the fee in quote currency.
func (e *Exchange) MarketBuy(ctx context.Context, symbol string, quantity float64) (*domain.OrderResult, error) {
	op := "MarketBuy"
	if quantity <= 0 {
		return nil, ports.NewExchangeError(op, ports.KindExecution, fmt.Errorf("quantity must be positive, got %v", quantity))
	}
	ticker, err := e.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	price := ticker.Ask
	if price <= 0 {
		price = ticker.Last
	}

	qty := decimal.NewFromFloat(quantity)
	cost := qty.Mul(decimal.NewFromFloat(price))
	fee := cost.Mul(decimal.NewFromFloat(e.cfg.FeeRate))
	total := cost.Add(fee)

	e.mu.Lock()
	defer e.mu.Unlock()

	quote := e.cfg.QuoteCurrency
	available := e.balances[quote]
	if available.LessThan(total) {
		e.logger.Warn(ctx, "Paper trade rejected: insufficient balance", map[string]interface{}{
			"required":  total.InexactFloat64(),
			"available": available.InexactFloat64(),
		})
		return nil, ports.NewExchangeError(op, ports.KindInsufficientBalance,
			fmt.Errorf("required %s %s, available %s", total.StringFixed(2), quote, available.StringFixed(2)))
	}

	base := domain.BaseCurrency(symbol)
	e.balances[quote] = available.Sub(total)
	e.balances[base] = e.balances[base].Add(qty)
	e.entryPrices[symbol] = price
	e.trades++

	res := &domain.OrderResult{
		OrderID:        newOrderID(),
		Symbol:         symbol,
		Side:           domain.Buy,
		FillPrice:      price,
		FilledQuantity: quantity,
		Fee:            fee.InexactFloat64(),
		Status:         domain.OrderStatusClosed,
		Timestamp:      e.now(),
	}
	e.logger.Info(ctx, "Paper BUY executed", map[string]interface{}{
		"symbol":     symbol,
		"quantity":   quantity,
		"price":      price,
		"cost":       total.InexactFloat64(),
		"newBalance": e.balances[quote].InexactFloat64(),
	})
	return res, nil
}

// MarketSell fills at the price hint when given, otherwise at the bid.
// It sells at most the held quantity.
func (e *Exchange) MarketSell(ctx context.Context, symbol string, quantity float64, atPrice *float64) (*domain.OrderResult, error) {
	op := "MarketSell"
	if quantity <= 0 {
		return nil, ports.NewExchangeError(op, ports.KindExecution, fmt.Errorf("quantity must be positive, got %v", quantity))
	}

	var price float64
	if atPrice != nil && *atPrice > 0 {
		price = *atPrice
	} else {
		ticker, err := e.GetTicker(ctx, symbol)
		if err != nil {
			return nil, err
		}
		price = ticker.Bid
		if price <= 0 {
			price = ticker.Last
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sellLocked(ctx, op, symbol, quantity, price)
}

func (e *Exchange) sellLocked(ctx context.Context, op, symbol string, quantity, price float64) (*domain.OrderResult, error) {
	base := domain.BaseCurrency(symbol)
	held := e.balances[base]
	if !held.IsPositive() {
		return nil, ports.NewExchangeError(op, ports.KindInsufficientBalance, fmt.Errorf("no %s held", base))
	}
	qty := decimal.Min(decimal.NewFromFloat(quantity), held)

	proceeds := qty.Mul(decimal.NewFromFloat(price))
	fee := proceeds.Mul(decimal.NewFromFloat(e.cfg.FeeRate))

	quote := e.cfg.QuoteCurrency
	e.balances[quote] = e.balances[quote].Add(proceeds.Sub(fee))
	e.balances[base] = held.Sub(qty)
	if e.balances[base].LessThan(dust) {
		delete(e.entryPrices, symbol)
	}
	e.trades++

	res := &domain.OrderResult{
		OrderID:        newOrderID(),
		Symbol:         symbol,
		Side:           domain.Sell,
		FillPrice:      price,
		FilledQuantity: qty.InexactFloat64(),
		Fee:            fee.InexactFloat64(),
		Status:         domain.OrderStatusClosed,
		Timestamp:      e.now(),
	}
	e.logger.Info(ctx, "Paper SELL executed", map[string]interface{}{
		"symbol":     symbol,
		"quantity":   res.FilledQuantity,
		"price":      price,
		"proceeds":   proceeds.Sub(fee).InexactFloat64(),
		"newBalance": e.balances[quote].InexactFloat64(),
	})
	return res, nil
}

// StopLossOrder records a protective stop; it only fills via CheckStopOrders.
func (e *Exchange) StopLossOrder(ctx context.Context, symbol string, quantity, stopPrice float64) (*domain.OrderResult, error) {
	op := "StopLossOrder"
	if quantity <= 0 || stopPrice <= 0 {
		return nil, ports.NewExchangeError(op, ports.KindExecution,
			fmt.Errorf("invalid stop order quantity %v at %v", quantity, stopPrice))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	o := &order{
		Order: domain.Order{
			OrderID:   newOrderID(),
			Symbol:    symbol,
			Side:      domain.Sell,
			Type:      "STOP_LOSS",
			Status:    domain.OrderStatusOpen,
			Quantity:  quantity,
			StopPrice: stopPrice,
			UpdatedAt: now,
		},
		createdAt: now,
	}
	e.orders[o.OrderID] = o

	e.logger.Info(ctx, "Paper STOP LOSS placed", map[string]interface{}{
		"orderID":   o.OrderID,
		"symbol":    symbol,
		"quantity":  quantity,
		"stopPrice": stopPrice,
	})
	return &domain.OrderResult{
		OrderID:   o.OrderID,
		Symbol:    symbol,
		Side:      domain.Sell,
		Status:    domain.OrderStatusOpen,
		Timestamp: now,
	}, nil
}

// CancelOrder cancels an open order; anything else yields false.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.Status != domain.OrderStatusOpen {
		return false, nil
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = e.now()
	e.logger.Info(ctx, "Paper order cancelled", map[string]interface{}{"orderID": orderID})
	return true, nil
}

// GetOrder returns a copy of a known order, or nil.
func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := o.Order
	return &cp, nil
}

// GetPosition returns the base balance above dust.
func (e *Exchange) GetPosition(ctx context.Context, symbol string) (*float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	held := e.balances[domain.BaseCurrency(symbol)]
	if held.LessThan(dust) {
		return nil, nil
	}
	v := held.InexactFloat64()
	return &v, nil
}

// HealthCheck is always true for the simulation.
func (e *Exchange) HealthCheck(ctx context.Context) bool { return true }

// CheckStopOrders fills every open stop whose symbol last traded at or below
// its stop price. Filled stops stay queryable as closed orders with their fill price.
func (e *Exchange) CheckStopOrders(ctx context.Context) ([]*domain.OrderResult, error) {
	e.mu.Lock()
	open := make([]*order, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Status == domain.OrderStatusOpen && o.Type == "STOP_LOSS" {
			open = append(open, o)
		}
	}
	e.mu.Unlock()
	sort.Slice(open, func(i, j int) bool { return open[i].createdAt.Before(open[j].createdAt) })

	var triggered []*domain.OrderResult
	var firstErr error
	for _, o := range open {
		ticker, err := e.GetTicker(ctx, o.Symbol)
		if err != nil {
			e.logger.Error(ctx, err, "Error checking stop order", map[string]interface{}{"orderID": o.OrderID})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ticker.Last > o.StopPrice {
			continue
		}

		price := ticker.Bid
		if price <= 0 {
			price = ticker.Last
		}

		e.mu.Lock()
		if o.Status != domain.OrderStatusOpen { // Cancelled meanwhile
			e.mu.Unlock()
			continue
		}
		e.logger.Warn(ctx, "Paper STOP LOSS triggered", map[string]interface{}{
			"orderID":      o.OrderID,
			"symbol":       o.Symbol,
			"stopPrice":    o.StopPrice,
			"currentPrice": ticker.Last,
		})
		res, err := e.sellLocked(ctx, "CheckStopOrders", o.Symbol, o.Quantity, price)
		if err != nil {
			o.Status = domain.OrderStatusExpired
			o.UpdatedAt = e.now()
			e.mu.Unlock()
			e.logger.Error(ctx, err, "Paper stop could not fill", map[string]interface{}{"orderID": o.OrderID})
			continue
		}
		o.Status = domain.OrderStatusClosed
		o.FilledQuantity = res.FilledQuantity
		o.FillPrice = res.FillPrice
		o.UpdatedAt = res.Timestamp
		e.mu.Unlock()

		res.OrderID = o.OrderID
		triggered = append(triggered, res)
	}
	return triggered, firstErr
}

// Equity is the quote balance plus every holding valued at its last price,
// falling back to the entry price when the feed fails.
func (e *Exchange) Equity(ctx context.Context) float64 {
	e.mu.Lock()
	equity := e.balances[e.cfg.QuoteCurrency]
	holdings := make(map[string]decimal.Decimal, len(e.entryPrices))
	entries := make(map[string]float64, len(e.entryPrices))
	for symbol, entry := range e.entryPrices {
		holdings[symbol] = e.balances[domain.BaseCurrency(symbol)]
		entries[symbol] = entry
	}
	e.mu.Unlock()

	for symbol, qty := range holdings {
		price := entries[symbol]
		if t, err := e.feed.GetTicker(ctx, symbol); err == nil && t.Last > 0 {
			price = t.Last
		}
		equity = equity.Add(qty.Mul(decimal.NewFromFloat(price)))
	}
	return equity.InexactFloat64()
}

// PnL reports equity against the initial balance.
func (e *Exchange) PnL(ctx context.Context) PnL {
	equity := e.Equity(ctx)
	e.mu.Lock()
	trades := e.trades
	e.mu.Unlock()

	amount := equity - e.cfg.InitialBalance
	return PnL{
		InitialBalance: e.cfg.InitialBalance,
		Equity:         equity,
		Amount:         amount,
		Percent:        amount / e.cfg.InitialBalance,
		TotalTrades:    trades,
	}
}

// Reset restores the initial balance and forgets all orders.
func (e *Exchange) Reset(ctx context.Context) {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
	e.logger.Info(ctx, "Paper exchange reset", map[string]interface{}{"initialBalance": e.cfg.InitialBalance})
}

// asExchangeError keeps venue errors from the feed and classifies anything else as a connection failure.
func asExchangeError(op string, err error) error {
	var exErr *ports.ExchangeError
	if errors.As(err, &exErr) {
		return err
	}
	return ports.NewExchangeError(op, ports.KindConnection, err)
}
