package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"

	// stopLimitOffset places the limit leg of a stop-loss 0.5% below its trigger.
	stopLimitOffset = 0.995
)

// Client implements ports.ExchangeGateway against the Binance spot API.
type Client struct {
	spot   *binance.Client
	logger ports.Logger

	mu      sync.RWMutex
	filters map[string]symbolFilters
}

var _ ports.ExchangeGateway = (*Client)(nil)

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string       // Overrides the production/testnet URL when set
	HTTPClient *http.Client // Optional, defaults to the library client
	Logger     ports.Logger
}

// symbolFilters caches the lot and tick sizes of a trading pair.
type symbolFilters struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}

// New creates a new Binance spot client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global binance.UseTestnet
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	if cfg.HTTPClient != nil {
		client.HTTPClient = cfg.HTTPClient
	}
	cfg.Logger.Info(context.Background(), "Binance spot client configured", map[string]interface{}{
		"baseURL": client.BaseURL,
		"testnet": cfg.UseTestnet,
	})

	return &Client{
		spot:    client,
		logger:  cfg.Logger,
		filters: make(map[string]symbolFilters),
	}, nil
}

// Name identifies the backend.
func (c *Client) Name() string { return "binance" }

// pair converts "BTC/USDT" into the venue symbol "BTCUSDT".
func pair(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// handleError translates Binance failures into *ports.ExchangeError.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var kind ports.ExchangeErrorKind
		switch apiErr.Code {
		case -1003, -1015: // Too many requests / too many orders
			kind = ports.KindRateLimit
		case -1001, -1007, -1021: // Disconnected / backend timeout / recvWindow
			kind = ports.KindTimeout
		case -1002, -1022, -2014, -2015: // Unauthorized / bad signature / bad key
			kind = ports.KindAuthentication
		case -2013: // Order does not exist
			kind = ports.KindNotFound
		case -2011: // Cancel rejected
			if strings.Contains(strings.ToLower(apiErr.Message), "unknown order") {
				kind = ports.KindNotFound
			} else {
				kind = ports.KindExecution
			}
		case -2019, -3005: // Margin / balance is insufficient
			kind = ports.KindInsufficientBalance
		case -2010: // New order rejected
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
				kind = ports.KindInsufficientBalance
			} else {
				kind = ports.KindExecution
			}
		default:
			kind = ports.KindExecution
		}
		exErr := ports.NewExchangeError(operation, kind, err)
		if kind != ports.KindNotFound {
			c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		}
		return exErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var kind ports.ExchangeErrorKind
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		kind = ports.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ports.KindTimeout
	case errors.As(err, &netErr),
		strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		kind = ports.KindConnection
	default:
		kind = ports.KindUnknown
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return ports.NewExchangeError(operation, kind, err)
}

// GetBalance returns the free and locked amount of one asset.
func (c *Client) GetBalance(ctx context.Context, currency string) (*domain.Balance, error) {
	op := "GetBalance"
	account, err := c.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	bal := &domain.Balance{Currency: currency}
	for _, b := range account.Balances {
		if !strings.EqualFold(b.Asset, currency) {
			continue
		}
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse free balance '%s': %w", b.Free, err), op)
		}
		locked, err := strconv.ParseFloat(b.Locked, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse locked balance '%s': %w", b.Locked, err), op)
		}
		bal.Free, bal.Used, bal.Total = free, locked, free+locked
		break
	}
	return bal, nil
}

// GetTicker retrieves the 24h ticker of a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	op := "GetTicker"
	stats, err := c.spot.NewListPriceChangeStatsService().Symbol(pair(symbol)).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(stats) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no ticker data returned for symbol %s", symbol), op)
	}

	s := stats[0]
	values := make([]float64, 4)
	for i, raw := range []string{s.LastPrice, s.BidPrice, s.AskPrice, s.QuoteVolume} {
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse ticker value '%s': %w", raw, err), op)
		}
		values[i] = v
	}

	ts := time.Now()
	if s.CloseTime > 0 {
		ts = time.UnixMilli(s.CloseTime)
	}
	return &domain.Ticker{
		Symbol:    symbol,
		Last:      values[0],
		Bid:       values[1],
		Ask:       values[2],
		Volume:    values[3],
		Timestamp: ts,
	}, nil
}

// GetOHLCV retrieves recent candles, oldest first.
func (c *Client) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Kline, error) {
	op := "GetOHLCV"
	binanceKlines, err := c.spot.NewKlinesService().Symbol(pair(symbol)).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, timeframe)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}
	return domainKlines, nil
}

// GetKlinesRange fetches all klines for a symbol/interval between start and end time.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	var allKlines []*domain.Kline
	const maxLimit = 1000
	from := start

	for {
		klines, err := c.spot.NewKlinesService().
			Symbol(pair(symbol)).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, bk := range klines {
			dk, err := translateBinanceKline(bk, symbol, interval)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
			}
			allKlines = append(allKlines, dk)
		}
		last := klines[len(klines)-1]
		from = time.UnixMilli(last.CloseTime + 1)
		if from.After(end) || len(klines) < maxLimit {
			break
		}
	}
	return allKlines, nil
}

// MarketBuy submits a market buy for quantity of the base asset.
func (c *Client) MarketBuy(ctx context.Context, symbol string, quantity float64) (*domain.OrderResult, error) {
	return c.marketOrder(ctx, "MarketBuy", symbol, binance.SideTypeBuy, quantity)
}

// MarketSell submits a market sell. The price hint is ignored by the live venue.
func (c *Client) MarketSell(ctx context.Context, symbol string, quantity float64, atPrice *float64) (*domain.OrderResult, error) {
	return c.marketOrder(ctx, "MarketSell", symbol, binance.SideTypeSell, quantity)
}

func (c *Client) marketOrder(ctx context.Context, op, symbol string, side binance.SideType, quantity float64) (*domain.OrderResult, error) {
	qty, err := c.formatQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	order, err := c.spot.NewCreateOrderService().
		Symbol(pair(symbol)).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	res := translateOrderResponse(order, symbol)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":    symbol,
		"orderID":   res.OrderID,
		"quantity":  res.FilledQuantity,
		"fillPrice": res.FillPrice,
		"status":    res.Status.String(),
	})
	return res, nil
}

// StopLossOrder places a STOP_LOSS_LIMIT sell with its limit leg just below the trigger.
func (c *Client) StopLossOrder(ctx context.Context, symbol string, quantity, stopPrice float64) (*domain.OrderResult, error) {
	op := "StopLossOrder"
	qty, err := c.formatQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	stop, err := c.formatPrice(ctx, symbol, stopPrice)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	limit, err := c.formatPrice(ctx, symbol, stopPrice*stopLimitOffset)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	order, err := c.spot.NewCreateOrderService().
		Symbol(pair(symbol)).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeStopLossLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty).
		Price(limit).
		StopPrice(stop).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	res := translateOrderResponse(order, symbol)
	if res.Status == domain.OrderStatusUnknown {
		res.Status = domain.OrderStatusOpen
	}
	c.logger.Info(ctx, op+" placed", map[string]interface{}{
		"symbol":    symbol,
		"orderID":   res.OrderID,
		"stopPrice": stop,
		"limit":     limit,
	})
	return res, nil
}

// CancelOrder cancels an order. An order the venue no longer knows yields false.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, nil // Not a venue id, so nothing to cancel here
	}

	_, err = c.spot.NewCancelOrderService().Symbol(pair(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		mapped := c.handleError(ctx, err, op)
		if errors.Is(mapped, ports.ErrOrderNotFound) {
			c.logger.Debug(ctx, op+": order already gone", map[string]interface{}{"symbol": symbol, "orderID": orderID})
			return false, nil
		}
		return false, mapped
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return true, nil
}

// GetOrder looks up an order; an unknown order yields nil, nil.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	op := "GetOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, nil
	}

	o, err := c.spot.NewGetOrderService().Symbol(pair(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		mapped := c.handleError(ctx, err, op)
		if errors.Is(mapped, ports.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, mapped
	}
	return translateOrder(o, symbol), nil
}

// GetPosition returns the total (free plus locked) base asset held.
// Funds locked by the protective stop still count as held.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*float64, error) {
	bal, err := c.GetBalance(ctx, domain.BaseCurrency(symbol))
	if err != nil {
		return nil, err
	}
	if bal.Total <= 0 {
		return nil, nil
	}
	held := bal.Total
	return &held, nil
}

// HealthCheck pings the venue.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if err := c.spot.NewPingService().Do(ctx); err != nil {
		c.logger.Error(ctx, err, "Binance health check failed")
		return false
	}
	return true
}

// --- Lot and tick rounding ---

func (c *Client) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	p := pair(symbol)
	c.mu.RLock()
	f, ok := c.filters[p]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	info, err := c.spot.NewExchangeInfoService().Symbol(p).Do(ctx)
	if err != nil {
		return symbolFilters{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != p {
			continue
		}
		if lot := s.LotSizeFilter(); lot != nil {
			f.stepSize, _ = decimal.NewFromString(lot.StepSize)
		}
		if price := s.PriceFilter(); price != nil {
			f.tickSize, _ = decimal.NewFromString(price.TickSize)
		}
		break
	}

	c.mu.Lock()
	c.filters[p] = f
	c.mu.Unlock()
	return f, nil
}

// formatQuantity floors quantity to the lot step.
func (c *Client) formatQuantity(ctx context.Context, symbol string, quantity float64) (string, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return "", err
	}
	qty := floorToStep(decimal.NewFromFloat(quantity), f.stepSize)
	if !qty.IsPositive() {
		return "", fmt.Errorf("quantity %v rounds to zero with step %s: %w", quantity, f.stepSize, ports.ErrInvalidRequest)
	}
	return qty.String(), nil
}

// formatPrice floors price to the tick size.
func (c *Client) formatPrice(ctx context.Context, symbol string, price float64) (string, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return "", err
	}
	return floorToStep(decimal.NewFromFloat(price), f.tickSize).String(), nil
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v.Truncate(8)
	}
	return v.Div(step).Floor().Mul(step)
}

// --- Translation Helpers ---

func translateOrderResponse(order *binance.CreateOrderResponse, symbol string) *domain.OrderResult {
	execQty, _ := decimal.NewFromString(order.ExecutedQuantity)
	quoteQty, _ := decimal.NewFromString(order.CummulativeQuoteQuantity)

	fillPrice := decimal.Zero
	fee := decimal.Zero
	if execQty.IsPositive() && quoteQty.IsPositive() {
		fillPrice = quoteQty.Div(execQty)
	}
	if len(order.Fills) > 0 {
		var notional, qty decimal.Decimal
		for _, f := range order.Fills {
			p, _ := decimal.NewFromString(f.Price)
			q, _ := decimal.NewFromString(f.Quantity)
			c, _ := decimal.NewFromString(f.Commission)
			notional = notional.Add(p.Mul(q))
			qty = qty.Add(q)
			fee = fee.Add(c)
		}
		if fillPrice.IsZero() && qty.IsPositive() {
			fillPrice = notional.Div(qty)
		}
	}

	side, _ := domain.ParseSide(string(order.Side))
	ts := time.Now()
	if order.TransactTime > 0 {
		ts = time.UnixMilli(order.TransactTime)
	}
	return &domain.OrderResult{
		OrderID:        strconv.FormatInt(order.OrderID, 10),
		Symbol:         symbol,
		Side:           side,
		FillPrice:      fillPrice.InexactFloat64(),
		FilledQuantity: execQty.InexactFloat64(),
		Fee:            fee.InexactFloat64(),
		Status:         domain.ParseOrderStatus(string(order.Status)),
		Timestamp:      ts,
	}
}

func translateOrder(o *binance.Order, symbol string) *domain.Order {
	origQty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
	execQty, _ := decimal.NewFromString(o.ExecutedQuantity)
	quoteQty, _ := decimal.NewFromString(o.CummulativeQuoteQuantity)

	var fillPrice float64
	if execQty.IsPositive() && quoteQty.IsPositive() {
		fillPrice = quoteQty.Div(execQty).InexactFloat64()
	}
	side, _ := domain.ParseSide(string(o.Side))
	return &domain.Order{
		OrderID:        strconv.FormatInt(o.OrderID, 10),
		Symbol:         symbol,
		Side:           side,
		Type:           string(o.Type),
		Status:         domain.ParseOrderStatus(string(o.Status)),
		Quantity:       origQty,
		FilledQuantity: execQty.InexactFloat64(),
		StopPrice:      stopPrice,
		FillPrice:      fillPrice,
		UpdatedAt:      time.UnixMilli(o.UpdateTime),
	}
}

func translateBinanceKline(bk *binance.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	values := make([]float64, 5)
	for i, raw := range []string{bk.Open, bk.High, bk.Low, bk.Close, bk.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing kline value '%s': %w", raw, err)
		}
		values[i] = v
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol,
		Interval:  interval,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		IsFinal:   true, // Historical klines are always final
	}, nil
}
