package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
	"fusionbot/internal/risk"
)

// ErrDryRun is returned instead of sending an order when dry-run is enabled.
var ErrDryRun = errors.New("dry run: order not sent")

// EntryRequest is an approved oracle decision together with the signal that triggered it.
type EntryRequest struct {
	Signal   domain.Signal
	Decision domain.Decision
}

// ExitResult is the realized outcome of an unwind.
type ExitResult struct {
	Price   float64
	OrderID string
}

// OrderExecutor sizes and opens positions and unwinds them on request.
// It is the only writer of new positions and of their stop order ids.
type OrderExecutor struct {
	cfg      Config
	exchange ports.ExchangeGateway
	store    ports.PositionStore
	risk     *risk.RiskManager
	notifier ports.Notifier
	metrics  ports.Metrics
	logger   ports.Logger
	now      func() time.Time
}

// NewOrderExecutor creates the executor. notifier and metrics may be nil.
func NewOrderExecutor(
	cfg Config,
	exchange ports.ExchangeGateway,
	store ports.PositionStore,
	riskManager *risk.RiskManager,
	notifier ports.Notifier,
	metrics ports.Metrics,
	logger ports.Logger,
) (*OrderExecutor, error) {
	if exchange == nil || store == nil || riskManager == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for OrderExecutor")
	}
	return &OrderExecutor{
		cfg:      cfg,
		exchange: exchange,
		store:    store,
		risk:     riskManager,
		notifier: orNopNotifier(notifier),
		metrics:  orNopMetrics(metrics),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// CheckCapacity returns a PositionLimitError when another position on symbol
// would exceed the global or the per-symbol cap.
func (e *OrderExecutor) CheckCapacity(ctx context.Context, symbol string) error {
	total, err := e.store.CountOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to count open positions: %w", err)
	}
	if total >= e.cfg.MaxTotalPositions {
		return &ports.PositionLimitError{Open: total, Max: e.cfg.MaxTotalPositions}
	}
	perSymbol, err := e.store.CountOpenBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to count open positions for %s: %w", symbol, err)
	}
	if perSymbol >= e.cfg.MaxPositionsPerSymbol {
		return &ports.PositionLimitError{Symbol: symbol, Open: perSymbol, Max: e.cfg.MaxPositionsPerSymbol}
	}
	return nil
}

// ExecuteEntry opens a BUY position: market buy, catastrophe stop, ledger record.
// If the stop cannot be placed or the record cannot be written, the fill is sold
// back immediately and the original error is returned.
func (e *OrderExecutor) ExecuteEntry(ctx context.Context, req EntryRequest) (*domain.Position, error) {
	op := "ExecuteEntry"
	symbol := req.Decision.Symbol

	if err := e.CheckCapacity(ctx, symbol); err != nil {
		return nil, err
	}

	ticker, err := e.exchange.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}
	price := ticker.Ask
	if price <= 0 {
		price = ticker.Last
	}

	quote := domain.QuoteCurrency(symbol)
	balance, err := e.exchange.GetBalance(ctx, quote)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s balance: %w", quote, err)
	}

	quantity, err := e.risk.GetPositionSize(balance.Free, price)
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, op+": Sizing entry", map[string]interface{}{
		"symbol":     symbol,
		"price":      price,
		"freeQuote":  balance.Free,
		"quantity":   quantity,
		"confidence": req.Decision.Confidence,
	})

	if e.cfg.DryRun {
		e.logger.Info(ctx, op+": DRY RUN, market buy not sent", map[string]interface{}{"symbol": symbol, "quantity": quantity})
		return nil, ErrDryRun
	}

	buy, err := e.exchange.MarketBuy(ctx, symbol, quantity)
	if err != nil {
		e.logger.Error(ctx, err, op+": Failed to place entry market order", map[string]interface{}{"symbol": symbol})
		return nil, fmt.Errorf("entry market order failed: %w", err)
	}
	fill := buy.FillPrice
	if fill <= 0 {
		e.logger.Warn(ctx, op+": Entry fill price missing, using ticker price", map[string]interface{}{"orderID": buy.OrderID, "fallbackPrice": price})
		fill = price
	}
	filled := buy.FilledQuantity
	if filled <= 0 {
		filled = quantity
	}
	levels := e.risk.GetLevels(domain.Buy, fill)
	e.logger.Info(ctx, op+": Entry order filled", map[string]interface{}{
		"orderID":       buy.OrderID,
		"fillPrice":     fill,
		"quantity":      filled,
		"virtualSL":     levels.VirtualSL,
		"virtualTP":     levels.VirtualTP,
		"catastropheSL": levels.CatastropheSL,
	})

	stop, err := e.exchange.StopLossOrder(ctx, symbol, filled, levels.CatastropheSL)
	if err != nil {
		e.logger.Error(ctx, err, op+": Failed to place catastrophe stop", map[string]interface{}{"symbol": symbol})
		e.compensate(ctx, symbol, filled, "catastrophe stop placement failed", err)
		return nil, fmt.Errorf("catastrophe stop failed after entry: %w (compensating sell attempted)", err)
	}

	stopID := stop.OrderID
	pos := &domain.Position{
		Symbol:              symbol,
		Side:                domain.Buy,
		EntryPrice:          fill,
		Quantity:            filled,
		VirtualSL:           levels.VirtualSL,
		VirtualTP:           levels.VirtualTP,
		CatastropheSL:       levels.CatastropheSL,
		EntryOrderID:        buy.OrderID,
		ExchangeStopOrderID: &stopID,
		Status:              domain.StatusOpen,
		OpenedAt:            e.now().UTC(),
		SignalID:            req.Signal.ID,
		Headline:            req.Signal.Headline,
		Confidence:          req.Decision.Confidence,
		Reasoning:           req.Decision.Reasoning,
	}

	id, err := e.store.Create(ctx, pos)
	if err != nil {
		e.logger.Error(ctx, err, op+": Failed to save new position", map[string]interface{}{"symbol": symbol, "entryOrderID": buy.OrderID})
		_ = e.cancelOrderWarn(ctx, symbol, stopID, "catastrophe stop")
		e.compensate(ctx, symbol, filled, "position could not be recorded", err)
		return nil, fmt.Errorf("failed to save position after entry: %w (compensating sell attempted)", err)
	}
	pos.ID = id

	e.metrics.EntryExecuted(symbol)
	e.logger.Info(ctx, op+": Position opened", map[string]interface{}{"positionID": id, "symbol": symbol, "stopOrderID": stopID})
	notify(ctx, e.notifier, e.logger, ports.PriorityMedium, "Position opened",
		fmt.Sprintf("%s BUY %.8g @ %.8g\nSL %.8g / TP %.8g / stop %.8g\n%s",
			symbol, filled, fill, levels.VirtualSL, levels.VirtualTP, levels.CatastropheSL, req.Signal.Headline))
	return pos, nil
}

// compensate sells back an unprotected fill and escalates.
func (e *OrderExecutor) compensate(ctx context.Context, symbol string, quantity float64, why string, cause error) {
	op := "compensate"
	e.logger.Warn(ctx, op+": Placing compensating market sell", map[string]interface{}{"symbol": symbol, "quantity": quantity, "reason": why})

	_, err := e.exchange.MarketSell(ctx, symbol, quantity, nil)
	e.metrics.CompensationAttempted(err == nil)
	if err != nil {
		e.logger.Error(ctx, err, op+": COMPENSATING SELL FAILED, manual intervention required", map[string]interface{}{"symbol": symbol, "quantity": quantity})
		notify(ctx, e.notifier, e.logger, ports.PriorityCritical, "Compensating sell failed",
			fmt.Sprintf("%s: %s (%v). Selling %.8g back failed: %v. Unprotected holding on the venue.", symbol, why, cause, quantity, err))
		return
	}
	e.logger.Error(ctx, cause, op+": Entry rolled back with compensating sell", map[string]interface{}{"symbol": symbol, "quantity": quantity})
	notify(ctx, e.notifier, e.logger, ports.PriorityCritical, "Entry rolled back",
		fmt.Sprintf("%s: %s (%v). Sold %.8g back.", symbol, why, cause, quantity))
}

// ExecuteExit cancels the protective stop and sells the position at market.
// atPrice is forwarded as a fill hint; simulated venues fill at it.
func (e *OrderExecutor) ExecuteExit(ctx context.Context, pos *domain.Position, atPrice *float64) (ExitResult, error) {
	op := "ExecuteExit"

	if e.cfg.DryRun {
		e.logger.Info(ctx, op+": DRY RUN, exit not sent", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol})
		return ExitResult{}, ErrDryRun
	}

	// The ledger keeps the stop id until the close is recorded.
	stopCleared := false
	if stopID := pos.StopOrderID(); stopID != "" {
		stopCleared = e.cancelOrderWarn(ctx, pos.Symbol, stopID, "catastrophe stop") == nil
	}

	sell, err := e.exchange.MarketSell(ctx, pos.Symbol, pos.Quantity, atPrice)
	if err != nil {
		e.logger.Error(ctx, err, op+": Failed to place exit market order", map[string]interface{}{"positionID": pos.ID})
		if stopCleared {
			e.restoreStop(ctx, pos)
		}
		return ExitResult{}, fmt.Errorf("exit market order failed for position %d: %w", pos.ID, err)
	}

	price := sell.FillPrice
	if price <= 0 && atPrice != nil {
		price = *atPrice
	}
	if price <= 0 {
		if t, terr := e.exchange.GetTicker(ctx, pos.Symbol); terr == nil {
			price = t.Bid
		}
	}
	e.logger.Info(ctx, op+": Exit order filled", map[string]interface{}{"positionID": pos.ID, "orderID": sell.OrderID, "fillPrice": price})
	return ExitResult{Price: price, OrderID: sell.OrderID}, nil
}

// restoreStop re-arms the catastrophe stop after a failed exit sell.
func (e *OrderExecutor) restoreStop(ctx context.Context, pos *domain.Position) {
	op := "restoreStop"
	stop, err := e.exchange.StopLossOrder(ctx, pos.Symbol, pos.Quantity, pos.CatastropheSL)
	if err != nil {
		e.logger.Error(ctx, err, op+": Position left without catastrophe stop", map[string]interface{}{"positionID": pos.ID})
		notify(ctx, e.notifier, e.logger, ports.PriorityCritical, "Position unprotected",
			fmt.Sprintf("Position %d %s: exit failed and the catastrophe stop could not be restored.", pos.ID, pos.Symbol))
		return
	}
	id := stop.OrderID
	if err := e.store.UpdateStopOrderID(ctx, pos.ID, &id); err != nil {
		e.logger.Error(ctx, err, op+": Failed to record restored stop", map[string]interface{}{"positionID": pos.ID, "stopOrderID": id})
		return
	}
	pos.ExchangeStopOrderID = &id
	e.logger.Info(ctx, op+": Catastrophe stop restored", map[string]interface{}{"positionID": pos.ID, "stopOrderID": id})
}

// cancelOrderWarn cancels an order and treats an order that is already gone as success.
func (e *OrderExecutor) cancelOrderWarn(ctx context.Context, symbol, orderID, orderType string) error {
	op := "cancelOrderWarn"
	cancelled, err := e.exchange.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			e.logger.Warn(ctx, op+": Order not found, likely already filled or cancelled", map[string]interface{}{"orderID": orderID, "type": orderType})
			return nil
		}
		e.logger.Error(ctx, err, op+": Failed to cancel order", map[string]interface{}{"orderID": orderID, "type": orderType})
		return err
	}
	if !cancelled {
		e.logger.Warn(ctx, op+": Order already gone", map[string]interface{}{"orderID": orderID, "type": orderType})
		return nil
	}
	e.logger.Info(ctx, op+": Order cancelled", map[string]interface{}{"orderID": orderID, "type": orderType})
	return nil
}
