package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// Reconciliation outcomes reported to metrics.
const (
	reconcileHeld         = "held"
	reconcileVenueError   = "venue_error"
	reconcileStopFilled   = "stop_filled"
	reconcileExternal     = "external_close"
	reconcileStopMissing  = "stop_not_found"
	reconcileNoStopRecord = "no_stop_recorded"
)

// PositionManager reconciles open positions with the venue and decides when they close.
type PositionManager struct {
	cfg      Config
	exchange ports.ExchangeGateway
	store    ports.PositionStore
	executor *OrderExecutor
	notifier ports.Notifier
	metrics  ports.Metrics
	logger   ports.Logger
	now      func() time.Time
}

// NewPositionManager creates the manager. notifier and metrics may be nil.
func NewPositionManager(
	cfg Config,
	exchange ports.ExchangeGateway,
	store ports.PositionStore,
	executor *OrderExecutor,
	notifier ports.Notifier,
	metrics ports.Metrics,
	logger ports.Logger,
) (*PositionManager, error) {
	if exchange == nil || store == nil || executor == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for PositionManager")
	}
	return &PositionManager{
		cfg:      cfg,
		exchange: exchange,
		store:    store,
		executor: executor,
		notifier: orNopNotifier(notifier),
		metrics:  orNopMetrics(metrics),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// ManageSummary reports one pass over the open positions.
type ManageSummary struct {
	Checked int
	Closed  []*domain.Position
	Zombies []*domain.Position
}

// ManagePositions runs CheckPosition on every open position in turn. A failure on
// one position is logged and collected; the rest are still checked.
func (m *PositionManager) ManagePositions(ctx context.Context) (ManageSummary, error) {
	op := "ManagePositions"
	var summary ManageSummary

	open, err := m.store.GetOpen(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to load open positions: %w", err)
	}

	var errs error
	for _, pos := range open {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		summary.Checked++
		closed, err := m.CheckPosition(ctx, pos)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("position %d: %w", pos.ID, err))
			continue
		}
		if closed != nil {
			summary.Closed = append(summary.Closed, closed)
		}
	}
	m.metrics.OpenPositions(len(open) - len(summary.Closed))

	// Positions far past their time limit mean closes keep failing.
	zombies, err := m.store.GetZombie(ctx, 2*m.cfg.MaxPositionDuration.Hours())
	if err != nil {
		m.logger.Warn(ctx, op+": Zombie lookup failed", map[string]interface{}{"error": err.Error()})
	} else if len(zombies) > 0 {
		summary.Zombies = zombies
		ids := make([]int64, 0, len(zombies))
		for _, z := range zombies {
			ids = append(ids, z.ID)
		}
		m.logger.Warn(ctx, op+": Zombie positions detected", map[string]interface{}{"positionIDs": ids})
		notify(ctx, m.notifier, m.logger, ports.PriorityHigh, "Zombie positions",
			fmt.Sprintf("%d position(s) open for more than twice the time limit: %v", len(zombies), ids))
	}

	if len(summary.Closed) > 0 || errs != nil {
		m.logger.Info(ctx, op+": Position pass complete", map[string]interface{}{
			"checked": summary.Checked,
			"closed":  len(summary.Closed),
			"errors":  len(multierr.Errors(errs)),
		})
	}
	return summary, errs
}

// CheckPosition decides whether pos must close and closes it. Reconciliation with
// the venue comes first, then the virtual targets, then the time limit. It returns
// the closed ledger record, or nil when the position stays open. When the venue
// cannot be reached the position is left untouched.
func (m *PositionManager) CheckPosition(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	op := "CheckPosition"
	if !pos.IsOpen() {
		return nil, nil
	}
	if _, ok := recordedExit(pos); ok {
		m.logger.Warn(ctx, op+": Completing close from recorded exit fill", map[string]interface{}{"positionID": pos.ID, "reason": pos.ExitReason.String()})
		return m.ClosePosition(ctx, pos, pos.ExitReason, nil)
	}

	closed, err := m.reconcile(ctx, pos)
	if err != nil || closed != nil {
		return closed, err
	}

	if pos.Status == domain.StatusClosing {
		m.logger.Warn(ctx, op+": Retrying unfinished exit at market", map[string]interface{}{"positionID": pos.ID, "reason": pos.ExitReason.String()})
		return m.ClosePosition(ctx, pos, pos.ExitReason, nil)
	}

	ticker, err := m.exchange.GetTicker(ctx, pos.Symbol)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to get price, position left untouched", map[string]interface{}{"positionID": pos.ID})
		return nil, err
	}
	price := ticker.Last

	if reason, hit := virtualTrigger(pos, price); hit {
		m.logger.Info(ctx, op+": Virtual level hit", map[string]interface{}{
			"positionID": pos.ID,
			"reason":     reason.String(),
			"price":      price,
			"virtualSL":  pos.VirtualSL,
			"virtualTP":  pos.VirtualTP,
		})
		return m.ClosePosition(ctx, pos, reason, &price)
	}

	if age := pos.Age(m.now()); age > m.cfg.MaxPositionDuration {
		m.logger.Info(ctx, op+": Position exceeded time limit", map[string]interface{}{
			"positionID": pos.ID,
			"age":        age.Round(time.Second).String(),
			"limit":      m.cfg.MaxPositionDuration.String(),
		})
		return m.ClosePosition(ctx, pos, domain.ExitTimeDecay, nil)
	}
	return nil, nil
}

// virtualTrigger compares price with the locally enforced levels.
func virtualTrigger(pos *domain.Position, price float64) (domain.ExitReason, bool) {
	switch pos.Side {
	case domain.Buy:
		if price <= pos.VirtualSL {
			return domain.ExitVirtualSL, true
		}
		if price >= pos.VirtualTP {
			return domain.ExitVirtualTP, true
		}
	case domain.Sell:
		if price >= pos.VirtualSL {
			return domain.ExitVirtualSL, true
		}
		if price <= pos.VirtualTP {
			return domain.ExitVirtualTP, true
		}
	}
	return domain.ExitReasonUnknown, false
}

// reconcile checks the venue still holds the position. When it does not, the
// recorded stop order tells what happened and the ledger is closed without
// sending any order.
func (m *PositionManager) reconcile(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	op := "reconcile"
	held, err := m.exchange.GetPosition(ctx, pos.Symbol)
	if err != nil {
		m.metrics.ReconcileOutcome(reconcileVenueError)
		m.logger.Error(ctx, err, op+": Venue unreachable, position left untouched", map[string]interface{}{"positionID": pos.ID})
		return nil, err
	}
	if held != nil && *held >= m.cfg.HeldThreshold*pos.Quantity {
		m.metrics.ReconcileOutcome(reconcileHeld)
		return nil, nil
	}

	heldQty := 0.0
	if held != nil {
		heldQty = *held
	}
	fields := map[string]interface{}{
		"positionID":  pos.ID,
		"symbol":      pos.Symbol,
		"recorded":    pos.Quantity,
		"held":        heldQty,
		"stopOrderID": pos.StopOrderID(),
	}
	m.logger.Warn(ctx, op+": Holding below recorded quantity", fields)

	stopID := pos.StopOrderID()
	if stopID == "" {
		m.metrics.ReconcileOutcome(reconcileNoStopRecord)
		return m.closeUnverified(ctx, pos, "no stop order recorded")
	}

	order, err := m.exchange.GetOrder(ctx, pos.Symbol, stopID)
	if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		m.metrics.ReconcileOutcome(reconcileVenueError)
		m.logger.Error(ctx, err, op+": Stop order lookup failed, position left untouched", fields)
		return nil, err
	}
	if order == nil {
		m.metrics.ReconcileOutcome(reconcileStopMissing)
		return m.closeUnverified(ctx, pos, "stop order not found on venue")
	}

	switch order.Status {
	case domain.OrderStatusOpen:
		return m.closeExternal(ctx, pos, stopID)
	case domain.OrderStatusClosed:
		m.metrics.ReconcileOutcome(reconcileStopFilled)
		price := order.FillPrice
		if price <= 0 {
			price = pos.CatastropheSL
		}
		m.logger.Warn(ctx, op+": Catastrophe stop filled on venue", map[string]interface{}{"positionID": pos.ID, "fillPrice": price})
		return m.recordClose(ctx, pos, ports.CloseRequest{
			ExitPrice:   &price,
			Reason:      domain.ExitCatastropheSL,
			ExitOrderID: &stopID,
		})
	default:
		m.metrics.ReconcileOutcome(reconcileStopMissing)
		return m.closeUnverified(ctx, pos, "stop order "+order.Status.String())
	}
}

// closeUnverified records a catastrophe close at the recorded stop price without
// venue evidence that the stop fired.
func (m *PositionManager) closeUnverified(ctx context.Context, pos *domain.Position, why string) (*domain.Position, error) {
	op := "closeUnverified"
	if pos.Status == domain.StatusClosing {
		return m.closeInterrupted(ctx, pos, why)
	}
	price := pos.CatastropheSL
	m.logger.Error(ctx, fmt.Errorf("position %d: %s", pos.ID, why), op+": Holding gone, assuming catastrophe stop", map[string]interface{}{
		"positionID":    pos.ID,
		"symbol":        pos.Symbol,
		"catastropheSL": price,
	})
	return m.recordClose(ctx, pos, ports.CloseRequest{
		ExitPrice:  &price,
		Reason:     domain.ExitCatastropheSL,
		Unverified: true,
	})
}

// closeInterrupted closes a CLOSING position whose holding is gone but whose
// exit fill was never recorded. The exit reason decided earlier is kept and the
// price stays unknown.
func (m *PositionManager) closeInterrupted(ctx context.Context, pos *domain.Position, why string) (*domain.Position, error) {
	op := "closeInterrupted"
	m.logger.Error(ctx, fmt.Errorf("position %d: %s", pos.ID, why), op+": Holding gone during exit, fill not recorded", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"reason":     pos.ExitReason.String(),
	})
	return m.recordClose(ctx, pos, ports.CloseRequest{
		Reason:     pos.ExitReason,
		Unverified: true,
	})
}

// closeExternal handles a holding that disappeared while its stop is still
// resting: someone sold outside the bot. The orphaned stop is cancelled first.
func (m *PositionManager) closeExternal(ctx context.Context, pos *domain.Position, stopID string) (*domain.Position, error) {
	op := "closeExternal"
	if err := m.executor.cancelOrderWarn(ctx, pos.Symbol, stopID, "orphaned stop"); err != nil {
		m.logger.Error(ctx, err, op+": Orphaned stop could not be cancelled", map[string]interface{}{"positionID": pos.ID, "stopOrderID": stopID})
	}
	m.metrics.ReconcileOutcome(reconcileExternal)
	return m.ClosePosition(ctx, pos, domain.ExitExternalClose, nil)
}

// ClosePosition unwinds pos and records the close. EXTERNAL_CLOSE sends no order
// and records no exit price. Closing a position that is already closed is a no-op.
//
// The exit reason is written to the ledger (status CLOSING) before the sell and
// the fill right after it, so a close interrupted by a ledger failure is
// completed from the recorded fill on the next check.
func (m *PositionManager) ClosePosition(ctx context.Context, pos *domain.Position, reason domain.ExitReason, exitPrice *float64) (*domain.Position, error) {
	closed, _, err := m.closePosition(ctx, pos, reason, exitPrice)
	return closed, err
}

// closePosition also reports whether this call recorded the close.
func (m *PositionManager) closePosition(ctx context.Context, pos *domain.Position, reason domain.ExitReason, exitPrice *float64) (*domain.Position, bool, error) {
	op := "ClosePosition"

	current, err := m.store.GetByID(ctx, pos.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load position %d: %w", pos.ID, err)
	}
	if current == nil {
		return nil, false, fmt.Errorf("position %d: %w", pos.ID, ports.ErrNotFound)
	}
	if !current.IsOpen() {
		m.logger.Debug(ctx, op+": Position already closed", map[string]interface{}{"positionID": pos.ID, "status": current.Status.String()})
		return current, false, nil
	}

	if reason == domain.ExitExternalClose {
		return m.commitClose(ctx, current, ports.CloseRequest{Reason: reason})
	}
	if current.Status == domain.StatusClosing {
		if req, ok := recordedExit(current); ok {
			return m.commitClose(ctx, current, req)
		}
		if current.ExitReason != domain.ExitReasonUnknown {
			reason = current.ExitReason
		}
	}

	if m.executor.cfg.DryRun {
		m.logger.Info(ctx, op+": DRY RUN, position left open", map[string]interface{}{"positionID": pos.ID, "reason": reason.String()})
		return nil, false, nil
	}

	if current.Status == domain.StatusOpen {
		if err := m.store.MarkClosing(ctx, current.ID, reason); err != nil {
			m.logger.Error(ctx, err, op+": Failed to record exit intent, no order sent", map[string]interface{}{"positionID": pos.ID, "reason": reason.String()})
			return nil, false, fmt.Errorf("failed to mark position %d closing: %w", pos.ID, err)
		}
		current.Status = domain.StatusClosing
		current.ExitReason = reason
	}

	exit, err := m.executor.ExecuteExit(ctx, current, exitPrice)
	if errors.Is(err, ErrDryRun) {
		return nil, false, nil
	}
	if err != nil {
		m.logger.Error(ctx, err, op+": Exit failed, position stays CLOSING", map[string]interface{}{"positionID": pos.ID, "reason": reason.String()})
		return nil, false, err
	}

	if err := m.store.RecordExitFill(ctx, current.ID, exit.Price, exit.OrderID); err != nil {
		m.logger.Error(ctx, err, op+": Failed to record exit fill", map[string]interface{}{
			"positionID": pos.ID,
			"exitPrice":  exit.Price,
			"orderID":    exit.OrderID,
		})
	}
	orderID := exit.OrderID
	return m.commitClose(ctx, current, ports.CloseRequest{
		ExitPrice:   &exit.Price,
		Reason:      reason,
		ExitOrderID: &orderID,
	})
}

// recordedExit returns the close request for a CLOSING position whose exit fill
// is already in the ledger.
func recordedExit(p *domain.Position) (ports.CloseRequest, bool) {
	if p.Status != domain.StatusClosing || p.ExitPrice == nil || p.ExitOrderID == nil {
		return ports.CloseRequest{}, false
	}
	price, orderID := *p.ExitPrice, *p.ExitOrderID
	return ports.CloseRequest{ExitPrice: &price, Reason: p.ExitReason, ExitOrderID: &orderID}, true
}

// recordClose writes the close in one ledger transaction and reports it.
func (m *PositionManager) recordClose(ctx context.Context, pos *domain.Position, req ports.CloseRequest) (*domain.Position, error) {
	closed, _, err := m.commitClose(ctx, pos, req)
	return closed, err
}

// closeAttempts bounds the ledger writes of one close.
const closeAttempts = 2

func (m *PositionManager) commitClose(ctx context.Context, pos *domain.Position, req ports.CloseRequest) (*domain.Position, bool, error) {
	op := "recordClose"
	req.ClosedAt = m.now().UTC()

	var (
		closed *domain.Position
		err    error
	)
	for attempt := 1; attempt <= closeAttempts; attempt++ {
		closed, err = m.store.CloseTrade(ctx, pos.ID, req)
		if err == nil || errors.Is(err, ports.ErrAlreadyClosed) || errors.Is(err, ports.ErrNotFound) {
			break
		}
		m.logger.Warn(ctx, op+": Ledger close failed", map[string]interface{}{"positionID": pos.ID, "attempt": attempt, "error": err.Error()})
	}
	if errors.Is(err, ports.ErrAlreadyClosed) {
		m.logger.Debug(ctx, op+": Position already closed", map[string]interface{}{"positionID": pos.ID})
		return closed, false, nil
	}
	if err != nil {
		m.logger.Error(ctx, err, op+": LEDGER CLOSE FAILED", map[string]interface{}{"positionID": pos.ID, "reason": req.Reason.String()})
		notify(ctx, m.notifier, m.logger, ports.PriorityCritical, "Ledger close failed",
			fmt.Sprintf("Position %d %s (%s) could not be closed in the ledger: %v", pos.ID, pos.Symbol, req.Reason.Label(), err))
		return nil, false, err
	}

	m.metrics.PositionClosed(closed.Symbol, closed.ExitReason.String(), closed.Unverified, closed.PnLAmount)
	fields := map[string]interface{}{
		"positionID": closed.ID,
		"symbol":     closed.Symbol,
		"reason":     closed.ExitReason.String(),
		"unverified": closed.Unverified,
	}
	if closed.ExitPrice != nil {
		fields["exitPrice"] = *closed.ExitPrice
	}
	if closed.PnLAmount != nil {
		fields["pnl"] = *closed.PnLAmount
		fields["pnlPercent"] = *closed.PnLPercent
	}

	priority := closePriority(closed)
	if closed.ExitReason == domain.ExitExternalClose {
		m.logger.Error(ctx, fmt.Errorf("position %d closed outside the bot", closed.ID), op+": EXTERNAL CLOSE detected", fields)
	} else {
		m.logger.Info(ctx, op+": Position closed", fields)
	}
	notify(ctx, m.notifier, m.logger, priority, closeTitle(closed), describeClose(closed))
	return closed, true, nil
}

// ForceCloseAll closes every open position with reason. A failure on one position
// does not stop the others. It returns how many positions were closed.
func (m *PositionManager) ForceCloseAll(ctx context.Context, reason domain.ExitReason) (int, error) {
	op := "ForceCloseAll"
	open, err := m.store.GetOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load open positions: %w", err)
	}
	m.logger.Warn(ctx, op+": Closing all open positions", map[string]interface{}{"count": len(open), "reason": reason.String()})

	closedCount := 0
	var errs error
	for _, pos := range open {
		price, err := m.lastPrice(ctx, pos.Symbol)
		if err != nil {
			m.logger.Warn(ctx, op+": No price hint, selling at market", map[string]interface{}{"positionID": pos.ID})
		}
		_, performed, err := m.closePosition(ctx, pos, reason, price)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("position %d: %w", pos.ID, err))
			continue
		}
		if performed {
			closedCount++
		}
	}
	return closedCount, errs
}

func (m *PositionManager) lastPrice(ctx context.Context, symbol string) (*float64, error) {
	t, err := m.exchange.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	price := t.Bid
	if price <= 0 {
		price = t.Last
	}
	return &price, nil
}

func closePriority(p *domain.Position) ports.Priority {
	switch {
	case p.ExitReason == domain.ExitExternalClose || p.Unverified:
		return ports.PriorityCritical
	case p.ExitReason == domain.ExitCatastropheSL || p.ExitReason == domain.ExitVirtualSL:
		return ports.PriorityHigh
	default:
		return ports.PriorityMedium
	}
}

func closeTitle(p *domain.Position) string {
	switch {
	case p.ExitReason == domain.ExitExternalClose:
		return "External close detected"
	case p.Unverified && p.ExitReason == domain.ExitCatastropheSL:
		return "Unverified catastrophe close"
	case p.Unverified:
		return "Unverified close"
	default:
		return "Position closed"
	}
}

func describeClose(p *domain.Position) string {
	msg := fmt.Sprintf("%s #%d closed by %s", p.Symbol, p.ID, p.ExitReason.Label())
	if p.ExitPrice != nil {
		msg += fmt.Sprintf(" at %.8g", *p.ExitPrice)
	} else {
		msg += ", exit price unknown"
	}
	if p.PnLAmount != nil && p.PnLPercent != nil {
		msg += fmt.Sprintf("\nPnL %.2f (%.2f%%)", *p.PnLAmount, *p.PnLPercent*100)
	}
	switch {
	case p.Unverified && p.ExitReason == domain.ExitCatastropheSL:
		msg += "\nStop order not found on the venue; exit price assumed."
	case p.Unverified:
		msg += "\nHolding gone before the exit fill was recorded; check the venue trade history."
	}
	return msg
}
