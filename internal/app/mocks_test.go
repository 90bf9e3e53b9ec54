package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type sellCall struct {
	symbol  string
	qty     float64
	atPrice *float64
}

type stopCall struct {
	symbol string
	qty    float64
	price  float64
}

type mockExchange struct {
	mu sync.Mutex

	healthy    bool
	tickers    map[string]*domain.Ticker
	tickerErr  error
	balances   map[string]float64
	balanceErr error
	held       map[string]float64 // Missing symbol means no holding
	heldErr    error
	orders     map[string]*domain.Order
	orderErr   error
	buyErr     error
	sellErr    map[string]error // By symbol
	stopErr    error
	cancelErr  error

	tickerCalls int
	buys        []float64
	sells       []sellCall
	stops       []stopCall
	cancels     []string
	nextID      int
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		healthy:  true,
		tickers:  map[string]*domain.Ticker{},
		balances: map[string]float64{"USDT": 10000},
		held:     map[string]float64{},
		orders:   map[string]*domain.Order{},
		sellErr:  map[string]error{},
	}
}

func (m *mockExchange) setPrice(symbol string, last float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[symbol] = &domain.Ticker{Symbol: symbol, Bid: last - 1, Ask: last, Last: last}
}

func (m *mockExchange) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockExchange) Name() string { return "mock" }

func (m *mockExchange) GetBalance(ctx context.Context, currency string) (*domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	free := m.balances[currency]
	return &domain.Balance{Currency: currency, Free: free, Total: free}, nil
}

func (m *mockExchange) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerCalls++
	if m.tickerErr != nil {
		return nil, m.tickerErr
	}
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, ports.NewExchangeError("GetTicker", ports.KindNotFound, fmt.Errorf("no ticker for %s", symbol))
	}
	cp := *t
	return &cp, nil
}

func (m *mockExchange) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Kline, error) {
	return nil, nil
}

func (m *mockExchange) MarketBuy(ctx context.Context, symbol string, quantity float64) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buys = append(m.buys, quantity)
	if m.buyErr != nil {
		return nil, m.buyErr
	}
	price := m.tickers[symbol].Ask
	m.held[symbol] += quantity
	return &domain.OrderResult{OrderID: m.id("BUY"), Symbol: symbol, Side: domain.Buy, FillPrice: price, FilledQuantity: quantity, Status: domain.OrderStatusClosed}, nil
}

func (m *mockExchange) MarketSell(ctx context.Context, symbol string, quantity float64, atPrice *float64) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sells = append(m.sells, sellCall{symbol: symbol, qty: quantity, atPrice: atPrice})
	if err := m.sellErr[symbol]; err != nil {
		return nil, err
	}
	price := 0.0
	if atPrice != nil {
		price = *atPrice
	} else if t, ok := m.tickers[symbol]; ok {
		price = t.Bid
	}
	m.held[symbol] -= quantity
	return &domain.OrderResult{OrderID: m.id("SELL"), Symbol: symbol, Side: domain.Sell, FillPrice: price, FilledQuantity: quantity, Status: domain.OrderStatusClosed}, nil
}

func (m *mockExchange) StopLossOrder(ctx context.Context, symbol string, quantity, stopPrice float64) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, stopCall{symbol: symbol, qty: quantity, price: stopPrice})
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	id := m.id("STOP")
	m.orders[id] = &domain.Order{OrderID: id, Symbol: symbol, Side: domain.Sell, Type: "STOP_LOSS", Status: domain.OrderStatusOpen, Quantity: quantity, StopPrice: stopPrice}
	return &domain.OrderResult{OrderID: id, Symbol: symbol, Side: domain.Sell, Status: domain.OrderStatusOpen}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, orderID)
	if m.cancelErr != nil {
		return false, m.cancelErr
	}
	o, ok := m.orders[orderID]
	if !ok || o.Status != domain.OrderStatusOpen {
		return false, nil
	}
	o.Status = domain.OrderStatusCanceled
	return true, nil
}

func (m *mockExchange) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *mockExchange) GetPosition(ctx context.Context, symbol string) (*float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heldErr != nil {
		return nil, m.heldErr
	}
	qty, ok := m.held[symbol]
	if !ok || qty <= 0 {
		return nil, nil
	}
	return &qty, nil
}

func (m *mockExchange) HealthCheck(ctx context.Context) bool { return m.healthy }

// mockStore is an in-memory ledger implementing PositionStore and StateStore.
type mockStore struct {
	mu         sync.Mutex
	positions  map[int64]*domain.Position
	state      map[string]string
	nextID     int64
	createErr  error
	closeErr   error
	closeFails int // Fail this many CloseTrade calls with ErrUpdateFailed
	markErr    error
	fillErr    error
	stateErr   error
	closeCalls int
	now        func() time.Time
}

func newMockStore() *mockStore {
	return &mockStore{positions: map[int64]*domain.Position{}, state: map[string]string{}, now: time.Now}
}

func clonePosition(p *domain.Position) *domain.Position {
	cp := *p
	return &cp
}

// add stores an already open position and returns its id.
func (m *mockStore) add(p *domain.Position) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	if p.Status == 0 {
		p.Status = domain.StatusOpen
	}
	m.positions[p.ID] = clonePosition(p)
	return p.ID
}

func (m *mockStore) get(id int64) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePosition(m.positions[id])
}

func (m *mockStore) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	return m.add(pos), nil
}

func (m *mockStore) GetByID(ctx context.Context, id int64) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, nil
	}
	return clonePosition(p), nil
}

func (m *mockStore) filterOpen(match func(*domain.Position) bool) []*domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Position
	for _, p := range m.positions {
		if p.IsOpen() && match(p) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockStore) GetOpen(ctx context.Context) ([]*domain.Position, error) {
	return m.filterOpen(func(*domain.Position) bool { return true }), nil
}

func (m *mockStore) GetOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Position, error) {
	return m.filterOpen(func(p *domain.Position) bool { return p.Symbol == symbol }), nil
}

func (m *mockStore) CountOpen(ctx context.Context) (int, error) {
	open, _ := m.GetOpen(ctx)
	return len(open), nil
}

func (m *mockStore) CountOpenBySymbol(ctx context.Context, symbol string) (int, error) {
	open, _ := m.GetOpenBySymbol(ctx, symbol)
	return len(open), nil
}

func (m *mockStore) CloseTrade(ctx context.Context, id int64, req ports.CloseRequest) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	if m.closeFails > 0 {
		m.closeFails--
		return nil, ports.ErrUpdateFailed
	}
	p, ok := m.positions[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	if p.Status == domain.StatusClosed {
		return clonePosition(p), ports.ErrAlreadyClosed
	}
	p.Status = domain.StatusClosed
	p.ExitPrice = req.ExitPrice
	p.ExitReason = req.Reason
	p.ExitOrderID = req.ExitOrderID
	p.Unverified = req.Unverified
	closedAt := req.ClosedAt
	p.ClosedAt = &closedAt
	p.PnLAmount, p.PnLPercent = nil, nil
	if req.ExitPrice != nil {
		amt, pct := domain.ComputePnL(p.Side, p.EntryPrice, *req.ExitPrice, p.Quantity)
		p.PnLAmount, p.PnLPercent = &amt, &pct
	}
	return clonePosition(p), nil
}

func (m *mockStore) MarkClosing(ctx context.Context, id int64, reason domain.ExitReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	p, ok := m.positions[id]
	if !ok {
		return ports.ErrNotFound
	}
	if p.Status != domain.StatusOpen {
		return ports.ErrInvalidRequest
	}
	p.Status = domain.StatusClosing
	p.ExitReason = reason
	return nil
}

func (m *mockStore) RecordExitFill(ctx context.Context, id int64, exitPrice float64, exitOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fillErr != nil {
		return m.fillErr
	}
	p, ok := m.positions[id]
	if !ok {
		return ports.ErrNotFound
	}
	if p.Status != domain.StatusClosing {
		return ports.ErrInvalidRequest
	}
	p.ExitPrice = &exitPrice
	p.ExitOrderID = &exitOrderID
	return nil
}

func (m *mockStore) UpdateStopOrderID(ctx context.Context, id int64, orderID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return ports.ErrNotFound
	}
	p.ExchangeStopOrderID = orderID
	return nil
}

func (m *mockStore) GetZombie(ctx context.Context, maxAgeHours float64) ([]*domain.Position, error) {
	cutoff := m.now().Add(-time.Duration(maxAgeHours * float64(time.Hour)))
	return m.filterOpen(func(p *domain.Position) bool { return p.OpenedAt.Before(cutoff) }), nil
}

func (m *mockStore) GetClosedSince(ctx context.Context, since time.Time) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Position
	for _, p := range m.positions {
		if p.Status == domain.StatusClosed && p.ClosedAt != nil && !p.ClosedAt.Before(since) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out, nil
}

func (m *mockStore) GetState(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return "", false, m.stateErr
	}
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *mockStore) SetState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return m.stateErr
	}
	m.state[key] = value
	return nil
}

type alert struct {
	priority ports.Priority
	title    string
}

type mockNotifier struct {
	mu     sync.Mutex
	alerts []alert
	err    error
}

func (m *mockNotifier) Notify(ctx context.Context, priority ports.Priority, title, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert{priority: priority, title: title})
	return m.err
}

func (m *mockNotifier) has(priority ports.Priority, title string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.priority == priority && a.title == title {
			return true
		}
	}
	return false
}

type mockMetrics struct {
	mu            sync.Mutex
	entries       []string
	rejections    []string
	closes        []string
	reconciles    []string
	compensations []bool
	modes         []string
	cycles        int
	openPositions int
}

func (m *mockMetrics) EntryExecuted(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, symbol)
}

func (m *mockMetrics) EntryRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, reason)
}

func (m *mockMetrics) PositionClosed(symbol, reason string, unverified bool, pnl *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, reason)
}

func (m *mockMetrics) ReconcileOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles = append(m.reconciles, outcome)
}

func (m *mockMetrics) CompensationAttempted(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensations = append(m.compensations, success)
}

func (m *mockMetrics) ModeChanged(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes = append(m.modes, mode)
}

func (m *mockMetrics) CycleCompleted(seconds float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
}

func (m *mockMetrics) OpenPositions(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = count
}

func (m *mockMetrics) ExchangeRetry(op string) {}

type mockOracle struct {
	decision domain.Decision
	err      error
	calls    int
	groups   []domain.CandidateGroup
}

func (m *mockOracle) Decide(ctx context.Context, groups []domain.CandidateGroup, riskContext string) (domain.Decision, error) {
	m.calls++
	m.groups = groups
	return m.decision, m.err
}

type mockSignals struct {
	signals []domain.Signal
	err     error
	calls   int
}

func (m *mockSignals) FetchSignals(ctx context.Context, symbols []string) ([]domain.Signal, error) {
	m.calls++
	return m.signals, m.err
}

type mockRiskScanner struct {
	rc  domain.RiskContext
	err error
}

func (m *mockRiskScanner) Scan(ctx context.Context) (domain.RiskContext, error) {
	return m.rc, m.err
}

type mockAnalyzer struct {
	snapshots map[string]domain.TechnicalSnapshot
}

func (m *mockAnalyzer) Analyze(ctx context.Context, symbol string) (*domain.TechnicalSnapshot, error) {
	s, ok := m.snapshots[symbol]
	if !ok {
		return nil, fmt.Errorf("not enough candles for %s", symbol)
	}
	return &s, nil
}

type mockLock struct {
	held     bool
	acquired int
	released int
}

func (m *mockLock) Acquire(ctx context.Context) (func(), error) {
	if m.held {
		return nil, ports.ErrLockHeld
	}
	m.acquired++
	return func() { m.released++ }, nil
}

type mockStopChecker struct {
	calls int
}

func (m *mockStopChecker) CheckStopOrders(ctx context.Context) ([]*domain.OrderResult, error) {
	m.calls++
	return nil, nil
}
