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

// heartbeatKey is the system-state key written at the end of every cycle.
const heartbeatKey = "heartbeat"

// StopOrderChecker is implemented by simulated venues that fill resting stops
// themselves. It runs at the start of every cycle.
type StopOrderChecker interface {
	CheckStopOrders(ctx context.Context) ([]*domain.OrderResult, error)
}

// Deps are the collaborators of the trading service. Signals, RiskScanner, Lock,
// StopChecker, Notifier and Metrics are optional.
type Deps struct {
	Exchange    ports.ExchangeGateway
	Store       ports.PositionStore
	State       ports.StateStore
	Risk        *risk.RiskManager
	Oracle      ports.DecisionProvider
	Analyzer    ports.TechnicalAnalyzer
	Signals     ports.SignalSource
	RiskScanner ports.RiskScanner
	Lock        ports.CycleLock
	StopChecker StopOrderChecker
	Notifier    ports.Notifier
	Metrics     ports.Metrics
	Logger      ports.Logger
}

// TradingService runs the trading cycle: manage open positions, assess macro
// risk, screen new candidates, consult the oracle and execute approved entries.
type TradingService struct {
	cfg  Config
	deps Deps

	executor  *OrderExecutor
	positions *PositionManager
	gate      *EntryGate
	mode      *ModeController

	metrics   ports.Metrics
	logger    ports.Logger
	now       func() time.Time
	sleepStep time.Duration
}

// NewTradingService validates cfg and wires the executor, position manager,
// entry gate and mode controller.
func NewTradingService(cfg Config, deps Deps) (*TradingService, error) {
	if deps.Exchange == nil || deps.Store == nil || deps.State == nil || deps.Risk == nil ||
		deps.Oracle == nil || deps.Analyzer == nil || deps.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trading configuration: %w: %w", ports.ErrConfigurationError, err)
	}

	executor, err := NewOrderExecutor(cfg, deps.Exchange, deps.Store, deps.Risk, deps.Notifier, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, err
	}
	positions, err := NewPositionManager(cfg, deps.Exchange, deps.Store, executor, deps.Notifier, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, err
	}
	gate, err := NewEntryGate(cfg, deps.Store, deps.State, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, err
	}
	mode, err := NewModeController(deps.State, cfg.DefensiveFloor, deps.Notifier, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, err
	}

	return &TradingService{
		cfg:       cfg,
		deps:      deps,
		executor:  executor,
		positions: positions,
		gate:      gate,
		mode:      mode,
		metrics:   orNopMetrics(deps.Metrics),
		logger:    deps.Logger,
		now:       time.Now,
		sleepStep: time.Second,
	}, nil
}

// Positions exposes the position manager for one-shot commands.
func (s *TradingService) Positions() *PositionManager { return s.positions }

// Mode exposes the mode controller.
func (s *TradingService) Mode() *ModeController { return s.mode }

// Start checks the venue, restores the mode and runs cycles until ctx is
// cancelled. A cycle in progress always finishes; open positions are left as they
// are on shutdown.
func (s *TradingService) Start(ctx context.Context) error {
	op := "Start"
	s.logger.Info(ctx, op+": Starting trading service", map[string]interface{}{
		"exchange": s.deps.Exchange.Name(),
		"symbols":  s.cfg.Symbols,
		"interval": s.cfg.LoopInterval.String(),
		"dryRun":   s.cfg.DryRun,
	})

	if !s.deps.Exchange.HealthCheck(ctx) {
		return fmt.Errorf("exchange %s failed health check: %w", s.deps.Exchange.Name(), ports.ErrConnectionFailed)
	}
	if err := s.mode.Load(ctx); err != nil {
		return err
	}
	if s.mode.Mode() == domain.ModeDefensive {
		s.logger.Warn(ctx, op+": Resuming in defensive mode", map[string]interface{}{"since": s.mode.Since()})
	}

	cycleCtx := context.WithoutCancel(ctx)
	for {
		if _, err := s.RunCycle(cycleCtx); err != nil {
			s.logger.Error(ctx, err, op+": Cycle failed")
		}
		if s.cfg.Once {
			return nil
		}
		if !s.sleep(ctx, s.cfg.LoopInterval) {
			break
		}
	}

	s.logger.Info(ctx, op+": Stop requested, shutting down")
	if err := s.mode.Transition(cycleCtx, domain.ModeShutdown, "stop requested"); err != nil {
		s.logger.Warn(ctx, op+": Failed to record shutdown", map[string]interface{}{"error": err.Error()})
	}
	s.logger.Info(ctx, op+": Trading service stopped")
	return nil
}

// sleep waits d in short steps and reports false as soon as ctx is done.
func (s *TradingService) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		timer := time.NewTimer(min(remaining, s.sleepStep))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Skipped    bool // Another process held the cycle lock
	Mode       domain.SystemMode
	Managed    ManageSummary
	Signals    int
	Screened   ScreenResult
	Decision   *domain.Decision
	Rejection  domain.RejectReason
	Entered    *domain.Position
	StopsFired int
}

// RunCycle runs one full cycle. Errors in position management are reported but
// do not prevent the entry half of the cycle.
func (s *TradingService) RunCycle(ctx context.Context) (report CycleReport, err error) {
	op := "RunCycle"
	start := time.Now()
	defer func() {
		if !report.Skipped {
			s.metrics.CycleCompleted(time.Since(start).Seconds(), err)
		}
	}()

	if s.deps.Lock != nil {
		unlock, lockErr := s.deps.Lock.Acquire(ctx)
		if errors.Is(lockErr, ports.ErrLockHeld) {
			s.logger.Info(ctx, op+": Cycle lock held elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
		if lockErr != nil {
			return report, fmt.Errorf("failed to acquire cycle lock: %w", lockErr)
		}
		defer unlock()
	}

	if s.deps.StopChecker != nil {
		fired, stopErr := s.deps.StopChecker.CheckStopOrders(ctx)
		report.StopsFired = len(fired)
		if stopErr != nil {
			s.logger.Warn(ctx, op+": Stop order check incomplete", map[string]interface{}{"error": stopErr.Error()})
		}
	}

	managed, manageErr := s.positions.ManagePositions(ctx)
	report.Managed = managed
	if manageErr != nil {
		s.logger.Error(ctx, manageErr, op+": Position management reported errors")
	}

	riskContext := s.scanRisk(ctx)
	report.Mode = s.mode.Mode()

	entryErr := s.seekEntry(ctx, riskContext, &report)
	s.writeHeartbeat(ctx)
	return report, errors.Join(manageErr, entryErr)
}

// scanRisk updates the mode from the macro risk scan and returns the summary
// handed to the oracle. A failed scan keeps the current mode.
func (s *TradingService) scanRisk(ctx context.Context) string {
	op := "scanRisk"
	if s.deps.RiskScanner == nil {
		return ""
	}
	rc, err := s.deps.RiskScanner.Scan(ctx)
	if err != nil {
		s.logger.Warn(ctx, op+": Risk scan failed, keeping current mode", map[string]interface{}{"error": err.Error()})
		return ""
	}
	if _, err := s.mode.ApplyRiskScan(ctx, rc); err != nil {
		s.logger.Error(ctx, err, op+": Failed to apply risk verdict")
	}
	return rc.Summary
}

// seekEntry runs the entry half of the cycle.
func (s *TradingService) seekEntry(ctx context.Context, riskContext string, report *CycleReport) error {
	op := "seekEntry"
	if !s.mode.EntriesAllowed() {
		s.logger.Debug(ctx, op+": Entries blocked", map[string]interface{}{"mode": s.mode.Mode().String()})
		return nil
	}
	if s.deps.Signals == nil {
		return nil
	}

	signals, err := s.deps.Signals.FetchSignals(ctx, s.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("failed to fetch signals: %w", err)
	}
	report.Signals = len(signals)
	if len(signals) == 0 {
		return nil
	}

	candidates := s.buildCandidates(ctx, signals)
	screened, err := s.gate.PreScreen(ctx, candidates)
	if err != nil {
		return err
	}
	report.Screened = screened
	if len(screened.Groups) == 0 {
		s.logger.Info(ctx, op+": No candidates survived screening", map[string]interface{}{"signals": len(signals), "rejected": len(screened.Rejections)})
		return nil
	}

	decision := s.gate.Consult(ctx, s.deps.Oracle, screened.Groups, riskContext)
	report.Decision = &decision
	if decision.Action != domain.ActionBuy {
		s.logger.Info(ctx, op+": Oracle says WAIT", map[string]interface{}{"confidence": decision.Confidence, "reasoning": decision.Reasoning})
		return nil
	}

	reason, err := s.gate.PostScreen(ctx, decision)
	if err != nil {
		return err
	}
	report.Rejection = reason
	if reason != domain.RejectNone {
		return nil
	}

	signal, ok := findSignal(screened.Groups, decision.SourceID)
	if !ok {
		return fmt.Errorf("decision references unknown signal %q: %w", decision.SourceID, ports.ErrDomain)
	}

	pos, err := s.executor.ExecuteEntry(ctx, EntryRequest{Signal: signal, Decision: decision})
	switch {
	case errors.Is(err, ErrDryRun):
		return nil
	case ports.IsPositionLimit(err):
		report.Rejection = domain.RejectTotalLimit
		var limitErr *ports.PositionLimitError
		if errors.As(err, &limitErr) && limitErr.Symbol != "" {
			report.Rejection = domain.RejectSymbolLimit
		}
		s.metrics.EntryRejected(report.Rejection.String())
		s.logger.Info(ctx, op+": Entry skipped", map[string]interface{}{"reason": err.Error()})
		return nil
	case ports.IsInsufficientBalance(err):
		s.logger.Warn(ctx, op+": Entry skipped, insufficient balance", map[string]interface{}{"symbol": decision.Symbol, "error": err.Error()})
		return nil
	case err != nil:
		return fmt.Errorf("entry for %s failed: %w", decision.Symbol, err)
	}

	report.Entered = pos
	if err := s.gate.RecordTrade(ctx, pos.OpenedAt); err != nil {
		s.logger.Error(ctx, err, op+": Failed to start cooldown")
	}
	return nil
}

// buildCandidates attaches a technical snapshot to every signal. Symbols whose
// analysis fails are dropped for this cycle.
func (s *TradingService) buildCandidates(ctx context.Context, signals []domain.Signal) []domain.Candidate {
	op := "buildCandidates"
	snapshots := make(map[string]*domain.TechnicalSnapshot)
	failed := make(map[string]bool)
	candidates := make([]domain.Candidate, 0, len(signals))

	for _, sig := range signals {
		if failed[sig.Symbol] {
			continue
		}
		snap, ok := snapshots[sig.Symbol]
		if !ok {
			var err error
			snap, err = s.deps.Analyzer.Analyze(ctx, sig.Symbol)
			if err != nil {
				failed[sig.Symbol] = true
				s.logger.Warn(ctx, op+": Technical analysis failed, skipping symbol", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
				continue
			}
			snapshots[sig.Symbol] = snap
		}
		candidates = append(candidates, domain.Candidate{Signal: sig, Technical: *snap})
	}
	return candidates
}

func findSignal(groups []domain.CandidateGroup, id string) (domain.Signal, bool) {
	for _, g := range groups {
		for _, c := range g.Candidates {
			if c.Signal.ID == id {
				return c.Signal, true
			}
		}
	}
	return domain.Signal{}, false
}

func (s *TradingService) writeHeartbeat(ctx context.Context) {
	if err := s.deps.State.SetState(ctx, heartbeatKey, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Warn(ctx, "Failed to write heartbeat", map[string]interface{}{"error": err.Error()})
	}
}

// notify sends an alert and only logs a failure.
func notify(ctx context.Context, n ports.Notifier, logger ports.Logger, priority ports.Priority, title, message string) {
	if err := n.Notify(ctx, priority, title, message); err != nil {
		logger.Warn(ctx, "Notification failed", map[string]interface{}{"title": title, "error": err.Error()})
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, priority ports.Priority, title, message string) error {
	return nil
}

func orNopNotifier(n ports.Notifier) ports.Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

type nopMetrics struct{}

func (nopMetrics) EntryExecuted(symbol string)                                        {}
func (nopMetrics) EntryRejected(reason string)                                        {}
func (nopMetrics) PositionClosed(symbol, reason string, unverified bool, pnl *float64) {}
func (nopMetrics) ReconcileOutcome(outcome string)                                    {}
func (nopMetrics) CompensationAttempted(success bool)                                 {}
func (nopMetrics) ModeChanged(mode string)                                            {}
func (nopMetrics) CycleCompleted(seconds float64, err error)                          {}
func (nopMetrics) OpenPositions(count int)                                            {}
func (nopMetrics) ExchangeRetry(op string)                                            {}

func orNopMetrics(m ports.Metrics) ports.Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
