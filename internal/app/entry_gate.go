package app

import (
	"context"
	"fmt"
	"time"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// lastTradeKey is the system-state key holding the time of the last executed entry.
const lastTradeKey = "last_trade_at"

// Rejection records why one candidate was dropped.
type Rejection struct {
	SignalID string
	Symbol   string
	Reason   domain.RejectReason
}

// ScreenResult holds the candidates that survived the pre-screen, grouped by symbol.
type ScreenResult struct {
	Groups     []domain.CandidateGroup
	Rejections []Rejection
}

// Survivors counts the candidates across all groups.
func (r ScreenResult) Survivors() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g.Candidates)
	}
	return n
}

// EntryGate screens candidates before the oracle and vetoes its answer after.
type EntryGate struct {
	cfg     Config
	store   ports.PositionStore
	state   ports.StateStore
	metrics ports.Metrics
	logger  ports.Logger
	now     func() time.Time
}

// NewEntryGate creates the gate. metrics may be nil.
func NewEntryGate(cfg Config, store ports.PositionStore, state ports.StateStore, metrics ports.Metrics, logger ports.Logger) (*EntryGate, error) {
	if store == nil || state == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for EntryGate")
	}
	return &EntryGate{
		cfg:     cfg,
		store:   store,
		state:   state,
		metrics: orNopMetrics(metrics),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// PreScreen applies the hard limits. Caps and RSI are evaluated once per symbol
// and reject every candidate of that symbol; signal age is judged per candidate.
// Groups keep the order in which their symbols first appear.
func (g *EntryGate) PreScreen(ctx context.Context, candidates []domain.Candidate) (ScreenResult, error) {
	op := "PreScreen"
	var result ScreenResult
	if len(candidates) == 0 {
		return result, nil
	}

	total, err := g.store.CountOpen(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to count open positions: %w", err)
	}
	totalFull := total >= g.cfg.MaxTotalPositions

	now := g.now()
	symbolVerdict := make(map[string]domain.RejectReason)
	groupIndex := make(map[string]int)

	for _, cand := range candidates {
		symbol := cand.Signal.Symbol

		verdict, seen := symbolVerdict[symbol]
		if !seen {
			verdict, err = g.screenSymbol(ctx, symbol, cand.Technical, totalFull)
			if err != nil {
				return ScreenResult{}, err
			}
			symbolVerdict[symbol] = verdict
			if verdict != domain.RejectNone {
				g.logger.Info(ctx, op+": Symbol rejected", map[string]interface{}{
					"symbol": symbol,
					"reason": verdict.String(),
					"rsi":    cand.Technical.RSI,
				})
			}
		}

		if verdict == domain.RejectNone && cand.Signal.Age(now) > g.cfg.MaxSignalAge {
			verdict = domain.RejectSignalTooOld
		}
		if verdict != domain.RejectNone {
			g.reject(&result, cand.Signal, verdict)
			continue
		}

		idx, ok := groupIndex[symbol]
		if !ok {
			idx = len(result.Groups)
			groupIndex[symbol] = idx
			result.Groups = append(result.Groups, domain.CandidateGroup{Symbol: symbol, Technical: cand.Technical})
		}
		result.Groups[idx].Candidates = append(result.Groups[idx].Candidates, cand)
	}

	g.logger.Debug(ctx, op+": Screen complete", map[string]interface{}{
		"candidates": len(candidates),
		"survivors":  result.Survivors(),
		"rejected":   len(result.Rejections),
	})
	return result, nil
}

func (g *EntryGate) screenSymbol(ctx context.Context, symbol string, tech domain.TechnicalSnapshot, totalFull bool) (domain.RejectReason, error) {
	if totalFull {
		return domain.RejectTotalLimit, nil
	}
	open, err := g.store.CountOpenBySymbol(ctx, symbol)
	if err != nil {
		return domain.RejectNone, fmt.Errorf("failed to count open positions for %s: %w", symbol, err)
	}
	if open >= g.cfg.MaxPositionsPerSymbol {
		return domain.RejectSymbolLimit, nil
	}
	if tech.RSI > g.cfg.RSIUpperLimit || tech.RSI < g.cfg.RSILowerLimit {
		return domain.RejectRSIExtreme, nil
	}
	return domain.RejectNone, nil
}

func (g *EntryGate) reject(result *ScreenResult, sig domain.Signal, reason domain.RejectReason) {
	result.Rejections = append(result.Rejections, Rejection{SignalID: sig.ID, Symbol: sig.Symbol, Reason: reason})
	g.metrics.EntryRejected(reason.String())
}

// Consult asks the oracle about the screened groups. Any oracle failure is a WAIT
// with zero confidence.
func (g *EntryGate) Consult(ctx context.Context, oracle ports.DecisionProvider, groups []domain.CandidateGroup, riskContext string) domain.Decision {
	op := "Consult"
	decision, err := oracle.Decide(ctx, groups, riskContext)
	if err != nil {
		g.logger.Error(ctx, err, op+": Oracle failed, waiting", map[string]interface{}{"groups": len(groups)})
		return domain.WaitDecision(fmt.Sprintf("oracle error: %v", err))
	}
	return decision
}

// PostScreen vetoes a BUY decision. It returns RejectNone when the entry may proceed.
func (g *EntryGate) PostScreen(ctx context.Context, d domain.Decision) (domain.RejectReason, error) {
	op := "PostScreen"
	reason, err := g.veto(ctx, d)
	if err != nil {
		return domain.RejectNone, err
	}
	if reason != domain.RejectNone {
		g.metrics.EntryRejected(reason.String())
		g.logger.Info(ctx, op+": Decision vetoed", map[string]interface{}{
			"symbol":     d.Symbol,
			"reason":     reason.String(),
			"confidence": d.Confidence,
			"catalyst":   d.CatalystStrength.String(),
		})
	}
	return reason, nil
}

func (g *EntryGate) veto(ctx context.Context, d domain.Decision) (domain.RejectReason, error) {
	minConfidence := g.cfg.MinConfidence
	if minConfidence < MinConfidenceFloor {
		minConfidence = MinConfidenceFloor
	}
	if d.Confidence < minConfidence {
		return domain.RejectLowConfidence, nil
	}
	if d.Action == domain.ActionBuy && d.CatalystStrength == domain.CatalystNoise {
		return domain.RejectNoiseCatalyst, nil
	}

	last, ok, err := g.LastTradeAt(ctx)
	if err != nil {
		return domain.RejectNone, err
	}
	if ok && g.now().Sub(last) < g.cfg.TradeCooldown {
		return domain.RejectCooldown, nil
	}
	return domain.RejectNone, nil
}

// LastTradeAt returns the time of the last executed entry, if any.
func (g *EntryGate) LastTradeAt(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := g.state.GetState(ctx, lastTradeKey)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read %s: %w", lastTradeKey, err)
	}
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		g.logger.Warn(ctx, "Ignoring malformed last trade time", map[string]interface{}{"value": raw})
		return time.Time{}, false, nil
	}
	return at, true, nil
}

// RecordTrade starts the cooldown.
func (g *EntryGate) RecordTrade(ctx context.Context, at time.Time) error {
	if err := g.state.SetState(ctx, lastTradeKey, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to record trade time: %w", err)
	}
	return nil
}
