package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// System-state keys of the persisted mode.
const (
	modeKey      = "system_mode"
	modeSinceKey = "system_mode_since"
)

// modeTransitions lists the moves each mode allows. SHUTDOWN is terminal.
var modeTransitions = map[domain.SystemMode][]domain.SystemMode{
	domain.ModeActive:      {domain.ModeDefensive, domain.ModeMaintenance, domain.ModeShutdown},
	domain.ModeDefensive:   {domain.ModeActive, domain.ModeMaintenance, domain.ModeShutdown},
	domain.ModeMaintenance: {domain.ModeActive, domain.ModeDefensive, domain.ModeShutdown},
	domain.ModeShutdown:    {},
}

// CanTransitionMode reports whether the mode may move from one value to another.
func CanTransitionMode(from, to domain.SystemMode) bool {
	for _, allowed := range modeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ModeController owns the process-wide trading mode and persists it with the
// time it was entered, so a restart resumes in the same mode.
type ModeController struct {
	state        ports.StateStore
	minDefensive time.Duration
	notifier     ports.Notifier
	metrics      ports.Metrics
	logger       ports.Logger
	now          func() time.Time

	mu    sync.RWMutex
	mode  domain.SystemMode
	since time.Time
}

// NewModeController starts in ACTIVE until Load is called. minDefensive is how
// long DEFENSIVE holds before a clean scan may lift it.
func NewModeController(state ports.StateStore, minDefensive time.Duration, notifier ports.Notifier, metrics ports.Metrics, logger ports.Logger) (*ModeController, error) {
	if state == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for ModeController")
	}
	return &ModeController{
		state:        state,
		minDefensive: minDefensive,
		notifier:     orNopNotifier(notifier),
		metrics:      orNopMetrics(metrics),
		logger:       logger,
		now:          time.Now,
		mode:         domain.ModeActive,
	}, nil
}

// Load restores the persisted mode. A SHUTDOWN left by the previous process
// does not carry over: starting again is itself a deliberate act.
func (c *ModeController) Load(ctx context.Context) error {
	op := "LoadMode"
	raw, ok, err := c.state.GetState(ctx, modeKey)
	if err != nil {
		return fmt.Errorf("failed to read system mode: %w", err)
	}

	mode := domain.ModeActive
	since := c.now().UTC()
	if ok {
		parsed, err := domain.ParseSystemMode(raw)
		if err != nil {
			c.logger.Warn(ctx, op+": Ignoring unknown persisted mode", map[string]interface{}{"value": raw})
		} else if parsed != domain.ModeShutdown {
			mode = parsed
			if rawSince, ok, err := c.state.GetState(ctx, modeSinceKey); err == nil && ok {
				if t, err := time.Parse(time.RFC3339Nano, rawSince); err == nil {
					since = t
				}
			}
		}
	}

	c.mu.Lock()
	c.mode, c.since = mode, since
	c.mu.Unlock()
	c.metrics.ModeChanged(mode.String())
	c.logger.Info(ctx, op+": System mode restored", map[string]interface{}{"mode": mode.String(), "since": since})
	return nil
}

// Mode returns the current mode.
func (c *ModeController) Mode() domain.SystemMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Since returns when the current mode was entered.
func (c *ModeController) Since() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.since
}

// EntriesAllowed reports whether new positions may be opened.
func (c *ModeController) EntriesAllowed() bool {
	return c.Mode() == domain.ModeActive
}

// Transition moves to mode `to` and persists it. Moving to the current mode is a no-op.
func (c *ModeController) Transition(ctx context.Context, to domain.SystemMode, reason string) error {
	op := "Transition"
	c.mu.Lock()
	from := c.mode
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !CanTransitionMode(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("mode %s cannot move to %s: %w", from, to, ports.ErrInvalidRequest)
	}
	now := c.now().UTC()
	if err := c.persist(ctx, to, now); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mode, c.since = to, now
	c.mu.Unlock()

	c.metrics.ModeChanged(to.String())
	c.logger.Warn(ctx, op+": System mode changed", map[string]interface{}{"from": from.String(), "to": to.String(), "reason": reason})
	notify(ctx, c.notifier, c.logger, modePriority(to), "Mode "+to.String(),
		fmt.Sprintf("%s -> %s: %s", from, to, reason))
	return nil
}

func (c *ModeController) persist(ctx context.Context, mode domain.SystemMode, since time.Time) error {
	if err := c.state.SetState(ctx, modeKey, mode.String()); err != nil {
		return fmt.Errorf("failed to persist system mode: %w", err)
	}
	if err := c.state.SetState(ctx, modeSinceKey, since.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to persist system mode time: %w", err)
	}
	return nil
}

// ApplyRiskScan turns a risk verdict into a mode change. A catastrophe moves ACTIVE
// to DEFENSIVE; a clean scan lifts DEFENSIVE once it has lasted the minimum
// duration. MAINTENANCE and SHUTDOWN are never changed by a scan.
func (c *ModeController) ApplyRiskScan(ctx context.Context, rc domain.RiskContext) (domain.SystemMode, error) {
	mode, since := c.Mode(), c.Since()
	switch {
	case rc.Catastrophe && mode == domain.ModeActive:
		reason := rc.Reason
		if reason == "" {
			reason = rc.Summary
		}
		if err := c.Transition(ctx, domain.ModeDefensive, "macro catastrophe: "+reason); err != nil {
			return mode, err
		}
	case !rc.Catastrophe && mode == domain.ModeDefensive:
		if held := c.now().Sub(since); held < c.minDefensive {
			c.logger.Debug(ctx, "Defensive mode held", map[string]interface{}{
				"elapsed": held.Round(time.Second).String(),
				"minimum": c.minDefensive.String(),
			})
			return mode, nil
		}
		if err := c.Transition(ctx, domain.ModeActive, "macro risk cleared"); err != nil {
			return mode, err
		}
	}
	return c.Mode(), nil
}

func modePriority(m domain.SystemMode) ports.Priority {
	switch m {
	case domain.ModeDefensive:
		return ports.PriorityHigh
	case domain.ModeShutdown, domain.ModeMaintenance:
		return ports.PriorityMedium
	default:
		return ports.PriorityInfo
	}
}
