package app

import (
	"context"
	"fmt"
	"time"

	"fusionbot/internal/analytics"
	"fusionbot/internal/domain"
)

// Status is a read-only view of the bot for operators.
type Status struct {
	Exchange      string
	Mode          domain.SystemMode
	ModeSince     *time.Time
	Heartbeat     *time.Time
	LastTradeAt   *time.Time
	OpenPositions []*domain.Position
	Performance   domain.PerformanceStats
}

// Status reads the persisted mode, the open positions and the performance of
// positions closed since `since`. It works without a running loop.
func (s *TradingService) Status(ctx context.Context, since time.Time) (Status, error) {
	st := Status{Exchange: s.deps.Exchange.Name(), Mode: domain.ModeActive}

	if raw, ok, err := s.deps.State.GetState(ctx, modeKey); err != nil {
		return st, fmt.Errorf("failed to read system mode: %w", err)
	} else if ok {
		if mode, err := domain.ParseSystemMode(raw); err == nil {
			st.Mode = mode
		}
	}
	var err error
	if st.ModeSince, err = s.stateTime(ctx, modeSinceKey); err != nil {
		return st, err
	}
	if st.Heartbeat, err = s.stateTime(ctx, heartbeatKey); err != nil {
		return st, err
	}
	if st.LastTradeAt, err = s.stateTime(ctx, lastTradeKey); err != nil {
		return st, err
	}

	open, err := s.deps.Store.GetOpen(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to load open positions: %w", err)
	}
	st.OpenPositions = open

	closed, err := s.deps.Store.GetClosedSince(ctx, since)
	if err != nil {
		return st, fmt.Errorf("failed to load closed positions: %w", err)
	}
	st.Performance = analytics.AnalyzePerformance(closed, since)
	return st, nil
}

func (s *TradingService) stateTime(ctx context.Context, key string) (*time.Time, error) {
	raw, ok, err := s.deps.State.GetState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}
