package ports

import (
	"context"

	"fusionbot/internal/domain"
)

// DecisionProvider is the external oracle consulted once per cycle.
// Callers treat any error as a WAIT with zero confidence.
type DecisionProvider interface {
	Decide(ctx context.Context, groups []domain.CandidateGroup, riskContext string) (domain.Decision, error)
}

// SignalSource supplies fresh news signals for the watchlist.
type SignalSource interface {
	FetchSignals(ctx context.Context, symbols []string) ([]domain.Signal, error)
}

// RiskScanner evaluates the macro climate.
type RiskScanner interface {
	Scan(ctx context.Context) (domain.RiskContext, error)
}

// TechnicalAnalyzer computes the indicator snapshot of a symbol.
type TechnicalAnalyzer interface {
	Analyze(ctx context.Context, symbol string) (*domain.TechnicalSnapshot, error)
}
