package ports

import (
	"context"
	"strings"
)

// Priority ranks an alert.
type Priority int

const (
	PriorityInfo Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "INFO"
	}
}

// ParsePriority decodes a priority name, defaulting to INFO.
func ParsePriority(s string) Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "MEDIUM":
		return PriorityMedium
	default:
		return PriorityInfo
	}
}

// Notifier delivers operator alerts. Implementations must not panic; callers
// log and discard returned errors so an alert never blocks trading.
type Notifier interface {
	Notify(ctx context.Context, priority Priority, title, message string) error
}

// Metrics records lifecycle events.
type Metrics interface {
	EntryExecuted(symbol string)
	EntryRejected(reason string)
	PositionClosed(symbol, reason string, unverified bool, pnl *float64)
	ReconcileOutcome(outcome string)
	CompensationAttempted(success bool)
	ModeChanged(mode string)
	CycleCompleted(seconds float64, err error)
	OpenPositions(count int)
	ExchangeRetry(op string)
}

// CycleLock guards a cycle against concurrent runners on the same account.
type CycleLock interface {
	// Acquire returns an unlock function, or ErrLockHeld when another holder owns the lock.
	Acquire(ctx context.Context) (func(), error)
}
