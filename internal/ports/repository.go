package ports

import (
	"context"
	"time"

	"fusionbot/internal/domain"
)

// CloseRequest carries the exit facts persisted by PositionStore.CloseTrade.
type CloseRequest struct {
	ExitPrice   *float64 // Nil when unknown; PnL stays nil too
	Reason      domain.ExitReason
	ExitOrderID *string
	Unverified  bool
	ClosedAt    time.Time
}

// PositionStore defines the ledger of positions.
type PositionStore interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// GetByID retrieves a position by its ID. Returns nil, nil if not found.
	GetByID(ctx context.Context, id int64) (*domain.Position, error)
	// GetOpen retrieves all OPEN and CLOSING positions, oldest first.
	GetOpen(ctx context.Context) ([]*domain.Position, error)
	// GetOpenBySymbol retrieves the open positions of one symbol.
	GetOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Position, error)
	// CountOpen counts all open positions.
	CountOpen(ctx context.Context) (int, error)
	// CountOpenBySymbol counts the open positions of one symbol.
	CountOpenBySymbol(ctx context.Context, symbol string) (int, error)
	// CloseTrade atomically marks a position closed and records exit and PnL.
	// Closing an already closed position returns the stored record and ErrAlreadyClosed.
	CloseTrade(ctx context.Context, id int64, req CloseRequest) (*domain.Position, error)
	// MarkClosing moves an OPEN position to CLOSING with its exit reason before
	// the exit order is sent.
	MarkClosing(ctx context.Context, id int64, reason domain.ExitReason) error
	// RecordExitFill stores the realized exit of a CLOSING position so the close
	// can be completed later from the ledger alone.
	RecordExitFill(ctx context.Context, id int64, exitPrice float64, exitOrderID string) error
	// UpdateStopOrderID replaces the protective order reference.
	UpdateStopOrderID(ctx context.Context, id int64, orderID *string) error
	// GetZombie returns open positions older than maxAgeHours.
	GetZombie(ctx context.Context, maxAgeHours float64) ([]*domain.Position, error)
	// GetClosedSince returns positions closed at or after since, oldest first.
	GetClosedSince(ctx context.Context, since time.Time) ([]*domain.Position, error)
}

// StateStore is a small key-value store for process state (mode, heartbeat, cooldown).
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}
