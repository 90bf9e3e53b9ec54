package domain

import (
	"fmt"
	"strings"
)

// Side represents the direction of a position or order.
type Side int

const (
	SideUnknown Side = iota
	Buy
	Sell
)

// String returns the venue representation of the side.
func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the side that unwinds s.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return SideUnknown
	}
}

// ParseSide converts a stored side back into a Side.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return SideUnknown, fmt.Errorf("unknown side %q", v)
	}
}

// PositionStatus represents the lifecycle state of a position.
type PositionStatus int

const (
	StatusPending PositionStatus = iota + 1
	StatusOpen
	StatusClosing
	StatusClosed
	StatusCancelled
	StatusFailed
)

func (s PositionStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusOpen:
		return "OPEN"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParsePositionStatus converts a stored status back into a PositionStatus.
func ParsePositionStatus(v string) (PositionStatus, error) {
	for _, s := range []PositionStatus{StatusPending, StatusOpen, StatusClosing, StatusClosed, StatusCancelled, StatusFailed} {
		if s.String() == strings.ToUpper(strings.TrimSpace(v)) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown position status %q", v)
}

// statusTransitions lists the forward moves each status allows.
var statusTransitions = map[PositionStatus][]PositionStatus{
	StatusPending: {StatusOpen, StatusCancelled, StatusFailed},
	StatusOpen:    {StatusClosing, StatusClosed, StatusFailed},
	StatusClosing: {StatusClosed, StatusFailed},
	StatusFailed:  {StatusClosed},
}

// CanTransition reports whether a position may move from one status to another.
func (s PositionStatus) CanTransition(to PositionStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PositionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// ExitReason indicates why a position was closed.
type ExitReason int

const (
	ExitReasonUnknown ExitReason = iota
	ExitVirtualSL
	ExitVirtualTP
	ExitCatastropheSL
	ExitTimeDecay
	ExitManual
	ExitSignal
	ExitDefensiveMode
	ExitSyncMissing
	ExitExternalClose
)

var exitReasonNames = map[ExitReason]string{
	ExitVirtualSL:     "VIRTUAL_SL",
	ExitVirtualTP:     "VIRTUAL_TP",
	ExitCatastropheSL: "CATASTROPHE_SL",
	ExitTimeDecay:     "TIME_DECAY",
	ExitManual:        "MANUAL",
	ExitSignal:        "SIGNAL",
	ExitDefensiveMode: "DEFENSIVE_MODE",
	ExitSyncMissing:   "SYNC_MISSING",
	ExitExternalClose: "EXTERNAL_CLOSE",
}

func (r ExitReason) String() string {
	if name, ok := exitReasonNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// Label returns a human-readable description used in alerts and status output.
func (r ExitReason) Label() string {
	switch r {
	case ExitVirtualSL:
		return "virtual stop-loss"
	case ExitVirtualTP:
		return "virtual take-profit"
	case ExitCatastropheSL:
		return "catastrophe stop"
	case ExitTimeDecay:
		return "time decay"
	case ExitManual:
		return "manual close"
	case ExitSignal:
		return "signal exit"
	case ExitDefensiveMode:
		return "defensive mode"
	case ExitSyncMissing:
		return "missing on venue"
	case ExitExternalClose:
		return "external close"
	default:
		return "unknown"
	}
}

// ParseExitReason converts a stored reason back into an ExitReason.
func ParseExitReason(v string) (ExitReason, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for r, name := range exitReasonNames {
		if name == v {
			return r, nil
		}
	}
	return ExitReasonUnknown, fmt.Errorf("unknown exit reason %q", v)
}

// SystemMode is the process-wide trading mode.
type SystemMode int

const (
	ModeActive SystemMode = iota + 1
	ModeDefensive
	ModeMaintenance
	ModeShutdown
)

func (m SystemMode) String() string {
	switch m {
	case ModeActive:
		return "ACTIVE"
	case ModeDefensive:
		return "DEFENSIVE"
	case ModeMaintenance:
		return "MAINTENANCE"
	case ModeShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// ParseSystemMode converts a stored mode back into a SystemMode.
func ParseSystemMode(v string) (SystemMode, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "ACTIVE":
		return ModeActive, nil
	case "DEFENSIVE":
		return ModeDefensive, nil
	case "MAINTENANCE":
		return ModeMaintenance, nil
	case "SHUTDOWN":
		return ModeShutdown, nil
	default:
		return 0, fmt.Errorf("unknown system mode %q", v)
	}
}
