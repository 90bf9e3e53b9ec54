package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrDomain             = errors.New("unexpected domain error")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")
	ErrAlreadyClosed      = errors.New("position already closed")

	// Exchange Specific Errors
	ErrExchange             = errors.New("exchange error")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")

	// Database Specific Errors
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")

	// Coordination
	ErrLockHeld = errors.New("cycle lock held by another process")
)

// ExchangeErrorKind distinguishes venue failures so callers can branch on them.
type ExchangeErrorKind int

const (
	KindUnknown ExchangeErrorKind = iota
	KindConnection
	KindRateLimit
	KindTimeout
	KindAuthentication
	KindExecution
	KindInsufficientBalance
	KindNotFound
)

func (k ExchangeErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindAuthentication:
		return "authentication"
	case KindExecution:
		return "execution"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

func (k ExchangeErrorKind) sentinel() error {
	switch k {
	case KindConnection:
		return ErrConnectionFailed
	case KindRateLimit:
		return ErrRateLimited
	case KindTimeout:
		return ErrTimeout
	case KindAuthentication:
		return ErrAuthenticationFailed
	case KindExecution:
		return ErrOrderPlacementFailed
	case KindInsufficientBalance:
		return ErrInsufficientFunds
	case KindNotFound:
		return ErrOrderNotFound
	default:
		return ErrExchange
	}
}

// ExchangeError is returned by every ExchangeGateway implementation.
type ExchangeError struct {
	Kind ExchangeErrorKind
	Op   string
	Err  error
}

// NewExchangeError wraps err as a venue failure of the given kind.
func NewExchangeError(op string, kind ExchangeErrorKind, err error) *ExchangeError {
	return &ExchangeError{Kind: kind, Op: op, Err: err}
}

func (e *ExchangeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s failed: %v: %v", e.Op, e.Kind.sentinel(), e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind as well as ErrExchange.
func (e *ExchangeError) Is(target error) bool {
	return target == ErrExchange || target == e.Kind.sentinel()
}

// Retryable reports whether the failure is transient.
func (e *ExchangeError) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindRateLimit, KindTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is a venue failure worth retrying.
func IsTransient(err error) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Retryable()
	}
	return false
}

// PositionLimitError is returned when opening another position would exceed a cap.
// It is an expected condition: the caller skips the candidate for this cycle.
type PositionLimitError struct {
	Symbol string // Empty for the global cap
	Open   int
	Max    int
}

func (e *PositionLimitError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("position limit reached: %d/%d open positions", e.Open, e.Max)
	}
	return fmt.Sprintf("position limit reached for %s: %d/%d open positions", e.Symbol, e.Open, e.Max)
}

// IsPositionLimit reports whether err carries a PositionLimitError.
func IsPositionLimit(err error) bool {
	var limitErr *PositionLimitError
	return errors.As(err, &limitErr)
}

// IsInsufficientBalance reports whether err is an insufficient balance failure.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}
