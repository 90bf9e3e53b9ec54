package domain

import (
	"strings"
	"time"
)

// Balance is the holding of one currency on the venue.
type Balance struct {
	Currency string
	Free     float64
	Used     float64
	Total    float64
}

// Ticker is a top-of-book snapshot.
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    float64
	Timestamp time.Time
}

// OrderStatus is the normalized state of a venue order.
type OrderStatus int

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusOpen
	OrderStatusClosed // Fully filled
	OrderStatusCanceled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusClosed:
		return "closed"
	case OrderStatusCanceled:
		return "canceled"
	case OrderStatusRejected:
		return "rejected"
	case OrderStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseOrderStatus maps both normalized names and Binance status strings.
func ParseOrderStatus(v string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "OPEN", "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return OrderStatusOpen
	case "CLOSED", "FILLED":
		return OrderStatusClosed
	case "CANCELED", "CANCELLED", "PENDING_CANCEL":
		return OrderStatusCanceled
	case "REJECTED":
		return OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return OrderStatusExpired
	default:
		return OrderStatusUnknown
	}
}

// OrderResult is returned by order submission calls.
type OrderResult struct {
	OrderID        string
	Symbol         string
	Side           Side
	FillPrice      float64 // Average fill price, 0 if not filled yet
	FilledQuantity float64
	Fee            float64
	Status         OrderStatus
	Timestamp      time.Time
}

// Order is a venue order as returned by a lookup.
type Order struct {
	OrderID        string
	Symbol         string
	Side           Side
	Type           string
	Status         OrderStatus
	Quantity       float64
	FilledQuantity float64
	StopPrice      float64
	FillPrice      float64 // Average fill price, 0 if unknown
	UpdatedAt      time.Time
}

// BaseCurrency returns "BTC" for "BTC/USDT".
func BaseCurrency(symbol string) string {
	base, _, _ := strings.Cut(symbol, "/")
	return base
}

// QuoteCurrency returns "USDT" for "BTC/USDT".
func QuoteCurrency(symbol string) string {
	_, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return ""
	}
	return quote
}
