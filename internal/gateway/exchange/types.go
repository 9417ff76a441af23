// Package exchange defines the broker capability the execution engine needs.
// Adapters map a broker SDK onto BrokerAdapter; nothing above this package
// knows about broker wire formats.
package exchange

import (
	"errors"
	"time"

	"tradeflow/internal/ledger"

	"github.com/shopspring/decimal"
)

var (
	// ErrTimeout means the broker did not answer in time. The order may or may
	// not exist; callers resolve it by client order id later.
	ErrTimeout = errors.New("broker timeout")
	// ErrUnavailable means the call was not attempted (breaker open, no route).
	ErrUnavailable = errors.New("broker unavailable")
	// ErrOrderNotFound means the broker has no order for the reference.
	ErrOrderNotFound = errors.New("broker order not found")
	// ErrUnknownAccount means no adapter is registered for the account.
	ErrUnknownAccount = errors.New("no broker for account")
)

// OrderRequest is a new order. ClientOrderID is the idempotency key: placing
// the same id twice must never produce a second order.
type OrderRequest struct {
	AccountID     string
	Symbol        string
	Side          ledger.Direction
	Type          ledger.OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
}

// PlaceResult is a definite broker answer. Transport problems are errors, not
// results.
type PlaceResult struct {
	Accepted      bool
	BrokerOrderID string
	RejectReason  string
}

// OrderRef identifies an order by broker id, client id, or both.
type OrderRef struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
}

type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
	OrderExpired         OrderState = "EXPIRED"
	OrderUnknown         OrderState = "UNKNOWN"
)

// Final reports whether the broker will not change the order any more.
func (s OrderState) Final() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

type OrderStatus struct {
	BrokerOrderID string
	State         OrderState
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	RejectReason  string
	UpdatedAt     time.Time
}
