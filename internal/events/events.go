package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event emitted by the state machine.
type Type string

const (
	TradeCreated  Type = "TRADE_CREATED"
	TradePlaced   Type = "TRADE_PLACED"
	TradeOpened   Type = "TRADE_OPENED"
	TradeRejected Type = "TRADE_REJECTED"
	TradeFailed   Type = "TRADE_FAILED"
	TradeReduced  Type = "TRADE_REDUCED"
	TradeClosed   Type = "TRADE_CLOSED"

	ExitIntentApproved  Type = "EXIT_INTENT_APPROVED"
	ExitIntentRejected  Type = "EXIT_INTENT_REJECTED"
	ExitIntentPlaced    Type = "EXIT_INTENT_PLACED"
	ExitIntentFilled    Type = "EXIT_INTENT_FILLED"
	ExitIntentFailed    Type = "EXIT_INTENT_FAILED"
	ExitIntentCancelled Type = "EXIT_INTENT_CANCELLED"
)

// Alerting reports whether the event signals a stuck or failed record that
// an operator should look at.
func (t Type) Alerting() bool {
	return t == TradeFailed || t == ExitIntentFailed
}

// Event is a fire-and-forget notification. The ledger record stays the
// source of truth; consumers must tolerate duplicates.
type Event struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	TradeID      string         `json:"trade_id"`
	ExitIntentID string         `json:"exit_intent_id,omitempty"`
	AccountID    string         `json:"account_id,omitempty"`
	Symbol       string         `json:"symbol,omitempty"`
	Status       string         `json:"status,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Version      int64          `json:"version"`
	At           time.Time      `json:"at"`
	Data         map[string]any `json:"data,omitempty"`
}

// New fills id and timestamp.
func New(typ Type, tradeID string) Event {
	return Event{ID: uuid.NewString(), Type: typ, TradeID: tradeID, At: time.Now()}
}

// Publisher is what the state machine depends on. Publish must not block.
type Publisher interface {
	Publish(evt Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Nop discards events.
func Nop() Publisher { return nopPublisher{} }
