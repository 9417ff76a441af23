package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction 是交易方向，在 Trade 创建时持久化，之后不再推导。
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG":
		return DirectionBuy, true
	case "SELL", "SHORT":
		return DirectionSell, true
	default:
		return "", false
	}
}

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// Opposite returns the side that closes a position opened with d.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBuy:
		return DirectionSell
	case DirectionSell:
		return DirectionBuy
	default:
		return ""
	}
}

func (d Direction) IsLong() bool { return d == DirectionBuy }

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

type ValidationOutcome string

const (
	OutcomeApproved ValidationOutcome = "APPROVED"
	OutcomeRejected ValidationOutcome = "REJECTED"
)

type TradeStatus string

const (
	TradeCreated   TradeStatus = "CREATED"
	TradePending   TradeStatus = "PENDING"
	TradeOpen      TradeStatus = "OPEN"
	TradeClosed    TradeStatus = "CLOSED"
	TradeRejected  TradeStatus = "REJECTED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeFailed    TradeStatus = "FAILED"
)

func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeClosed, TradeRejected, TradeCancelled, TradeFailed:
		return true
	default:
		return false
	}
}

// InFlight reports whether the entry order has not been resolved yet.
func (s TradeStatus) InFlight() bool {
	return s == TradeCreated || s == TradePending
}

func (s TradeStatus) Valid() bool {
	switch s {
	case TradeCreated, TradePending, TradeOpen, TradeClosed, TradeRejected, TradeCancelled, TradeFailed:
		return true
	default:
		return false
	}
}

type ExitStatus string

const (
	ExitPending   ExitStatus = "PENDING"
	ExitApproved  ExitStatus = "APPROVED"
	ExitPlaced    ExitStatus = "PLACED"
	ExitFilled    ExitStatus = "FILLED"
	ExitRejected  ExitStatus = "REJECTED"
	ExitFailed    ExitStatus = "FAILED"
	ExitCancelled ExitStatus = "CANCELLED"
)

// ActiveExitStatuses 对应部分唯一索引覆盖的状态集合。
var ActiveExitStatuses = []ExitStatus{ExitPending, ExitApproved, ExitPlaced}

func (s ExitStatus) Active() bool {
	return s == ExitPending || s == ExitApproved || s == ExitPlaced
}

func (s ExitStatus) Terminal() bool {
	switch s {
	case ExitFilled, ExitRejected, ExitFailed, ExitCancelled:
		return true
	default:
		return false
	}
}

type ExitReason string

const (
	ReasonTarget       ExitReason = "TARGET"
	ReasonStopLoss     ExitReason = "STOP_LOSS"
	ReasonTrailingStop ExitReason = "TRAILING_STOP"
	ReasonTime         ExitReason = "TIME"
	ReasonManual       ExitReason = "MANUAL"
	ReasonSuperseded   ExitReason = "SUPERSEDED"
)

func ParseExitReason(raw string) (ExitReason, bool) {
	r := ExitReason(strings.ToUpper(strings.TrimSpace(raw)))
	switch r {
	case ReasonTarget, ReasonStopLoss, ReasonTrailingStop, ReasonTime, ReasonManual, ReasonSuperseded:
		return r, true
	}
	switch r {
	case "STOP", "SL":
		return ReasonStopLoss, true
	case "TP", "TAKE_PROFIT":
		return ReasonTarget, true
	case "TRAILING":
		return ReasonTrailingStop, true
	}
	return "", false
}

// TradeIntent is an upstream-validated entry proposal. Immutable once stored.
type TradeIntent struct {
	IntentID     string
	SignalID     string
	AccountID    string
	Symbol       string
	Direction    Direction
	Quantity     decimal.Decimal
	OrderType    OrderType
	LimitPrice   decimal.Decimal
	Outcome      ValidationOutcome
	RejectReason string
	ReceivedAt   time.Time

	// DecisionCode and DecisionReason hold why the intent never became a
	// trade. Written once after the intent row; a replay answers from them.
	DecisionCode   ErrorCode
	DecisionReason string
}

// Decided reports whether a create decision is stored for the intent.
func (in TradeIntent) Decided() bool { return in.DecisionCode != CodeNone }

// Trade is the position record. Status only moves forward through the
// lifecycle and the record is never deleted.
type Trade struct {
	TradeID       string
	IntentID      string
	AccountID     string
	Symbol        string
	Direction     Direction
	OrderType     OrderType
	RequestedQty  decimal.Decimal
	LimitPrice    decimal.Decimal
	Status        TradeStatus
	ClientOrderID string
	BrokerOrderID string

	EntryPrice decimal.Decimal
	EntryQty   decimal.Decimal
	EntryValue decimal.Decimal
	EntryTime  *time.Time

	MinProfitPrice *decimal.Decimal
	TargetPrice    *decimal.Decimal
	StretchPrice   *decimal.Decimal

	ExitPrice      *decimal.Decimal
	ExitQty        *decimal.Decimal
	ExitTime       *time.Time
	ExitTrigger    string
	RealizedPnL    *decimal.Decimal
	LogReturn      *float64
	HoldingSeconds int64

	// ReducedQty and ReducedValue accumulate exits that filled only part of
	// the position; ReducedBy is the last exit intent applied.
	ReducedQty   decimal.Decimal
	ReducedValue decimal.Decimal
	ReducedBy    string

	PlacedAt         *time.Time
	LastBrokerUpdate *time.Time
	ErrorCode        ErrorCode
	ErrorMessage     string
	RetryCount       int

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// OpenQty is the position still held at the broker.
func (t Trade) OpenQty() decimal.Decimal {
	return t.EntryQty.Sub(t.ReducedQty)
}

// ExitIntent is a qualified proposal to close an OPEN trade for one reason.
// Episode is nil for intents rejected before an episode was allocated.
type ExitIntent struct {
	ExitIntentID string
	ExitSignalID string
	TradeID      string
	AccountID    string
	Symbol       string
	Reason       ExitReason
	Episode      *int64
	Side         Direction
	TriggerPrice decimal.Decimal
	Quantity     decimal.Decimal

	Status        ExitStatus
	Outcome       ValidationOutcome
	RejectReason  string
	BrokerOrderID string
	FillPrice     *decimal.Decimal
	FillQty       *decimal.Decimal

	ApprovedAt       *time.Time
	PlacedAt         *time.Time
	FilledAt         *time.Time
	LastBrokerUpdate *time.Time
	ErrorCode        ErrorCode
	ErrorMessage     string
	RetryCount       int

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// EpisodeKey addresses a persisted episode counter. Exit episodes use the
// trade id; entry re-arm uses EntryEpisodeKey.
type EpisodeKey struct {
	Scope  string
	Reason string
}

func ExitEpisodeKey(tradeID string, reason ExitReason) EpisodeKey {
	return EpisodeKey{Scope: tradeID, Reason: string(reason)}
}

func EntryEpisodeKey(accountID, symbol string) EpisodeKey {
	return EpisodeKey{Scope: "entry:" + accountID + ":" + strings.ToUpper(symbol), Reason: "ENTRY"}
}

// TradeFilter narrows ListTrades. Empty fields match everything.
type TradeFilter struct {
	AccountID string
	Symbol    string
	Statuses  []TradeStatus
	Limit     int
}

// AuditEntry is one append-only row describing a committed mutation.
type AuditEntry struct {
	EntityType string
	EntityID   string
	Action     string
	FromStatus string
	ToStatus   string
	Version    int64
	Detail     map[string]any
	At         time.Time
}

func TimePtr(t time.Time) *time.Time { return &t }

func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
