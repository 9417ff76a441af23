package livehttp

import (
	"time"

	"tradeflow/internal/ledger"
	"tradeflow/internal/qualifier"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/trader"

	"github.com/shopspring/decimal"
)

// IntentRequest 是上游已校验的入场意图。
type IntentRequest struct {
	IntentID     string          `json:"intent_id"`
	SignalID     string          `json:"signal_id"`
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	Direction    string          `json:"direction"`
	Quantity     decimal.Decimal `json:"quantity"`
	OrderType    string          `json:"order_type"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	Outcome      string          `json:"outcome"`
	RejectReason string          `json:"reject_reason"`
}

// ExitSignalRequest 是信号源检测到的退出条件。
type ExitSignalRequest struct {
	ExitSignalID string          `json:"exit_signal_id"`
	TradeID      string          `json:"trade_id"`
	Reason       string          `json:"reason"`
	Price        decimal.Decimal `json:"price"`
	Side         string          `json:"side"`
	DetectedAt   *time.Time      `json:"detected_at"`
}

type ManualExitRequest struct {
	Price decimal.Decimal `json:"price"`
}

type TradeView struct {
	TradeID          string           `json:"trade_id"`
	IntentID         string           `json:"intent_id"`
	AccountID        string           `json:"account_id"`
	Symbol           string           `json:"symbol"`
	Direction        string           `json:"direction"`
	OrderType        string           `json:"order_type"`
	RequestedQty     decimal.Decimal  `json:"requested_qty"`
	Status           string           `json:"status"`
	ClientOrderID    string           `json:"client_order_id"`
	BrokerOrderID    string           `json:"broker_order_id,omitempty"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	EntryQty         decimal.Decimal  `json:"entry_qty"`
	OpenQty          decimal.Decimal  `json:"open_qty"`
	EntryTime        *time.Time       `json:"entry_time,omitempty"`
	MinProfitPrice   *decimal.Decimal `json:"min_profit_price,omitempty"`
	TargetPrice      *decimal.Decimal `json:"target_price,omitempty"`
	StretchPrice     *decimal.Decimal `json:"stretch_price,omitempty"`
	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty"`
	ExitTime         *time.Time       `json:"exit_time,omitempty"`
	ExitTrigger      string           `json:"exit_trigger,omitempty"`
	RealizedPnL      *decimal.Decimal `json:"realized_pnl,omitempty"`
	LogReturn        *float64         `json:"log_return,omitempty"`
	HoldingSeconds   int64            `json:"holding_seconds,omitempty"`
	LastBrokerUpdate *time.Time       `json:"last_broker_update,omitempty"`
	ErrorCode        string           `json:"error_code,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	RetryCount       int              `json:"retry_count"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Version          int64            `json:"version"`
}

func tradeView(t ledger.Trade) TradeView {
	return TradeView{
		TradeID:          t.TradeID,
		IntentID:         t.IntentID,
		AccountID:        t.AccountID,
		Symbol:           t.Symbol,
		Direction:        string(t.Direction),
		OrderType:        string(t.OrderType),
		RequestedQty:     t.RequestedQty,
		Status:           string(t.Status),
		ClientOrderID:    t.ClientOrderID,
		BrokerOrderID:    t.BrokerOrderID,
		EntryPrice:       t.EntryPrice,
		EntryQty:         t.EntryQty,
		OpenQty:          t.OpenQty(),
		EntryTime:        t.EntryTime,
		MinProfitPrice:   t.MinProfitPrice,
		TargetPrice:      t.TargetPrice,
		StretchPrice:     t.StretchPrice,
		ExitPrice:        t.ExitPrice,
		ExitTime:         t.ExitTime,
		ExitTrigger:      t.ExitTrigger,
		RealizedPnL:      t.RealizedPnL,
		LogReturn:        t.LogReturn,
		HoldingSeconds:   t.HoldingSeconds,
		LastBrokerUpdate: t.LastBrokerUpdate,
		ErrorCode:        string(t.ErrorCode),
		ErrorMessage:     t.ErrorMessage,
		RetryCount:       t.RetryCount,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		Version:          t.Version,
	}
}

type ExitView struct {
	ExitIntentID  string           `json:"exit_intent_id"`
	ExitSignalID  string           `json:"exit_signal_id,omitempty"`
	TradeID       string           `json:"trade_id"`
	Reason        string           `json:"reason"`
	Episode       *int64           `json:"episode,omitempty"`
	Side          string           `json:"side"`
	TriggerPrice  decimal.Decimal  `json:"trigger_price"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Status        string           `json:"status"`
	Outcome       string           `json:"outcome"`
	RejectReason  string           `json:"reject_reason,omitempty"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	FillPrice     *decimal.Decimal `json:"fill_price,omitempty"`
	FilledAt      *time.Time       `json:"filled_at,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	RetryCount    int              `json:"retry_count"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Version       int64            `json:"version"`
}

func exitView(x ledger.ExitIntent) ExitView {
	return ExitView{
		ExitIntentID:  x.ExitIntentID,
		ExitSignalID:  x.ExitSignalID,
		TradeID:       x.TradeID,
		Reason:        string(x.Reason),
		Episode:       x.Episode,
		Side:          string(x.Side),
		TriggerPrice:  x.TriggerPrice,
		Quantity:      x.Quantity,
		Status:        string(x.Status),
		Outcome:       string(x.Outcome),
		RejectReason:  x.RejectReason,
		BrokerOrderID: x.BrokerOrderID,
		FillPrice:     x.FillPrice,
		FilledAt:      x.FilledAt,
		ErrorCode:     string(x.ErrorCode),
		ErrorMessage:  x.ErrorMessage,
		RetryCount:    x.RetryCount,
		CreatedAt:     x.CreatedAt,
		UpdatedAt:     x.UpdatedAt,
		Version:       x.Version,
	}
}

// IntentResponse 对应 CreateResult。
type IntentResponse struct {
	Outcome string     `json:"outcome"`
	Code    string     `json:"code,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Trade   *TradeView `json:"trade,omitempty"`
}

func intentResponse(res trader.CreateResult) IntentResponse {
	out := IntentResponse{Outcome: string(res.Outcome), Code: string(res.Code), Reason: res.Reason}
	if res.Trade.TradeID != "" {
		v := tradeView(res.Trade)
		out.Trade = &v
	}
	return out
}

type DecisionResponse struct {
	Approved bool      `json:"approved"`
	Code     string    `json:"code,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Exit     *ExitView `json:"exit,omitempty"`
}

func decisionResponse(d qualifier.Decision) DecisionResponse {
	out := DecisionResponse{Approved: d.Approved, Code: string(d.Code), Reason: d.Reason}
	if d.Intent.ExitIntentID != "" {
		v := exitView(d.Intent)
		out.Exit = &v
	}
	return out
}

type AuditView struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	Version    int64          `json:"version"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

func auditView(e auditlog.Entry) AuditView {
	return AuditView{
		ID:         e.ID,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		Version:    e.Version,
		Detail:     e.Detail,
		At:         e.At,
	}
}
