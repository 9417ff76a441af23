package gormstore

import (
	"encoding/json"
	"time"

	"tradeflow/internal/ledger"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func newTradeModel(t ledger.Trade) tradeModel {
	return tradeModel{
		TradeID:              t.TradeID,
		IntentID:             t.IntentID,
		ClientOrderID:        t.ClientOrderID,
		AccountID:            t.AccountID,
		Symbol:               t.Symbol,
		Direction:            string(t.Direction),
		OrderType:            string(t.OrderType),
		RequestedQty:         t.RequestedQty.String(),
		LimitPrice:           t.LimitPrice.String(),
		Status:               string(t.Status),
		BrokerOrderID:        t.BrokerOrderID,
		EntryPrice:           t.EntryPrice.String(),
		EntryQty:             t.EntryQty.String(),
		EntryValue:           t.EntryValue.String(),
		EntryTimeUnix:        timeToMillis(t.EntryTime),
		MinProfitPrice:       decimalToText(t.MinProfitPrice),
		TargetPrice:          decimalToText(t.TargetPrice),
		StretchPrice:         decimalToText(t.StretchPrice),
		ExitPrice:            decimalToText(t.ExitPrice),
		ExitQty:              decimalToText(t.ExitQty),
		ExitTimeUnix:         timeToMillis(t.ExitTime),
		ExitTrigger:          t.ExitTrigger,
		RealizedPnL:          decimalToText(t.RealizedPnL),
		LogReturn:            t.LogReturn,
		HoldingSeconds:       t.HoldingSeconds,
		ReducedQty:           t.ReducedQty.String(),
		ReducedValue:         t.ReducedValue.String(),
		ReducedBy:            t.ReducedBy,
		PlacedAtUnix:         timeToMillis(t.PlacedAt),
		LastBrokerUpdateUnix: timeToMillis(t.LastBrokerUpdate),
		ErrorCode:            string(t.ErrorCode),
		ErrorMessage:         t.ErrorMessage,
		RetryCount:           t.RetryCount,
		CreatedAtUnix:        t.CreatedAt.UnixMilli(),
		UpdatedAtUnix:        t.UpdatedAt.UnixMilli(),
		Version:              t.Version,
	}
}

func tradeModelToRecord(m tradeModel) ledger.Trade {
	return ledger.Trade{
		TradeID:          m.TradeID,
		IntentID:         m.IntentID,
		ClientOrderID:    m.ClientOrderID,
		AccountID:        m.AccountID,
		Symbol:           m.Symbol,
		Direction:        ledger.Direction(m.Direction),
		OrderType:        ledger.OrderType(m.OrderType),
		RequestedQty:     textToDecimal(m.RequestedQty),
		LimitPrice:       textToDecimal(m.LimitPrice),
		Status:           ledger.TradeStatus(m.Status),
		BrokerOrderID:    m.BrokerOrderID,
		EntryPrice:       textToDecimal(m.EntryPrice),
		EntryQty:         textToDecimal(m.EntryQty),
		EntryValue:       textToDecimal(m.EntryValue),
		EntryTime:        millisToTime(m.EntryTimeUnix),
		MinProfitPrice:   textToDecimalPtr(m.MinProfitPrice),
		TargetPrice:      textToDecimalPtr(m.TargetPrice),
		StretchPrice:     textToDecimalPtr(m.StretchPrice),
		ExitPrice:        textToDecimalPtr(m.ExitPrice),
		ExitQty:          textToDecimalPtr(m.ExitQty),
		ExitTime:         millisToTime(m.ExitTimeUnix),
		ExitTrigger:      m.ExitTrigger,
		RealizedPnL:      textToDecimalPtr(m.RealizedPnL),
		LogReturn:        m.LogReturn,
		HoldingSeconds:   m.HoldingSeconds,
		ReducedQty:       textToDecimal(m.ReducedQty),
		ReducedValue:     textToDecimal(m.ReducedValue),
		ReducedBy:        m.ReducedBy,
		PlacedAt:         millisToTime(m.PlacedAtUnix),
		LastBrokerUpdate: millisToTime(m.LastBrokerUpdateUnix),
		ErrorCode:        ledger.ErrorCode(m.ErrorCode),
		ErrorMessage:     m.ErrorMessage,
		RetryCount:       m.RetryCount,
		CreatedAt:        time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt:        time.UnixMilli(m.UpdatedAtUnix),
		Version:          m.Version,
	}
}

func newIntentModel(in ledger.TradeIntent) intentModel {
	payload, _ := json.Marshal(map[string]any{
		"intent_id":   in.IntentID,
		"signal_id":   in.SignalID,
		"account_id":  in.AccountID,
		"symbol":      in.Symbol,
		"direction":   in.Direction,
		"quantity":    in.Quantity.String(),
		"order_type":  in.OrderType,
		"limit_price": in.LimitPrice.String(),
		"outcome":     in.Outcome,
	})
	return intentModel{
		IntentID:       in.IntentID,
		SignalID:       in.SignalID,
		AccountID:      in.AccountID,
		Symbol:         in.Symbol,
		Direction:      string(in.Direction),
		Quantity:       in.Quantity.String(),
		OrderType:      string(in.OrderType),
		LimitPrice:     in.LimitPrice.String(),
		Outcome:        string(in.Outcome),
		RejectReason:   in.RejectReason,
		Payload:        datatypes.JSON(payload),
		ReceivedAtUnix: in.ReceivedAt.UnixMilli(),
	}
}

func intentModelToRecord(m intentModel) ledger.TradeIntent {
	return ledger.TradeIntent{
		IntentID:     m.IntentID,
		SignalID:     m.SignalID,
		AccountID:    m.AccountID,
		Symbol:       m.Symbol,
		Direction:    ledger.Direction(m.Direction),
		Quantity:     textToDecimal(m.Quantity),
		OrderType:    ledger.OrderType(m.OrderType),
		LimitPrice:   textToDecimal(m.LimitPrice),
		Outcome:      ledger.ValidationOutcome(m.Outcome),
		RejectReason: m.RejectReason,
		ReceivedAt:   time.UnixMilli(m.ReceivedAtUnix),

		DecisionCode:   ledger.ErrorCode(m.DecisionCode),
		DecisionReason: m.DecisionReason,
	}
}

func newExitIntentModel(x ledger.ExitIntent) exitIntentModel {
	return exitIntentModel{
		ExitIntentID:         x.ExitIntentID,
		ExitSignalID:         x.ExitSignalID,
		TradeID:              x.TradeID,
		AccountID:            x.AccountID,
		Reason:               string(x.Reason),
		Episode:              x.Episode,
		Symbol:               x.Symbol,
		Side:                 string(x.Side),
		TriggerPrice:         x.TriggerPrice.String(),
		Quantity:             x.Quantity.String(),
		Status:               string(x.Status),
		Outcome:              string(x.Outcome),
		RejectReason:         x.RejectReason,
		BrokerOrderID:        x.BrokerOrderID,
		FillPrice:            decimalToText(x.FillPrice),
		FillQty:              decimalToText(x.FillQty),
		ApprovedAtUnix:       timeToMillis(x.ApprovedAt),
		PlacedAtUnix:         timeToMillis(x.PlacedAt),
		FilledAtUnix:         timeToMillis(x.FilledAt),
		LastBrokerUpdateUnix: timeToMillis(x.LastBrokerUpdate),
		ErrorCode:            string(x.ErrorCode),
		ErrorMessage:         x.ErrorMessage,
		RetryCount:           x.RetryCount,
		CreatedAtUnix:        x.CreatedAt.UnixMilli(),
		UpdatedAtUnix:        x.UpdatedAt.UnixMilli(),
		Version:              x.Version,
	}
}

func exitIntentModelToRecord(m exitIntentModel) ledger.ExitIntent {
	return ledger.ExitIntent{
		ExitIntentID:     m.ExitIntentID,
		ExitSignalID:     m.ExitSignalID,
		TradeID:          m.TradeID,
		AccountID:        m.AccountID,
		Reason:           ledger.ExitReason(m.Reason),
		Episode:          m.Episode,
		Symbol:           m.Symbol,
		Side:             ledger.Direction(m.Side),
		TriggerPrice:     textToDecimal(m.TriggerPrice),
		Quantity:         textToDecimal(m.Quantity),
		Status:           ledger.ExitStatus(m.Status),
		Outcome:          ledger.ValidationOutcome(m.Outcome),
		RejectReason:     m.RejectReason,
		BrokerOrderID:    m.BrokerOrderID,
		FillPrice:        textToDecimalPtr(m.FillPrice),
		FillQty:          textToDecimalPtr(m.FillQty),
		ApprovedAt:       millisToTime(m.ApprovedAtUnix),
		PlacedAt:         millisToTime(m.PlacedAtUnix),
		FilledAt:         millisToTime(m.FilledAtUnix),
		LastBrokerUpdate: millisToTime(m.LastBrokerUpdateUnix),
		ErrorCode:        ledger.ErrorCode(m.ErrorCode),
		ErrorMessage:     m.ErrorMessage,
		RetryCount:       m.RetryCount,
		CreatedAt:        time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt:        time.UnixMilli(m.UpdatedAtUnix),
		Version:          m.Version,
	}
}

func decimalToText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func textToDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func textToDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := textToDecimal(*s)
	return &d
}

func timeToMillis(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func millisToTime(v *int64) *time.Time {
	if v == nil || *v <= 0 {
		return nil
	}
	t := time.UnixMilli(*v)
	return &t
}
