package model

import "gorm.io/datatypes"

// TradeIntentModel maps to 'trade_intents'. Payload keeps the intent as received.
type TradeIntentModel struct {
	IntentID       string         `gorm:"column:intent_id;primaryKey"`
	SignalID       string         `gorm:"column:signal_id;index"`
	AccountID      string         `gorm:"column:account_id"`
	Symbol         string         `gorm:"column:symbol"`
	Direction      string         `gorm:"column:direction"`
	Quantity       string         `gorm:"column:quantity;type:TEXT"`
	OrderType      string         `gorm:"column:order_type"`
	LimitPrice     string         `gorm:"column:limit_price;type:TEXT"`
	Outcome        string         `gorm:"column:outcome"`
	RejectReason   string         `gorm:"column:reject_reason"`
	Payload        datatypes.JSON `gorm:"column:payload;type:TEXT"`
	ReceivedAtUnix int64          `gorm:"column:received_at"`
	DecisionCode   string         `gorm:"column:decision_code;not null;default:''"`
	DecisionReason string         `gorm:"column:decision_reason;not null;default:''"`
}

func (TradeIntentModel) TableName() string { return "trade_intents" }
