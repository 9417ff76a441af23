package model

// Decimal amounts are stored as TEXT to keep exact values; timestamps are unix millis.

type TradeModel struct {
	TradeID       string `gorm:"column:trade_id;primaryKey"`
	IntentID      string `gorm:"column:intent_id;not null;uniqueIndex:uniq_trade_intent"`
	ClientOrderID string `gorm:"column:client_order_id;not null;uniqueIndex:uniq_trade_client_order"`
	AccountID     string `gorm:"column:account_id;index:idx_trade_account_symbol,priority:1"`
	Symbol        string `gorm:"column:symbol;index:idx_trade_account_symbol,priority:2"`
	Direction     string `gorm:"column:direction;not null"`
	OrderType     string `gorm:"column:order_type"`
	RequestedQty  string `gorm:"column:requested_qty;type:TEXT"`
	LimitPrice    string `gorm:"column:limit_price;type:TEXT"`
	Status        string `gorm:"column:status;index"`
	BrokerOrderID string `gorm:"column:broker_order_id"`

	EntryPrice    string `gorm:"column:entry_price;type:TEXT"`
	EntryQty      string `gorm:"column:entry_qty;type:TEXT"`
	EntryValue    string `gorm:"column:entry_value;type:TEXT"`
	EntryTimeUnix *int64 `gorm:"column:entry_time"`

	MinProfitPrice *string `gorm:"column:min_profit_price;type:TEXT"`
	TargetPrice    *string `gorm:"column:target_price;type:TEXT"`
	StretchPrice   *string `gorm:"column:stretch_price;type:TEXT"`

	ExitPrice      *string  `gorm:"column:exit_price;type:TEXT"`
	ExitQty        *string  `gorm:"column:exit_qty;type:TEXT"`
	ExitTimeUnix   *int64   `gorm:"column:exit_time"`
	ExitTrigger    string   `gorm:"column:exit_trigger"`
	RealizedPnL    *string  `gorm:"column:realized_pnl;type:TEXT"`
	LogReturn      *float64 `gorm:"column:log_return"`
	HoldingSeconds int64    `gorm:"column:holding_seconds"`

	ReducedQty   string `gorm:"column:reduced_qty;type:TEXT;not null;default:'0'"`
	ReducedValue string `gorm:"column:reduced_value;type:TEXT;not null;default:'0'"`
	ReducedBy    string `gorm:"column:reduced_by;not null;default:''"`

	PlacedAtUnix         *int64 `gorm:"column:placed_at"`
	LastBrokerUpdateUnix *int64 `gorm:"column:last_broker_update"`
	ErrorCode            string `gorm:"column:error_code"`
	ErrorMessage         string `gorm:"column:error_message"`
	RetryCount           int    `gorm:"column:retry_count"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
	Version       int64 `gorm:"column:version;not null"`
}

func (TradeModel) TableName() string { return "trades" }

type ExitIntentModel struct {
	ExitIntentID string `gorm:"column:exit_intent_id;primaryKey"`
	ExitSignalID string `gorm:"column:exit_signal_id;index"`
	TradeID      string `gorm:"column:trade_id;not null;uniqueIndex:uniq_exit_episode,priority:1"`
	AccountID    string `gorm:"column:account_id;uniqueIndex:uniq_exit_episode,priority:2"`
	Reason       string `gorm:"column:reason;uniqueIndex:uniq_exit_episode,priority:3"`
	Episode      *int64 `gorm:"column:episode;uniqueIndex:uniq_exit_episode,priority:4"`
	Symbol       string `gorm:"column:symbol"`
	Side         string `gorm:"column:side"`
	TriggerPrice string `gorm:"column:trigger_price;type:TEXT"`
	Quantity     string `gorm:"column:quantity;type:TEXT"`

	Status        string  `gorm:"column:status;index"`
	Outcome       string  `gorm:"column:outcome"`
	RejectReason  string  `gorm:"column:reject_reason"`
	BrokerOrderID string  `gorm:"column:broker_order_id"`
	FillPrice     *string `gorm:"column:fill_price;type:TEXT"`
	FillQty       *string `gorm:"column:fill_qty;type:TEXT"`

	ApprovedAtUnix       *int64 `gorm:"column:approved_at"`
	PlacedAtUnix         *int64 `gorm:"column:placed_at"`
	FilledAtUnix         *int64 `gorm:"column:filled_at"`
	LastBrokerUpdateUnix *int64 `gorm:"column:last_broker_update"`
	ErrorCode            string `gorm:"column:error_code"`
	ErrorMessage         string `gorm:"column:error_message"`
	RetryCount           int    `gorm:"column:retry_count"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
	Version       int64 `gorm:"column:version;not null"`
}

func (ExitIntentModel) TableName() string { return "exit_intents" }

// EpisodeModel is the persisted episode counter per (scope, reason).
type EpisodeModel struct {
	Scope       string `gorm:"column:scope;primaryKey"`
	Reason      string `gorm:"column:reason;primaryKey"`
	LastEpisode int64  `gorm:"column:last_episode"`
	LastAtUnix  int64  `gorm:"column:last_at"`
}

func (EpisodeModel) TableName() string { return "episodes" }
