package ledger

import (
	"context"
	"time"
)

// TradeReader is the read-only view handed to components that never write trades.
type TradeReader interface {
	GetIntent(ctx context.Context, intentID string) (TradeIntent, error)
	GetTrade(ctx context.Context, tradeID string) (Trade, error)
	GetTradeByIntent(ctx context.Context, intentID string) (Trade, error)
	ListTrades(ctx context.Context, filter TradeFilter) ([]Trade, error)
}

type ExitReader interface {
	GetExitIntent(ctx context.Context, exitIntentID string) (ExitIntent, error)
	ActiveExitIntent(ctx context.Context, tradeID string) (ExitIntent, bool, error)
	ListExitIntents(ctx context.Context, statuses ...ExitStatus) ([]ExitIntent, error)
	ListExitIntentsForTrade(ctx context.Context, tradeID string) ([]ExitIntent, error)
}

type Reader interface {
	TradeReader
	ExitReader
}

// Store is the idempotency ledger. Implementations enforce every uniqueness
// rule at the persistence boundary so the guarantees hold across restarts
// and across processes sharing one database.
type Store interface {
	Reader

	// InsertIntent stores an intent once; created is false when it already existed.
	InsertIntent(ctx context.Context, intent TradeIntent) (created bool, err error)
	// RecordIntentDecision stores the rejection of an intent. The first
	// decision wins; later calls leave the row unchanged.
	RecordIntentDecision(ctx context.Context, intentID string, code ErrorCode, reason string) error
	// InsertTrade fails with ErrDuplicate when the intent id or client order id is taken.
	InsertTrade(ctx context.Context, trade Trade) error
	// UpdateTrade writes trade when the stored version equals expectedVersion
	// and returns the stored copy with the bumped version.
	UpdateTrade(ctx context.Context, trade Trade, expectedVersion int64) (Trade, error)

	// InsertExitIntent fails with ErrActiveExitExists when another active
	// intent exists for the trade, ErrDuplicate on a reused (trade, account,
	// reason, episode) tuple or id.
	InsertExitIntent(ctx context.Context, intent ExitIntent) error
	UpdateExitIntent(ctx context.Context, intent ExitIntent, expectedVersion int64) (ExitIntent, error)

	// NextEpisode atomically allocates the next episode for key. It fails
	// with a *CooldownError when the last episode is younger than cooldown.
	NextEpisode(ctx context.Context, key EpisodeKey, cooldown time.Duration, now time.Time) (int64, error)

	Close() error
}

type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}

type nopAudit struct{}

func (nopAudit) Append(context.Context, AuditEntry) error { return nil }

// NopAudit discards entries.
func NopAudit() AuditLog { return nopAudit{} }
