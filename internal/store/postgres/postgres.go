// Package postgres is the multi-process ledger backend. Uniqueness and the
// per-trade active-exit rule live in the schema, so several engines may
// share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/store/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505"
	pgErrCheckViolation  = "23514"
)

const (
	constraintActiveExit = "uniq_active_exit"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// Open connects, verifies the connection and applies the embedded schema.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrations.ApplyPostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Infof("postgres: ledger ready (%s)", config.ConnConfig.Host)
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InsertIntent(ctx context.Context, in ledger.TradeIntent) (bool, error) {
	if strings.TrimSpace(in.IntentID) == "" {
		return false, fmt.Errorf("%w: intent id 必填", ledger.ErrInvalidInput)
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO trade_intents (intent_id, signal_id, account_id, symbol, direction, quantity,
			order_type, limit_price, outcome, reject_reason, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (intent_id) DO NOTHING`,
		in.IntentID, in.SignalID, in.AccountID, in.Symbol, string(in.Direction), in.Quantity,
		string(in.OrderType), in.LimitPrice, string(in.Outcome), in.RejectReason, in.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert intent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetIntent(ctx context.Context, intentID string) (ledger.TradeIntent, error) {
	var (
		in                            ledger.TradeIntent
		direction, orderType, outcome string
		decision                      string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT intent_id, signal_id, account_id, symbol, direction, quantity, order_type,
			limit_price, outcome, reject_reason, received_at, decision_code, decision_reason
		FROM trade_intents WHERE intent_id = $1`, intentID).Scan(
		&in.IntentID, &in.SignalID, &in.AccountID, &in.Symbol, &direction, &in.Quantity, &orderType,
		&in.LimitPrice, &outcome, &in.RejectReason, &in.ReceivedAt, &decision, &in.DecisionReason)
	if err != nil {
		return ledger.TradeIntent{}, mapNotFound(err, "intent", intentID)
	}
	in.DecisionCode = ledger.ErrorCode(decision)
	in.Direction = ledger.Direction(direction)
	in.OrderType = ledger.OrderType(orderType)
	in.Outcome = ledger.ValidationOutcome(outcome)
	return in, nil
}

func (s *Store) RecordIntentDecision(ctx context.Context, intentID string, code ledger.ErrorCode, reason string) error {
	if code == ledger.CodeNone {
		return fmt.Errorf("%w: decision code 必填", ledger.ErrInvalidInput)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE trade_intents SET decision_code = $2, decision_reason = $3
		WHERE intent_id = $1 AND decision_code = ''`, intentID, string(code), reason)
	if err != nil {
		return fmt.Errorf("record intent decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetIntent(ctx, intentID); err != nil {
			return err
		}
	}
	return nil
}

// NextEpisode locks the counter row for the duration of the transaction so
// concurrent allocators serialise on it.
func (s *Store) NextEpisode(ctx context.Context, key ledger.EpisodeKey, cooldown time.Duration, now time.Time) (int64, error) {
	if strings.TrimSpace(key.Scope) == "" || strings.TrimSpace(key.Reason) == "" {
		return 0, fmt.Errorf("%w: episode key is empty", ledger.ErrInvalidInput)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO episodes (scope, reason, last_episode, last_at) VALUES ($1, $2, 0, $3)
		ON CONFLICT (scope, reason) DO NOTHING`, key.Scope, key.Reason, time.Unix(0, 0).UTC()); err != nil {
		return 0, fmt.Errorf("seed episode: %w", err)
	}
	var (
		last   int64
		lastAt time.Time
	)
	if err := tx.QueryRow(ctx, `
		SELECT last_episode, last_at FROM episodes WHERE scope = $1 AND reason = $2 FOR UPDATE`,
		key.Scope, key.Reason).Scan(&last, &lastAt); err != nil {
		return 0, fmt.Errorf("lock episode: %w", err)
	}
	if last > 0 {
		if elapsed := now.Sub(lastAt); elapsed < cooldown {
			return 0, &ledger.CooldownError{Key: key, Remaining: cooldown - elapsed}
		}
	}
	next := last + 1
	if _, err := tx.Exec(ctx, `
		UPDATE episodes SET last_episode = $3, last_at = $4 WHERE scope = $1 AND reason = $2`,
		key.Scope, key.Reason, next, now); err != nil {
		return 0, fmt.Errorf("bump episode: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit episode: %w", err)
	}
	return next, nil
}

func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func isActiveExitViolation(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation && pgErr.ConstraintName == constraintActiveExit
}

func isCheckViolation(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == pgErrCheckViolation
}

func mapNotFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, entity, id)
	}
	return err
}

func mapWriteError(err error, entity, id string) error {
	if isCheckViolation(err) {
		return fmt.Errorf("%w: %s %s: %v", ledger.ErrInvariant, entity, id, err)
	}
	return fmt.Errorf("write %s %s: %w", entity, id, err)
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
