package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeflow/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const exitColumns = `exit_intent_id, exit_signal_id, trade_id, account_id, symbol, reason, episode, side,
	trigger_price, quantity, status, outcome, reject_reason, broker_order_id, fill_price, fill_qty,
	approved_at, placed_at, filled_at, last_broker_update, error_code, error_message, retry_count,
	created_at, updated_at, version`

func scanExit(row pgx.Row) (ledger.ExitIntent, error) {
	var (
		x                                   ledger.ExitIntent
		reason, side, status, outcome, code string
		fillPrice, fillQty                  decimal.NullDecimal
	)
	err := row.Scan(&x.ExitIntentID, &x.ExitSignalID, &x.TradeID, &x.AccountID, &x.Symbol, &reason, &x.Episode, &side,
		&x.TriggerPrice, &x.Quantity, &status, &outcome, &x.RejectReason, &x.BrokerOrderID, &fillPrice, &fillQty,
		&x.ApprovedAt, &x.PlacedAt, &x.FilledAt, &x.LastBrokerUpdate, &code, &x.ErrorMessage, &x.RetryCount,
		&x.CreatedAt, &x.UpdatedAt, &x.Version)
	if err != nil {
		return ledger.ExitIntent{}, err
	}
	x.Reason = ledger.ExitReason(reason)
	x.Side = ledger.Direction(side)
	x.Status = ledger.ExitStatus(status)
	x.Outcome = ledger.ValidationOutcome(outcome)
	x.ErrorCode = ledger.ErrorCode(code)
	x.FillPrice, x.FillQty = nullable(fillPrice), nullable(fillQty)
	return x, nil
}

func collectExits(rows pgx.Rows) ([]ledger.ExitIntent, error) {
	defer rows.Close()
	var out []ledger.ExitIntent
	for rows.Next() {
		x, err := scanExit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exit intent: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (s *Store) InsertExitIntent(ctx context.Context, x ledger.ExitIntent) error {
	if err := ledger.CheckExitIntent(x); err != nil {
		return err
	}
	if x.Version <= 0 {
		x.Version = 1
	}
	if x.CreatedAt.IsZero() {
		x.CreatedAt = time.Now()
	}
	if x.UpdatedAt.IsZero() {
		x.UpdatedAt = x.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO exit_intents (`+exitColumns+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		x.ExitIntentID, x.ExitSignalID, x.TradeID, x.AccountID, x.Symbol, string(x.Reason), x.Episode, string(x.Side),
		x.TriggerPrice, x.Quantity, string(x.Status), string(x.Outcome), x.RejectReason, x.BrokerOrderID, x.FillPrice, x.FillQty,
		x.ApprovedAt, x.PlacedAt, x.FilledAt, x.LastBrokerUpdate, string(x.ErrorCode), x.ErrorMessage, x.RetryCount,
		x.CreatedAt, x.UpdatedAt, x.Version)
	if err == nil {
		return nil
	}
	if isActiveExitViolation(err) {
		return fmt.Errorf("%w: trade %s", ledger.ErrActiveExitExists, x.TradeID)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: exit intent %s", ledger.ErrDuplicate, x.ExitIntentID)
	}
	return mapWriteError(err, "exit intent", x.ExitIntentID)
}

func (s *Store) GetExitIntent(ctx context.Context, exitIntentID string) (ledger.ExitIntent, error) {
	x, err := scanExit(s.pool.QueryRow(ctx, `SELECT `+exitColumns+` FROM exit_intents WHERE exit_intent_id = $1`, exitIntentID))
	if err != nil {
		return ledger.ExitIntent{}, mapNotFound(err, "exit intent", exitIntentID)
	}
	return x, nil
}

func (s *Store) ActiveExitIntent(ctx context.Context, tradeID string) (ledger.ExitIntent, bool, error) {
	x, err := scanExit(s.pool.QueryRow(ctx, `SELECT `+exitColumns+` FROM exit_intents
		WHERE trade_id = $1 AND status IN ('PENDING', 'APPROVED', 'PLACED')`, tradeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ExitIntent{}, false, nil
	}
	if err != nil {
		return ledger.ExitIntent{}, false, fmt.Errorf("active exit for trade %s: %w", tradeID, err)
	}
	return x, true, nil
}

func (s *Store) ListExitIntents(ctx context.Context, statuses ...ledger.ExitStatus) ([]ledger.ExitIntent, error) {
	query := `SELECT ` + exitColumns + ` FROM exit_intents`
	var args []any
	if len(statuses) > 0 {
		raw := make([]string, 0, len(statuses))
		for _, st := range statuses {
			raw = append(raw, string(st))
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, raw)
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list exit intents: %w", err)
	}
	return collectExits(rows)
}

func (s *Store) ListExitIntentsForTrade(ctx context.Context, tradeID string) ([]ledger.ExitIntent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+exitColumns+` FROM exit_intents WHERE trade_id = $1 ORDER BY created_at ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("list exit intents for trade %s: %w", tradeID, err)
	}
	return collectExits(rows)
}

func (s *Store) UpdateExitIntent(ctx context.Context, x ledger.ExitIntent, expectedVersion int64) (ledger.ExitIntent, error) {
	if err := ledger.CheckExitIntent(x); err != nil {
		return ledger.ExitIntent{}, err
	}
	if x.UpdatedAt.IsZero() {
		x.UpdatedAt = time.Now()
	}
	out, err := scanExit(s.pool.QueryRow(ctx, `
		UPDATE exit_intents SET
			status = $3, outcome = $4, reject_reason = $5, broker_order_id = $6, fill_price = $7,
			fill_qty = $8, approved_at = $9, placed_at = $10, filled_at = $11, last_broker_update = $12,
			error_code = $13, error_message = $14, retry_count = $15, quantity = $16, updated_at = $17,
			version = version + 1
		WHERE exit_intent_id = $1 AND version = $2
		RETURNING `+exitColumns,
		x.ExitIntentID, expectedVersion,
		string(x.Status), string(x.Outcome), x.RejectReason, x.BrokerOrderID, x.FillPrice,
		x.FillQty, x.ApprovedAt, x.PlacedAt, x.FilledAt, x.LastBrokerUpdate,
		string(x.ErrorCode), x.ErrorMessage, x.RetryCount, x.Quantity, x.UpdatedAt))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isActiveExitViolation(err) {
			return ledger.ExitIntent{}, fmt.Errorf("%w: trade %s", ledger.ErrActiveExitExists, x.TradeID)
		}
		return ledger.ExitIntent{}, mapWriteError(err, "exit intent", x.ExitIntentID)
	}
	if _, err := s.GetExitIntent(ctx, x.ExitIntentID); err != nil {
		return ledger.ExitIntent{}, err
	}
	return ledger.ExitIntent{}, fmt.Errorf("%w: exit intent %s expected version %d", ledger.ErrVersionConflict, x.ExitIntentID, expectedVersion)
}
