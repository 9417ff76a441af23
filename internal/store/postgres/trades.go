package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeflow/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const tradeColumns = `trade_id, intent_id, account_id, symbol, direction, order_type, requested_qty,
	limit_price, status, client_order_id, broker_order_id, entry_price, entry_qty, entry_value,
	entry_time, min_profit_price, target_price, stretch_price, exit_price, exit_qty, exit_time,
	exit_trigger, realized_pnl, log_return, holding_seconds, placed_at, last_broker_update,
	error_code, error_message, retry_count, created_at, updated_at, version,
	reduced_qty, reduced_value, reduced_by`

func scanTrade(row pgx.Row) (ledger.Trade, error) {
	var (
		t                                     ledger.Trade
		direction, orderType, status, errCode string
		minProfit, target, stretch            decimal.NullDecimal
		exitPrice, exitQty, pnl               decimal.NullDecimal
	)
	err := row.Scan(&t.TradeID, &t.IntentID, &t.AccountID, &t.Symbol, &direction, &orderType, &t.RequestedQty,
		&t.LimitPrice, &status, &t.ClientOrderID, &t.BrokerOrderID, &t.EntryPrice, &t.EntryQty, &t.EntryValue,
		&t.EntryTime, &minProfit, &target, &stretch, &exitPrice, &exitQty, &t.ExitTime,
		&t.ExitTrigger, &pnl, &t.LogReturn, &t.HoldingSeconds, &t.PlacedAt, &t.LastBrokerUpdate,
		&errCode, &t.ErrorMessage, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt, &t.Version,
		&t.ReducedQty, &t.ReducedValue, &t.ReducedBy)
	if err != nil {
		return ledger.Trade{}, err
	}
	t.Direction = ledger.Direction(direction)
	t.OrderType = ledger.OrderType(orderType)
	t.Status = ledger.TradeStatus(status)
	t.ErrorCode = ledger.ErrorCode(errCode)
	t.MinProfitPrice, t.TargetPrice, t.StretchPrice = nullable(minProfit), nullable(target), nullable(stretch)
	t.ExitPrice, t.ExitQty, t.RealizedPnL = nullable(exitPrice), nullable(exitQty), nullable(pnl)
	return t, nil
}

func (s *Store) InsertTrade(ctx context.Context, t ledger.Trade) error {
	if err := ledger.CheckTrade(t); err != nil {
		return err
	}
	if t.Version <= 0 {
		t.Version = 1
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO trades (`+tradeColumns+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33,
		$34, $35, $36)`,
		t.TradeID, t.IntentID, t.AccountID, t.Symbol, string(t.Direction), string(t.OrderType), t.RequestedQty,
		t.LimitPrice, string(t.Status), t.ClientOrderID, t.BrokerOrderID, t.EntryPrice, t.EntryQty, t.EntryValue,
		t.EntryTime, t.MinProfitPrice, t.TargetPrice, t.StretchPrice, t.ExitPrice, t.ExitQty, t.ExitTime,
		t.ExitTrigger, t.RealizedPnL, t.LogReturn, t.HoldingSeconds, t.PlacedAt, t.LastBrokerUpdate,
		string(t.ErrorCode), t.ErrorMessage, t.RetryCount, t.CreatedAt, t.UpdatedAt, t.Version,
		t.ReducedQty, t.ReducedValue, t.ReducedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: trade for intent %s / client order %s", ledger.ErrDuplicate, t.IntentID, t.ClientOrderID)
		}
		return mapWriteError(err, "trade", t.TradeID)
	}
	return nil
}

func (s *Store) GetTrade(ctx context.Context, tradeID string) (ledger.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1`, tradeID))
	if err != nil {
		return ledger.Trade{}, mapNotFound(err, "trade", tradeID)
	}
	return t, nil
}

func (s *Store) GetTradeByIntent(ctx context.Context, intentID string) (ledger.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE intent_id = $1`, intentID))
	if err != nil {
		return ledger.Trade{}, mapNotFound(err, "trade for intent", intentID)
	}
	return t, nil
}

func (s *Store) ListTrades(ctx context.Context, filter ledger.TradeFilter) ([]ledger.Trade, error) {
	var (
		where []string
		args  []any
	)
	if acct := strings.TrimSpace(filter.AccountID); acct != "" {
		args = append(args, acct)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if sym := strings.TrimSpace(filter.Symbol); sym != "" {
		args = append(args, sym)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := `SELECT ` + tradeColumns + ` FROM trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()
	var out []ledger.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTrade is the compare-and-swap write. Identity columns are never
// rewritten.
func (s *Store) UpdateTrade(ctx context.Context, t ledger.Trade, expectedVersion int64) (ledger.Trade, error) {
	if err := ledger.CheckTrade(t); err != nil {
		return ledger.Trade{}, err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	out, err := scanTrade(s.pool.QueryRow(ctx, `
		UPDATE trades SET
			status = $3, broker_order_id = $4, entry_price = $5, entry_qty = $6, entry_value = $7,
			entry_time = $8, min_profit_price = $9, target_price = $10, stretch_price = $11,
			exit_price = $12, exit_qty = $13, exit_time = $14, exit_trigger = $15, realized_pnl = $16,
			log_return = $17, holding_seconds = $18, placed_at = $19, last_broker_update = $20,
			error_code = $21, error_message = $22, retry_count = $23, updated_at = $24,
			reduced_qty = $25, reduced_value = $26, reduced_by = $27,
			version = version + 1
		WHERE trade_id = $1 AND version = $2
		RETURNING `+tradeColumns,
		t.TradeID, expectedVersion,
		string(t.Status), t.BrokerOrderID, t.EntryPrice, t.EntryQty, t.EntryValue,
		t.EntryTime, t.MinProfitPrice, t.TargetPrice, t.StretchPrice,
		t.ExitPrice, t.ExitQty, t.ExitTime, t.ExitTrigger, t.RealizedPnL,
		t.LogReturn, t.HoldingSeconds, t.PlacedAt, t.LastBrokerUpdate,
		string(t.ErrorCode), t.ErrorMessage, t.RetryCount, t.UpdatedAt,
		t.ReducedQty, t.ReducedValue, t.ReducedBy))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Trade{}, mapWriteError(err, "trade", t.TradeID)
	}
	if _, err := s.GetTrade(ctx, t.TradeID); err != nil {
		return ledger.Trade{}, err
	}
	return ledger.Trade{}, fmt.Errorf("%w: trade %s expected version %d", ledger.ErrVersionConflict, t.TradeID, expectedVersion)
}
