package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradeflow/internal/ledger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --------------------- Trade Intents -------------------------

func (s *GormStore) InsertIntent(ctx context.Context, intent ledger.TradeIntent) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(intent.IntentID) == "" {
		return false, fmt.Errorf("%w: intent id 必填", ledger.ErrInvalidInput)
	}
	m := newIntentModel(intent)
	if m.ReceivedAtUnix <= 0 {
		m.ReceivedAtUnix = s.stamp()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "intent_id"}}, DoNothing: true}).
		Create(&m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) GetIntent(ctx context.Context, intentID string) (ledger.TradeIntent, error) {
	if err := s.ready(); err != nil {
		return ledger.TradeIntent{}, err
	}
	var m intentModel
	if err := s.db.WithContext(ctx).Where("intent_id = ?", intentID).Take(&m).Error; err != nil {
		return ledger.TradeIntent{}, mapNotFound(err, "intent", intentID)
	}
	return intentModelToRecord(m), nil
}

func (s *GormStore) RecordIntentDecision(ctx context.Context, intentID string, code ledger.ErrorCode, reason string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if code == ledger.CodeNone {
		return fmt.Errorf("%w: decision code 必填", ledger.ErrInvalidInput)
	}
	res := s.db.WithContext(ctx).Model(&intentModel{}).
		Where("intent_id = ? AND decision_code = ''", intentID).
		Updates(map[string]any{"decision_code": string(code), "decision_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 已有决定或 intent 不存在
		if _, err := s.GetIntent(ctx, intentID); err != nil {
			return err
		}
	}
	return nil
}

// --------------------- Trades -------------------------

func (s *GormStore) InsertTrade(ctx context.Context, trade ledger.Trade) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := ledger.CheckTrade(trade); err != nil {
		return err
	}
	m := newTradeModel(trade)
	if m.Version <= 0 {
		m.Version = 1
	}
	if m.CreatedAtUnix <= 0 {
		m.CreatedAtUnix = s.stamp()
	}
	if m.UpdatedAtUnix <= 0 {
		m.UpdatedAtUnix = m.CreatedAtUnix
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: trade for intent %s / client order %s", ledger.ErrDuplicate, trade.IntentID, trade.ClientOrderID)
		}
		return err
	}
	return nil
}

func (s *GormStore) GetTrade(ctx context.Context, tradeID string) (ledger.Trade, error) {
	if err := s.ready(); err != nil {
		return ledger.Trade{}, err
	}
	var m tradeModel
	if err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).Take(&m).Error; err != nil {
		return ledger.Trade{}, mapNotFound(err, "trade", tradeID)
	}
	return tradeModelToRecord(m), nil
}

func (s *GormStore) GetTradeByIntent(ctx context.Context, intentID string) (ledger.Trade, error) {
	if err := s.ready(); err != nil {
		return ledger.Trade{}, err
	}
	var m tradeModel
	if err := s.db.WithContext(ctx).Where("intent_id = ?", intentID).Take(&m).Error; err != nil {
		return ledger.Trade{}, mapNotFound(err, "trade for intent", intentID)
	}
	return tradeModelToRecord(m), nil
}

func (s *GormStore) ListTrades(ctx context.Context, filter ledger.TradeFilter) ([]ledger.Trade, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&tradeModel{})
	if acct := strings.TrimSpace(filter.AccountID); acct != "" {
		q = q.Where("account_id = ?", acct)
	}
	if sym := strings.TrimSpace(filter.Symbol); sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var models []tradeModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Trade, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToRecord(m))
	}
	return out, nil
}

// UpdateTrade is the compare-and-swap write: it only lands when the stored
// version still equals expectedVersion.
func (s *GormStore) UpdateTrade(ctx context.Context, trade ledger.Trade, expectedVersion int64) (ledger.Trade, error) {
	if err := s.ready(); err != nil {
		return ledger.Trade{}, err
	}
	if err := ledger.CheckTrade(trade); err != nil {
		return ledger.Trade{}, err
	}
	m := newTradeModel(trade)
	m.Version = expectedVersion + 1
	if m.UpdatedAtUnix <= 0 {
		m.UpdatedAtUnix = s.stamp()
	}
	res := s.db.WithContext(ctx).Model(&tradeModel{}).
		Where("trade_id = ? AND version = ?", trade.TradeID, expectedVersion).
		Select("*").
		Omit("trade_id", "intent_id", "client_order_id", "created_at").
		Updates(&m)
	if res.Error != nil {
		return ledger.Trade{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetTrade(ctx, trade.TradeID); err != nil {
			return ledger.Trade{}, err
		}
		return ledger.Trade{}, fmt.Errorf("%w: trade %s expected version %d", ledger.ErrVersionConflict, trade.TradeID, expectedVersion)
	}
	return s.GetTrade(ctx, trade.TradeID)
}

func mapNotFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, entity, id)
	}
	return err
}
