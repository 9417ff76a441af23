package gormstore

import (
	"context"
	"errors"
	"fmt"

	"tradeflow/internal/ledger"

	"gorm.io/gorm"
)

func activeStatusStrings() []string {
	out := make([]string, 0, len(ledger.ActiveExitStatuses))
	for _, st := range ledger.ActiveExitStatuses {
		out = append(out, string(st))
	}
	return out
}

func (s *GormStore) InsertExitIntent(ctx context.Context, intent ledger.ExitIntent) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := ledger.CheckExitIntent(intent); err != nil {
		return err
	}
	m := newExitIntentModel(intent)
	if m.Version <= 0 {
		m.Version = 1
	}
	if m.CreatedAtUnix <= 0 {
		m.CreatedAtUnix = s.stamp()
	}
	if m.UpdatedAtUnix <= 0 {
		m.UpdatedAtUnix = m.CreatedAtUnix
	}
	err := s.db.WithContext(ctx).Create(&m).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	if intent.Status.Active() {
		if active, ok, lookupErr := s.ActiveExitIntent(ctx, intent.TradeID); lookupErr == nil && ok {
			return fmt.Errorf("%w: %s", ledger.ErrActiveExitExists, active.ExitIntentID)
		}
	}
	return fmt.Errorf("%w: exit intent %s", ledger.ErrDuplicate, intent.ExitIntentID)
}

func (s *GormStore) GetExitIntent(ctx context.Context, exitIntentID string) (ledger.ExitIntent, error) {
	if err := s.ready(); err != nil {
		return ledger.ExitIntent{}, err
	}
	var m exitIntentModel
	if err := s.db.WithContext(ctx).Where("exit_intent_id = ?", exitIntentID).Take(&m).Error; err != nil {
		return ledger.ExitIntent{}, mapNotFound(err, "exit intent", exitIntentID)
	}
	return exitIntentModelToRecord(m), nil
}

func (s *GormStore) ActiveExitIntent(ctx context.Context, tradeID string) (ledger.ExitIntent, bool, error) {
	if err := s.ready(); err != nil {
		return ledger.ExitIntent{}, false, err
	}
	var m exitIntentModel
	err := s.db.WithContext(ctx).
		Where("trade_id = ? AND status IN ?", tradeID, activeStatusStrings()).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ExitIntent{}, false, nil
	}
	if err != nil {
		return ledger.ExitIntent{}, false, err
	}
	return exitIntentModelToRecord(m), true, nil
}

func (s *GormStore) ListExitIntents(ctx context.Context, statuses ...ledger.ExitStatus) ([]ledger.ExitIntent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&exitIntentModel{})
	if len(statuses) > 0 {
		raw := make([]string, 0, len(statuses))
		for _, st := range statuses {
			raw = append(raw, string(st))
		}
		q = q.Where("status IN ?", raw)
	}
	var models []exitIntentModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return exitModelsToRecords(models), nil
}

func (s *GormStore) ListExitIntentsForTrade(ctx context.Context, tradeID string) ([]ledger.ExitIntent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []exitIntentModel
	if err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return exitModelsToRecords(models), nil
}

func (s *GormStore) UpdateExitIntent(ctx context.Context, intent ledger.ExitIntent, expectedVersion int64) (ledger.ExitIntent, error) {
	if err := s.ready(); err != nil {
		return ledger.ExitIntent{}, err
	}
	if err := ledger.CheckExitIntent(intent); err != nil {
		return ledger.ExitIntent{}, err
	}
	m := newExitIntentModel(intent)
	m.Version = expectedVersion + 1
	if m.UpdatedAtUnix <= 0 {
		m.UpdatedAtUnix = s.stamp()
	}
	res := s.db.WithContext(ctx).Model(&exitIntentModel{}).
		Where("exit_intent_id = ? AND version = ?", intent.ExitIntentID, expectedVersion).
		Select("*").
		Omit("exit_intent_id", "trade_id", "account_id", "reason", "episode", "created_at").
		Updates(&m)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ledger.ExitIntent{}, fmt.Errorf("%w: trade %s", ledger.ErrActiveExitExists, intent.TradeID)
		}
		return ledger.ExitIntent{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetExitIntent(ctx, intent.ExitIntentID); err != nil {
			return ledger.ExitIntent{}, err
		}
		return ledger.ExitIntent{}, fmt.Errorf("%w: exit intent %s expected version %d", ledger.ErrVersionConflict, intent.ExitIntentID, expectedVersion)
	}
	return s.GetExitIntent(ctx, intent.ExitIntentID)
}

func exitModelsToRecords(models []exitIntentModel) []ledger.ExitIntent {
	out := make([]ledger.ExitIntent, 0, len(models))
	for _, m := range models {
		out = append(out, exitIntentModelToRecord(m))
	}
	return out
}
