package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/events"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"

	"github.com/google/uuid"
)

type CreateOutcome string

const (
	Created       CreateOutcome = "CREATED"
	AlreadyExists CreateOutcome = "ALREADY_EXISTS"
	Rejected      CreateOutcome = "REJECTED"
)

// CreateResult: a replayed intent is AlreadyExists, never an error.
type CreateResult struct {
	Outcome CreateOutcome
	Trade   ledger.Trade
	Code    ledger.ErrorCode
	Reason  string
}

func rejected(code ledger.ErrorCode, reason string) CreateResult {
	return CreateResult{Outcome: Rejected, Code: code, Reason: reason}
}

// CreateTradeForIntent persists the intent and, when it is approved and
// valid, a CREATED trade for it. Entries for one account and symbol are
// serialized so the in-flight check cannot race a concurrent create.
func (m *Manager) CreateTradeForIntent(ctx context.Context, intent ledger.TradeIntent) (CreateResult, error) {
	intent.IntentID = strings.TrimSpace(intent.IntentID)
	intent.AccountID = strings.TrimSpace(intent.AccountID)
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
	if intent.IntentID == "" {
		return CreateResult{}, fmt.Errorf("%w: intent id required", ledger.ErrInvalidInput)
	}
	if intent.OrderType == "" {
		intent.OrderType = ledger.OrderTypeMarket
	}
	if intent.ReceivedAt.IsZero() {
		intent.ReceivedAt = m.now()
	}

	// a replay is serialized under the stored intent's key, not the request's
	if stored, err := m.store.GetIntent(ctx, intent.IntentID); err == nil {
		intent = stored
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return CreateResult{}, fmt.Errorf("load intent %s: %w", intent.IntentID, err)
	}

	var res CreateResult
	err := m.coord.Do(ctx, coordinator.EntryKey(intent.AccountID, intent.Symbol), func(ctx context.Context) error {
		var err error
		res, err = m.createLocked(ctx, intent)
		return err
	})
	if err != nil {
		return CreateResult{}, err
	}
	switch res.Outcome {
	case Created:
		logger.Infof("trader: trade %s created for intent %s (%s %s %s)", res.Trade.TradeID, intent.IntentID, intent.AccountID, intent.Direction, intent.Symbol)
	case Rejected:
		logger.Infof("trader: intent %s rejected: %s", intent.IntentID, res.Reason)
	}
	return res, nil
}

func (m *Manager) createLocked(ctx context.Context, intent ledger.TradeIntent) (CreateResult, error) {
	created, err := m.store.InsertIntent(ctx, intent)
	if err != nil {
		return CreateResult{}, fmt.Errorf("persist intent %s: %w", intent.IntentID, err)
	}
	if !created {
		// intents are immutable: a replay is judged from the stored copy
		stored, err := m.store.GetIntent(ctx, intent.IntentID)
		if err != nil {
			return CreateResult{}, fmt.Errorf("load intent %s: %w", intent.IntentID, err)
		}
		intent = stored
		if existing, err := m.store.GetTradeByIntent(ctx, intent.IntentID); err == nil {
			return CreateResult{Outcome: AlreadyExists, Trade: existing}, nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return CreateResult{}, err
		}
		if intent.Decided() {
			return rejected(intent.DecisionCode, intent.DecisionReason), nil
		}
		// stored without a decision or a trade (crash after the insert):
		// continue like a first delivery
	}

	res, err := m.decideEntry(ctx, intent)
	if err != nil || res.Outcome != Rejected {
		return res, err
	}
	if err := m.store.RecordIntentDecision(ctx, intent.IntentID, res.Code, res.Reason); err != nil {
		return CreateResult{}, fmt.Errorf("persist decision for intent %s: %w", intent.IntentID, err)
	}
	return res, nil
}

func (m *Manager) decideEntry(ctx context.Context, intent ledger.TradeIntent) (CreateResult, error) {
	if intent.Outcome != ledger.OutcomeApproved {
		reason := intent.RejectReason
		if reason == "" {
			reason = "intent not approved"
		}
		return rejected(ledger.CodeValidationFailure, reason), nil
	}
	if reason := validateIntent(intent); reason != "" {
		return rejected(ledger.CodeValidationFailure, reason), nil
	}

	inflight, err := m.store.ListTrades(ctx, ledger.TradeFilter{
		AccountID: intent.AccountID,
		Symbol:    intent.Symbol,
		Statuses:  []ledger.TradeStatus{ledger.TradeCreated, ledger.TradePending},
		Limit:     1,
	})
	if err != nil {
		return CreateResult{}, err
	}
	if len(inflight) > 0 {
		return rejected(ledger.CodeSuperseded, fmt.Sprintf("superseded entry in flight: trade %s is %s", inflight[0].TradeID, inflight[0].Status)), nil
	}

	if m.cfg.EntryCooldown > 0 {
		_, err := m.store.NextEpisode(ctx, ledger.EntryEpisodeKey(intent.AccountID, intent.Symbol), m.cfg.EntryCooldown, m.now())
		var cd *ledger.CooldownError
		if errors.As(err, &cd) {
			return rejected(ledger.CodeCooldownActive, cd.Error()), nil
		}
		if err != nil {
			return CreateResult{}, err
		}
	}

	now := m.now()
	trade := ledger.Trade{
		TradeID:       uuid.NewString(),
		IntentID:      intent.IntentID,
		AccountID:     intent.AccountID,
		Symbol:        intent.Symbol,
		Direction:     intent.Direction,
		OrderType:     intent.OrderType,
		RequestedQty:  intent.Quantity,
		LimitPrice:    intent.LimitPrice,
		Status:        ledger.TradeCreated,
		ClientOrderID: intent.IntentID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := m.store.InsertTrade(ctx, trade); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			existing, getErr := m.store.GetTradeByIntent(ctx, intent.IntentID)
			if getErr == nil {
				return CreateResult{Outcome: AlreadyExists, Trade: existing}, nil
			}
		}
		return CreateResult{}, fmt.Errorf("persist trade for intent %s: %w", intent.IntentID, err)
	}
	m.appendAudit(ctx, ledger.AuditEntry{
		EntityType: "trade",
		EntityID:   trade.TradeID,
		Action:     "create",
		ToStatus:   string(trade.Status),
		Version:    trade.Version,
		Detail:     map[string]any{"intent_id": intent.IntentID, "signal_id": intent.SignalID, "qty": intent.Quantity.String()},
		At:         now,
	})
	m.publish(events.TradeCreated, trade, map[string]any{"intent_id": intent.IntentID})
	return CreateResult{Outcome: Created, Trade: trade}, nil
}

func validateIntent(in ledger.TradeIntent) string {
	switch {
	case in.AccountID == "":
		return "account id required"
	case in.Symbol == "":
		return "symbol required"
	case !in.Direction.Valid():
		return fmt.Sprintf("invalid direction %q", in.Direction)
	case !in.OrderType.Valid():
		return fmt.Sprintf("invalid order type %q", in.OrderType)
	case !in.Quantity.IsPositive():
		return "quantity must be positive"
	case in.OrderType == ledger.OrderTypeLimit && !in.LimitPrice.IsPositive():
		return "limit order requires a positive limit price"
	}
	return ""
}
