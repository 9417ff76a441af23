package ledger

import (
	"fmt"
	"strings"
)

var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeCreated: {TradePending, TradeRejected, TradeCancelled, TradeFailed},
	TradePending: {TradeOpen, TradeRejected, TradeCancelled, TradeFailed},
	TradeOpen:    {TradeClosed},
}

var exitTransitions = map[ExitStatus][]ExitStatus{
	ExitPending:  {ExitApproved, ExitRejected},
	ExitApproved: {ExitPlaced, ExitFailed, ExitCancelled},
	ExitPlaced:   {ExitFilled, ExitFailed, ExitCancelled},
}

func CanTransitionTrade(from, to TradeStatus) bool {
	for _, s := range tradeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanTransitionExit(from, to ExitStatus) bool {
	for _, s := range exitTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func TransitionError(entity, id string, from, to string) error {
	return fmt.Errorf("%w: %s %s %s -> %s", ErrInvalidTransition, entity, id, from, to)
}

// CheckTrade validates the record-level invariants every store enforces before writing.
func CheckTrade(t Trade) error {
	if strings.TrimSpace(t.TradeID) == "" {
		return fmt.Errorf("%w: trade id is empty", ErrInvariant)
	}
	if strings.TrimSpace(t.IntentID) == "" || strings.TrimSpace(t.ClientOrderID) == "" {
		return fmt.Errorf("%w: trade %s missing intent id or client order id", ErrInvariant, t.TradeID)
	}
	if !t.Direction.Valid() {
		return fmt.Errorf("%w: trade %s has invalid direction %q", ErrInvariant, t.TradeID, t.Direction)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: trade %s has invalid status %q", ErrInvariant, t.TradeID, t.Status)
	}
	switch t.Status {
	case TradePending, TradeOpen, TradeClosed:
		if strings.TrimSpace(t.BrokerOrderID) == "" {
			return fmt.Errorf("%w: trade %s is %s without broker order id", ErrInvariant, t.TradeID, t.Status)
		}
	}
	if t.Status == TradeOpen || t.Status == TradeClosed {
		if t.EntryTime == nil || !t.EntryPrice.IsPositive() {
			return fmt.Errorf("%w: trade %s is %s without entry fill", ErrInvariant, t.TradeID, t.Status)
		}
	}
	if t.ReducedQty.IsNegative() {
		return fmt.Errorf("%w: trade %s has negative reduced qty", ErrInvariant, t.TradeID)
	}
	if t.Status == TradeOpen && !t.OpenQty().IsPositive() {
		return fmt.Errorf("%w: trade %s is OPEN with no open qty", ErrInvariant, t.TradeID)
	}
	if t.Status == TradeClosed {
		if t.ExitPrice == nil || t.ExitTime == nil {
			return fmt.Errorf("%w: trade %s CLOSED without exit price/time", ErrInvariant, t.TradeID)
		}
	}
	return nil
}

func CheckExitIntent(x ExitIntent) error {
	if strings.TrimSpace(x.ExitIntentID) == "" || strings.TrimSpace(x.TradeID) == "" {
		return fmt.Errorf("%w: exit intent missing id or trade id", ErrInvariant)
	}
	if x.Reason == "" {
		return fmt.Errorf("%w: exit intent %s missing reason", ErrInvariant, x.ExitIntentID)
	}
	if x.Status.Active() && x.Episode == nil {
		return fmt.Errorf("%w: active exit intent %s without episode", ErrInvariant, x.ExitIntentID)
	}
	if x.Status == ExitPlaced || x.Status == ExitFilled {
		if strings.TrimSpace(x.BrokerOrderID) == "" {
			return fmt.Errorf("%w: exit intent %s is %s without broker order id", ErrInvariant, x.ExitIntentID, x.Status)
		}
	}
	return nil
}
