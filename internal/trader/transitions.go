package trader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradeflow/internal/events"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/pkg/text"

	"github.com/shopspring/decimal"
)

// Fill is a broker execution report.
type Fill struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
	At    time.Time
}

// RecordOrderPlaced moves CREATED to PENDING once the broker has accepted the
// entry order. Replays with the same broker id are no-ops.
func (m *Manager) RecordOrderPlaced(ctx context.Context, tradeID, brokerOrderID string, at time.Time) (ledger.Trade, error) {
	brokerOrderID = strings.TrimSpace(brokerOrderID)
	if brokerOrderID == "" {
		return ledger.Trade{}, fmt.Errorf("%w: broker order id required", ledger.ErrInvalidInput)
	}
	t, changed, err := m.mutate(ctx, tradeID, "order_placed", func(t *ledger.Trade) (bool, error) {
		if t.Status != ledger.TradeCreated {
			return false, nil
		}
		t.Status = ledger.TradePending
		t.BrokerOrderID = brokerOrderID
		t.PlacedAt = ledger.TimePtr(at)
		t.LastBrokerUpdate = ledger.TimePtr(at)
		t.ErrorCode, t.ErrorMessage = ledger.CodeNone, ""
		return true, nil
	})
	if err == nil && changed {
		m.publish(events.TradePlaced, t, map[string]any{"broker_order_id": brokerOrderID})
	}
	return t, err
}

// RecordEntryFilled opens the trade and freezes its exit target prices from
// the profile in force right now.
func (m *Manager) RecordEntryFilled(ctx context.Context, tradeID string, fill Fill) (ledger.Trade, error) {
	if !fill.Price.IsPositive() || !fill.Qty.IsPositive() {
		return ledger.Trade{}, fmt.Errorf("%w: fill price and qty must be positive", ledger.ErrInvalidInput)
	}
	t, changed, err := m.mutate(ctx, tradeID, "entry_filled", func(t *ledger.Trade) (bool, error) {
		switch t.Status {
		case ledger.TradeOpen, ledger.TradeClosed:
			return false, nil
		case ledger.TradePending:
		default:
			return false, ledger.TransitionError("trade", t.TradeID, string(t.Status), string(ledger.TradeOpen))
		}
		targets := m.targets.Resolve(t.Symbol).Prices(t.Direction, fill.Price)
		t.Status = ledger.TradeOpen
		t.EntryPrice = fill.Price
		t.EntryQty = fill.Qty
		t.EntryValue = fill.Price.Mul(fill.Qty)
		t.EntryTime = ledger.TimePtr(fill.At)
		t.LastBrokerUpdate = ledger.TimePtr(m.now())
		t.MinProfitPrice = nonZero(targets.MinProfit)
		t.TargetPrice = nonZero(targets.Target)
		t.StretchPrice = nonZero(targets.Stretch)
		t.ErrorCode, t.ErrorMessage = ledger.CodeNone, ""
		return true, nil
	})
	if err == nil && changed {
		logger.Infof("trader: trade %s opened %s %s @ %s", t.TradeID, t.EntryQty, t.Symbol, t.EntryPrice)
		m.publish(events.TradeOpened, t, map[string]any{"entry_price": t.EntryPrice.String(), "entry_qty": t.EntryQty.String()})
	}
	return t, err
}

// RecordEntryRejected ends the entry as REJECTED or CANCELLED.
func (m *Manager) RecordEntryRejected(ctx context.Context, tradeID string, status ledger.TradeStatus, code ledger.ErrorCode, reason string) (ledger.Trade, error) {
	if status != ledger.TradeRejected && status != ledger.TradeCancelled {
		return ledger.Trade{}, fmt.Errorf("%w: rejection status %s", ledger.ErrInvalidInput, status)
	}
	t, changed, err := m.mutate(ctx, tradeID, "entry_rejected", func(t *ledger.Trade) (bool, error) {
		if t.Status.Terminal() || t.Status == ledger.TradeOpen {
			return false, nil
		}
		t.Status = status
		t.ErrorCode = code
		t.ErrorMessage = text.Truncate(reason, text.MaxErrorMessage)
		t.LastBrokerUpdate = ledger.TimePtr(m.now())
		return true, nil
	})
	if err == nil && changed {
		m.publish(events.TradeRejected, t, map[string]any{"reason": reason})
	}
	return t, err
}

// RecordEntryFailed force-ends an entry that exceeded its maximum age.
func (m *Manager) RecordEntryFailed(ctx context.Context, tradeID string, code ledger.ErrorCode, reason string) (ledger.Trade, error) {
	t, changed, err := m.mutate(ctx, tradeID, "entry_failed", func(t *ledger.Trade) (bool, error) {
		if !t.Status.InFlight() {
			return false, nil
		}
		t.Status = ledger.TradeFailed
		t.ErrorCode = code
		t.ErrorMessage = text.Truncate(reason, text.MaxErrorMessage)
		return true, nil
	})
	if err == nil && changed {
		logger.Warnf("trader: trade %s FAILED (%s): %s", t.TradeID, code, reason)
		m.publish(events.TradeFailed, t, map[string]any{"code": string(code), "reason": reason})
	}
	return t, err
}

// RecordPlacementAttempt notes a transient placement or polling failure. The
// trade keeps its status and is retried on the next pass.
func (m *Manager) RecordPlacementAttempt(ctx context.Context, tradeID string, code ledger.ErrorCode, reason string) (ledger.Trade, error) {
	t, _, err := m.mutate(ctx, tradeID, "placement_attempt", func(t *ledger.Trade) (bool, error) {
		if !t.Status.InFlight() {
			return false, nil
		}
		t.RetryCount++
		t.ErrorCode = code
		t.ErrorMessage = text.Truncate(reason, text.MaxErrorMessage)
		return true, nil
	})
	return t, err
}

// TouchBrokerUpdate records that the broker still reports the order open.
func (m *Manager) TouchBrokerUpdate(ctx context.Context, tradeID string, at time.Time) (ledger.Trade, error) {
	t, _, err := m.mutate(ctx, tradeID, "broker_update", func(t *ledger.Trade) (bool, error) {
		if t.Status != ledger.TradePending {
			return false, nil
		}
		t.LastBrokerUpdate = ledger.TimePtr(at)
		return true, nil
	})
	return t, err
}

// ExitFill is the execution that closes a trade.
type ExitFill struct {
	Fill
	Trigger string
}

// CloseTrade moves OPEN to CLOSED and books realized P&L. Closing an already
// CLOSED trade returns it unchanged.
func (m *Manager) CloseTrade(ctx context.Context, tradeID string, exit ExitFill) (ledger.Trade, error) {
	if !exit.Price.IsPositive() {
		return ledger.Trade{}, fmt.Errorf("%w: exit price must be positive", ledger.ErrInvalidInput)
	}
	t, changed, err := m.mutate(ctx, tradeID, "close", func(t *ledger.Trade) (bool, error) {
		switch t.Status {
		case ledger.TradeClosed:
			return false, nil
		case ledger.TradeOpen:
		default:
			return false, ledger.TransitionError("trade", t.TradeID, string(t.Status), string(ledger.TradeClosed))
		}
		qty := exit.Qty
		if !qty.IsPositive() {
			qty = t.OpenQty()
		}
		// earlier partial exits fold into one volume-weighted exit price
		price := exit.Price
		if t.ReducedQty.IsPositive() {
			total := t.ReducedQty.Add(qty)
			price = t.ReducedValue.Add(exit.Price.Mul(qty)).Div(total)
			qty = total
		}
		pnl := ComputePnL(t.Direction, t.EntryPrice, price, qty)
		t.Status = ledger.TradeClosed
		t.ExitPrice = ledger.DecimalPtr(price)
		t.ExitQty = ledger.DecimalPtr(qty)
		t.ExitTime = ledger.TimePtr(exit.At)
		t.ExitTrigger = exit.Trigger
		t.RealizedPnL = ledger.DecimalPtr(pnl.PnL)
		lr := pnl.LogReturn
		t.LogReturn = &lr
		if t.EntryTime != nil {
			t.HoldingSeconds = int64(exit.At.Sub(*t.EntryTime) / time.Second)
		}
		return true, nil
	})
	if err == nil && changed {
		logger.Infof("trader: trade %s closed by %s pnl=%s", t.TradeID, exit.Trigger, t.RealizedPnL)
		m.publish(events.TradeClosed, t, map[string]any{
			"exit_price":   t.ExitPrice.String(),
			"realized_pnl": t.RealizedPnL.String(),
			"trigger":      exit.Trigger,
		})
	}
	return t, err
}

// ReduceTrade books an exit that filled only part of the open position. The
// trade stays OPEN with the remainder; replays for the same exit are no-ops.
// A fill covering the whole open qty closes the trade instead.
func (m *Manager) ReduceTrade(ctx context.Context, tradeID, exitIntentID string, exit ExitFill) (ledger.Trade, error) {
	if !exit.Price.IsPositive() || !exit.Qty.IsPositive() {
		return ledger.Trade{}, fmt.Errorf("%w: partial exit price and qty must be positive", ledger.ErrInvalidInput)
	}
	cur, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return ledger.Trade{}, err
	}
	if cur.ReducedBy == exitIntentID {
		return cur, nil
	}
	if cur.Status == ledger.TradeOpen && exit.Qty.GreaterThanOrEqual(cur.OpenQty()) {
		return m.CloseTrade(ctx, tradeID, exit)
	}
	t, changed, err := m.mutate(ctx, tradeID, "reduce", func(t *ledger.Trade) (bool, error) {
		if t.ReducedBy == exitIntentID {
			return false, nil
		}
		if t.Status != ledger.TradeOpen {
			return false, ledger.TransitionError("trade", t.TradeID, string(t.Status), string(ledger.TradeOpen))
		}
		if exit.Qty.GreaterThanOrEqual(t.OpenQty()) {
			return false, fmt.Errorf("%w: partial exit %s covers the open qty of trade %s", ledger.ErrInvalidInput, exitIntentID, t.TradeID)
		}
		t.ReducedQty = t.ReducedQty.Add(exit.Qty)
		t.ReducedValue = t.ReducedValue.Add(exit.Price.Mul(exit.Qty))
		t.ReducedBy = exitIntentID
		return true, nil
	})
	if err == nil && changed {
		logger.Infof("trader: trade %s reduced by %s qty=%s open=%s", t.TradeID, exitIntentID, exit.Qty, t.OpenQty())
		m.publish(events.TradeReduced, t, map[string]any{
			"exit_intent_id": exitIntentID,
			"fill_price":     exit.Price.String(),
			"fill_qty":       exit.Qty.String(),
			"open_qty":       t.OpenQty().String(),
		})
	}
	return t, err
}

func nonZero(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}
