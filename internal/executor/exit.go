package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/events"
	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/pkg/text"
	"tradeflow/internal/trader"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ExitExecutor owns exit intents from APPROVED onwards. Writes run under the
// parent trade's coordinator key so an exit fill and the trade close are
// ordered with every other mutation of that trade.
type ExitExecutor struct {
	trades  *trader.Manager
	store   ledger.Store
	brokers exchange.Resolver
	coord   *coordinator.Coordinator
	audit   ledger.AuditLog
	events  events.Publisher
	cfg     Config
}

func NewExitExecutor(trades *trader.Manager, store ledger.Store, brokers exchange.Resolver, coord *coordinator.Coordinator, audit ledger.AuditLog, pub events.Publisher, cfg Config) *ExitExecutor {
	cfg.normalize()
	if audit == nil {
		audit = ledger.NopAudit()
	}
	if pub == nil {
		pub = events.Nop()
	}
	return &ExitExecutor{trades: trades, store: store, brokers: brokers, coord: coord, audit: audit, events: pub, cfg: cfg}
}

// PlaceExitOrder sends the closing order for an APPROVED exit intent: side
// opposite to the trade's persisted direction, exit intent id as client
// order id.
func (x *ExitExecutor) PlaceExitOrder(ctx context.Context, exitIntentID string) (ledger.ExitIntent, error) {
	cur, err := x.store.GetExitIntent(ctx, exitIntentID)
	if err != nil {
		return ledger.ExitIntent{}, err
	}
	var out ledger.ExitIntent
	err = x.coord.Do(ctx, coordinator.TradeKey(cur.TradeID), func(ctx context.Context) error {
		var err error
		out, err = x.placeLocked(ctx, exitIntentID)
		return err
	})
	return out, err
}

func (x *ExitExecutor) placeLocked(ctx context.Context, exitIntentID string) (ledger.ExitIntent, error) {
	xi, err := x.store.GetExitIntent(ctx, exitIntentID)
	if err != nil {
		return ledger.ExitIntent{}, err
	}
	if xi.Status != ledger.ExitApproved {
		return xi, nil
	}
	trade, err := x.store.GetTrade(ctx, xi.TradeID)
	if err != nil {
		return xi, err
	}
	if trade.Status != ledger.TradeOpen {
		out, _, err := x.mutate(ctx, xi, "cancel", func(e *ledger.ExitIntent) bool {
			e.Status = ledger.ExitCancelled
			e.ErrorCode = ledger.CodeNotOpen
			e.ErrorMessage = fmt.Sprintf("trade is %s", trade.Status)
			return true
		})
		return out, err
	}
	broker, err := x.brokers.ForAccount(xi.AccountID)
	if err != nil {
		return x.fail(ctx, xi, ledger.CodeValidationFailure, err.Error())
	}
	qty := xi.Quantity
	if !qty.IsPositive() || qty.GreaterThan(trade.OpenQty()) {
		qty = trade.OpenQty()
	}
	res, err := broker.PlaceOrder(ctx, exchange.OrderRequest{
		AccountID:     xi.AccountID,
		Symbol:        trade.Symbol,
		Side:          trade.Direction.Opposite(),
		Type:          ledger.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: xi.ExitIntentID,
		ReduceOnly:    true,
	})
	if err != nil {
		logger.Warnf("executor: exit placement %s for trade %s failed, will retry: %v", xi.ExitIntentID, xi.TradeID, err)
		out, _, mErr := x.mutate(ctx, xi, "placement_attempt", func(e *ledger.ExitIntent) bool {
			e.RetryCount++
			e.ErrorCode = brokerErrorCode(err)
			e.ErrorMessage = text.Truncate(err.Error(), text.MaxErrorMessage)
			return true
		})
		return out, mErr
	}
	if !res.Accepted {
		return x.fail(ctx, xi, ledger.CodeBrokerRejection, res.RejectReason)
	}
	now := x.cfg.Clock()
	out, changed, err := x.mutate(ctx, xi, "placed", func(e *ledger.ExitIntent) bool {
		e.Status = ledger.ExitPlaced
		e.BrokerOrderID = res.BrokerOrderID
		e.PlacedAt = ledger.TimePtr(now)
		e.LastBrokerUpdate = ledger.TimePtr(now)
		e.ErrorCode, e.ErrorMessage = ledger.CodeNone, ""
		return true
	})
	if err == nil && changed {
		x.publish(events.ExitIntentPlaced, out)
	}
	return out, err
}

// ReconcilePlacedExits polls PLACED exits and re-drives stale APPROVED ones.
// At most MaxConcurrentCalls records talk to brokers at any instant.
func (x *ExitExecutor) ReconcilePlacedExits(ctx context.Context) (Summary, error) {
	exits, err := x.store.ListExitIntents(ctx, ledger.ExitApproved, ledger.ExitPlaced)
	if err != nil {
		return Summary{}, fmt.Errorf("list active exits: %w", err)
	}
	var (
		mu    sync.Mutex
		total Summary
	)
	sem := semaphore.NewWeighted(int64(x.cfg.MaxConcurrentCalls))
	g, gctx := errgroup.WithContext(ctx)
	for _, xi := range exits {
		xi := xi
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			var s Summary
			err := x.coord.Do(gctx, coordinator.TradeKey(xi.TradeID), func(ctx context.Context) error {
				var err error
				s, err = x.reconcileLocked(ctx, xi.ExitIntentID)
				return err
			})
			if err != nil {
				logger.Errorf("executor: reconcile exit %s (trade %s): %v", xi.ExitIntentID, xi.TradeID, err)
				s.Errors++
			}
			mu.Lock()
			total.add(s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if total.Checked > 0 {
		logger.Debugf("executor: exit pass checked=%d placed=%d closed=%d cancelled=%d failed=%d errors=%d",
			total.Checked, total.Placed, total.Closed, total.Cancelled, total.Failed, total.Errors)
	}
	return total, ctx.Err()
}

func (x *ExitExecutor) reconcileLocked(ctx context.Context, exitIntentID string) (Summary, error) {
	s := Summary{Checked: 1}
	xi, err := x.store.GetExitIntent(ctx, exitIntentID)
	if err != nil {
		return s, err
	}
	now := x.cfg.Clock()
	switch xi.Status {
	case ledger.ExitApproved:
		return x.reconcileApproved(ctx, xi, s)
	case ledger.ExitPlaced:
		if since(now, xi.LastBrokerUpdate) < x.cfg.PollInterval && xi.LastBrokerUpdate != nil {
			return s, nil
		}
		return x.reconcilePlaced(ctx, xi, s)
	default:
		return s, nil
	}
}

func (x *ExitExecutor) reconcileApproved(ctx context.Context, xi ledger.ExitIntent, s Summary) (Summary, error) {
	now := x.cfg.Clock()
	approvedAt := xi.CreatedAt
	if xi.ApprovedAt != nil {
		approvedAt = *xi.ApprovedAt
	}
	if now.Sub(approvedAt) <= x.cfg.ExitTimeout {
		if now.Sub(xi.UpdatedAt) < x.cfg.PollInterval {
			return s, nil
		}
		out, err := x.placeLocked(ctx, xi.ExitIntentID)
		if err == nil && out.Status == ledger.ExitPlaced {
			s.Placed++
		}
		if out.Status == ledger.ExitFailed {
			s.Failed++
		}
		return s, err
	}
	broker, err := x.brokers.ForAccount(xi.AccountID)
	if err == nil {
		st, stErr := broker.GetOrderStatus(ctx, exchange.OrderRef{ClientOrderID: xi.ExitIntentID, Symbol: xi.Symbol})
		if stErr == nil && st.BrokerOrderID != "" {
			// placed after all; adopt the order and resolve it as PLACED
			adopted, _, mErr := x.mutate(ctx, xi, "placed", func(e *ledger.ExitIntent) bool {
				e.Status = ledger.ExitPlaced
				e.BrokerOrderID = st.BrokerOrderID
				e.PlacedAt = ledger.TimePtr(now)
				return true
			})
			if mErr != nil {
				return s, mErr
			}
			x.publish(events.ExitIntentPlaced, adopted)
			return x.applyStatus(ctx, adopted, broker, st, s)
		}
	}
	_, err = x.fail(ctx, xi, ledger.CodeTimeout, fmt.Sprintf("exit never placed within %s", x.cfg.ExitTimeout))
	s.Failed++
	return s, err
}

func (x *ExitExecutor) reconcilePlaced(ctx context.Context, xi ledger.ExitIntent, s Summary) (Summary, error) {
	broker, err := x.brokers.ForAccount(xi.AccountID)
	if err != nil {
		return s, err
	}
	st, err := broker.GetOrderStatus(ctx, exchange.OrderRef{BrokerOrderID: xi.BrokerOrderID, ClientOrderID: xi.ExitIntentID, Symbol: xi.Symbol})
	if err != nil {
		if x.expired(xi) {
			return x.timeout(ctx, xi, broker, s, fmt.Sprintf("no broker answer: %v", err))
		}
		_, _, mErr := x.mutate(ctx, xi, "poll_failed", func(e *ledger.ExitIntent) bool {
			e.RetryCount++
			e.ErrorCode = brokerErrorCode(err)
			e.ErrorMessage = text.Truncate(err.Error(), text.MaxErrorMessage)
			return true
		})
		return s, mErr
	}
	return x.applyStatus(ctx, xi, broker, st, s)
}

func (x *ExitExecutor) applyStatus(ctx context.Context, xi ledger.ExitIntent, broker exchange.BrokerAdapter, st exchange.OrderStatus, s Summary) (Summary, error) {
	now := x.cfg.Clock()
	switch st.State {
	case exchange.OrderFilled:
		if !st.AvgPrice.IsPositive() {
			return x.unpriced(ctx, xi, s)
		}
		qty := st.FilledQty
		if !qty.IsPositive() {
			qty = xi.Quantity
		}
		at := fillTime(st, now)
		// close the trade first: a crash in between leaves the exit PLACED and
		// the next pass replays an idempotent close
		if _, err := x.trades.CloseTrade(ctx, xi.TradeID, trader.ExitFill{
			Fill:    trader.Fill{Price: st.AvgPrice, Qty: qty, At: at},
			Trigger: string(xi.Reason),
		}); err != nil {
			return s, fmt.Errorf("close trade %s: %w", xi.TradeID, err)
		}
		out, changed, err := x.mutate(ctx, xi, "filled", func(e *ledger.ExitIntent) bool {
			e.Status = ledger.ExitFilled
			e.FillPrice = ledger.DecimalPtr(st.AvgPrice)
			e.FillQty = ledger.DecimalPtr(qty)
			e.FilledAt = ledger.TimePtr(at)
			e.LastBrokerUpdate = ledger.TimePtr(now)
			e.ErrorCode, e.ErrorMessage = ledger.CodeNone, ""
			return true
		})
		if err == nil && changed {
			s.Closed++
			x.publish(events.ExitIntentFilled, out)
		}
		return s, err
	case exchange.OrderCancelled, exchange.OrderExpired:
		if err := x.bookPartial(ctx, xi, st, now); err != nil {
			return s, err
		}
		out, changed, err := x.mutate(ctx, xi, "cancelled", func(e *ledger.ExitIntent) bool {
			e.Status = ledger.ExitCancelled
			e.ErrorCode = ledger.CodeBrokerRejection
			e.ErrorMessage = fmt.Sprintf("order %s by broker", st.State)
			e.LastBrokerUpdate = ledger.TimePtr(now)
			setPartialFill(e, st, now)
			return true
		})
		if err == nil && changed {
			s.Cancelled++
			x.publish(events.ExitIntentCancelled, out)
		}
		return s, err
	case exchange.OrderRejected:
		_, err := x.fail(ctx, xi, ledger.CodeBrokerRejection, st.RejectReason)
		s.Failed++
		return s, err
	default:
		if x.expired(xi) {
			return x.timeout(ctx, xi, broker, s, fmt.Sprintf("order still %s after %s", st.State, x.cfg.ExitTimeout))
		}
		_, _, err := x.mutate(ctx, xi, "broker_update", func(e *ledger.ExitIntent) bool {
			e.LastBrokerUpdate = ledger.TimePtr(now)
			return true
		})
		return s, err
	}
}

// unpriced handles a FILLED report without an average price: it is polled
// again until the exit timeout, then the exit fails for an operator to settle.
func (x *ExitExecutor) unpriced(ctx context.Context, xi ledger.ExitIntent, s Summary) (Summary, error) {
	const reason = "broker reported FILLED without an average price"
	if x.expired(xi) {
		_, err := x.fail(ctx, xi, ledger.CodeBrokerRejection, reason)
		s.Failed++
		return s, err
	}
	now := x.cfg.Clock()
	_, _, err := x.mutate(ctx, xi, "broker_update", func(e *ledger.ExitIntent) bool {
		e.LastBrokerUpdate = ledger.TimePtr(now)
		e.ErrorCode, e.ErrorMessage = ledger.CodeTransient, reason
		return true
	})
	return s, err
}

// bookPartial reduces the trade by whatever the exit order filled before it
// ended without a full fill.
func (x *ExitExecutor) bookPartial(ctx context.Context, xi ledger.ExitIntent, st exchange.OrderStatus, now time.Time) error {
	if !st.FilledQty.IsPositive() || !st.AvgPrice.IsPositive() {
		return nil
	}
	_, err := x.trades.ReduceTrade(ctx, xi.TradeID, xi.ExitIntentID, trader.ExitFill{
		Fill:    trader.Fill{Price: st.AvgPrice, Qty: st.FilledQty, At: fillTime(st, now)},
		Trigger: string(xi.Reason),
	})
	if err != nil {
		return fmt.Errorf("book partial exit %s on trade %s: %w", xi.ExitIntentID, xi.TradeID, err)
	}
	return nil
}

func setPartialFill(e *ledger.ExitIntent, st exchange.OrderStatus, now time.Time) {
	if !st.FilledQty.IsPositive() || !st.AvgPrice.IsPositive() {
		return
	}
	e.FillPrice = ledger.DecimalPtr(st.AvgPrice)
	e.FillQty = ledger.DecimalPtr(st.FilledQty)
	e.FilledAt = ledger.TimePtr(fillTime(st, now))
}

func (x *ExitExecutor) expired(xi ledger.ExitIntent) bool {
	start := xi.CreatedAt
	if xi.PlacedAt != nil {
		start = *xi.PlacedAt
	}
	return x.cfg.Clock().Sub(start) > x.cfg.ExitTimeout
}

// timeout cancels the order, books any partial fill the broker reports after
// the cancel, then fails the exit.
func (x *ExitExecutor) timeout(ctx context.Context, xi ledger.ExitIntent, broker exchange.BrokerAdapter, s Summary, reason string) (Summary, error) {
	ref := exchange.OrderRef{BrokerOrderID: xi.BrokerOrderID, ClientOrderID: xi.ExitIntentID, Symbol: xi.Symbol}
	if err := broker.CancelOrder(ctx, ref); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		logger.Warnf("executor: cancel exit order %s failed: %v", xi.ExitIntentID, err)
	}
	st, err := broker.GetOrderStatus(ctx, ref)
	if err != nil {
		st = exchange.OrderStatus{}
	}
	if st.State == exchange.OrderFilled && st.AvgPrice.IsPositive() {
		// filled before the cancel landed
		return x.applyStatus(ctx, xi, broker, st, s)
	}
	now := x.cfg.Clock()
	if err := x.bookPartial(ctx, xi, st, now); err != nil {
		return s, err
	}
	out, changed, err := x.mutate(ctx, xi, "failed", func(e *ledger.ExitIntent) bool {
		if e.Status.Terminal() {
			return false
		}
		e.Status = ledger.ExitFailed
		e.ErrorCode = ledger.CodeTimeout
		e.ErrorMessage = text.Truncate(reason, text.MaxErrorMessage)
		setPartialFill(e, st, now)
		return true
	})
	if err == nil && changed {
		logger.Warnf("executor: exit %s for trade %s FAILED (%s): %s", out.ExitIntentID, out.TradeID, ledger.CodeTimeout, reason)
		x.publish(events.ExitIntentFailed, out)
	}
	s.Failed++
	return s, err
}

func (x *ExitExecutor) fail(ctx context.Context, xi ledger.ExitIntent, code ledger.ErrorCode, reason string) (ledger.ExitIntent, error) {
	out, changed, err := x.mutate(ctx, xi, "failed", func(e *ledger.ExitIntent) bool {
		if e.Status.Terminal() {
			return false
		}
		e.Status = ledger.ExitFailed
		e.ErrorCode = code
		e.ErrorMessage = text.Truncate(reason, text.MaxErrorMessage)
		return true
	})
	if err == nil && changed {
		logger.Warnf("executor: exit %s for trade %s FAILED (%s): %s", out.ExitIntentID, out.TradeID, code, reason)
		x.publish(events.ExitIntentFailed, out)
	}
	return out, err
}

// mutate CAS-writes an exit intent under its trade key, re-reading and
// retrying once on a version conflict.
func (x *ExitExecutor) mutate(ctx context.Context, cur ledger.ExitIntent, action string, fn func(*ledger.ExitIntent) bool) (ledger.ExitIntent, bool, error) {
	var (
		out     ledger.ExitIntent
		changed bool
	)
	err := x.coord.Do(ctx, coordinator.TradeKey(cur.TradeID), func(ctx context.Context) error {
		for attempt := 0; attempt < 2; attempt++ {
			if attempt > 0 {
				fresh, err := x.store.GetExitIntent(ctx, cur.ExitIntentID)
				if err != nil {
					return err
				}
				cur = fresh
			}
			next := cur
			if !fn(&next) {
				out = cur
				return nil
			}
			if next.Status != cur.Status && !ledger.CanTransitionExit(cur.Status, next.Status) {
				return ledger.TransitionError("exit_intent", cur.ExitIntentID, string(cur.Status), string(next.Status))
			}
			next.UpdatedAt = x.cfg.Clock()
			saved, err := x.store.UpdateExitIntent(ctx, next, cur.Version)
			if errors.Is(err, ledger.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return fmt.Errorf("%s exit %s: %w", action, cur.ExitIntentID, err)
			}
			if err := x.audit.Append(ctx, ledger.AuditEntry{
				EntityType: "exit_intent",
				EntityID:   saved.ExitIntentID,
				Action:     action,
				FromStatus: string(cur.Status),
				ToStatus:   string(saved.Status),
				Version:    saved.Version,
				Detail:     exitDetail(saved),
				At:         saved.UpdatedAt,
			}); err != nil {
				logger.Errorf("executor: audit append failed for exit %s %s: %v", saved.ExitIntentID, action, err)
			}
			out, changed = saved, true
			return nil
		}
		return &ledger.ConcurrentModificationError{Entity: "exit_intent", ID: cur.ExitIntentID, Version: cur.Version}
	})
	return out, changed, err
}

func (x *ExitExecutor) publish(typ events.Type, xi ledger.ExitIntent) {
	evt := events.New(typ, xi.TradeID)
	evt.ExitIntentID = xi.ExitIntentID
	evt.AccountID = xi.AccountID
	evt.Symbol = xi.Symbol
	evt.Status = string(xi.Status)
	evt.Version = xi.Version
	if xi.ErrorCode != ledger.CodeNone {
		evt.Reason = string(xi.ErrorCode)
	}
	evt.Data = exitDetail(xi)
	x.events.Publish(evt)
}

func exitDetail(xi ledger.ExitIntent) map[string]any {
	d := map[string]any{"reason": string(xi.Reason), "retry_count": xi.RetryCount}
	if xi.BrokerOrderID != "" {
		d["broker_order_id"] = xi.BrokerOrderID
	}
	if xi.FillPrice != nil {
		d["fill_price"] = xi.FillPrice.String()
	}
	if xi.FillQty != nil {
		d["fill_qty"] = xi.FillQty.String()
	}
	if xi.ErrorMessage != "" {
		d["error"] = xi.ErrorMessage
	}
	return d
}
