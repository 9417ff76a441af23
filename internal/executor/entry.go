package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/trader"

	"golang.org/x/sync/errgroup"
)

type EntryExecutor struct {
	trades  *trader.Manager
	store   ledger.Reader
	brokers exchange.Resolver
	coord   *coordinator.Coordinator
	cfg     Config
}

func NewEntryExecutor(trades *trader.Manager, brokers exchange.Resolver, coord *coordinator.Coordinator, cfg Config) *EntryExecutor {
	cfg.normalize()
	return &EntryExecutor{trades: trades, store: trades.Store(), brokers: brokers, coord: coord, cfg: cfg}
}

// PlaceEntryOrder sends the entry order for a CREATED trade. The intent id is
// the client order id, so a retry after a crash resolves to the same broker
// order. Broker failures are recorded on the trade and not returned.
func (e *EntryExecutor) PlaceEntryOrder(ctx context.Context, tradeID string) (ledger.Trade, error) {
	var out ledger.Trade
	err := e.coord.Do(ctx, coordinator.TradeKey(tradeID), func(ctx context.Context) error {
		var err error
		out, err = e.placeLocked(ctx, tradeID)
		return err
	})
	return out, err
}

func (e *EntryExecutor) placeLocked(ctx context.Context, tradeID string) (ledger.Trade, error) {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return ledger.Trade{}, err
	}
	if t.Status != ledger.TradeCreated {
		return t, nil
	}
	broker, err := e.brokers.ForAccount(t.AccountID)
	if err != nil {
		return e.trades.RecordEntryRejected(ctx, tradeID, ledger.TradeRejected, ledger.CodeValidationFailure, err.Error())
	}
	res, err := broker.PlaceOrder(ctx, exchange.OrderRequest{
		AccountID:     t.AccountID,
		Symbol:        t.Symbol,
		Side:          t.Direction,
		Type:          t.OrderType,
		Quantity:      t.RequestedQty,
		LimitPrice:    t.LimitPrice,
		ClientOrderID: t.ClientOrderID,
	})
	if err != nil {
		logger.Warnf("executor: entry placement for trade %s failed, will retry: %v", tradeID, err)
		return e.trades.RecordPlacementAttempt(ctx, tradeID, brokerErrorCode(err), err.Error())
	}
	if !res.Accepted {
		return e.trades.RecordEntryRejected(ctx, tradeID, ledger.TradeRejected, ledger.CodeBrokerRejection, res.RejectReason)
	}
	return e.trades.RecordOrderPlaced(ctx, tradeID, res.BrokerOrderID, e.cfg.Clock())
}

// ReconcilePendingTrades re-drives CREATED trades and polls PENDING ones.
func (e *EntryExecutor) ReconcilePendingTrades(ctx context.Context) (Summary, error) {
	trades, err := e.store.ListTrades(ctx, ledger.TradeFilter{Statuses: []ledger.TradeStatus{ledger.TradeCreated, ledger.TradePending}})
	if err != nil {
		return Summary{}, fmt.Errorf("list in-flight trades: %w", err)
	}
	var (
		mu    sync.Mutex
		total Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentCalls)
	for _, t := range trades {
		tradeID := t.TradeID
		g.Go(func() error {
			var s Summary
			err := e.coord.Do(gctx, coordinator.TradeKey(tradeID), func(ctx context.Context) error {
				var err error
				s, err = e.reconcileLocked(ctx, tradeID)
				return err
			})
			if err != nil {
				logger.Errorf("executor: reconcile trade %s: %v", tradeID, err)
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
		logger.Debugf("executor: entry pass checked=%d placed=%d opened=%d rejected=%d failed=%d errors=%d",
			total.Checked, total.Placed, total.Opened, total.Rejected, total.Failed, total.Errors)
	}
	return total, ctx.Err()
}

func (e *EntryExecutor) reconcileLocked(ctx context.Context, tradeID string) (Summary, error) {
	s := Summary{Checked: 1}
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return s, err
	}
	now := e.cfg.Clock()
	switch t.Status {
	case ledger.TradeCreated:
		return e.reconcileCreated(ctx, t, s)
	case ledger.TradePending:
		if t.LastBrokerUpdate != nil && now.Sub(*t.LastBrokerUpdate) < e.cfg.PollInterval {
			return s, nil
		}
		return e.reconcilePending(ctx, t, s)
	default:
		return s, nil
	}
}

// reconcileCreated covers a crash or lost reply between trade creation and
// the broker acknowledgement.
func (e *EntryExecutor) reconcileCreated(ctx context.Context, t ledger.Trade, s Summary) (Summary, error) {
	now := e.cfg.Clock()
	age := now.Sub(t.CreatedAt)
	if age < e.cfg.PollInterval {
		return s, nil
	}
	if age <= e.cfg.PendingTimeout {
		out, err := e.placeLocked(ctx, t.TradeID)
		if err == nil && out.Status == ledger.TradePending {
			s.Placed++
		}
		return s, err
	}
	broker, err := e.brokers.ForAccount(t.AccountID)
	if err != nil {
		_, err = e.trades.RecordEntryFailed(ctx, t.TradeID, ledger.CodeTimeout, err.Error())
		s.Failed++
		return s, err
	}
	st, err := broker.GetOrderStatus(ctx, exchange.OrderRef{ClientOrderID: t.ClientOrderID, Symbol: t.Symbol})
	if err == nil && st.BrokerOrderID != "" {
		// the order exists after all; adopt it and let the PENDING path decide
		if _, err := e.trades.RecordOrderPlaced(ctx, t.TradeID, st.BrokerOrderID, now); err != nil {
			return s, err
		}
		t, err = e.store.GetTrade(ctx, t.TradeID)
		if err != nil {
			return s, err
		}
		return e.applyStatus(ctx, t, st, s)
	}
	reason := fmt.Sprintf("entry never acknowledged within %s", e.cfg.PendingTimeout)
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		reason = fmt.Sprintf("%s: %v", reason, err)
	}
	_, err = e.trades.RecordEntryFailed(ctx, t.TradeID, ledger.CodeTimeout, reason)
	s.Failed++
	return s, err
}

func (e *EntryExecutor) reconcilePending(ctx context.Context, t ledger.Trade, s Summary) (Summary, error) {
	broker, err := e.brokers.ForAccount(t.AccountID)
	if err != nil {
		return s, err
	}
	st, err := broker.GetOrderStatus(ctx, exchange.OrderRef{BrokerOrderID: t.BrokerOrderID, ClientOrderID: t.ClientOrderID, Symbol: t.Symbol})
	if err != nil {
		if e.expired(t) {
			return e.failPending(ctx, broker, t, s, fmt.Sprintf("no broker answer: %v", err))
		}
		_, recErr := e.trades.RecordPlacementAttempt(ctx, t.TradeID, brokerErrorCode(err), err.Error())
		return s, recErr
	}
	return e.applyStatus(ctx, t, st, s)
}

func (e *EntryExecutor) applyStatus(ctx context.Context, t ledger.Trade, st exchange.OrderStatus, s Summary) (Summary, error) {
	now := e.cfg.Clock()
	switch st.State {
	case exchange.OrderFilled:
		if !st.AvgPrice.IsPositive() {
			// no price to open the position at; poll until the entry timeout
			const reason = "broker reported FILLED without an average price"
			if e.expired(t) {
				_, err := e.trades.RecordEntryFailed(ctx, t.TradeID, ledger.CodeBrokerRejection, reason)
				s.Failed++
				return s, err
			}
			_, err := e.trades.TouchBrokerUpdate(ctx, t.TradeID, now)
			return s, err
		}
		_, err := e.trades.RecordEntryFilled(ctx, t.TradeID, trader.Fill{Price: st.AvgPrice, Qty: filledQty(st, t), At: fillTime(st, now)})
		if err == nil {
			s.Opened++
		}
		return s, err
	case exchange.OrderRejected:
		_, err := e.trades.RecordEntryRejected(ctx, t.TradeID, ledger.TradeRejected, ledger.CodeBrokerRejection, st.RejectReason)
		s.Rejected++
		return s, err
	case exchange.OrderCancelled, exchange.OrderExpired:
		if st.FilledQty.IsPositive() && st.AvgPrice.IsPositive() {
			// cancelled remainder of a partial fill: the filled part is a position
			_, err := e.trades.RecordEntryFilled(ctx, t.TradeID, trader.Fill{Price: st.AvgPrice, Qty: st.FilledQty, At: fillTime(st, now)})
			if err == nil {
				s.Opened++
			}
			return s, err
		}
		_, err := e.trades.RecordEntryRejected(ctx, t.TradeID, ledger.TradeCancelled, ledger.CodeBrokerRejection, fmt.Sprintf("order %s by broker", st.State))
		s.Cancelled++
		return s, err
	default:
		if e.expired(t) {
			broker, err := e.brokers.ForAccount(t.AccountID)
			if err != nil {
				return s, err
			}
			if st.State == exchange.OrderPartiallyFilled && st.FilledQty.IsPositive() && st.AvgPrice.IsPositive() {
				e.cancel(ctx, broker, t)
				_, err := e.trades.RecordEntryFilled(ctx, t.TradeID, trader.Fill{Price: st.AvgPrice, Qty: st.FilledQty, At: now})
				if err == nil {
					s.Opened++
				}
				return s, err
			}
			return e.failPending(ctx, broker, t, s, fmt.Sprintf("order still %s after %s", st.State, e.cfg.PendingTimeout))
		}
		_, err := e.trades.TouchBrokerUpdate(ctx, t.TradeID, now)
		return s, err
	}
}

func (e *EntryExecutor) expired(t ledger.Trade) bool {
	start := t.CreatedAt
	if t.PlacedAt != nil {
		start = *t.PlacedAt
	}
	return e.cfg.Clock().Sub(start) > e.cfg.PendingTimeout
}

// failPending cancels best-effort so the broker does not keep an orphan, then
// force-ends the trade.
func (e *EntryExecutor) failPending(ctx context.Context, broker exchange.BrokerAdapter, t ledger.Trade, s Summary, reason string) (Summary, error) {
	e.cancel(ctx, broker, t)
	_, err := e.trades.RecordEntryFailed(ctx, t.TradeID, ledger.CodeTimeout, reason)
	s.Failed++
	return s, err
}

func (e *EntryExecutor) cancel(ctx context.Context, broker exchange.BrokerAdapter, t ledger.Trade) {
	ref := exchange.OrderRef{BrokerOrderID: t.BrokerOrderID, ClientOrderID: t.ClientOrderID, Symbol: t.Symbol}
	if err := broker.CancelOrder(ctx, ref); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		logger.Warnf("executor: cancel entry order for trade %s failed: %v", t.TradeID, err)
	}
}
