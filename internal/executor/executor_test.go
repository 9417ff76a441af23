package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/exitplan"
	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/gateway/paper"
	"tradeflow/internal/ledger"
	"tradeflow/internal/qualifier"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/trader"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store  *gormstore.GormStore
	trades *trader.Manager
	qual   *qualifier.Qualifier
	entry  *EntryExecutor
	exit   *ExitExecutor
	broker *paper.Broker
	clock  *clock
}

func newHarness(t *testing.T, broker *paper.Broker) *harness {
	t.Helper()
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	coord := coordinator.New(coordinator.Config{Workers: 8})
	t.Cleanup(func() {
		coord.Stop()
		_ = st.Close()
	})
	clk := &clock{now: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
	reg := exchange.NewRegistry()
	require.NoError(t, reg.Register("acct-1", broker))

	mgr := trader.NewManager(st, coord, trader.Options{
		Targets: exitplan.NewStatic(exitplan.Profile{TargetPct: 2}, nil),
		Clock:   clk.Now,
	})
	cfg := Config{PollInterval: 5 * time.Second, PendingTimeout: 2 * time.Minute, ExitTimeout: 10 * time.Minute, MaxConcurrentCalls: 5, Clock: clk.Now}
	return &harness{
		store:  st,
		trades: mgr,
		qual:   qualifier.New(st, coord, nil, nil, qualifier.Config{Clock: clk.Now}),
		entry:  NewEntryExecutor(mgr, reg, coord, cfg),
		exit:   NewExitExecutor(mgr, st, reg, coord, nil, nil, cfg),
		broker: broker,
		clock:  clk,
	}
}

func intent(id, symbol string) ledger.TradeIntent {
	return ledger.TradeIntent{
		IntentID:  id,
		AccountID: "acct-1",
		Symbol:    symbol,
		Direction: ledger.DirectionBuy,
		Quantity:  decimal.NewFromInt(10),
		OrderType: ledger.OrderTypeMarket,
		Outcome:   ledger.OutcomeApproved,
	}
}

func (h *harness) create(t *testing.T, id, symbol string) ledger.Trade {
	t.Helper()
	res, err := h.trades.CreateTradeForIntent(context.Background(), intent(id, symbol))
	require.NoError(t, err)
	require.Equal(t, trader.Created, res.Outcome)
	return res.Trade
}

func (h *harness) open(t *testing.T, id, symbol string) ledger.Trade {
	t.Helper()
	tr := h.create(t, id, symbol)
	_, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err)
	opened, err := h.trades.RecordEntryFilled(context.Background(), tr.TradeID, trader.Fill{Price: decimal.NewFromInt(2400), Qty: decimal.NewFromInt(10), At: h.clock.Now()})
	require.NoError(t, err)
	return opened
}

func (h *harness) approveExit(t *testing.T, tradeID string, reason ledger.ExitReason) ledger.ExitIntent {
	t.Helper()
	d, err := h.qual.Qualify(context.Background(), qualifier.Candidate{TradeID: tradeID, Reason: reason, Price: decimal.NewFromInt(2500)})
	require.NoError(t, err)
	require.True(t, d.Approved, d.Reason)
	return d.Intent
}

func (h *harness) trade(t *testing.T, id string) ledger.Trade {
	t.Helper()
	tr, err := h.store.GetTrade(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (h *harness) exitIntent(t *testing.T, id string) ledger.ExitIntent {
	t.Helper()
	x, err := h.store.GetExitIntent(context.Background(), id)
	require.NoError(t, err)
	return x
}

func TestPlaceEntryOrder_AcceptedOnce(t *testing.T) {
	h := newHarness(t, paper.New("paper"))
	tr := h.create(t, "intent-1", "ETHUSD")

	placed, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TradePending, placed.Status)
	assert.NotEmpty(t, placed.BrokerOrderID)

	again, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, placed.Version, again.Version)
	assert.Equal(t, int64(1), h.broker.Placements())
}

func TestPlaceEntryOrder_BrokerRejection(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithRejector(func(exchange.OrderRequest) string { return "insufficient margin" })))
	tr := h.create(t, "intent-1", "ETHUSD")

	out, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeRejected, out.Status)
	assert.Equal(t, ledger.CodeBrokerRejection, out.ErrorCode)
	assert.Equal(t, "insufficient margin", out.ErrorMessage)
}

func TestPlaceEntryOrder_TransientErrorRetriedByReconcile(t *testing.T) {
	h := newHarness(t, paper.New("paper"))
	h.broker.FailNextPlace(fmt.Errorf("dial: %w", exchange.ErrTimeout))
	tr := h.create(t, "intent-1", "ETHUSD")

	out, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err, "broker errors are recorded, not returned")
	assert.Equal(t, ledger.TradeCreated, out.Status)
	assert.Equal(t, 1, out.RetryCount)
	assert.Equal(t, ledger.CodeTimeout, out.ErrorCode)

	h.clock.Advance(6 * time.Second)
	sum, err := h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Placed)
	assert.Equal(t, ledger.TradePending, h.trade(t, tr.TradeID).Status)
}

func TestReconcile_LostPlacementReplyDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill)))
	tr := h.create(t, "intent-1", "ETHUSD")
	// the broker has the order but the reply never reached us
	_, err := h.broker.PlaceOrder(context.Background(), exchange.OrderRequest{ClientOrderID: tr.ClientOrderID, Symbol: tr.Symbol, Quantity: tr.RequestedQty})
	require.NoError(t, err)

	h.clock.Advance(6 * time.Second)
	_, err = h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.TradePending, h.trade(t, tr.TradeID).Status)
	assert.Equal(t, int64(1), h.broker.Placements())
}

func TestReconcile_PendingFilledOpens(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithQuote(func(string) decimal.Decimal { return decimal.NewFromInt(2400) })))
	tr := h.create(t, "intent-1", "ETHUSD")
	_, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err)

	sum, err := h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Opened, "polled too recently")

	h.clock.Advance(6 * time.Second)
	sum, err = h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Opened)
	got := h.trade(t, tr.TradeID)
	assert.Equal(t, ledger.TradeOpen, got.Status)
	assert.True(t, got.EntryPrice.Equal(decimal.NewFromInt(2400)))
	require.NotNil(t, got.TargetPrice)
	assert.True(t, got.TargetPrice.Equal(decimal.NewFromInt(2448)))
}

func TestReconcile_BrokerCancelledEntry(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill)))
	tr := h.create(t, "intent-1", "ETHUSD")
	_, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err)
	h.broker.SetState(tr.ClientOrderID, exchange.OrderCancelled, decimal.Zero)

	h.clock.Advance(6 * time.Second)
	sum, err := h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)
	assert.Equal(t, ledger.TradeCancelled, h.trade(t, tr.TradeID).Status)
}

func TestReconcile_PendingTimeoutFailsExactlyOnce(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill)))
	tr := h.create(t, "intent-1", "ETHUSD")
	_, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	sum, err := h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Failed)

	h.clock.Advance(2 * time.Minute)
	sum, err = h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	got := h.trade(t, tr.TradeID)
	assert.Equal(t, ledger.TradeFailed, got.Status)
	assert.Equal(t, ledger.CodeTimeout, got.ErrorCode)

	st, ok := h.broker.Order(tr.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, exchange.OrderCancelled, st.State, "orphan cancelled best-effort")

	h.clock.Advance(time.Minute)
	sum, err = h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Checked, "FAILED trades are not polled again")
	assert.Equal(t, got.Version, h.trade(t, tr.TradeID).Version)
}

func TestReconcile_NeverAcknowledgedCreatedFails(t *testing.T) {
	h := newHarness(t, paper.New("paper"))
	tr := h.create(t, "intent-1", "ETHUSD")
	h.clock.Advance(3 * time.Minute)

	sum, err := h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, ledger.TradeFailed, h.trade(t, tr.TradeID).Status)
	assert.Equal(t, int64(0), h.broker.Placements())
}

func TestExit_PlaceAndFillClosesTrade(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithQuote(func(string) decimal.Decimal { return decimal.NewFromInt(2500) })))
	tr := h.open(t, "intent-1", "ETHUSD")
	xi := h.approveExit(t, tr.TradeID, ledger.ReasonTarget)

	placed, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExitPlaced, placed.Status)
	order, ok := h.broker.Order(xi.ExitIntentID)
	require.True(t, ok, "exit intent id is the client order id")
	assert.NotEmpty(t, order.BrokerOrderID)

	h.clock.Advance(6 * time.Second)
	sum, err := h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)

	filled := h.exitIntent(t, xi.ExitIntentID)
	assert.Equal(t, ledger.ExitFilled, filled.Status)
	closed := h.trade(t, tr.TradeID)
	assert.Equal(t, ledger.TradeClosed, closed.Status)
	assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromInt(1000)), closed.RealizedPnL.String())
	assert.Equal(t, string(ledger.ReasonTarget), closed.ExitTrigger)
}

func TestExit_BrokerRejectionFails(t *testing.T) {
	broker := paper.New("paper", paper.WithRejector(func(r exchange.OrderRequest) string {
		if r.ReduceOnly {
			return "reduce only rejected"
		}
		return ""
	}))
	h := newHarness(t, broker)
	tr := h.open(t, "intent-1", "ETHUSD")
	xi := h.approveExit(t, tr.TradeID, ledger.ReasonStopLoss)

	out, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExitFailed, out.Status)
	assert.Equal(t, ledger.CodeBrokerRejection, out.ErrorCode)
	assert.Equal(t, ledger.TradeOpen, h.trade(t, tr.TradeID).Status)
}

func TestExit_TransientErrorStaysApproved(t *testing.T) {
	h := newHarness(t, paper.New("paper"))
	tr := h.open(t, "intent-1", "ETHUSD")
	xi := h.approveExit(t, tr.TradeID, ledger.ReasonTarget)
	h.broker.FailNextPlace(errors.New("connection reset"))

	out, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExitApproved, out.Status)
	assert.Equal(t, 1, out.RetryCount)

	h.clock.Advance(6 * time.Second)
	sum, err := h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Placed)
}

func TestExit_BrokerCancelFreesActiveSlot(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill)))
	tr := h.open(t, "intent-1", "ETHUSD")
	xi := h.approveExit(t, tr.TradeID, ledger.ReasonTarget)
	_, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
	require.NoError(t, err)
	h.broker.SetState(xi.ExitIntentID, exchange.OrderCancelled, decimal.Zero)

	h.clock.Advance(6 * time.Second)
	sum, err := h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)
	assert.Equal(t, ledger.ExitCancelled, h.exitIntent(t, xi.ExitIntentID).Status)

	h.approveExit(t, tr.TradeID, ledger.ReasonStopLoss)
}

func TestExit_TimeoutFails(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill)))
	tr := h.open(t, "intent-1", "ETHUSD")
	xi := h.approveExit(t, tr.TradeID, ledger.ReasonTarget)
	_, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	sum, err := h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	got := h.exitIntent(t, xi.ExitIntentID)
	assert.Equal(t, ledger.ExitFailed, got.Status)
	assert.Equal(t, ledger.CodeTimeout, got.ErrorCode)
	st, _ := h.broker.Order(xi.ExitIntentID)
	assert.Equal(t, exchange.OrderCancelled, st.State)
	assert.Equal(t, ledger.TradeOpen, h.trade(t, tr.TradeID).Status)
}

func TestExit_StatusCallsAreCapped(t *testing.T) {
	broker := paper.New("paper", paper.WithLatency(20*time.Millisecond), paper.WithQuote(func(string) decimal.Decimal { return decimal.NewFromInt(2500) }))
	h := newHarness(t, broker)
	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		tr := h.open(t, fmt.Sprintf("intent-%d", i), fmt.Sprintf("SYM%d", i))
		xi := h.approveExit(t, tr.TradeID, ledger.ReasonTarget)
		_, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
		require.NoError(t, err)
		ids = append(ids, xi.ExitIntentID)
	}

	h.clock.Advance(6 * time.Second)
	sum, err := h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, sum.Closed)
	assert.LessOrEqual(t, broker.MaxConcurrentStatusCalls(), int64(5))
	assert.Greater(t, broker.MaxConcurrentStatusCalls(), int64(0))
	for _, id := range ids {
		assert.Equal(t, ledger.ExitFilled, h.exitIntent(t, id).Status)
	}
}

func TestReconcile_FilledWithoutPriceFailsAtTimeout(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill)))
	tr := h.create(t, "intent-1", "ETHUSD")
	_, err := h.entry.PlaceEntryOrder(context.Background(), tr.TradeID)
	require.NoError(t, err)
	h.broker.SetState(tr.ClientOrderID, exchange.OrderFilled, decimal.Zero)

	h.clock.Advance(6 * time.Second)
	sum, err := h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Errors)
	assert.Equal(t, ledger.TradePending, h.trade(t, tr.TradeID).Status)

	h.clock.Advance(3 * time.Minute)
	sum, err = h.entry.ReconcilePendingTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	got := h.trade(t, tr.TradeID)
	assert.Equal(t, ledger.TradeFailed, got.Status)
	assert.Equal(t, ledger.CodeBrokerRejection, got.ErrorCode)
	assert.Contains(t, got.ErrorMessage, "without an average price")
}

func TestExit_FilledWithoutPriceFailsAtTimeout(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill)))
	tr := h.open(t, "intent-1", "ETHUSD")
	xi := h.approveExit(t, tr.TradeID, ledger.ReasonTarget)
	_, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
	require.NoError(t, err)
	h.broker.SetState(xi.ExitIntentID, exchange.OrderFilled, decimal.Zero)

	for i := 0; i < 2; i++ {
		h.clock.Advance(5 * time.Minute)
		sum, err := h.exit.ReconcilePlacedExits(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, sum.Errors)
		assert.Equal(t, ledger.ExitPlaced, h.exitIntent(t, xi.ExitIntentID).Status)
	}

	h.clock.Advance(5 * time.Minute)
	sum, err := h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	got := h.exitIntent(t, xi.ExitIntentID)
	assert.Equal(t, ledger.ExitFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "without an average price")
	assert.Equal(t, ledger.TradeOpen, h.trade(t, tr.TradeID).Status)

	h.clock.Advance(5 * time.Minute)
	sum, err = h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Checked, "FAILED exits are not polled again")
}

func TestExit_PartialFillAtTimeoutReducesTrade(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill), paper.WithQuote(func(string) decimal.Decimal { return decimal.NewFromInt(2500) })))
	tr := h.open(t, "intent-1", "ETHUSD")
	xi := h.approveExit(t, tr.TradeID, ledger.ReasonTarget)
	_, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
	require.NoError(t, err)
	h.broker.SetState(xi.ExitIntentID, exchange.OrderPartiallyFilled, decimal.NewFromInt(6))

	h.clock.Advance(11 * time.Minute)
	sum, err := h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	failed := h.exitIntent(t, xi.ExitIntentID)
	assert.Equal(t, ledger.ExitFailed, failed.Status)
	require.NotNil(t, failed.FillQty)
	assert.True(t, failed.FillQty.Equal(decimal.NewFromInt(6)))
	require.NotNil(t, failed.FillPrice)
	assert.True(t, failed.FillPrice.Equal(decimal.NewFromInt(2500)))

	reduced := h.trade(t, tr.TradeID)
	assert.Equal(t, ledger.TradeOpen, reduced.Status)
	assert.True(t, reduced.OpenQty().Equal(decimal.NewFromInt(4)), reduced.OpenQty().String())

	// the next exit is sized to what is still held and closes the whole position
	next := h.approveExit(t, tr.TradeID, ledger.ReasonStopLoss)
	assert.True(t, next.Quantity.Equal(decimal.NewFromInt(4)))
	_, err = h.exit.PlaceExitOrder(context.Background(), next.ExitIntentID)
	require.NoError(t, err)
	order, ok := h.broker.Order(next.ExitIntentID)
	require.True(t, ok)
	assert.Equal(t, exchange.OrderNew, order.State)
	require.True(t, h.broker.Fill(next.ExitIntentID, decimal.NewFromInt(2500), decimal.Zero))

	h.clock.Advance(6 * time.Second)
	sum, err = h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)
	closed := h.trade(t, tr.TradeID)
	assert.Equal(t, ledger.TradeClosed, closed.Status)
	require.NotNil(t, closed.ExitQty)
	assert.True(t, closed.ExitQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, closed.ExitPrice.Equal(decimal.NewFromInt(2500)), closed.ExitPrice.String())
	assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromInt(1000)), closed.RealizedPnL.String())
}

func TestExit_BrokerCancelAfterPartialFillReducesTrade(t *testing.T) {
	h := newHarness(t, paper.New("paper", paper.WithFillAfter(paper.NeverFill), paper.WithQuote(func(string) decimal.Decimal { return decimal.NewFromInt(2500) })))
	tr := h.open(t, "intent-1", "ETHUSD")
	xi := h.approveExit(t, tr.TradeID, ledger.ReasonTarget)
	_, err := h.exit.PlaceExitOrder(context.Background(), xi.ExitIntentID)
	require.NoError(t, err)
	h.broker.SetState(xi.ExitIntentID, exchange.OrderCancelled, decimal.NewFromInt(3))

	h.clock.Advance(6 * time.Second)
	sum, err := h.exit.ReconcilePlacedExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)

	cancelled := h.exitIntent(t, xi.ExitIntentID)
	assert.Equal(t, ledger.ExitCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FillQty)
	assert.True(t, cancelled.FillQty.Equal(decimal.NewFromInt(3)))
	got := h.trade(t, tr.TradeID)
	assert.Equal(t, ledger.TradeOpen, got.Status)
	assert.True(t, got.OpenQty().Equal(decimal.NewFromInt(7)))
	assert.Equal(t, xi.ExitIntentID, got.ReducedBy)
}
