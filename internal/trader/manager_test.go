package trader

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/events"
	"tradeflow/internal/exitplan"
	"tradeflow/internal/ledger"
	"tradeflow/internal/store/gormstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	audit  []ledger.AuditEntry
	fail   error
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) Append(_ context.Context, e ledger.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.audit = append(r.audit, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	mgr   *Manager
	store *gormstore.GormStore
	rec   *recorder
	now   time.Time
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	coord := coordinator.New(coordinator.Config{Workers: 4})
	t.Cleanup(func() {
		coord.Stop()
		_ = st.Close()
	})
	f := &fixture{store: st, rec: &recorder{}, now: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
	opts := Options{
		Audit:   f.rec,
		Events:  f.rec,
		Targets: exitplan.NewStatic(exitplan.Profile{MinProfitPct: 0.5, TargetPct: 2, StretchPct: 4}, nil),
		Clock:   func() time.Time { return f.now },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	f.mgr = NewManager(st, coord, opts)
	return f
}

func approvedIntent(id string) ledger.TradeIntent {
	return ledger.TradeIntent{
		IntentID:  id,
		SignalID:  "sig-" + id,
		AccountID: "acct-1",
		Symbol:    "ethusd",
		Direction: ledger.DirectionBuy,
		Quantity:  decimal.NewFromInt(10),
		OrderType: ledger.OrderTypeMarket,
		Outcome:   ledger.OutcomeApproved,
	}
}

func (f *fixture) openTrade(t *testing.T, intentID string) ledger.Trade {
	t.Helper()
	ctx := context.Background()
	res, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent(intentID))
	require.NoError(t, err)
	require.Equal(t, Created, res.Outcome)
	_, err = f.mgr.RecordOrderPlaced(ctx, res.Trade.TradeID, "b-"+intentID, f.now)
	require.NoError(t, err)
	tr, err := f.mgr.RecordEntryFilled(ctx, res.Trade.TradeID, Fill{Price: decimal.NewFromInt(2400), Qty: decimal.NewFromInt(10), At: f.now})
	require.NoError(t, err)
	return tr
}

func TestCreateTradeForIntent_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)
	require.Equal(t, Created, first.Outcome)
	assert.Equal(t, ledger.TradeCreated, first.Trade.Status)
	assert.Equal(t, "intent-1", first.Trade.ClientOrderID)
	assert.Equal(t, "ETHUSD", first.Trade.Symbol)

	second, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, second.Outcome)
	assert.Equal(t, first.Trade.TradeID, second.Trade.TradeID)
	assert.Equal(t, first.Trade.Version, second.Trade.Version)

	trades, err := f.store.ListTrades(ctx, ledger.TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, []events.Type{events.TradeCreated}, f.rec.types())
}

func TestCreateTradeForIntent_ConcurrentReplays(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	results := make([]CreateResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.mgr.CreateTradeForIntent(context.Background(), approvedIntent("intent-1"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()
	created := 0
	for _, r := range results {
		if r.Outcome == Created {
			created++
		}
		assert.Equal(t, results[0].Trade.TradeID, r.Trade.TradeID)
	}
	assert.Equal(t, 1, created)
}

func TestCreateTradeForIntent_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notApproved := approvedIntent("intent-r")
	notApproved.Outcome = ledger.OutcomeRejected
	notApproved.RejectReason = "risk limit"
	res, err := f.mgr.CreateTradeForIntent(ctx, notApproved)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, "risk limit", res.Reason)
	stored, err := f.store.GetIntent(ctx, "intent-r")
	require.NoError(t, err, "rejected intents are still persisted")
	assert.Equal(t, ledger.OutcomeRejected, stored.Outcome)

	zeroQty := approvedIntent("intent-q")
	zeroQty.Quantity = decimal.Zero
	res, err = f.mgr.CreateTradeForIntent(ctx, zeroQty)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, ledger.CodeValidationFailure, res.Code)

	limitNoPrice := approvedIntent("intent-l")
	limitNoPrice.OrderType = ledger.OrderTypeLimit
	res, err = f.mgr.CreateTradeForIntent(ctx, limitNoPrice)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)

	_, err = f.mgr.CreateTradeForIntent(ctx, ledger.TradeIntent{})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestCreateTradeForIntent_SupersededWhileInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)
	require.Equal(t, Created, first.Outcome)

	second, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-2"))
	require.NoError(t, err)
	assert.Equal(t, Rejected, second.Outcome)
	assert.Equal(t, ledger.CodeSuperseded, second.Code)

	other := approvedIntent("intent-3")
	other.Symbol = "BTCUSD"
	third, err := f.mgr.CreateTradeForIntent(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, Created, third.Outcome, "other symbols are independent")
}

func TestCreateTradeForIntent_ReplayKeepsFirstRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)
	require.Equal(t, Created, first.Outcome)

	blocked, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-2"))
	require.NoError(t, err)
	require.Equal(t, Rejected, blocked.Outcome)

	// the blocking entry resolves; the rejected intent must stay rejected
	_, err = f.mgr.RecordOrderPlaced(ctx, first.Trade.TradeID, "b-1", f.now)
	require.NoError(t, err)
	_, err = f.mgr.RecordEntryFilled(ctx, first.Trade.TradeID, Fill{Price: decimal.NewFromInt(2400), Qty: decimal.NewFromInt(10), At: f.now})
	require.NoError(t, err)

	replay, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-2"))
	require.NoError(t, err)
	assert.Equal(t, blocked, replay)

	stored, err := f.store.GetIntent(ctx, "intent-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeSuperseded, stored.DecisionCode)
	assert.Equal(t, blocked.Reason, stored.DecisionReason)

	_, err = f.store.GetTradeByIntent(ctx, "intent-2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCreateTradeForIntent_ReplayIgnoresChangedPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original := approvedIntent("intent-c")
	original.Outcome = ledger.OutcomeRejected
	original.RejectReason = "risk limit"
	res, err := f.mgr.CreateTradeForIntent(ctx, original)
	require.NoError(t, err)
	require.Equal(t, Rejected, res.Outcome)

	changed := approvedIntent("intent-c")
	changed.Quantity = decimal.NewFromInt(999)
	replay, err := f.mgr.CreateTradeForIntent(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, Rejected, replay.Outcome)
	assert.Equal(t, "risk limit", replay.Reason)

	stored, err := f.store.GetIntent(ctx, "intent-c")
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, ledger.OutcomeRejected, stored.Outcome)

	trades, err := f.store.ListTrades(ctx, ledger.TradeFilter{})
	require.NoError(t, err)
	assert.Empty(t, trades)

	// an approved intent replayed with another quantity keeps the stored trade
	created, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-d"))
	require.NoError(t, err)
	require.Equal(t, Created, created.Outcome)
	bigger := approvedIntent("intent-d")
	bigger.Quantity = decimal.NewFromInt(999)
	again, err := f.mgr.CreateTradeForIntent(ctx, bigger)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, again.Outcome)
	assert.True(t, again.Trade.RequestedQty.Equal(decimal.NewFromInt(10)))
}

func TestCreateTradeForIntent_EntryCooldown(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.EntryCooldown = 30 * time.Second })
	ctx := context.Background()

	first, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)
	_, err = f.mgr.RecordEntryRejected(ctx, first.Trade.TradeID, ledger.TradeRejected, ledger.CodeBrokerRejection, "nope")
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Second)
	res, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-2"))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, ledger.CodeCooldownActive, res.Code)

	f.now = f.now.Add(31 * time.Second)
	res, err = f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-3"))
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
}

func TestReduceTrade_PartialExitsFoldIntoClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.openTrade(t, "intent-1")

	partial := ExitFill{Fill: Fill{Price: decimal.NewFromInt(2500), Qty: decimal.NewFromInt(4), At: f.now}, Trigger: "TARGET"}
	reduced, err := f.mgr.ReduceTrade(ctx, tr.TradeID, "exit-1", partial)
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeOpen, reduced.Status)
	assert.True(t, reduced.OpenQty().Equal(decimal.NewFromInt(6)))

	replay, err := f.mgr.ReduceTrade(ctx, tr.TradeID, "exit-1", partial)
	require.NoError(t, err)
	assert.Equal(t, reduced.Version, replay.Version, "same exit is booked once")

	_, err = f.mgr.ReduceTrade(ctx, tr.TradeID, "exit-2", ExitFill{Fill: Fill{Price: decimal.NewFromInt(2500)}})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	closed, err := f.mgr.CloseTrade(ctx, tr.TradeID, ExitFill{Fill: Fill{Price: decimal.NewFromInt(2300), At: f.now}, Trigger: "STOP_LOSS"})
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeClosed, closed.Status)
	assert.True(t, closed.ExitQty.Equal(decimal.NewFromInt(10)))
	// (4*2500 + 6*2300) / 10
	assert.True(t, closed.ExitPrice.Equal(decimal.NewFromInt(2380)), closed.ExitPrice.String())
	assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromInt(-200)), closed.RealizedPnL.String())
}

func TestReduceTrade_FullQtyCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.openTrade(t, "intent-1")

	out, err := f.mgr.ReduceTrade(ctx, tr.TradeID, "exit-1", ExitFill{Fill: Fill{Price: decimal.NewFromInt(2500), Qty: decimal.NewFromInt(10), At: f.now}, Trigger: "TARGET"})
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeClosed, out.Status)
	assert.True(t, out.RealizedPnL.Equal(decimal.NewFromInt(1000)))
}

func TestLifecycle_OpenFreezesTargetsAndCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.openTrade(t, "intent-1")

	assert.Equal(t, ledger.TradeOpen, tr.Status)
	assert.True(t, tr.EntryValue.Equal(decimal.NewFromInt(24000)))
	require.NotNil(t, tr.TargetPrice)
	assert.True(t, tr.TargetPrice.Equal(decimal.NewFromInt(2448)), tr.TargetPrice.String())
	assert.True(t, tr.MinProfitPrice.Equal(decimal.NewFromInt(2412)))

	f.now = f.now.Add(90 * time.Minute)
	closed, err := f.mgr.CloseTrade(ctx, tr.TradeID, ExitFill{Fill: Fill{Price: decimal.NewFromInt(2500), Qty: decimal.NewFromInt(10), At: f.now}, Trigger: "TARGET"})
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeClosed, closed.Status)
	assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromInt(1000)), closed.RealizedPnL.String())
	assert.InDelta(t, math.Log(2500.0/2400.0), *closed.LogReturn, 1e-9)
	assert.Equal(t, int64(90*60), closed.HoldingSeconds)
	assert.Equal(t, "TARGET", closed.ExitTrigger)

	again, err := f.mgr.CloseTrade(ctx, tr.TradeID, ExitFill{Fill: Fill{Price: decimal.NewFromInt(1), At: f.now}, Trigger: "MANUAL"})
	require.NoError(t, err)
	assert.Equal(t, closed.Version, again.Version, "closing twice is a no-op")
	assert.True(t, again.ExitPrice.Equal(decimal.NewFromInt(2500)))

	assert.Equal(t, []events.Type{events.TradeCreated, events.TradePlaced, events.TradeOpened, events.TradeClosed}, f.rec.types())
	assert.Len(t, f.rec.audit, 4)
}

func TestTargetsFrozenAgainstLaterProfileChanges(t *testing.T) {
	targets := exitplan.NewStatic(exitplan.Profile{TargetPct: 2}, nil)
	f := newFixture(t, func(o *Options) { o.Targets = targets })
	tr := f.openTrade(t, "intent-1")

	f.mgr.targets = exitplan.NewStatic(exitplan.Profile{TargetPct: 10}, nil)
	got, err := f.store.GetTrade(context.Background(), tr.TradeID)
	require.NoError(t, err)
	assert.True(t, got.TargetPrice.Equal(decimal.NewFromInt(2448)))
}

func TestRecordOrderPlaced_IdempotentAndGuarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)

	placed, err := f.mgr.RecordOrderPlaced(ctx, res.Trade.TradeID, "b-1", f.now)
	require.NoError(t, err)
	assert.Equal(t, ledger.TradePending, placed.Status)
	replay, err := f.mgr.RecordOrderPlaced(ctx, res.Trade.TradeID, "b-1", f.now)
	require.NoError(t, err)
	assert.Equal(t, placed.Version, replay.Version)

	_, err = f.mgr.RecordOrderPlaced(ctx, res.Trade.TradeID, "", f.now)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = f.mgr.CloseTrade(ctx, res.Trade.TradeID, ExitFill{Fill: Fill{Price: decimal.NewFromInt(1), At: f.now}})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestRecordEntryFailed_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)
	_, err = f.mgr.RecordOrderPlaced(ctx, res.Trade.TradeID, "b-1", f.now)
	require.NoError(t, err)

	failed, err := f.mgr.RecordEntryFailed(ctx, res.Trade.TradeID, ledger.CodeTimeout, "pending too long")
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeFailed, failed.Status)
	again, err := f.mgr.RecordEntryFailed(ctx, res.Trade.TradeID, ledger.CodeTimeout, "pending too long")
	require.NoError(t, err)
	assert.Equal(t, failed.Version, again.Version)

	count := 0
	for _, typ := range f.rec.types() {
		if typ == events.TradeFailed {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRecordPlacementAttempt_CountsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.mgr.RecordPlacementAttempt(ctx, res.Trade.TradeID, ledger.CodeTransient, "connection reset")
		require.NoError(t, err)
	}
	got, err := f.store.GetTrade(ctx, res.Trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, ledger.CodeTransient, got.ErrorCode)
	assert.Equal(t, ledger.TradeCreated, got.Status)
}

func TestAuditFailureDoesNotUndoMutation(t *testing.T) {
	f := newFixture(t)
	f.rec.fail = errors.New("disk full")
	res, err := f.mgr.CreateTradeForIntent(context.Background(), approvedIntent("intent-1"))
	require.NoError(t, err)
	placed, err := f.mgr.RecordOrderPlaced(context.Background(), res.Trade.TradeID, "b-1", f.now)
	require.NoError(t, err)
	assert.Equal(t, ledger.TradePending, placed.Status)
}

// conflictStore bumps the stored version behind the manager's back.
type conflictStore struct {
	*gormstore.GormStore
	conflicts int
}

func (s *conflictStore) UpdateTrade(ctx context.Context, t ledger.Trade, expected int64) (ledger.Trade, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return ledger.Trade{}, ledger.ErrVersionConflict
	}
	return s.GormStore.UpdateTrade(ctx, t, expected)
}

func TestMutate_RetriesOnceThenSurfaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.mgr.CreateTradeForIntent(ctx, approvedIntent("intent-1"))
	require.NoError(t, err)

	cs := &conflictStore{GormStore: f.store, conflicts: 1}
	f.mgr.store = cs
	_, err = f.mgr.RecordOrderPlaced(ctx, res.Trade.TradeID, "b-1", f.now)
	require.NoError(t, err, "one conflict is absorbed by the retry")

	cs.conflicts = 2
	_, err = f.mgr.RecordEntryFilled(ctx, res.Trade.TradeID, Fill{Price: decimal.NewFromInt(2400), Qty: decimal.NewFromInt(1), At: f.now})
	var cme *ledger.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	assert.Equal(t, res.Trade.TradeID, cme.ID)
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)
}
