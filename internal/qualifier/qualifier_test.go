package qualifier

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/events"
	"tradeflow/internal/ledger"
	"tradeflow/internal/store/gormstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	q     *Qualifier
	store *gormstore.GormStore
	mu    sync.Mutex
	now   time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	coord := coordinator.New(coordinator.Config{Workers: 4})
	t.Cleanup(func() {
		coord.Stop()
		_ = st.Close()
	})
	f := &fixture{store: st, now: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	f.q = New(st, coord, nil, events.Nop(), Config{Clock: f.clock})
	return f
}

func (f *fixture) insertTrade(t *testing.T, id string, status ledger.TradeStatus, dir ledger.Direction) ledger.Trade {
	t.Helper()
	now := f.clock()
	tr := ledger.Trade{
		TradeID:       id,
		IntentID:      "intent-" + id,
		AccountID:     "acct-1",
		Symbol:        "ETHUSD",
		Direction:     dir,
		OrderType:     ledger.OrderTypeMarket,
		RequestedQty:  decimal.NewFromInt(10),
		Status:        status,
		ClientOrderID: "intent-" + id,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if status != ledger.TradeCreated {
		tr.BrokerOrderID = "b-" + id
	}
	if status == ledger.TradeOpen {
		tr.EntryPrice = decimal.NewFromInt(2400)
		tr.EntryQty = decimal.NewFromInt(10)
		tr.EntryTime = ledger.TimePtr(now)
	}
	require.NoError(t, f.store.InsertTrade(context.Background(), tr))
	return tr
}

func candidate(tradeID string, reason ledger.ExitReason) Candidate {
	return Candidate{TradeID: tradeID, Reason: reason, Price: decimal.NewFromInt(2448), ExitSignalID: "sig-" + string(reason)}
}

func TestQualify_ApprovesAndFillsDefaults(t *testing.T) {
	f := newFixture(t)
	f.insertTrade(t, "t-1", ledger.TradeOpen, ledger.DirectionBuy)

	d, err := f.q.Qualify(context.Background(), candidate("t-1", ledger.ReasonTarget))
	require.NoError(t, err)
	require.True(t, d.Approved)
	assert.Equal(t, ledger.ExitApproved, d.Intent.Status)
	assert.Equal(t, ledger.DirectionSell, d.Intent.Side)
	assert.True(t, d.Intent.Quantity.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, d.Intent.Episode)
	assert.Equal(t, int64(1), *d.Intent.Episode)

	stored, err := f.store.GetExitIntent(context.Background(), d.Intent.ExitIntentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExitApproved, stored.Status)
}

func TestQualify_TargetAndStopRaceYieldsOneApproval(t *testing.T) {
	f := newFixture(t)
	f.insertTrade(t, "t-1", ledger.TradeOpen, ledger.DirectionBuy)

	var wg sync.WaitGroup
	decisions := make([]Decision, 2)
	for i, reason := range []ledger.ExitReason{ledger.ReasonTarget, ledger.ReasonStopLoss} {
		wg.Add(1)
		go func(i int, reason ledger.ExitReason) {
			defer wg.Done()
			d, err := f.q.Qualify(context.Background(), candidate("t-1", reason))
			assert.NoError(t, err)
			decisions[i] = d
		}(i, reason)
	}
	wg.Wait()

	approved, rejected := 0, 0
	for _, d := range decisions {
		if d.Approved {
			approved++
			continue
		}
		rejected++
		assert.Equal(t, ledger.CodeAlreadyActiveExit, d.Code)
		assert.Contains(t, d.Reason, "already has active exit")
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, 1, rejected)

	all, err := f.store.ListExitIntentsForTrade(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestQualify_Cooldown(t *testing.T) {
	f := newFixture(t)
	f.insertTrade(t, "t-1", ledger.TradeOpen, ledger.DirectionBuy)
	ctx := context.Background()

	first, err := f.q.Qualify(ctx, candidate("t-1", ledger.ReasonStopLoss))
	require.NoError(t, err)
	require.True(t, first.Approved)
	// free the active slot so only the cooldown applies
	x := first.Intent
	x.Status = ledger.ExitCancelled
	_, err = f.store.UpdateExitIntent(ctx, x, x.Version)
	require.NoError(t, err)

	f.advance(10 * time.Second)
	d, err := f.q.Qualify(ctx, candidate("t-1", ledger.ReasonStopLoss))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ledger.CodeCooldownActive, d.Code)

	f.advance(21 * time.Second)
	d, err = f.q.Qualify(ctx, candidate("t-1", ledger.ReasonStopLoss))
	require.NoError(t, err)
	require.True(t, d.Approved)
	assert.Equal(t, int64(2), *d.Intent.Episode)
}

func TestQualify_CooldownIsPerReason(t *testing.T) {
	f := newFixture(t)
	f.insertTrade(t, "t-1", ledger.TradeOpen, ledger.DirectionBuy)
	ctx := context.Background()

	first, err := f.q.Qualify(ctx, candidate("t-1", ledger.ReasonStopLoss))
	require.NoError(t, err)
	x := first.Intent
	x.Status = ledger.ExitCancelled
	_, err = f.store.UpdateExitIntent(ctx, x, x.Version)
	require.NoError(t, err)

	d, err := f.q.Qualify(ctx, candidate("t-1", ledger.ReasonTarget))
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestQualify_NotOpen(t *testing.T) {
	f := newFixture(t)
	f.insertTrade(t, "t-1", ledger.TradePending, ledger.DirectionBuy)

	d, err := f.q.Qualify(context.Background(), candidate("t-1", ledger.ReasonTarget))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ledger.CodeNotOpen, d.Code)
	assert.Equal(t, ledger.ExitRejected, d.Intent.Status)

	_, err = f.q.Qualify(context.Background(), candidate("missing", ledger.ReasonTarget))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestQualify_DirectionMismatchConsumesEpisode(t *testing.T) {
	f := newFixture(t)
	f.insertTrade(t, "t-1", ledger.TradeOpen, ledger.DirectionBuy)
	ctx := context.Background()

	c := candidate("t-1", ledger.ReasonTarget)
	c.Side = ledger.DirectionBuy
	d, err := f.q.Qualify(ctx, c)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ledger.CodeDirectionMismatch, d.Code)

	d, err = f.q.Qualify(ctx, candidate("t-1", ledger.ReasonTarget))
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeCooldownActive, d.Code)
}

func TestQualify_ShortTradeNeedsBuyExit(t *testing.T) {
	f := newFixture(t)
	f.insertTrade(t, "t-1", ledger.TradeOpen, ledger.DirectionSell)
	c := candidate("t-1", ledger.ReasonStopLoss)
	c.Side = ledger.DirectionBuy
	d, err := f.q.Qualify(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

// blindStore hides active exits so only the persisted index can stop a
// second approval.
type blindStore struct {
	*gormstore.GormStore
}

func (blindStore) ActiveExitIntent(context.Context, string) (ledger.ExitIntent, bool, error) {
	return ledger.ExitIntent{}, false, nil
}

func TestQualify_PersistedIndexIsLastLineOfDefense(t *testing.T) {
	f := newFixture(t)
	f.insertTrade(t, "t-1", ledger.TradeOpen, ledger.DirectionBuy)
	f.q.store = blindStore{f.store}
	ctx := context.Background()

	first, err := f.q.Qualify(ctx, candidate("t-1", ledger.ReasonTarget))
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := f.q.Qualify(ctx, candidate("t-1", ledger.ReasonStopLoss))
	require.NoError(t, err)
	assert.False(t, second.Approved)
	assert.Equal(t, ledger.CodeAlreadyActiveExit, second.Code)

	active, err := f.store.ListExitIntents(ctx, ledger.ActiveExitStatuses...)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestQualify_InputValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Qualify(context.Background(), Candidate{Reason: ledger.ReasonTarget})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = f.q.Qualify(context.Background(), Candidate{TradeID: "t-1"})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}
