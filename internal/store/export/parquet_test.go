package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradeflow/internal/ledger"
	"tradeflow/internal/store/gormstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedTrade(id, symbol string, exitAt time.Time, pnl string) ledger.Trade {
	entryAt := exitAt.Add(-time.Hour)
	lr := 0.0198
	return ledger.Trade{
		TradeID: id, IntentID: "intent-" + id, ClientOrderID: "intent-" + id, AccountID: "acct-1", Symbol: symbol,
		Direction: ledger.DirectionBuy, OrderType: ledger.OrderTypeMarket, RequestedQty: decimal.NewFromInt(2),
		Status: ledger.TradeClosed, BrokerOrderID: "b-" + id,
		EntryPrice: decimal.RequireFromString("100.25"), EntryQty: decimal.NewFromInt(2), EntryTime: &entryAt,
		ExitPrice: ledger.DecimalPtr(decimal.RequireFromString("102.25")), ExitQty: ledger.DecimalPtr(decimal.NewFromInt(2)),
		ExitTime: &exitAt, ExitTrigger: string(ledger.ReasonTarget),
		RealizedPnL: ledger.DecimalPtr(decimal.RequireFromString(pnl)), LogReturn: &lr, HoldingSeconds: 3600,
		CreatedAt: entryAt, UpdatedAt: exitAt, Version: 4,
	}
}

func TestExportClosedTrades(t *testing.T) {
	dir := t.TempDir()
	st, err := gormstore.NewGormStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	day := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertTrade(ctx, closedTrade("t-1", "AAPL", day, "4.00")))
	require.NoError(t, st.InsertTrade(ctx, closedTrade("t-2", "MSFT", day.Add(48*time.Hour), "-1.5")))
	open := closedTrade("t-3", "AAPL", day, "0")
	open.Status, open.ExitPrice, open.ExitQty, open.ExitTime, open.RealizedPnL, open.ExitTrigger = ledger.TradeOpen, nil, nil, nil, nil, ""
	require.NoError(t, st.InsertTrade(ctx, open))

	recs, err := ClosedTrades(ctx, st, Filter{To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "t-1", recs[0].TradeID)
	assert.Equal(t, "102.25", recs[0].ExitPrice)
	assert.Equal(t, day.UnixMilli(), recs[0].ExitTime)

	all, err := ClosedTrades(ctx, st, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	path := filepath.Join(dir, "out", "closed.parquet")
	require.NoError(t, WriteFile(path, all))
	back, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, "-1.5", back[1].RealizedPnL)
	require.NotNil(t, back[0].LogReturn)
	assert.InDelta(t, 0.0198, *back[0].LogReturn, 1e-9)
}
