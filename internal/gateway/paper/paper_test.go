package paper

import (
	"context"
	"errors"
	"testing"

	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(cid string) exchange.OrderRequest {
	return exchange.OrderRequest{
		AccountID:     "acct-1",
		Symbol:        "ETHUSD",
		Side:          ledger.DirectionBuy,
		Type:          ledger.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(10),
		ClientOrderID: cid,
	}
}

func TestBroker_PlaceIsIdempotentByClientID(t *testing.T) {
	b := New("paper")
	first, err := b.PlaceOrder(context.Background(), req("c-1"))
	require.NoError(t, err)
	second, err := b.PlaceOrder(context.Background(), req("c-1"))
	require.NoError(t, err)

	assert.True(t, first.Accepted)
	assert.Equal(t, first.BrokerOrderID, second.BrokerOrderID)
	assert.Equal(t, int64(1), b.Placements())
}

func TestBroker_FillsOnPoll(t *testing.T) {
	b := New("paper", WithFillAfter(2), WithQuote(func(string) decimal.Decimal { return decimal.NewFromInt(2400) }))
	res, err := b.PlaceOrder(context.Background(), req("c-1"))
	require.NoError(t, err)

	ref := exchange.OrderRef{BrokerOrderID: res.BrokerOrderID}
	st, err := b.GetOrderStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderNew, st.State)

	st, err = b.GetOrderStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderFilled, st.State)
	assert.True(t, st.AvgPrice.Equal(decimal.NewFromInt(2400)))
	assert.True(t, st.FilledQty.Equal(decimal.NewFromInt(10)))
}

func TestBroker_RejectorAndCancel(t *testing.T) {
	b := New("paper", WithFillAfter(NeverFill), WithRejector(func(r exchange.OrderRequest) string {
		if r.Symbol == "DOGEUSD" {
			return "symbol halted"
		}
		return ""
	}))
	r := req("c-2")
	r.Symbol = "DOGEUSD"
	res, err := b.PlaceOrder(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "symbol halted", res.RejectReason)

	_, err = b.PlaceOrder(context.Background(), req("c-3"))
	require.NoError(t, err)
	require.NoError(t, b.CancelOrder(context.Background(), exchange.OrderRef{ClientOrderID: "c-3"}))
	st, ok := b.Order("c-3")
	require.True(t, ok)
	assert.Equal(t, exchange.OrderCancelled, st.State)

	assert.ErrorIs(t, b.CancelOrder(context.Background(), exchange.OrderRef{ClientOrderID: "nope"}), exchange.ErrOrderNotFound)
}

func TestBroker_FailNextPlace(t *testing.T) {
	b := New("paper")
	boom := errors.New("connection reset")
	b.FailNextPlace(boom)

	_, err := b.PlaceOrder(context.Background(), req("c-1"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), b.Placements())

	res, err := b.PlaceOrder(context.Background(), req("c-1"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}
