package alpaca

import (
	"context"
	"net/http"
	"testing"
	"time"

	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	args := m.Called(req)
	o, _ := args.Get(0).(*alpaca.Order)
	return o, args.Error(1)
}

func (m *mockAPI) GetOrder(id string) (*alpaca.Order, error) {
	args := m.Called(id)
	o, _ := args.Get(0).(*alpaca.Order)
	return o, args.Error(1)
}

func (m *mockAPI) GetOrderByClientOrderID(id string) (*alpaca.Order, error) {
	args := m.Called(id)
	o, _ := args.Get(0).(*alpaca.Order)
	return o, args.Error(1)
}

func (m *mockAPI) CancelOrder(id string) error {
	return m.Called(id).Error(0)
}

var notFound = &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}

func entryRequest() exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:        "aapl",
		Side:          ledger.DirectionBuy,
		Type:          ledger.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(10),
		ClientOrderID: "intent-1",
	}
}

func TestPlaceOrder_NewOrder(t *testing.T) {
	api := new(mockAPI)
	api.On("GetOrderByClientOrderID", "intent-1").Return(nil, notFound)
	api.On("PlaceOrder", mock.MatchedBy(func(r alpaca.PlaceOrderRequest) bool {
		return r.Symbol == "AAPL" && r.ClientOrderID == "intent-1" && r.Side == alpaca.Buy && r.Qty.Equal(decimal.NewFromInt(10))
	})).Return(&alpaca.Order{ID: "ord-1"}, nil)

	res, err := (&Adapter{api: api}).PlaceOrder(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "ord-1", res.BrokerOrderID)
	api.AssertExpectations(t)
}

func TestPlaceOrder_ExistingClientIDIsNotResubmitted(t *testing.T) {
	api := new(mockAPI)
	api.On("GetOrderByClientOrderID", "intent-1").Return(&alpaca.Order{ID: "ord-1", Status: "accepted"}, nil)

	res, err := (&Adapter{api: api}).PlaceOrder(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.BrokerOrderID)
	api.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

func TestPlaceOrder_UnprocessableIsRejection(t *testing.T) {
	api := new(mockAPI)
	api.On("GetOrderByClientOrderID", "intent-1").Return(nil, notFound)
	api.On("PlaceOrder", mock.Anything).Return(nil, &alpaca.APIError{StatusCode: http.StatusForbidden, Message: "insufficient buying power"})

	res, err := (&Adapter{api: api}).PlaceOrder(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "insufficient buying power", res.RejectReason)
}

func TestPlaceOrder_ServerErrorIsUnknown(t *testing.T) {
	api := new(mockAPI)
	api.On("GetOrderByClientOrderID", "intent-1").Return(nil, notFound)
	api.On("PlaceOrder", mock.Anything).Return(nil, &alpaca.APIError{StatusCode: http.StatusBadGateway})

	_, err := (&Adapter{api: api}).PlaceOrder(context.Background(), entryRequest())
	assert.Error(t, err)
}

func TestGetOrderStatus(t *testing.T) {
	price := decimal.RequireFromString("181.25")
	api := new(mockAPI)
	api.On("GetOrder", "ord-1").Return(&alpaca.Order{
		ID: "ord-1", Status: "filled", FilledQty: decimal.NewFromInt(10), FilledAvgPrice: &price, UpdatedAt: time.Unix(1_700_000_000, 0),
	}, nil)
	api.On("GetOrder", "ord-2").Return(nil, notFound)
	a := &Adapter{api: api}

	st, err := a.GetOrderStatus(context.Background(), exchange.OrderRef{BrokerOrderID: "ord-1"})
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderFilled, st.State)
	assert.True(t, st.AvgPrice.Equal(price))

	_, err = a.GetOrderStatus(context.Background(), exchange.OrderRef{BrokerOrderID: "ord-2"})
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
}

func TestCall_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := call(ctx, func() (*alpaca.Order, error) {
		time.Sleep(200 * time.Millisecond)
		return &alpaca.Order{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMapState(t *testing.T) {
	assert.Equal(t, exchange.OrderNew, mapState("pending_new"))
	assert.Equal(t, exchange.OrderCancelled, mapState("canceled"))
	assert.Equal(t, exchange.OrderExpired, mapState("done_for_day"))
	assert.Equal(t, exchange.OrderUnknown, mapState("???"))
}
