// Package alpaca maps the Alpaca trading API onto exchange.BrokerAdapter.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"
	"tradeflow/internal/pkg/symbol"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// orderAPI is the slice of *alpaca.Client the adapter uses.
type orderAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
}

type Adapter struct {
	api orderAPI
}

func New(cfg Config) *Adapter {
	return &Adapter{api: alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})}
}

func (a *Adapter) Name() string { return "alpaca" }

// PlaceOrder looks the client order id up first. Alpaca rejects duplicate
// client ids, but the lookup also recovers the broker id after a lost reply.
func (a *Adapter) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.PlaceResult, error) {
	existing, err := call(ctx, func() (*alpaca.Order, error) { return a.api.GetOrderByClientOrderID(req.ClientOrderID) })
	switch {
	case err == nil:
		if mapState(existing.Status) == exchange.OrderRejected {
			return exchange.PlaceResult{Accepted: false, BrokerOrderID: existing.ID, RejectReason: "rejected by alpaca"}, nil
		}
		return exchange.PlaceResult{Accepted: true, BrokerOrderID: existing.ID}, nil
	case !isNotFound(err):
		return exchange.PlaceResult{}, err
	}

	qty := req.Quantity
	order := alpaca.PlaceOrderRequest{
		Symbol:        symbol.AlpacaConverter{}.ToExchange(req.Symbol),
		Qty:           &qty,
		Side:          side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == ledger.OrderTypeLimit {
		limit := req.LimitPrice
		order.Type = alpaca.Limit
		order.TimeInForce = alpaca.GTC
		order.LimitPrice = &limit
	}
	placed, err := call(ctx, func() (*alpaca.Order, error) { return a.api.PlaceOrder(order) })
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && isRejection(apiErr.StatusCode) {
			return exchange.PlaceResult{Accepted: false, RejectReason: apiErr.Message}, nil
		}
		return exchange.PlaceResult{}, err
	}
	return exchange.PlaceResult{Accepted: true, BrokerOrderID: placed.ID}, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, ref exchange.OrderRef) (exchange.OrderStatus, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) {
		if ref.BrokerOrderID != "" {
			return a.api.GetOrder(ref.BrokerOrderID)
		}
		return a.api.GetOrderByClientOrderID(ref.ClientOrderID)
	})
	if err != nil {
		if isNotFound(err) {
			return exchange.OrderStatus{}, fmt.Errorf("%w: %v", exchange.ErrOrderNotFound, err)
		}
		return exchange.OrderStatus{}, err
	}
	return convertOrder(order), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, ref exchange.OrderRef) error {
	id := ref.BrokerOrderID
	if id == "" {
		st, err := a.GetOrderStatus(ctx, ref)
		if err != nil {
			return err
		}
		id = st.BrokerOrderID
	}
	_, err := call(ctx, func() (*alpaca.Order, error) { return nil, a.api.CancelOrder(id) })
	if err != nil && isNotFound(err) {
		return fmt.Errorf("%w: %v", exchange.ErrOrderNotFound, err)
	}
	return err
}

func convertOrder(o *alpaca.Order) exchange.OrderStatus {
	st := exchange.OrderStatus{
		BrokerOrderID: o.ID,
		State:         mapState(o.Status),
		FilledQty:     o.FilledQty,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		st.AvgPrice = *o.FilledAvgPrice
	}
	return st
}

func mapState(status string) exchange.OrderState {
	switch strings.ToLower(status) {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "pending_cancel", "pending_replace", "calculated", "stopped", "suspended":
		return exchange.OrderNew
	case "partially_filled":
		return exchange.OrderPartiallyFilled
	case "filled":
		return exchange.OrderFilled
	case "canceled", "replaced":
		return exchange.OrderCancelled
	case "expired", "done_for_day":
		return exchange.OrderExpired
	case "rejected":
		return exchange.OrderRejected
	default:
		return exchange.OrderUnknown
	}
}

func side(d ledger.Direction) alpaca.Side {
	if d.IsLong() {
		return alpaca.Buy
	}
	return alpaca.Sell
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// isRejection: 403 (buying power, PDT) and 422 (invalid order) are definite
// answers. Everything else leaves the outcome unknown.
func isRejection(status int) bool {
	return status == http.StatusForbidden || status == http.StatusUnprocessableEntity
}

// call runs fn off the caller goroutine so ctx deadlines apply to the
// context-free SDK.
func call(ctx context.Context, fn func() (*alpaca.Order, error)) (*alpaca.Order, error) {
	type result struct {
		order *alpaca.Order
		err   error
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan result, 1)
	go func() {
		o, err := fn()
		ch <- result{o, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.order, r.err
	}
}
