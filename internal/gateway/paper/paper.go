// Package paper is an in-memory broker keyed by client order id. It backs dev
// runs and the engine tests.
package paper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"

	"github.com/shopspring/decimal"
)

// NeverFill keeps orders NEW until Fill or SetState is called.
const NeverFill = -1

type order struct {
	req    exchange.OrderRequest
	status exchange.OrderStatus
	polls  int
}

type Option func(*Broker)

// WithQuote sets the price used for market fills.
func WithQuote(fn func(symbol string) decimal.Decimal) Option {
	return func(b *Broker) { b.quote = fn }
}

// WithFillAfter fills NEW orders on the n-th status poll. NeverFill disables it.
func WithFillAfter(n int) Option {
	return func(b *Broker) { b.fillAfter = n }
}

// WithRejector rejects a request when fn returns a non-empty reason.
func WithRejector(fn func(exchange.OrderRequest) string) Option {
	return func(b *Broker) { b.rejector = fn }
}

// WithLatency delays every call.
func WithLatency(d time.Duration) Option {
	return func(b *Broker) { b.latency = d }
}

type Broker struct {
	name      string
	quote     func(string) decimal.Decimal
	fillAfter int
	rejector  func(exchange.OrderRequest) string
	latency   time.Duration

	mu          sync.Mutex
	orders      map[string]*order
	byBrokerID  map[string]string
	seq         int64
	placeErrors []error

	placements     atomic.Int64
	statusInFlight atomic.Int64
	statusMax      atomic.Int64
}

func New(name string, opts ...Option) *Broker {
	b := &Broker{
		name:       name,
		fillAfter:  1,
		quote:      func(string) decimal.Decimal { return decimal.NewFromInt(100) },
		orders:     make(map[string]*order),
		byBrokerID: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Name() string { return b.name }

func (b *Broker) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.PlaceResult, error) {
	if err := b.wait(ctx); err != nil {
		return exchange.PlaceResult{}, err
	}
	if req.ClientOrderID == "" {
		return exchange.PlaceResult{}, fmt.Errorf("paper: client order id required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.placeErrors) > 0 {
		err := b.placeErrors[0]
		b.placeErrors = b.placeErrors[1:]
		return exchange.PlaceResult{}, err
	}
	if o, ok := b.orders[req.ClientOrderID]; ok {
		return resultFor(o), nil
	}
	b.placements.Add(1)
	b.seq++
	o := &order{req: req, status: exchange.OrderStatus{
		BrokerOrderID: fmt.Sprintf("%s-%d", b.name, b.seq),
		State:         exchange.OrderNew,
		UpdatedAt:     time.Now(),
	}}
	if b.rejector != nil {
		if reason := b.rejector(req); reason != "" {
			o.status.State = exchange.OrderRejected
			o.status.RejectReason = reason
		}
	}
	b.orders[req.ClientOrderID] = o
	b.byBrokerID[o.status.BrokerOrderID] = req.ClientOrderID
	return resultFor(o), nil
}

func resultFor(o *order) exchange.PlaceResult {
	if o.status.State == exchange.OrderRejected {
		return exchange.PlaceResult{Accepted: false, BrokerOrderID: o.status.BrokerOrderID, RejectReason: o.status.RejectReason}
	}
	return exchange.PlaceResult{Accepted: true, BrokerOrderID: o.status.BrokerOrderID}
}

func (b *Broker) GetOrderStatus(ctx context.Context, ref exchange.OrderRef) (exchange.OrderStatus, error) {
	cur := b.statusInFlight.Add(1)
	defer b.statusInFlight.Add(-1)
	for {
		peak := b.statusMax.Load()
		if cur <= peak || b.statusMax.CompareAndSwap(peak, cur) {
			break
		}
	}
	if err := b.wait(ctx); err != nil {
		return exchange.OrderStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.lookup(ref)
	if !ok {
		return exchange.OrderStatus{}, exchange.ErrOrderNotFound
	}
	o.polls++
	if o.status.State == exchange.OrderNew && b.fillAfter != NeverFill && o.polls >= b.fillAfter {
		b.fill(o, b.fillPrice(o.req), o.req.Quantity)
	}
	return o.status, nil
}

func (b *Broker) CancelOrder(ctx context.Context, ref exchange.OrderRef) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.lookup(ref)
	if !ok {
		return exchange.ErrOrderNotFound
	}
	if !o.status.State.Final() {
		o.status.State = exchange.OrderCancelled
		o.status.UpdatedAt = time.Now()
	}
	return nil
}

// FailNextPlace makes the next PlaceOrder calls return errs in order, without
// recording an order.
func (b *Broker) FailNextPlace(errs ...error) {
	b.mu.Lock()
	b.placeErrors = append(b.placeErrors, errs...)
	b.mu.Unlock()
}

// Fill marks the order filled. A zero qty fills the requested quantity.
func (b *Broker) Fill(clientOrderID string, price, qty decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[clientOrderID]
	if !ok {
		return false
	}
	if qty.IsZero() {
		qty = o.req.Quantity
	}
	b.fill(o, price, qty)
	return true
}

// SetState forces an order state, for scenarios like broker-side cancels or
// partial fills.
func (b *Broker) SetState(clientOrderID string, state exchange.OrderState, filledQty decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[clientOrderID]
	if !ok {
		return false
	}
	o.status.State = state
	if !filledQty.IsZero() {
		o.status.FilledQty = filledQty
		o.status.AvgPrice = b.fillPrice(o.req)
	}
	o.status.UpdatedAt = time.Now()
	return true
}

// Order returns the broker view of an order.
func (b *Broker) Order(clientOrderID string) (exchange.OrderStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[clientOrderID]
	if !ok {
		return exchange.OrderStatus{}, false
	}
	return o.status, true
}

// Placements counts distinct orders created.
func (b *Broker) Placements() int64 { return b.placements.Load() }

// MaxConcurrentStatusCalls is the high-water mark of overlapping status calls.
func (b *Broker) MaxConcurrentStatusCalls() int64 { return b.statusMax.Load() }

func (b *Broker) lookup(ref exchange.OrderRef) (*order, bool) {
	if ref.ClientOrderID != "" {
		if o, ok := b.orders[ref.ClientOrderID]; ok {
			return o, true
		}
	}
	if cid, ok := b.byBrokerID[ref.BrokerOrderID]; ok {
		return b.orders[cid], true
	}
	return nil, false
}

func (b *Broker) fill(o *order, price, qty decimal.Decimal) {
	o.status.State = exchange.OrderFilled
	o.status.AvgPrice = price
	o.status.FilledQty = qty
	o.status.UpdatedAt = time.Now()
}

func (b *Broker) fillPrice(req exchange.OrderRequest) decimal.Decimal {
	if req.Type == ledger.OrderTypeLimit && req.LimitPrice.IsPositive() {
		return req.LimitPrice
	}
	return b.quote(req.Symbol)
}

func (b *Broker) wait(ctx context.Context) error {
	if b.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
