package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeflow/internal/logger"
	"tradeflow/internal/pkg/circuit"

	"golang.org/x/time/rate"
)

type GuardConfig struct {
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond    float64
	Burst            int
	CallTimeout      time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// Guard wraps an adapter with a rate limiter, a per-call timeout and a
// circuit breaker. Broker rejections are answers and never trip the breaker.
type Guard struct {
	inner   BrokerAdapter
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *circuit.CircuitBreaker
}

func NewGuard(inner BrokerAdapter, cfg GuardConfig) *Guard {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Guard{
		inner:   inner,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: circuit.NewCircuitBreaker("broker:"+inner.Name(), cfg.FailureThreshold, cfg.Cooldown),
	}
}

func (g *Guard) Name() string { return g.inner.Name() }

// Breaker exposes the breaker for health reporting.
func (g *Guard) Breaker() *circuit.CircuitBreaker { return g.breaker }

func (g *Guard) PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error) {
	var res PlaceResult
	err := g.call(ctx, "place", func(cctx context.Context) error {
		var err error
		res, err = g.inner.PlaceOrder(cctx, req)
		return err
	})
	return res, err
}

func (g *Guard) GetOrderStatus(ctx context.Context, ref OrderRef) (OrderStatus, error) {
	var st OrderStatus
	err := g.call(ctx, "status", func(cctx context.Context) error {
		var err error
		st, err = g.inner.GetOrderStatus(cctx, ref)
		return err
	})
	return st, err
}

func (g *Guard) CancelOrder(ctx context.Context, ref OrderRef) error {
	return g.call(ctx, "cancel", func(cctx context.Context) error {
		return g.inner.CancelOrder(cctx, ref)
	})
}

func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: rate limit wait: %w", g.Name(), op, classify(ctx, err))
	}
	if !g.breaker.Allow() {
		return fmt.Errorf("%s %s: %w (circuit open)", g.Name(), op, ErrUnavailable)
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	if err == nil || errors.Is(err, ErrOrderNotFound) {
		g.breaker.RecordSuccess()
		return err
	}
	g.breaker.RecordFailure()
	err = classify(cctx, err)
	logger.Debugf("broker %s %s failed after %s: %v", g.Name(), op, time.Since(start).Round(time.Millisecond), err)
	return err
}

// classify turns deadline errors into ErrTimeout so callers can tell "no
// answer" apart from other failures.
func classify(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
