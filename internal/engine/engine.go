// Package engine wires the trade state machine: intake of intents and exit
// signals, and the two reconciliation loops.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/executor"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/qualifier"
	"tradeflow/internal/scheduler"
	"tradeflow/internal/trader"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Config struct {
	EntryInterval time.Duration
	ExitInterval  time.Duration
	// ExitOffset shifts the exit loop against the entry loop. Defaults to
	// half the exit interval.
	ExitOffset time.Duration
}

func (c *Config) normalize() {
	if c.EntryInterval <= 0 {
		c.EntryInterval = 5 * time.Second
	}
	if c.ExitInterval <= 0 {
		c.ExitInterval = c.EntryInterval
	}
	if c.ExitOffset <= 0 || c.ExitOffset >= c.ExitInterval {
		c.ExitOffset = c.ExitInterval / 2
	}
}

type Engine struct {
	store     ledger.Store
	coord     *coordinator.Coordinator
	trades    *trader.Manager
	qualifier *qualifier.Qualifier
	entry     *executor.EntryExecutor
	exit      *executor.ExitExecutor
	cfg       Config

	stopOnce sync.Once
}

func New(store ledger.Store, coord *coordinator.Coordinator, trades *trader.Manager, q *qualifier.Qualifier,
	entry *executor.EntryExecutor, exit *executor.ExitExecutor, cfg Config) *Engine {
	cfg.normalize()
	return &Engine{store: store, coord: coord, trades: trades, qualifier: q, entry: entry, exit: exit, cfg: cfg}
}

// Store is the read side used by queries.
func (e *Engine) Store() ledger.Reader { return e.store }

// SubmitIntent persists the intent and, for a new or still unplaced trade,
// sends the entry order right away. Rejected intents are persisted only.
func (e *Engine) SubmitIntent(ctx context.Context, intent ledger.TradeIntent) (trader.CreateResult, error) {
	res, err := e.trades.CreateTradeForIntent(ctx, intent)
	if err != nil {
		return res, err
	}
	if res.Outcome == trader.Rejected || res.Trade.Status != ledger.TradeCreated {
		return res, nil
	}
	placed, err := e.entry.PlaceEntryOrder(ctx, res.Trade.TradeID)
	if err != nil {
		// the trade exists; reconciliation will retry the placement
		logger.Warnf("engine: entry placement for trade %s deferred: %v", res.Trade.TradeID, err)
		return res, nil
	}
	res.Trade = placed
	return res, nil
}

// SubmitExitSignal qualifies the candidate and places the order when it is
// approved.
func (e *Engine) SubmitExitSignal(ctx context.Context, c qualifier.Candidate) (qualifier.Decision, error) {
	d, err := e.qualifier.Qualify(ctx, c)
	if err != nil || !d.Approved {
		return d, err
	}
	placed, err := e.exit.PlaceExitOrder(ctx, d.Intent.ExitIntentID)
	if err != nil {
		logger.Warnf("engine: exit placement %s deferred: %v", d.Intent.ExitIntentID, err)
		return d, nil
	}
	d.Intent = placed
	return d, nil
}

// ManualExit closes a trade on operator request, through the same gate.
func (e *Engine) ManualExit(ctx context.Context, tradeID string, price decimal.Decimal) (qualifier.Decision, error) {
	if tradeID == "" {
		return qualifier.Decision{}, fmt.Errorf("%w: trade id required", ledger.ErrInvalidInput)
	}
	return e.SubmitExitSignal(ctx, qualifier.Candidate{
		ExitSignalID: "manual-" + uuid.NewString(),
		TradeID:      tradeID,
		Reason:       ledger.ReasonManual,
		Price:        price,
	})
}

// RunOnce performs one entry pass then one exit pass.
func (e *Engine) RunOnce(ctx context.Context) (entry, exit executor.Summary, err error) {
	entry, err = e.entry.ReconcilePendingTrades(ctx)
	if err != nil {
		return entry, exit, err
	}
	exit, err = e.exit.ReconcilePlacedExits(ctx)
	return entry, exit, err
}

// Run starts both reconciliation loops and blocks until ctx is done. The
// first pass of each loop runs immediately, which is the restart recovery.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		offset   time.Duration
		pass     func(context.Context) (executor.Summary, error)
	}{
		{"entry", e.cfg.EntryInterval, 0, e.entry.ReconcilePendingTrades},
		{"exit", e.cfg.ExitInterval, e.cfg.ExitOffset, e.exit.ReconcilePlacedExits},
	}
	for _, l := range loops {
		l := l
		s := scheduler.NewAlignedScheduler(ctx, l.interval, l.offset)
		s.Name = l.name
		s.RunImmediately = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Start(func() {
				if _, err := l.pass(ctx); err != nil && ctx.Err() == nil {
					logger.Errorf("engine: %s reconciliation pass failed: %v", l.name, err)
				}
			})
		}()
	}
	logger.Infof("engine: reconciliation loops running entry=%s exit=%s (offset %s)", e.cfg.EntryInterval, e.cfg.ExitInterval, e.cfg.ExitOffset)
	wg.Wait()
	return nil
}

// Stop drains the coordinator queues.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.coord.Stop)
}
