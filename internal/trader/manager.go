// Package trader owns every Trade status transition. All writes for a trade
// run on the coordinator under the trade's key and land through a version
// compare-and-swap.
package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/events"
	"tradeflow/internal/exitplan"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
)

// TargetResolver supplies the exit profile frozen onto a trade at entry fill.
type TargetResolver interface {
	Resolve(symbol string) exitplan.Profile
}

type Options struct {
	Audit   ledger.AuditLog
	Events  events.Publisher
	Targets TargetResolver
	// EntryCooldown > 0 rejects a new entry for the same account and symbol
	// until the window since the previous one has elapsed.
	EntryCooldown time.Duration
	Clock         func() time.Time
}

type Manager struct {
	store   ledger.Store
	coord   *coordinator.Coordinator
	audit   ledger.AuditLog
	events  events.Publisher
	targets TargetResolver
	cfg     Options
	now     func() time.Time
}

func NewManager(store ledger.Store, coord *coordinator.Coordinator, opts Options) *Manager {
	m := &Manager{
		store:   store,
		coord:   coord,
		audit:   opts.Audit,
		events:  opts.Events,
		targets: opts.Targets,
		cfg:     opts,
		now:     opts.Clock,
	}
	if m.audit == nil {
		m.audit = ledger.NopAudit()
	}
	if m.events == nil {
		m.events = events.Nop()
	}
	if m.targets == nil {
		m.targets = exitplan.NewStatic(exitplan.Profile{}, nil)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Store exposes the read side for queries.
func (m *Manager) Store() ledger.Reader { return m.store }

// mutation edits a copy of the current trade. Returning false leaves the
// record untouched (idempotent replay).
type mutation func(t *ledger.Trade) (bool, error)

// mutate loads, edits and CAS-writes a trade under its coordinator key. A
// version conflict is retried once against a fresh read.
func (m *Manager) mutate(ctx context.Context, tradeID, action string, fn mutation) (ledger.Trade, bool, error) {
	var (
		out     ledger.Trade
		changed bool
		seen    int64
	)
	err := m.coord.Do(ctx, coordinator.TradeKey(tradeID), func(ctx context.Context) error {
		for attempt := 0; attempt < 2; attempt++ {
			cur, err := m.store.GetTrade(ctx, tradeID)
			if err != nil {
				return err
			}
			seen = cur.Version
			next := cur
			ok, err := fn(&next)
			if err != nil {
				return err
			}
			if !ok {
				out, changed = cur, false
				return nil
			}
			if next.Status != cur.Status && !ledger.CanTransitionTrade(cur.Status, next.Status) {
				return ledger.TransitionError("trade", tradeID, string(cur.Status), string(next.Status))
			}
			next.UpdatedAt = m.now()
			saved, err := m.store.UpdateTrade(ctx, next, cur.Version)
			if errors.Is(err, ledger.ErrVersionConflict) {
				logger.Warnf("trader: trade %s version %d moved under %s, retrying", tradeID, cur.Version, action)
				continue
			}
			if err != nil {
				return fmt.Errorf("%s trade %s: %w", action, tradeID, err)
			}
			m.appendAudit(ctx, ledger.AuditEntry{
				EntityType: "trade",
				EntityID:   tradeID,
				Action:     action,
				FromStatus: string(cur.Status),
				ToStatus:   string(saved.Status),
				Version:    saved.Version,
				Detail:     tradeDetail(saved),
				At:         saved.UpdatedAt,
			})
			out, changed = saved, true
			return nil
		}
		return &ledger.ConcurrentModificationError{Entity: "trade", ID: tradeID, Version: seen}
	})
	return out, changed, err
}

// appendAudit runs before the mutation is acknowledged. The ledger commit is
// already durable, so a failed append is logged rather than undone.
func (m *Manager) appendAudit(ctx context.Context, entry ledger.AuditEntry) {
	if err := m.audit.Append(ctx, entry); err != nil {
		logger.Errorf("trader: audit append failed for %s %s %s: %v", entry.EntityType, entry.EntityID, entry.Action, err)
	}
}

func (m *Manager) publish(typ events.Type, t ledger.Trade, data map[string]any) {
	evt := events.New(typ, t.TradeID)
	evt.AccountID = t.AccountID
	evt.Symbol = t.Symbol
	evt.Status = string(t.Status)
	evt.Version = t.Version
	if t.ErrorCode != ledger.CodeNone {
		evt.Reason = string(t.ErrorCode)
	}
	evt.Data = data
	m.events.Publish(evt)
}

func tradeDetail(t ledger.Trade) map[string]any {
	d := map[string]any{"retry_count": t.RetryCount}
	if t.BrokerOrderID != "" {
		d["broker_order_id"] = t.BrokerOrderID
	}
	if t.ErrorCode != ledger.CodeNone {
		d["error_code"] = string(t.ErrorCode)
		d["error_message"] = t.ErrorMessage
	}
	if t.Status == ledger.TradeOpen {
		d["entry_price"] = t.EntryPrice.String()
		d["entry_qty"] = t.EntryQty.String()
	}
	if t.ExitPrice != nil {
		d["exit_price"] = t.ExitPrice.String()
	}
	if t.RealizedPnL != nil {
		d["realized_pnl"] = t.RealizedPnL.String()
	}
	return d
}
