// Package qualifier gates a detected exit condition before it becomes an
// order. The checks for one trade run as a single coordinator task; the
// persisted active-exit index backs them up across processes.
package qualifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeflow/internal/coordinator"
	"tradeflow/internal/events"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const DefaultRearmCooldown = 30 * time.Second

// Candidate is an exit condition reported by a signal source.
type Candidate struct {
	ExitSignalID string
	TradeID      string
	Reason       ledger.ExitReason
	Price        decimal.Decimal
	// Side is the order side the source expects. Empty means the opposite
	// of the trade direction.
	Side       ledger.Direction
	DetectedAt time.Time
}

// Decision is the persisted outcome. Intent is zero when the trade does not
// exist.
type Decision struct {
	Approved bool
	Intent   ledger.ExitIntent
	Code     ledger.ErrorCode
	Reason   string
}

type Config struct {
	RearmCooldown time.Duration
	Clock         func() time.Time
}

type Qualifier struct {
	store  ledger.Store
	coord  *coordinator.Coordinator
	audit  ledger.AuditLog
	events events.Publisher
	cfg    Config
	now    func() time.Time
}

func New(store ledger.Store, coord *coordinator.Coordinator, audit ledger.AuditLog, pub events.Publisher, cfg Config) *Qualifier {
	if cfg.RearmCooldown <= 0 {
		cfg.RearmCooldown = DefaultRearmCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if audit == nil {
		audit = ledger.NopAudit()
	}
	if pub == nil {
		pub = events.Nop()
	}
	return &Qualifier{store: store, coord: coord, audit: audit, events: pub, cfg: cfg, now: cfg.Clock}
}

// Qualify runs, in order: trade must be OPEN; no active exit; a fresh
// episode outside the re-arm window; side opposite to the trade. The result
// is written as an APPROVED or REJECTED exit intent.
func (q *Qualifier) Qualify(ctx context.Context, c Candidate) (Decision, error) {
	c.TradeID = strings.TrimSpace(c.TradeID)
	if c.TradeID == "" {
		return Decision{}, fmt.Errorf("%w: trade id required", ledger.ErrInvalidInput)
	}
	if c.Reason == "" {
		return Decision{}, fmt.Errorf("%w: exit reason required", ledger.ErrInvalidInput)
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = q.now()
	}
	var d Decision
	err := q.coord.Do(ctx, coordinator.TradeKey(c.TradeID), func(ctx context.Context) error {
		var err error
		d, err = q.qualifyLocked(ctx, c)
		return err
	})
	if err != nil {
		return Decision{}, err
	}
	if d.Approved {
		logger.Infof("qualifier: exit %s approved for trade %s reason=%s episode=%d", d.Intent.ExitIntentID, c.TradeID, c.Reason, *d.Intent.Episode)
	} else {
		logger.Infof("qualifier: exit for trade %s reason=%s rejected: %s", c.TradeID, c.Reason, d.Reason)
	}
	return d, nil
}

func (q *Qualifier) qualifyLocked(ctx context.Context, c Candidate) (Decision, error) {
	trade, err := q.store.GetTrade(ctx, c.TradeID)
	if err != nil {
		return Decision{}, err
	}
	now := q.now()
	x := ledger.ExitIntent{
		ExitIntentID: uuid.NewString(),
		ExitSignalID: c.ExitSignalID,
		TradeID:      trade.TradeID,
		AccountID:    trade.AccountID,
		Symbol:       trade.Symbol,
		Reason:       c.Reason,
		Side:         c.Side,
		TriggerPrice: c.Price,
		Quantity:     trade.OpenQty(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if x.Side == "" {
		x.Side = trade.Direction.Opposite()
	}

	if trade.Status != ledger.TradeOpen {
		return q.reject(ctx, x, ledger.CodeNotOpen, fmt.Sprintf("trade is %s, not OPEN", trade.Status))
	}
	active, ok, err := q.store.ActiveExitIntent(ctx, trade.TradeID)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return q.reject(ctx, x, ledger.CodeAlreadyActiveExit, fmt.Sprintf("already has active exit %s (%s)", active.ExitIntentID, active.Reason))
	}
	episode, err := q.store.NextEpisode(ctx, ledger.ExitEpisodeKey(trade.TradeID, c.Reason), q.cfg.RearmCooldown, now)
	var cd *ledger.CooldownError
	if errors.As(err, &cd) {
		return q.reject(ctx, x, ledger.CodeCooldownActive, cd.Error())
	}
	if err != nil {
		return Decision{}, err
	}
	// The episode stays allocated even if the direction check rejects.
	if x.Side != trade.Direction.Opposite() {
		return q.reject(ctx, x, ledger.CodeDirectionMismatch, fmt.Sprintf("%s exit does not close a %s trade", x.Side, trade.Direction))
	}

	x.Episode = &episode
	x.Status = ledger.ExitApproved
	x.Outcome = ledger.OutcomeApproved
	x.ApprovedAt = ledger.TimePtr(now)
	if err := q.store.InsertExitIntent(ctx, x); err != nil {
		if errors.Is(err, ledger.ErrActiveExitExists) || errors.Is(err, ledger.ErrDuplicate) {
			// another process won the race
			x.Episode = nil
			x.Status, x.Outcome, x.ApprovedAt = "", "", nil
			return q.reject(ctx, x, ledger.CodeAlreadyActiveExit, "already has active exit (persisted)")
		}
		return Decision{}, fmt.Errorf("persist exit intent for trade %s: %w", trade.TradeID, err)
	}
	q.record(ctx, x, events.ExitIntentApproved)
	return Decision{Approved: true, Intent: x}, nil
}

func (q *Qualifier) reject(ctx context.Context, x ledger.ExitIntent, code ledger.ErrorCode, reason string) (Decision, error) {
	x.Status = ledger.ExitRejected
	x.Outcome = ledger.OutcomeRejected
	x.RejectReason = reason
	x.ErrorCode = code
	x.Episode = nil
	if x.AccountID == "" {
		return Decision{Code: code, Reason: reason}, nil
	}
	if err := q.store.InsertExitIntent(ctx, x); err != nil {
		return Decision{}, fmt.Errorf("persist rejected exit for trade %s: %w", x.TradeID, err)
	}
	q.record(ctx, x, events.ExitIntentRejected)
	return Decision{Intent: x, Code: code, Reason: reason}, nil
}

func (q *Qualifier) record(ctx context.Context, x ledger.ExitIntent, typ events.Type) {
	detail := map[string]any{"reason": string(x.Reason), "trigger_price": x.TriggerPrice.String()}
	if x.Episode != nil {
		detail["episode"] = *x.Episode
	}
	if x.RejectReason != "" {
		detail["reject_reason"] = x.RejectReason
	}
	if err := q.audit.Append(ctx, ledger.AuditEntry{
		EntityType: "exit_intent",
		EntityID:   x.ExitIntentID,
		Action:     "qualify",
		ToStatus:   string(x.Status),
		Version:    x.Version,
		Detail:     detail,
		At:         x.CreatedAt,
	}); err != nil {
		logger.Errorf("qualifier: audit append failed for exit %s: %v", x.ExitIntentID, err)
	}
	evt := events.New(typ, x.TradeID)
	evt.ExitIntentID = x.ExitIntentID
	evt.AccountID = x.AccountID
	evt.Symbol = x.Symbol
	evt.Status = string(x.Status)
	evt.Reason = x.RejectReason
	evt.Version = x.Version
	evt.Data = map[string]any{"exit_reason": string(x.Reason)}
	q.events.Publish(evt)
}
