// Package executor places entry and exit orders and reconciles them against
// the broker's view. Outcomes are recorded on the ledger records; a broker
// error never aborts a reconciliation pass.
package executor

import (
	"errors"
	"time"

	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"

	"github.com/shopspring/decimal"
)

type Config struct {
	// PollInterval is the minimum age of a record's last broker update
	// before it is polled again.
	PollInterval time.Duration
	// PendingTimeout bounds how long an entry may stay CREATED or PENDING.
	PendingTimeout time.Duration
	// ExitTimeout bounds how long an exit may stay APPROVED or PLACED.
	ExitTimeout time.Duration
	// MaxConcurrentCalls caps simultaneous broker status calls per pass.
	MaxConcurrentCalls int
	Clock              func() time.Time
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 5 * time.Minute
	}
	if c.ExitTimeout <= 0 {
		c.ExitTimeout = 10 * time.Minute
	}
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 5
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Summary counts what a reconciliation pass did.
type Summary struct {
	Checked   int
	Placed    int
	Opened    int
	Closed    int
	Rejected  int
	Cancelled int
	Failed    int
	Errors    int
}

func (s *Summary) add(o Summary) {
	s.Checked += o.Checked
	s.Placed += o.Placed
	s.Opened += o.Opened
	s.Closed += o.Closed
	s.Rejected += o.Rejected
	s.Cancelled += o.Cancelled
	s.Failed += o.Failed
	s.Errors += o.Errors
}

// brokerErrorCode classifies a failed broker call for the record.
func brokerErrorCode(err error) ledger.ErrorCode {
	if errors.Is(err, exchange.ErrTimeout) {
		return ledger.CodeTimeout
	}
	return ledger.CodeTransient
}

func since(now time.Time, t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return now.Sub(*t)
}

func filledQty(st exchange.OrderStatus, t ledger.Trade) decimal.Decimal {
	if st.FilledQty.IsPositive() {
		return st.FilledQty
	}
	return t.RequestedQty
}

func fillTime(st exchange.OrderStatus, now time.Time) time.Time {
	if st.UpdatedAt.IsZero() {
		return now
	}
	return st.UpdatedAt
}
