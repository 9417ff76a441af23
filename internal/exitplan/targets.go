package exitplan

import (
	"tradeflow/internal/ledger"

	"github.com/shopspring/decimal"
)

// Targets are absolute exit prices derived from a Profile at entry fill.
type Targets struct {
	MinProfit decimal.Decimal
	Target    decimal.Decimal
	Stretch   decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Prices projects the profile onto an entry price. Long targets sit above the
// entry, short targets below. A zero percentage yields a zero price.
func (p Profile) Prices(dir ledger.Direction, entry decimal.Decimal) Targets {
	return Targets{
		MinProfit: project(dir, entry, p.MinProfitPct),
		Target:    project(dir, entry, p.TargetPct),
		Stretch:   project(dir, entry, p.StretchPct),
	}
}

func project(dir ledger.Direction, entry decimal.Decimal, pct float64) decimal.Decimal {
	if pct <= 0 || !entry.IsPositive() {
		return decimal.Zero
	}
	offset := entry.Mul(decimal.NewFromFloat(pct)).Div(hundred)
	if dir.IsLong() {
		return entry.Add(offset)
	}
	return entry.Sub(offset)
}
