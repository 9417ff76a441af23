package trader

import (
	"math"

	"tradeflow/internal/ledger"

	"github.com/shopspring/decimal"
)

type PnL struct {
	PnL       decimal.Decimal
	LogReturn float64
}

// ComputePnL: long pnl=(exit-entry)*qty, logReturn=ln(exit/entry); short is
// the mirror image.
func ComputePnL(dir ledger.Direction, entry, exit, qty decimal.Decimal) PnL {
	if !entry.IsPositive() || !exit.IsPositive() {
		return PnL{PnL: decimal.Zero}
	}
	ratio := exit.Div(entry)
	diff := exit.Sub(entry)
	if !dir.IsLong() {
		ratio = entry.Div(exit)
		diff = entry.Sub(exit)
	}
	r, _ := ratio.Float64()
	return PnL{PnL: diff.Mul(qty), LogReturn: math.Log(r)}
}
