package trader

import (
	"math"
	"testing"

	"tradeflow/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputePnL(t *testing.T) {
	entry := decimal.RequireFromString("2400.00")
	exit := decimal.RequireFromString("2500.00")
	qty := decimal.NewFromInt(10)

	long := ComputePnL(ledger.DirectionBuy, entry, exit, qty)
	assert.True(t, long.PnL.Equal(decimal.NewFromInt(1000)), long.PnL.String())
	assert.InDelta(t, 0.0408, long.LogReturn, 0.0001)
	assert.InDelta(t, math.Log(2500.0/2400.0), long.LogReturn, 1e-12)

	short := ComputePnL(ledger.DirectionSell, entry, exit, qty)
	assert.True(t, short.PnL.Equal(decimal.NewFromInt(-1000)), short.PnL.String())
	assert.InDelta(t, math.Log(2400.0/2500.0), short.LogReturn, 1e-12)

	zero := ComputePnL(ledger.DirectionBuy, decimal.Zero, exit, qty)
	assert.True(t, zero.PnL.IsZero())
}
