package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cases := map[string]Symbol{
		"btc/usdt":     {Base: "BTC", Quote: "USDT"},
		" ETH-USDT ":   {Base: "ETH", Quote: "USDT"},
		"SOL_USDC":     {Base: "SOL", Quote: "USDC"},
		"BTCUSDT":      {Base: "BTC", Quote: "USDT"},
		"BTCUSDT:USDT": {Base: "BTC", Quote: "USDT"},
		"AAPL":         {},
		"":             {},
	}
	for in, want := range cases {
		assert.Equal(t, want, Parse(in), in)
	}
}

func TestConverters(t *testing.T) {
	var b Converter = BinanceConverter{}
	assert.Equal(t, "BTCUSDT", b.ToExchange("btc/usdt"))
	assert.Equal(t, "ETHUSDT", b.ToExchange(" ETH-USDT "))
	assert.Equal(t, FormatBinance, b.Format())

	var a Converter = AlpacaConverter{}
	assert.Equal(t, "AAPL", a.ToExchange(" aapl "))
	assert.Equal(t, "BTC/USD", a.ToExchange("btc-usd"))
	assert.Equal(t, "ABUSD", a.ToExchange("abusd"))
}
