// Package symbol converts ledger symbols to each broker's wire format.
package symbol

import (
	"strings"
)

type Format string

const (
	FormatBinance Format = "binance"
	FormatAlpaca  Format = "alpaca"
)

// Converter maps a ledger symbol to a broker symbol.
type Converter interface {
	ToExchange(symbol string) string
	Format() Format
}

// Symbol is a crypto pair. Equities parse to a zero Symbol.
type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) IsPair() bool { return s.Base != "" && s.Quote != "" }

func (s Symbol) Slash() string {
	if !s.IsPair() {
		return ""
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Joined() string {
	if !s.IsPair() {
		return ""
	}
	return s.Base + s.Quote
}

var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "USD", "BTC", "ETH", "BNB"}

// Parse accepts BTC/USDT, BTC-USDT, BTC_USDT, BTCUSDT and BTCUSDT:USDT.
func Parse(s string) Symbol {
	s = clean(s)
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			base, quote := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if base != "" && quote != "" {
				return Symbol{Base: base, Quote: quote}
			}
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

func clean(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// BinanceConverter joins pairs: BTC/USDT -> BTCUSDT.
type BinanceConverter struct{}

func (BinanceConverter) ToExchange(symbol string) string {
	if p := Parse(symbol); p.IsPair() {
		return p.Joined()
	}
	s := clean(symbol)
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

func (BinanceConverter) Format() Format { return FormatBinance }

// AlpacaConverter keeps equities as-is and writes crypto as BTC/USD. Only
// explicitly separated symbols are treated as crypto, so tickers like
// "ABUSD" stay equities.
type AlpacaConverter struct{}

func (AlpacaConverter) ToExchange(symbol string) string {
	s := clean(symbol)
	if !strings.ContainsAny(s, "/-_") {
		return s
	}
	if p := Parse(s); p.IsPair() {
		return p.Slash()
	}
	return s
}

func (AlpacaConverter) Format() Format { return FormatAlpaca }
