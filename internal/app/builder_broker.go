package app

import (
	"fmt"
	"sort"
	"strings"

	"tradeflow/internal/config"
	"tradeflow/internal/gateway/alpaca"
	"tradeflow/internal/gateway/binance"
	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/gateway/paper"
	"tradeflow/internal/logger"
)

// buildRegistry wraps every account adapter in a Guard so rate limiting and
// the breaker apply per account.
func (b *AppBuilder) buildRegistry(brokers []config.BrokerConfig) (*exchange.Registry, error) {
	reg := exchange.NewRegistry()
	for _, bc := range brokers {
		adapter, ok := b.brokerOverrides[bc.Account]
		if !ok {
			var err error
			adapter, err = b.brokerFn(bc)
			if err != nil {
				return nil, fmt.Errorf("broker %s: %w", bc.Account, err)
			}
		}
		guarded := exchange.NewGuard(adapter, exchange.GuardConfig{
			RatePerSecond:    bc.RatePerSecond,
			Burst:            bc.Burst,
			CallTimeout:      bc.Timeout(),
			FailureThreshold: bc.FailureThreshold,
			Cooldown:         bc.Cooldown(),
		})
		if err := reg.Register(bc.Account, guarded); err != nil {
			return nil, err
		}
		logger.Infof("✓ 券商账户 %s 已就绪 (%s, %.1f req/s)", bc.Account, adapter.Name(), bc.RatePerSecond)
	}
	return reg, nil
}

func buildBroker(bc config.BrokerConfig) (exchange.BrokerAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(bc.Kind)) {
	case "paper":
		return paper.New(bc.Account), nil
	case "alpaca":
		return alpaca.New(alpaca.Config{APIKey: bc.APIKey, APISecret: bc.APISecret, BaseURL: bc.BaseURL}), nil
	case "binance":
		f, err := binance.New(binance.Config{
			APIKey:       bc.APIKey,
			SecretKey:    bc.APISecret,
			RESTBaseURL:  bc.BaseURL,
			HTTPTimeout:  bc.Timeout(),
			ProxyEnabled: bc.ProxyURL != "",
			RESTProxyURL: bc.ProxyURL,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", bc.Kind)
	}
}

func brokerSummaries(brokers []config.BrokerConfig, overrides map[string]exchange.BrokerAdapter) []AccountSummary {
	out := make([]AccountSummary, 0, len(brokers))
	for _, bc := range brokers {
		kind := bc.Kind
		if a, ok := overrides[bc.Account]; ok {
			kind = a.Name()
		}
		out = append(out, AccountSummary{Account: bc.Account, Kind: kind, RatePerSecond: bc.RatePerSecond, Burst: bc.Burst})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}
