package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := validateBrokers(c.Brokers); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Events.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", s.Driver)
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if e.PollIntervalSeconds <= 0 || e.EntryIntervalSeconds <= 0 || e.ExitIntervalSeconds <= 0 {
		return fmt.Errorf("engine intervals must be > 0")
	}
	if e.PendingTimeoutSeconds <= e.PollIntervalSeconds {
		return fmt.Errorf("engine.pending_timeout_seconds must exceed poll_interval_seconds")
	}
	if e.ExitTimeoutSeconds <= e.PollIntervalSeconds {
		return fmt.Errorf("engine.exit_timeout_seconds must exceed poll_interval_seconds")
	}
	if e.EntryCooldownSeconds < 0 {
		return fmt.Errorf("engine.entry_cooldown_seconds must be >= 0")
	}
	return nil
}

func validateBrokers(brokers []BrokerConfig) error {
	if len(brokers) == 0 {
		return fmt.Errorf("brokers requires at least one account")
	}
	seen := make(map[string]struct{}, len(brokers))
	for i, b := range brokers {
		if b.Account == "" {
			return fmt.Errorf("brokers[%d] missing account", i)
		}
		if _, ok := seen[b.Account]; ok {
			return fmt.Errorf("brokers contains duplicate account %s", b.Account)
		}
		seen[b.Account] = struct{}{}
		switch b.Kind {
		case "paper":
		case "alpaca", "binance":
			if strings.TrimSpace(b.APIKey) == "" || strings.TrimSpace(b.APISecret) == "" {
				return fmt.Errorf("brokers.%s (%s) requires api_key and api_secret", b.Account, b.Kind)
			}
		default:
			return fmt.Errorf("brokers.%s has unsupported kind %q", b.Account, b.Kind)
		}
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
		}
	}
	return nil
}

func (e *EventsConfig) validate() error {
	if e.ClickHouse.Enabled && strings.TrimSpace(e.ClickHouse.DSN) == "" {
		return fmt.Errorf("events.clickhouse.dsn is required when enabled")
	}
	return nil
}
