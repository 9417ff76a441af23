package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogFormat    = "text"
	defaultAppHTTPAddr     = ":9991"
	defaultStoreDriver     = "sqlite"
	defaultStorePath       = "/data/db/tradeflow.db"
	defaultStoreAuditPath  = "/data/db/tradeflow-audit.db"
	defaultStoreMaxConns   = 10
	defaultPollInterval    = 5
	defaultPendingTimeout  = 300
	defaultExitTimeout     = 600
	defaultRearmCooldown   = 30
	defaultMaxStatusCalls  = 5
	defaultWorkers         = 16
	defaultTaskTimeout     = 30
	defaultBrokerRate      = 10
	defaultBrokerBurst     = 5
	defaultBrokerTimeout   = 10
	defaultBrokerThreshold = 5
	defaultBrokerCooldown  = 30
	defaultEventBuffer     = 256
	defaultCHTable         = "trade_events"
	defaultCHBatchSize     = 200
	defaultCHFlushSeconds  = 5
	defaultExitTargetsPath = "configs/exit_targets.yaml"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	for i := range c.Brokers {
		c.Brokers[i].applyDefaults()
	}
	applyFieldDefaults(keys, stringFieldDefault("exit_targets.path", &c.ExitTargets.Path, defaultExitTargetsPath))
	c.Events.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	applyFieldDefaults(keys,
		stringFieldDefault("store.driver", &s.Driver, defaultStoreDriver),
		stringFieldDefault("store.audit_path", &s.AuditPath, defaultStoreAuditPath),
		intFieldDefault("store.max_conns", &s.MaxConns, defaultStoreMaxConns),
	)
	if s.Driver == defaultStoreDriver {
		applyFieldDefaults(keys, stringFieldDefault("store.path", &s.Path, defaultStorePath))
	}
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("engine.poll_interval_seconds", &e.PollIntervalSeconds, defaultPollInterval),
		intFieldDefault("engine.pending_timeout_seconds", &e.PendingTimeoutSeconds, defaultPendingTimeout),
		intFieldDefault("engine.exit_timeout_seconds", &e.ExitTimeoutSeconds, defaultExitTimeout),
		intFieldDefault("engine.rearm_cooldown_seconds", &e.RearmCooldownSeconds, defaultRearmCooldown),
		intFieldDefault("engine.max_status_calls", &e.MaxStatusCalls, defaultMaxStatusCalls),
		intFieldDefault("engine.workers", &e.Workers, defaultWorkers),
		intFieldDefault("engine.task_timeout_seconds", &e.TaskTimeoutSeconds, defaultTaskTimeout),
	)
	// 两个循环默认跟随 poll 间隔
	applyFieldDefaults(keys,
		intFieldDefault("engine.entry_interval_seconds", &e.EntryIntervalSeconds, e.PollIntervalSeconds),
		intFieldDefault("engine.exit_interval_seconds", &e.ExitIntervalSeconds, e.PollIntervalSeconds),
	)
}

func (b *BrokerConfig) applyDefaults() {
	b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
	b.Account = strings.TrimSpace(b.Account)
	if b.RatePerSecond <= 0 {
		b.RatePerSecond = defaultBrokerRate
	}
	if b.Burst <= 0 {
		b.Burst = defaultBrokerBurst
	}
	if b.TimeoutSeconds <= 0 {
		b.TimeoutSeconds = defaultBrokerTimeout
	}
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = defaultBrokerThreshold
	}
	if b.CooldownSeconds <= 0 {
		b.CooldownSeconds = defaultBrokerCooldown
	}
}

func (e *EventsConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("events.buffer_size", &e.BufferSize, defaultEventBuffer),
		stringFieldDefault("events.clickhouse.table", &e.ClickHouse.Table, defaultCHTable),
		intFieldDefault("events.clickhouse.batch_size", &e.ClickHouse.BatchSize, defaultCHBatchSize),
		intFieldDefault("events.clickhouse.flush_seconds", &e.ClickHouse.FlushSeconds, defaultCHFlushSeconds),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
