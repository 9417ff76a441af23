package config

import (
	"strings"
	"time"
)

// Config 是 tradeflow 的主配置载体。
type Config struct {
	App         AppConfig         `toml:"app"`
	Store       StoreConfig       `toml:"store"`
	Engine      EngineConfig      `toml:"engine"`
	Brokers     []BrokerConfig    `toml:"brokers"`
	ExitTargets ExitTargetsConfig `toml:"exit_targets"`
	Notify      NotifyConfig      `toml:"notify"`
	Events      EventsConfig      `toml:"events"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // text | json
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// StoreConfig 选择账本后端。
type StoreConfig struct {
	Driver    string `toml:"driver"` // sqlite | postgres
	Path      string `toml:"path"`
	DSN       string `toml:"dsn"`
	MaxConns  int    `toml:"max_conns"`
	AuditPath string `toml:"audit_path"`
}

type EngineConfig struct {
	PollIntervalSeconds   int `toml:"poll_interval_seconds"`
	EntryIntervalSeconds  int `toml:"entry_interval_seconds"`
	ExitIntervalSeconds   int `toml:"exit_interval_seconds"`
	PendingTimeoutSeconds int `toml:"pending_timeout_seconds"`
	ExitTimeoutSeconds    int `toml:"exit_timeout_seconds"`
	RearmCooldownSeconds  int `toml:"rearm_cooldown_seconds"`
	// EntryCooldownSeconds 为 0 时不限制同一 account/symbol 的再次入场。
	EntryCooldownSeconds int `toml:"entry_cooldown_seconds"`
	MaxStatusCalls       int `toml:"max_status_calls"`
	Workers              int `toml:"workers"`
	TaskTimeoutSeconds   int `toml:"task_timeout_seconds"`
}

func (e EngineConfig) PollInterval() time.Duration   { return seconds(e.PollIntervalSeconds) }
func (e EngineConfig) EntryInterval() time.Duration  { return seconds(e.EntryIntervalSeconds) }
func (e EngineConfig) ExitInterval() time.Duration   { return seconds(e.ExitIntervalSeconds) }
func (e EngineConfig) PendingTimeout() time.Duration { return seconds(e.PendingTimeoutSeconds) }
func (e EngineConfig) ExitTimeout() time.Duration    { return seconds(e.ExitTimeoutSeconds) }
func (e EngineConfig) RearmCooldown() time.Duration  { return seconds(e.RearmCooldownSeconds) }
func (e EngineConfig) EntryCooldown() time.Duration  { return seconds(e.EntryCooldownSeconds) }
func (e EngineConfig) TaskTimeout() time.Duration    { return seconds(e.TaskTimeoutSeconds) }

// BrokerConfig 描述一个券商账户及其适配器。
type BrokerConfig struct {
	Account   string `toml:"account"`
	Kind      string `toml:"kind"` // paper | alpaca | binance
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	BaseURL   string `toml:"base_url"`
	ProxyURL  string `toml:"proxy_url"`

	RatePerSecond    float64 `toml:"rate_per_second"`
	Burst            int     `toml:"burst"`
	TimeoutSeconds   int     `toml:"timeout_seconds"`
	FailureThreshold int     `toml:"failure_threshold"`
	CooldownSeconds  int     `toml:"cooldown_seconds"`
}

func (b BrokerConfig) Timeout() time.Duration  { return seconds(b.TimeoutSeconds) }
func (b BrokerConfig) Cooldown() time.Duration { return seconds(b.CooldownSeconds) }

type ExitTargetsConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// EventsConfig 控制事件总线与下游 sink。
type EventsConfig struct {
	BufferSize int              `toml:"buffer_size"`
	ClickHouse ClickHouseConfig `toml:"clickhouse"`
}

type ClickHouseConfig struct {
	Enabled      bool   `toml:"enabled"`
	DSN          string `toml:"dsn"`
	Table        string `toml:"table"`
	BatchSize    int    `toml:"batch_size"`
	FlushSeconds int    `toml:"flush_seconds"`
}

func (c ClickHouseConfig) FlushInterval() time.Duration { return seconds(c.FlushSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
