package app

import (
	"context"
	"fmt"
	"strings"

	"tradeflow/internal/config"
	"tradeflow/internal/coordinator"
	"tradeflow/internal/engine"
	"tradeflow/internal/executor"
	"tradeflow/internal/exitplan"
	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/qualifier"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/postgres"
	"tradeflow/internal/trader"
	livehttp "tradeflow/internal/transport/http/live"
)

// closableStore 是带关闭能力的账本后端。
type closableStore interface {
	ledger.Store
	Close() error
}

type AppBuilder struct {
	cfg *config.Config

	storeFn   func(context.Context, config.StoreConfig) (closableStore, error)
	brokerFn  func(config.BrokerConfig) (exchange.BrokerAdapter, error)
	targetsFn func(config.ExitTargetsConfig) (trader.TargetResolver, error)

	brokerOverrides map[string]exchange.BrokerAdapter
}

type AppBuilderOption func(*AppBuilder)

// WithStore 替换账本后端（测试用）。
func WithStore(st closableStore) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(context.Context, config.StoreConfig) (closableStore, error) { return st, nil }
	}
}

// WithBroker 为指定账户注入适配器，跳过 kind 对应的构造。
func WithBroker(account string, adapter exchange.BrokerAdapter) AppBuilderOption {
	return func(b *AppBuilder) {
		if b.brokerOverrides == nil {
			b.brokerOverrides = make(map[string]exchange.BrokerAdapter)
		}
		b.brokerOverrides[account] = adapter
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		storeFn:   openStore,
		brokerFn:  buildBroker,
		targetsFn: loadTargets,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.closeResources(ctx)
		}
	}()

	st, err := b.storeFn(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, namedCloser{"ledger", st.Close})

	var audit ledger.AuditLog = ledger.NopAudit()
	var auditReader livehttp.AuditReader
	if path := strings.TrimSpace(cfg.Store.AuditPath); path != "" {
		al, err := auditlog.Open(path)
		if err != nil {
			return nil, fmt.Errorf("初始化审计日志失败: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"audit", al.Close})
		audit = al
		auditReader = al
	}

	brokers, err := b.buildRegistry(cfg.Brokers)
	if err != nil {
		return nil, err
	}
	targets, err := b.targetsFn(cfg.ExitTargets)
	if err != nil {
		return nil, err
	}

	hub := livehttp.NewHub()
	bus, chSink, err := buildEventBus(ctx, cfg, hub)
	if err != nil {
		return nil, err
	}
	a.bus = bus
	a.clickhouse = chSink

	ec := cfg.Engine
	coord := coordinator.New(coordinator.Config{Workers: ec.Workers, TaskTimeout: ec.TaskTimeout()})
	trades := trader.NewManager(st, coord, trader.Options{
		Audit:         audit,
		Events:        bus,
		Targets:       targets,
		EntryCooldown: ec.EntryCooldown(),
	})
	qual := qualifier.New(st, coord, audit, bus, qualifier.Config{RearmCooldown: ec.RearmCooldown()})
	execCfg := executor.Config{
		PollInterval:       ec.PollInterval(),
		PendingTimeout:     ec.PendingTimeout(),
		ExitTimeout:        ec.ExitTimeout(),
		MaxConcurrentCalls: ec.MaxStatusCalls,
	}
	entry := executor.NewEntryExecutor(trades, brokers, coord, execCfg)
	exit := executor.NewExitExecutor(trades, st, brokers, coord, audit, bus, execCfg)
	a.engine = engine.New(st, coord, trades, qual, entry, exit, engine.Config{
		EntryInterval: ec.EntryInterval(),
		ExitInterval:  ec.ExitInterval(),
	})

	a.server, err = livehttp.NewServer(livehttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Service: a.engine,
		Reader:  st,
		Audit:   auditReader,
		Hub:     hub,
	})
	if err != nil {
		return nil, err
	}

	a.Summary = &StartupSummary{
		Env:         cfg.App.Env,
		StoreDriver: cfg.Store.Driver,
		HTTPAddr:    cfg.App.HTTPAddr,
		Accounts:    brokerSummaries(cfg.Brokers, b.brokerOverrides),
		Engine:      ec,
		Sinks:       sinkNames(cfg, chSink != nil),
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (closableStore, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("初始化 postgres 存储失败: %w", err)
		}
		return st, nil
	default:
		st, err := gormstore.NewGormStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("初始化 gorm 存储失败: %w", err)
		}
		return st, nil
	}
}

func loadTargets(cfg config.ExitTargetsConfig) (trader.TargetResolver, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		logger.Warnf("exit_targets.path 未配置，成交后不写入退出目标价")
		return exitplan.NewStatic(exitplan.Profile{}, nil), nil
	}
	reg, err := exitplan.NewRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("加载退出目标配置失败: %w", err)
	}
	return reg, nil
}
