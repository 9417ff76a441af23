package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeflow/internal/config"
	"tradeflow/internal/engine"
	"tradeflow/internal/events"
	"tradeflow/internal/gateway/clickhouse"
	"tradeflow/internal/logger"
	livehttp "tradeflow/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

type namedCloser struct {
	name  string
	close func() error
}

// App 负责应用级编排：加载配置→初始化依赖→启动引擎与 HTTP 服务。
type App struct {
	cfg        *config.Config
	engine     *engine.Engine
	server     *livehttp.Server
	bus        *events.Bus
	clickhouse *clickhouse.Sink
	closers    []namedCloser
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Engine exposes the engine for replay harnesses and tests.
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Run 启动事件总线、对账循环与 HTTP 服务，ctx 取消后按顺序关闭。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	a.bus.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(gctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		if err := a.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	err := group.Wait()

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.closeResources(shCtx)
	return err
}

// closeResources stops producers before consumers: no mutation can publish
// once the engine is down, so the bus drains completely.
func (a *App) closeResources(ctx context.Context) {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.bus != nil {
		a.bus.Stop()
		if n := a.bus.Dropped(); n > 0 {
			logger.Warnf("event bus dropped %d deliveries during this run", n)
		}
	}
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(ctx); err != nil {
			logger.Warnf("close clickhouse sink: %v", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			logger.Warnf("close %s: %v", c.name, err)
		}
	}
	a.closers = nil
}
