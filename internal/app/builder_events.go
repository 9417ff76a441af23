package app

import (
	"context"
	"fmt"

	"tradeflow/internal/config"
	"tradeflow/internal/events"
	"tradeflow/internal/gateway/clickhouse"
	"tradeflow/internal/gateway/notifier"
	livehttp "tradeflow/internal/transport/http/live"
)

func buildEventBus(ctx context.Context, cfg *config.Config, hub *livehttp.Hub) (*events.Bus, *clickhouse.Sink, error) {
	bus := events.NewBus(cfg.Events.BufferSize)
	bus.Subscribe(hub)
	bus.Subscribe(events.NewAlertSink(newNotifier(cfg.Notify)))

	ch := cfg.Events.ClickHouse
	if !ch.Enabled {
		return bus, nil, nil
	}
	sink, err := clickhouse.Open(ctx, clickhouse.Config{
		DSN:           ch.DSN,
		Table:         ch.Table,
		BatchSize:     ch.BatchSize,
		FlushInterval: ch.FlushInterval(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("初始化 clickhouse 事件落盘失败: %w", err)
	}
	bus.Subscribe(sink)
	return bus, sink, nil
}

func newNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notifier.Nop{}
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}

func sinkNames(cfg *config.Config, clickhouseUp bool) []string {
	names := []string{"websocket"}
	if cfg.Notify.Telegram.Enabled {
		names = append(names, "alert(telegram)")
	} else {
		names = append(names, "alert(nop)")
	}
	if clickhouseUp {
		names = append(names, "clickhouse:"+cfg.Events.ClickHouse.Table)
	}
	return names
}
