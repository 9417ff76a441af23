package events

import (
	"context"
	"fmt"
	"sort"

	"tradeflow/internal/gateway/notifier"
)

// AlertSink forwards alert-worthy events to an operator channel.
type AlertSink struct {
	notifier notifier.TextNotifier
}

func NewAlertSink(n notifier.TextNotifier) *AlertSink {
	if n == nil {
		n = notifier.Nop{}
	}
	return &AlertSink{notifier: n}
}

func (s *AlertSink) Name() string { return "alert" }

func (s *AlertSink) Handle(ctx context.Context, evt Event) error {
	if !evt.Type.Alerting() {
		return nil
	}
	return s.notifier.SendText(ctx, AlertMessage(evt).RenderMarkdown())
}

// AlertMessage renders evt for a human.
func AlertMessage(evt Event) notifier.StructuredMessage {
	lines := []string{
		"trade: " + evt.TradeID,
		"account: " + evt.AccountID,
		"symbol: " + evt.Symbol,
		"status: " + evt.Status,
	}
	if evt.ExitIntentID != "" {
		lines = append(lines, "exit intent: "+evt.ExitIntentID)
	}
	if evt.Reason != "" {
		lines = append(lines, "reason: "+evt.Reason)
	}
	keys := make([]string, 0, len(evt.Data))
	for k := range evt.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	extra := make([]string, 0, len(keys))
	for _, k := range keys {
		extra = append(extra, fmt.Sprintf("%s: %v", k, evt.Data[k]))
	}
	return notifier.StructuredMessage{
		Level: notifier.LevelAlert,
		Title: string(evt.Type),
		Sections: []notifier.MessageSection{
			{Title: "Record", Lines: lines},
			{Title: "Detail", Lines: extra},
		},
		Timestamp: evt.At,
	}
}
