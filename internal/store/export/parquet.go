// Package export writes closed trades to Parquet for offline analysis.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradeflow/internal/ledger"

	"github.com/parquet-go/parquet-go"
)

// TradeRecord is the on-disk schema. Prices stay decimal strings so the file
// carries the ledger values exactly.
type TradeRecord struct {
	TradeID        string   `parquet:"trade_id"`
	IntentID       string   `parquet:"intent_id"`
	AccountID      string   `parquet:"account_id"`
	Symbol         string   `parquet:"symbol"`
	Direction      string   `parquet:"direction"`
	EntryPrice     string   `parquet:"entry_price"`
	EntryQty       string   `parquet:"entry_qty"`
	EntryTime      int64    `parquet:"entry_time,timestamp(millisecond)"`
	ExitPrice      string   `parquet:"exit_price"`
	ExitTime       int64    `parquet:"exit_time,timestamp(millisecond)"`
	ExitTrigger    string   `parquet:"exit_trigger"`
	RealizedPnL    string   `parquet:"realized_pnl"`
	LogReturn      *float64 `parquet:"log_return"`
	HoldingSeconds int64    `parquet:"holding_seconds"`
}

// Filter narrows the export. Zero times are open bounds on exit time.
type Filter struct {
	AccountID string
	Symbol    string
	From      time.Time
	To        time.Time
}

func (f Filter) match(t ledger.Trade) bool {
	if t.ExitTime == nil {
		return false
	}
	if !f.From.IsZero() && t.ExitTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.ExitTime.Before(f.To) {
		return false
	}
	return true
}

// ClosedTrades 读取已平仓交易并转换为 Parquet 记录。
func ClosedTrades(ctx context.Context, reader ledger.TradeReader, f Filter) ([]TradeRecord, error) {
	trades, err := reader.ListTrades(ctx, ledger.TradeFilter{
		AccountID: f.AccountID,
		Symbol:    strings.ToUpper(strings.TrimSpace(f.Symbol)),
		Statuses:  []ledger.TradeStatus{ledger.TradeClosed},
	})
	if err != nil {
		return nil, fmt.Errorf("list closed trades: %w", err)
	}
	out := make([]TradeRecord, 0, len(trades))
	for _, t := range trades {
		if !f.match(t) {
			continue
		}
		out = append(out, toRecord(t))
	}
	return out, nil
}

func toRecord(t ledger.Trade) TradeRecord {
	rec := TradeRecord{
		TradeID:        t.TradeID,
		IntentID:       t.IntentID,
		AccountID:      t.AccountID,
		Symbol:         t.Symbol,
		Direction:      string(t.Direction),
		EntryPrice:     t.EntryPrice.String(),
		EntryQty:       t.EntryQty.String(),
		ExitTrigger:    t.ExitTrigger,
		LogReturn:      t.LogReturn,
		HoldingSeconds: t.HoldingSeconds,
	}
	if t.EntryTime != nil {
		rec.EntryTime = t.EntryTime.UnixMilli()
	}
	if t.ExitTime != nil {
		rec.ExitTime = t.ExitTime.UnixMilli()
	}
	if t.ExitPrice != nil {
		rec.ExitPrice = t.ExitPrice.String()
	}
	if t.RealizedPnL != nil {
		rec.RealizedPnL = t.RealizedPnL.String()
	}
	return rec
}

// WriteFile writes records to path, creating parent directories.
func WriteFile(path string, records []TradeRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// ReadFile loads a previously exported file.
func ReadFile(path string) ([]TradeRecord, error) {
	return parquet.ReadFile[TradeRecord](path)
}
