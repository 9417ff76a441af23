// trade-export writes CLOSED trades from the ledger to a Parquet file.
//
// Usage:
//
//	trade-export -config configs/config.yaml -out data/closed.parquet [-account acct] [-from 2026-01-01] [-to 2026-02-01]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"tradeflow/internal/config"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/store/export"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/postgres"
)

func main() {
	cfgFlag := flag.String("config", "", "config file path")
	out := flag.String("out", "closed_trades.parquet", "output parquet file")
	account := flag.String("account", "", "only this account")
	symbol := flag.String("symbol", "", "only this symbol")
	from := flag.String("from", "", "exit time lower bound (YYYY-MM-DD, inclusive)")
	to := flag.String("to", "", "exit time upper bound (YYYY-MM-DD, exclusive)")
	flag.Parse()

	if err := run(*cfgFlag, *out, *account, *symbol, *from, *to); err != nil {
		fmt.Fprintf(os.Stderr, "trade-export: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgFlag, out, account, symbol, from, to string) error {
	cfg, err := config.Load(config.ResolvePath(cfgFlag))
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.App.LogLevel)
	f := export.Filter{AccountID: account, Symbol: symbol}
	if f.From, err = parseDay(from); err != nil {
		return err
	}
	if f.To, err = parseDay(to); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	reader, closeFn, err := openReader(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeFn()

	recs, err := export.ClosedTrades(ctx, reader, f)
	if err != nil {
		return err
	}
	if err := export.WriteFile(out, recs); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintf(os.Stderr, "exported %d closed trades to %s\n", len(recs), out)
	return nil
}

func openReader(ctx context.Context, sc config.StoreConfig) (ledger.TradeReader, func() error, error) {
	if sc.Driver == "postgres" {
		st, err := postgres.Open(ctx, sc.DSN, sc.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	st, err := gormstore.NewGormStore(sc.Path)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func parseDay(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", raw, err)
	}
	return t, nil
}
