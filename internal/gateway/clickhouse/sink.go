// Package clickhouse ships state machine events to a ClickHouse table for
// analytics. The ledger stays the source of truth; this copy may lag or
// hold duplicates, which ReplacingMergeTree folds by event id.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"tradeflow/internal/events"
	"tradeflow/internal/logger"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
	event_id       String,
	type           LowCardinality(String),
	trade_id       String,
	exit_intent_id String,
	account_id     LowCardinality(String),
	symbol         LowCardinality(String),
	status         LowCardinality(String),
	reason         String,
	version        Int64,
	at             DateTime64(3, 'UTC'),
	data           String
) ENGINE = ReplacingMergeTree
ORDER BY (trade_id, at, event_id)`

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Row is the flattened column layout of one event.
type Row struct {
	EventID      string
	Type         string
	TradeID      string
	ExitIntentID string
	AccountID    string
	Symbol       string
	Status       string
	Reason       string
	Version      int64
	At           time.Time
	Data         string
}

// RowFromEvent flattens evt; Data is kept as a JSON string.
func RowFromEvent(evt events.Event) Row {
	data := "{}"
	if len(evt.Data) > 0 {
		if raw, err := json.Marshal(evt.Data); err == nil {
			data = string(raw)
		}
	}
	return Row{
		EventID:      evt.ID,
		Type:         string(evt.Type),
		TradeID:      evt.TradeID,
		ExitIntentID: evt.ExitIntentID,
		AccountID:    evt.AccountID,
		Symbol:       evt.Symbol,
		Status:       evt.Status,
		Reason:       evt.Reason,
		Version:      evt.Version,
		At:           evt.At.UTC(),
		Data:         data,
	}
}

// WriteFunc persists one batch.
type WriteFunc func(ctx context.Context, rows []Row) error

type Config struct {
	DSN           string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
}

// Sink buffers rows and writes them when the batch is full or the oldest
// buffered row exceeds the flush interval. Handle runs on the bus goroutine.
type Sink struct {
	write     WriteFunc
	batchSize int
	interval  time.Duration
	maxRows   int
	closeFn   func() error
	now       func() time.Time

	mu      sync.Mutex
	rows    []Row
	firstAt time.Time
	dropped int
}

// Open connects with a clickhouse:// DSN and creates the table.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("clickhouse: invalid table name %q", cfg.Table)
	}
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(createTableSQL, cfg.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create clickhouse table %s: %w", cfg.Table, err)
	}
	s := NewSink(batchWriter(conn, cfg.Table), cfg.BatchSize, cfg.FlushInterval)
	s.closeFn = conn.Close
	logger.Infof("clickhouse: event sink ready table=%s batch=%d", cfg.Table, s.batchSize)
	return s, nil
}

func batchWriter(conn driver.Conn, table string) WriteFunc {
	query := fmt.Sprintf(`INSERT INTO %s (event_id, type, trade_id, exit_intent_id, account_id, symbol, status, reason, version, at, data)`, table)
	return func(ctx context.Context, rows []Row) error {
		batch, err := conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}
		for _, r := range rows {
			if err := batch.Append(r.EventID, r.Type, r.TradeID, r.ExitIntentID, r.AccountID, r.Symbol,
				r.Status, r.Reason, r.Version, r.At, r.Data); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("append to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
		return nil
	}
}

// NewSink builds a sink over any writer.
func NewSink(write WriteFunc, batchSize int, interval time.Duration) *Sink {
	if batchSize <= 0 {
		batchSize = 200
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sink{
		write:     write,
		batchSize: batchSize,
		interval:  interval,
		maxRows:   batchSize * 10,
		now:       time.Now,
	}
}

func (s *Sink) Name() string { return "clickhouse" }

func (s *Sink) Handle(ctx context.Context, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rows) == 0 {
		s.firstAt = s.now()
	}
	s.rows = append(s.rows, RowFromEvent(evt))
	if over := len(s.rows) - s.maxRows; over > 0 {
		// writer is down; keep the newest rows
		s.rows = append(s.rows[:0], s.rows[over:]...)
		s.dropped += over
		logger.Warnf("clickhouse: buffer full, dropped %d rows (total %d)", over, s.dropped)
	}
	if len(s.rows) < s.batchSize && s.now().Sub(s.firstAt) < s.interval {
		return nil
	}
	return s.flushLocked(ctx)
}

// Flush writes whatever is buffered.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Sink) flushLocked(ctx context.Context) error {
	if len(s.rows) == 0 {
		return nil
	}
	if err := s.write(ctx, s.rows); err != nil {
		return fmt.Errorf("clickhouse: write %d rows: %w", len(s.rows), err)
	}
	s.rows = s.rows[:0]
	s.firstAt = time.Time{}
	return nil
}

// Pending reports buffered rows.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Close flushes and releases the connection.
func (s *Sink) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	if s.closeFn != nil {
		if cerr := s.closeFn(); err == nil {
			err = cerr
		}
	}
	return err
}
