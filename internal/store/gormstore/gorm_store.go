package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradeflow/internal/ledger"
	storemodel "tradeflow/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type tradeModel = storemodel.TradeModel
type intentModel = storemodel.TradeIntentModel
type exitIntentModel = storemodel.ExitIntentModel
type episodeModel = storemodel.EpisodeModel

// 部分唯一索引：每个 trade 同一时刻最多一个活跃 exit intent。
const activeExitIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_exit
	ON exit_intents(trade_id) WHERE status IN ('PENDING','APPROVED','PLACED')`

// GormStore implements ledger.Store using Gorm + SQLite.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ ledger.Store = (*GormStore)(nil)

// NewGormStore opens (or creates) the ledger database at path.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: ledger 路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: one writer, a second connection for concurrent HTTP reads.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db, now: time.Now}, nil
}

func migrate(db *gorm.DB) error {
	models := []interface{}{
		&intentModel{},
		&tradeModel{},
		&exitIntentModel{},
		&episodeModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return db.Exec(activeExitIndexSQL).Error
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, errNotReady
	}
	return s.db.DB()
}

var errNotReady = errors.New("gorm store 未初始化")

func (s *GormStore) ready() error {
	if s == nil || s.db == nil {
		return errNotReady
	}
	return nil
}

func (s *GormStore) stamp() int64 {
	if s.now == nil {
		return time.Now().UnixMilli()
	}
	return s.now().UnixMilli()
}

// NextEpisode allocates the next episode in one conditional upsert so two
// callers (or two processes) can never both pass the cooldown check.
func (s *GormStore) NextEpisode(ctx context.Context, key ledger.EpisodeKey, cooldown time.Duration, now time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(key.Scope) == "" || strings.TrimSpace(key.Reason) == "" {
		return 0, fmt.Errorf("%w: episode key is empty", ledger.ErrInvalidInput)
	}
	nowMs := now.UnixMilli()
	cutoff := now.Add(-cooldown).UnixMilli()
	var episode int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(`
			INSERT INTO episodes(scope, reason, last_episode, last_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(scope, reason) DO UPDATE SET
				last_episode = episodes.last_episode + 1,
				last_at = excluded.last_at
			WHERE episodes.last_at <= ?`, key.Scope, key.Reason, nowMs, cutoff)
		if res.Error != nil {
			return res.Error
		}
		var row episodeModel
		if err := tx.Where("scope = ? AND reason = ?", key.Scope, key.Reason).Take(&row).Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			remaining := time.Duration(row.LastAtUnix-cutoff) * time.Millisecond
			return &ledger.CooldownError{Key: key, Remaining: remaining}
		}
		episode = row.LastEpisode
		return nil
	})
	if err != nil {
		return 0, err
	}
	return episode, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func ensureDir(path string) error {
	if strings.HasPrefix(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
