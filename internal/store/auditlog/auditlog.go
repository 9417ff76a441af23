package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradeflow/internal/ledger"

	_ "modernc.org/sqlite"
)

// Entry is a stored audit row.
type Entry struct {
	ID int64
	ledger.AuditEntry
}

// Store is the append-only audit trail. It exposes no update or delete path;
// the single writers call Append synchronously after each committed mutation.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ ledger.AuditLog = (*Store)(nil)

// Open opens or creates the audit database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit log path 不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying db.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, errors.New("audit log 未初始化")
	}
	return db, nil
}

// Append inserts one entry.
func (s *Store) Append(ctx context.Context, entry ledger.AuditEntry) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if strings.TrimSpace(entry.EntityType) == "" || strings.TrimSpace(entry.EntityID) == "" {
		return fmt.Errorf("audit entry requires entity type and id")
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	var detail any
	if len(entry.Detail) > 0 {
		raw, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = string(raw)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log(entity_type, entity_id, action, from_status, to_status, version, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntityType, entry.EntityID, entry.Action, nullIfEmpty(entry.FromStatus), nullIfEmpty(entry.ToStatus),
		entry.Version, detail, at.UnixMilli())
	return err
}

// List returns the entries of one entity in append order.
func (s *Store) List(ctx context.Context, entityID string) ([]Entry, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, from_status, to_status, version, detail, at
		FROM audit_log WHERE entity_id = ? ORDER BY id ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			from, to sql.NullString
			detail   sql.NullString
			atMillis int64
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &from, &to, &e.Version, &detail, &atMillis); err != nil {
			return nil, err
		}
		e.FromStatus = from.String
		e.ToStatus = to.String
		e.At = time.UnixMilli(atMillis)
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail id=%d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT,
		version INTEGER,
		detail TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id, id);
	`
	_, err := db.Exec(stmt)
	return err
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
