package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neogan74/overseer/internal/logger"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// SQLiteEngine implements Engine on a single SQLite table.
type SQLiteEngine struct {
	db  *sql.DB
	log logger.Logger
}

// NewSQLiteEngine opens (or creates) overseer.db inside dataDir.
func NewSQLiteEngine(dataDir string, syncWrites bool, log logger.Logger) (*SQLiteEngine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, "overseer.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers and keeps CAS statements atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	synchronous := "NORMAL"
	if syncWrites {
		synchronous = "FULL"
	}
	if _, err := db.Exec("PRAGMA synchronous=" + synchronous); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma synchronous: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("SQLite persistence engine initialized",
		logger.String("path", path),
		logger.String("synchronous", synchronous))

	return &SQLiteEngine{db: db, log: log}, nil
}

func (s *SQLiteEngine) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteEngine) Put(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteEngine) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteEngine) List(prefix string) ([]Item, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Key, &item.Value); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteEngine) CompareAndSwap(key string, old, next []byte) error {
	var (
		res sql.Result
		err error
	)
	if old == nil {
		res, err = s.db.Exec(
			`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, key, next)
	} else {
		res, err = s.db.Exec(
			`UPDATE kv SET value = ? WHERE key = ? AND value = ?`, next, key, old)
	}
	if err != nil {
		return fmt.Errorf("compare-and-swap %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("compare-and-swap %s: %w", key, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteEngine) Close() error {
	return s.db.Close()
}
