package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteBusyTimeout = 5 * time.Second

// NewSQLiteStore opens a SQLite-backed object store at path. Use
// ":memory:" for an ephemeral store.
func NewSQLiteStore(path, bucket string) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		normalized, err := filepath.Abs(path)
		if err != nil {
			normalized = path
		}
		if dir := filepath.Dir(normalized); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to prepare database path: %w", err)
			}
		}
		// Single writer with WAL keeps conditional updates serialized
		// without SQLITE_BUSY under concurrent index contention.
		dsn = fmt.Sprintf(
			"file:%s?_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			normalized,
			int(sqliteBusyTimeout/time.Millisecond),
		)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStore(db, bucket, objectsSchema)
}
