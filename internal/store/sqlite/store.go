package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"tradegate/internal/security/secretbox"
	"tradegate/internal/store/sqlstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		command_id TEXT NOT NULL UNIQUE,
		origin TEXT NOT NULL,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL,
		args_redacted TEXT NOT NULL,
		mode TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_created_at_idx ON audit_records(created_at)`,
	`CREATE TABLE IF NOT EXISTS in_flight (
		command_id TEXT PRIMARY KEY,
		origin TEXT NOT NULL,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL,
		args TEXT NOT NULL,
		sealed BOOLEAN NOT NULL DEFAULT 0,
		mode TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		command_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		size REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		venue TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS position_snapshots (
		account_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

var Dialect = sqlstore.Dialect{
	Name:   "sqlite",
	Schema: schema,
	IsUniqueViolation: func(err error) bool {
		var sqErr sqlite3.Error
		return errors.As(err, &sqErr) &&
			(sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	},
}

// Open creates the database file if needed, enables WAL and migrates.
// path ":memory:" keeps everything in process.
func Open(ctx context.Context, path string, box *secretbox.Box) (*sqlstore.Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir %q: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000", dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps ":memory:" on a single shared connection
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable sqlite WAL: %w", err)
		}
	}
	s := sqlstore.New(db, Dialect, box)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
