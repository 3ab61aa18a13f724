package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"tradegate/internal/security/secretbox"
	"tradegate/internal/store/sqlstore"
)

var schema = []string{
	`create table if not exists audit_records (
		id text primary key,
		command_id text not null unique,
		origin text not null,
		kind text not null,
		session_id text not null,
		args_redacted jsonb not null,
		mode text not null,
		outcome text not null,
		error_kind text not null default '',
		reason text not null default '',
		created_at timestamptz not null
	)`,
	`create index if not exists audit_records_created_at_idx on audit_records(created_at desc)`,
	`create table if not exists in_flight (
		command_id text primary key,
		origin text not null,
		kind text not null,
		session_id text not null,
		args text not null,
		sealed boolean not null default false,
		mode text not null,
		started_at timestamptz not null
	)`,
	`create table if not exists trades (
		id text primary key,
		command_id text not null,
		account_id text not null,
		instrument text not null,
		side text not null,
		size double precision not null,
		entry_price double precision not null,
		exit_price double precision not null,
		pnl double precision not null,
		venue text not null,
		opened_at timestamptz not null,
		closed_at timestamptz not null
	)`,
	`create table if not exists position_snapshots (
		account_id text primary key,
		snapshot jsonb not null,
		updated_at timestamptz not null
	)`,
	`create table if not exists app_state (
		key text primary key,
		value text not null,
		updated_at timestamptz not null
	)`,
}

var Dialect = sqlstore.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema:   schema,
	IsUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

// Open connects, pings and migrates.
func Open(ctx context.Context, databaseURL string, box *secretbox.Box) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := sqlstore.New(db, Dialect, box)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
