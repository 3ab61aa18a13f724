// Package sqlstore implements store.Store over database/sql. The postgres
// and sqlite packages supply the driver, placeholder style and schema.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/security/secretbox"
	"tradegate/internal/store"
)

type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of "?".
	Numbered          bool
	Schema            []string
	IsUniqueViolation func(error) bool
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	box     *secretbox.Box
}

// New wraps db. box may be nil, in which case in-flight arguments are
// stored as plain JSON.
func New(db *sql.DB, dialect Dialect, box *secretbox.Box) *Store {
	return &Store{db: db, dialect: dialect, box: box}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate step %d: %w", s.dialect.Name, i+1, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	args := string(rec.ArgsRedacted)
	if args == "" {
		args = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`insert into audit_records(id, command_id, origin, kind, session_id, args_redacted, mode, outcome, error_kind, reason, created_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.CommandID, string(rec.Origin), string(rec.Kind), rec.SessionID, args,
		rec.Mode, string(rec.Outcome), string(rec.ErrorKind), rec.Reason, rec.Timestamp.UTC(),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateAudit, rec.CommandID)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	limit = store.Limit(limit)
	rows, err := s.db.QueryContext(ctx, s.q(
		`select id, command_id, origin, kind, session_id, args_redacted, mode, outcome, error_kind, reason, created_at
		 from audit_records order by created_at desc, id desc limit ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditRecord, 0, limit)
	for rows.Next() {
		var rec domain.AuditRecord
		var origin, kind, outcome, errKind, args string
		if err := rows.Scan(&rec.ID, &rec.CommandID, &origin, &kind, &rec.SessionID, &args,
			&rec.Mode, &outcome, &errKind, &rec.Reason, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Origin = domain.Origin(origin)
		rec.Kind = domain.CommandKind(kind)
		rec.Outcome = domain.PipelineState(outcome)
		rec.ErrorKind = domain.ErrorKind(errKind)
		rec.ArgsRedacted = json.RawMessage(args)
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) BeginExecution(ctx context.Context, f domain.InFlight) error {
	raw, err := json.Marshal(f.Args)
	if err != nil {
		return err
	}
	payload, sealed := string(raw), false
	if s.box != nil {
		if payload, err = s.box.Seal(raw, f.CommandID); err != nil {
			return fmt.Errorf("seal in-flight args: %w", err)
		}
		sealed = true
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`insert into in_flight(command_id, origin, kind, session_id, args, sealed, mode, started_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?)`),
		f.CommandID, string(f.Origin), string(f.Kind), f.SessionID, payload, sealed, f.Mode, f.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert in-flight marker: %w", err)
	}
	return nil
}

func (s *Store) EndExecution(ctx context.Context, commandID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`delete from in_flight where command_id = ?`), commandID); err != nil {
		return fmt.Errorf("delete in-flight marker: %w", err)
	}
	return nil
}

func (s *Store) ListInFlight(ctx context.Context) ([]domain.InFlight, error) {
	rows, err := s.db.QueryContext(ctx,
		`select command_id, origin, kind, session_id, args, sealed, mode, started_at
		 from in_flight order by started_at asc`,
	)
	if err != nil {
		return nil, fmt.Errorf("list in-flight markers: %w", err)
	}
	defer rows.Close()

	var out []domain.InFlight
	for rows.Next() {
		var f domain.InFlight
		var origin, kind, payload string
		var sealed bool
		if err := rows.Scan(&f.CommandID, &origin, &kind, &f.SessionID, &payload, &sealed, &f.Mode, &f.StartedAt); err != nil {
			return nil, fmt.Errorf("scan in-flight marker: %w", err)
		}
		f.Origin = domain.Origin(origin)
		f.Kind = domain.CommandKind(kind)
		f.StartedAt = f.StartedAt.UTC()

		raw := []byte(payload)
		if sealed {
			if s.box == nil {
				return nil, fmt.Errorf("in-flight marker %s is sealed but no AUDIT_ENCRYPTION_KEY is configured", f.CommandID)
			}
			if raw, err = s.box.Open(payload, f.CommandID); err != nil {
				return nil, fmt.Errorf("open in-flight marker %s: %w", f.CommandID, err)
			}
		}
		if err := json.Unmarshal(raw, &f.Args); err != nil {
			return nil, fmt.Errorf("decode in-flight marker %s: %w", f.CommandID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) AppendTrade(ctx context.Context, t domain.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`insert into trades(id, command_id, account_id, instrument, side, size, entry_price, exit_price, pnl, venue, opened_at, closed_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.CommandID, t.AccountID, t.Instrument, string(t.Side), t.Size, t.EntryPrice,
		t.ExitPrice, t.PnL, string(t.Venue), t.OpenedAt.UTC(), t.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *Store) ListTrades(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	limit = store.Limit(limit)
	rows, err := s.db.QueryContext(ctx, s.q(
		`select id, command_id, account_id, instrument, side, size, entry_price, exit_price, pnl, venue, opened_at, closed_at
		 from trades order by closed_at desc, id desc limit ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TradeRecord, 0, limit)
	for rows.Next() {
		var t domain.TradeRecord
		var side, venue string
		if err := rows.Scan(&t.ID, &t.CommandID, &t.AccountID, &t.Instrument, &side, &t.Size,
			&t.EntryPrice, &t.ExitPrice, &t.PnL, &venue, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = domain.Side(side)
		t.Venue = domain.Venue(venue)
		t.OpenedAt = t.OpenedAt.UTC()
		t.ClosedAt = t.ClosedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RealizedPnL(ctx context.Context, accountID string) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx, s.q(`select coalesce(sum(pnl), 0) from trades where account_id = ?`), accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum realized pnl: %w", err)
	}
	return sum, nil
}

func (s *Store) SavePositions(ctx context.Context, accountID string, positions map[string]domain.Position) error {
	raw, err := json.Marshal(positions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`insert into position_snapshots(account_id, snapshot, updated_at)
		 values (?, ?, ?)
		 on conflict (account_id) do update
		 set snapshot = excluded.snapshot,
		     updated_at = excluded.updated_at`),
		accountID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save position snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadPositions(ctx context.Context, accountID string) (map[string]domain.Position, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`select snapshot from position_snapshots where account_id = ?`), accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]domain.Position{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position snapshot: %w", err)
	}
	out := map[string]domain.Position{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode position snapshot: %w", err)
	}
	return out, nil
}

func (s *Store) SetActiveStrategy(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`insert into app_state(key, value, updated_at)
		 values ('active_strategy', ?, ?)
		 on conflict (key) do update
		 set value = excluded.value, updated_at = excluded.updated_at`),
		key, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write active strategy: %w", err)
	}
	return nil
}

func (s *Store) ActiveStrategy(ctx context.Context) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `select value from app_state where key = 'active_strategy'`).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read active strategy: %w", err)
	}
	return key, nil
}

var _ store.Store = (*Store)(nil)
