package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/domain"
	"tradegate/internal/security/secretbox"
	"tradegate/internal/store"
	"tradegate/internal/store/sqlstore"
)

func openTemp(t *testing.T, box *secretbox.Box) *sqlstore.Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tradegate.db"), box)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAuditRoundTripAndUniqueness(t *testing.T) {
	s := openTemp(t, nil)
	ctx := context.Background()
	ts := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)

	rec := domain.AuditRecord{
		ID:           "01HZX",
		CommandID:    "cmd-1",
		Origin:       domain.OriginManual,
		Kind:         domain.CommandOpenPosition,
		SessionID:    "admin",
		ArgsRedacted: json.RawMessage(`{"instrument":"EURUSD"}`),
		Mode:         "PAPER",
		Outcome:      domain.StateSucceeded,
		Timestamp:    ts,
	}
	require.NoError(t, s.AppendAudit(ctx, rec))

	rec.ID = "01HZY"
	err := s.AppendAudit(ctx, rec)
	require.ErrorIs(t, err, store.ErrDuplicateAudit)

	out, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "cmd-1", out[0].CommandID)
	assert.Equal(t, domain.StateSucceeded, out[0].Outcome)
	assert.JSONEq(t, `{"instrument":"EURUSD"}`, string(out[0].ArgsRedacted))
	assert.True(t, ts.Equal(out[0].Timestamp))
}

func TestInFlightSealedArgs(t *testing.T) {
	key, err := secretbox.GenerateKey()
	require.NoError(t, err)
	box, err := secretbox.New(key)
	require.NoError(t, err)

	s := openTemp(t, box)
	ctx := context.Background()
	marker := domain.InFlight{
		CommandID: "cmd-9",
		Origin:    domain.OriginAssistant,
		Kind:      domain.CommandClosePosition,
		SessionID: "admin",
		Args:      domain.CommandArgs{Instrument: "EURUSD", Reason: "take profit"},
		Mode:      "PAPER",
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.BeginExecution(ctx, marker))

	var raw string
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT args FROM in_flight WHERE command_id = ?`, "cmd-9").Scan(&raw))
	assert.NotContains(t, raw, "EURUSD")

	out, err := s.ListInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "EURUSD", out[0].Args.Instrument)
	assert.Equal(t, "take profit", out[0].Args.Reason)

	require.NoError(t, s.EndExecution(ctx, "cmd-9"))
	out, err = s.ListInFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTradesPositionsAndStrategy(t *testing.T) {
	s := openTemp(t, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.AppendTrade(ctx, domain.TradeRecord{
		ID: "t1", CommandID: "c1", AccountID: "101-004-0000000-001", Instrument: "EURUSD",
		Side: domain.SideBuy, Size: 1000, EntryPrice: 1.08, ExitPrice: 1.09, PnL: 10,
		Venue: domain.VenuePaper, OpenedAt: now.Add(-time.Hour), ClosedAt: now,
	}))
	trades, err := s.ListTrades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 10, trades[0].PnL, 1e-9)
	assert.Equal(t, domain.SideBuy, trades[0].Side)

	require.NoError(t, s.AppendTrade(ctx, domain.TradeRecord{
		ID: "t2", CommandID: "c2", AccountID: "101-004-0000000-001", Instrument: "GBPUSD",
		Side: domain.SideSell, Size: 500, EntryPrice: 1.27, ExitPrice: 1.28, PnL: -5,
		Venue: domain.VenuePaper, OpenedAt: now.Add(-time.Hour), ClosedAt: now,
	}))
	pnl, err := s.RealizedPnL(ctx, "101-004-0000000-001")
	require.NoError(t, err)
	assert.InDelta(t, 5, pnl, 1e-9)
	pnl, err = s.RealizedPnL(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, pnl)

	positions := map[string]domain.Position{"EURUSD": {Instrument: "EURUSD", Side: domain.SideSell, Size: 2000, EntryPrice: 1.085}}
	require.NoError(t, s.SavePositions(ctx, "acct", positions))
	positions["EURUSD"] = domain.Position{Instrument: "EURUSD", Size: 1}
	require.NoError(t, s.SavePositions(ctx, "acct", positions))
	loaded, err := s.LoadPositions(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1.0, loaded["EURUSD"].Size)

	_, err = s.ActiveStrategy(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.SetActiveStrategy(ctx, "mean_revert"))
	require.NoError(t, s.SetActiveStrategy(ctx, "trend_ema"))
	key, err := s.ActiveStrategy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "trend_ema", key)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tradegate.db")
	ctx := context.Background()

	s, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.BeginExecution(ctx, domain.InFlight{CommandID: "cmd-1", Kind: domain.CommandOpenPosition, StartedAt: time.Now().UTC()}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()
	out, err := s.ListInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "cmd-1", out[0].CommandID)
}

func TestListHugeLimitIsClamped(t *testing.T) {
	s := openTemp(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.AppendAudit(ctx, domain.AuditRecord{
		ID: "a1", CommandID: "cmd-1", Origin: domain.OriginManual, Kind: domain.CommandStatus,
		ArgsRedacted: json.RawMessage(`{}`), Mode: "PAPER", Outcome: domain.StateSucceeded, Timestamp: now,
	}))
	require.NoError(t, s.AppendTrade(ctx, domain.TradeRecord{
		ID: "t1", CommandID: "c1", AccountID: "acct", Instrument: "EURUSD", Side: domain.SideBuy,
		Size: 1, Venue: domain.VenuePaper, OpenedAt: now, ClosedAt: now,
	}))

	records, err := s.ListAudit(ctx, 1<<50)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.LessOrEqual(t, cap(records), store.MaxListLimit)

	trades, err := s.ListTrades(ctx, 1<<50)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.LessOrEqual(t, cap(trades), store.MaxListLimit)
}
