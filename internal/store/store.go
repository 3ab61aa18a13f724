package store

import (
	"context"
	"errors"

	"tradegate/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateAudit guards the one-record-per-command rule at the storage layer.
	ErrDuplicateAudit = errors.New("audit record already written for command")
)

// Store defines the durable persistence contract used by the control plane.
type Store interface {
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
	ListAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error)

	BeginExecution(ctx context.Context, f domain.InFlight) error
	EndExecution(ctx context.Context, commandID string) error
	ListInFlight(ctx context.Context) ([]domain.InFlight, error)

	AppendTrade(ctx context.Context, t domain.TradeRecord) error
	ListTrades(ctx context.Context, limit int) ([]domain.TradeRecord, error)
	// RealizedPnL sums the PnL of every journaled trade for the account.
	RealizedPnL(ctx context.Context, accountID string) (float64, error)

	SavePositions(ctx context.Context, accountID string, positions map[string]domain.Position) error
	LoadPositions(ctx context.Context, accountID string) (map[string]domain.Position, error)

	SetActiveStrategy(ctx context.Context, key string) error
	ActiveStrategy(ctx context.Context) (string, error)

	Close() error
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Limit clamps a caller-supplied list size.
func Limit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return min(n, MaxListLimit)
}
