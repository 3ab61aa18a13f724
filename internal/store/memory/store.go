package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"tradegate/internal/domain"
	"tradegate/internal/store"
)

type Store struct {
	mu sync.RWMutex

	audit        []domain.AuditRecord
	auditedByCmd map[string]struct{}

	inFlight map[string]domain.InFlight

	trades    []domain.TradeRecord
	positions map[string]map[string]domain.Position

	activeStrategy string
}

func NewStore() *Store {
	return &Store{
		audit:        make([]domain.AuditRecord, 0, 256),
		auditedByCmd: make(map[string]struct{}),
		inFlight:     make(map[string]domain.InFlight),
		trades:       make([]domain.TradeRecord, 0, 64),
		positions:    make(map[string]map[string]domain.Position),
	}
}

func (s *Store) AppendAudit(_ context.Context, rec domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auditedByCmd[rec.CommandID]; ok {
		return store.ErrDuplicateAudit
	}
	s.auditedByCmd[rec.CommandID] = struct{}{}
	s.audit = append(s.audit, rec)
	return nil
}

// ListAudit returns the newest records first.
func (s *Store) ListAudit(_ context.Context, limit int) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = store.Limit(limit)
	start := max(len(s.audit)-limit, 0)
	out := slices.Clone(s.audit[start:])
	slices.Reverse(out)
	return out, nil
}

func (s *Store) BeginExecution(_ context.Context, f domain.InFlight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[f.CommandID] = f
	return nil
}

func (s *Store) EndExecution(_ context.Context, commandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, commandID)
	return nil
}

func (s *Store) ListInFlight(_ context.Context) ([]domain.InFlight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.inFlight))
	slices.SortFunc(out, func(a, b domain.InFlight) int { return a.StartedAt.Compare(b.StartedAt) })
	return out, nil
}

func (s *Store) AppendTrade(_ context.Context, t domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *Store) ListTrades(_ context.Context, limit int) ([]domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = store.Limit(limit)
	start := max(len(s.trades)-limit, 0)
	out := slices.Clone(s.trades[start:])
	slices.Reverse(out)
	return out, nil
}

func (s *Store) RealizedPnL(_ context.Context, accountID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, t := range s.trades {
		if t.AccountID == accountID {
			sum += t.PnL
		}
	}
	return sum, nil
}

func (s *Store) SavePositions(_ context.Context, accountID string, positions map[string]domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[accountID] = maps.Clone(positions)
	return nil
}

func (s *Store) LoadPositions(_ context.Context, accountID string) (map[string]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[accountID]
	if !ok {
		return map[string]domain.Position{}, nil
	}
	return maps.Clone(p), nil
}

func (s *Store) SetActiveStrategy(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeStrategy = key
	return nil
}

func (s *Store) ActiveStrategy(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeStrategy == "" {
		return "", store.ErrNotFound
	}
	return s.activeStrategy, nil
}

func (s *Store) Close() error { return nil }
