package strategy

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tradegate/internal/domain"
)

// Backend persists the active strategy key. Registry reads it back after
// every write instead of trusting the write call.
type Backend interface {
	SetActiveStrategy(ctx context.Context, key string) error
	ActiveStrategy(ctx context.Context) (string, error)
}

type Registry struct {
	mu      sync.Mutex
	allowed []string
	def     string
	active  string
	backend Backend
	logger  *zap.Logger
}

// NewRegistry restores the persisted key, falling back to def when the
// backend holds nothing usable.
func NewRegistry(ctx context.Context, allowed []string, def string, backend Backend, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := make([]string, 0, len(allowed))
	for _, k := range allowed {
		k = strings.TrimSpace(k)
		if k != "" && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	if !slices.Contains(keys, def) {
		return nil, domain.Errorf(domain.ErrUnknownStrategy, "default strategy %q is not allowed", def)
	}
	r := &Registry{allowed: keys, def: def, backend: backend, logger: logger}

	current, err := backend.ActiveStrategy(ctx)
	if err == nil && slices.Contains(keys, current) {
		r.active = current
		return r, nil
	}
	if _, err := r.Switch(ctx, def); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) State() domain.StrategyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.StrategyState{
		ActiveKey:   r.active,
		AllowedKeys: slices.Clone(r.allowed),
		DefaultKey:  r.def,
	}
}

func (r *Registry) Allowed(key string) bool {
	return slices.Contains(r.allowed, key)
}

// Switch writes key and verifies it by reading it back. On a mismatch the
// registry adopts whatever was read and reports SwitchVerificationFailed.
func (r *Registry) Switch(ctx context.Context, key string) (domain.StrategyState, error) {
	if !r.Allowed(key) {
		return r.State(), domain.Errorf(domain.ErrUnknownStrategy, "strategy %q is not in the allowed set", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.active
	if err := r.backend.SetActiveStrategy(ctx, key); err != nil {
		return r.stateLocked(), domain.WrapError(domain.ErrExecutionFailed, "strategy write failed", err)
	}
	readBack, err := r.backend.ActiveStrategy(ctx)
	if err != nil {
		return r.stateLocked(), domain.WrapError(domain.ErrSwitchVerificationFailed, "strategy read-back failed", err)
	}
	if slices.Contains(r.allowed, readBack) {
		r.active = readBack
	}
	if readBack != key {
		r.logger.Error("strategy switch not verified",
			zap.String("requested", key),
			zap.String("read_back", readBack),
		)
		return r.stateLocked(), domain.Errorf(domain.ErrSwitchVerificationFailed, "requested %q but read back %q", key, readBack)
	}
	r.logger.Info("strategy switched", zap.String("from", previous), zap.String("to", key))
	return r.stateLocked(), nil
}

func (r *Registry) stateLocked() domain.StrategyState {
	return domain.StrategyState{
		ActiveKey:   r.active,
		AllowedKeys: slices.Clone(r.allowed),
		DefaultKey:  r.def,
	}
}
