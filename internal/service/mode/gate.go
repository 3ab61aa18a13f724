package mode

import (
	"crypto/subtle"
	"sync"

	"go.uber.org/zap"

	"tradegate/internal/domain"
)

type Mode string

const (
	Paper       Mode = "PAPER"
	LivePending Mode = "LIVE_PENDING"
	LiveActive  Mode = "LIVE_ACTIVE"
)

// Account collapses the gate state to the account-level mode. Only
// LIVE_ACTIVE routes orders to real money.
func (m Mode) Account() domain.AccountMode {
	if m == LiveActive {
		return domain.AccountLive
	}
	return domain.AccountPaper
}

type Flags struct {
	LiveRequested bool
	LiveConfirmed bool
	Phrase        string
}

// Gate is the paper/live state machine. It never executes trades itself.
// PAPER -> LIVE_PENDING needs LiveRequested; LIVE_PENDING -> LIVE_ACTIVE
// needs LiveConfirmed plus the exact phrase. Every failed activation
// drops back to PAPER.
type Gate struct {
	mu     sync.RWMutex
	mode   Mode
	flags  Flags
	logger *zap.Logger
}

func NewGate(flags Flags, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{mode: Paper, flags: flags, logger: logger}
}

func (g *Gate) CurrentMode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// LiveRequested reports the environment-level toggle.
func (g *Gate) LiveRequested() bool {
	return g.flags.LiveRequested
}

// Arm moves PAPER to LIVE_PENDING. It is a no-op when already pending or active.
func (g *Gate) Arm() (Mode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode != Paper {
		return g.mode, nil
	}
	if !g.flags.LiveRequested {
		return g.mode, domain.Errorf(domain.ErrModeGateDenied, "live trading not requested")
	}
	g.mode = LivePending
	g.logger.Warn("mode gate armed", zap.String("mode", string(g.mode)))
	return g.mode, nil
}

// Activate moves LIVE_PENDING to LIVE_ACTIVE. A missing confirmation flag
// or a phrase mismatch returns the gate to PAPER.
func (g *Gate) Activate(phrase string) (Mode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.mode {
	case LiveActive:
		if !g.phraseMatches(phrase) {
			g.dropLocked("live confirmation phrase mismatch")
			return g.mode, domain.Errorf(domain.ErrConfirmationMismatch, "live confirmation phrase mismatch")
		}
		return g.mode, nil
	case Paper:
		return g.mode, domain.Errorf(domain.ErrModeGateDenied, "gate is not armed; PAPER cannot go live directly")
	}
	if !g.flags.LiveRequested || !g.flags.LiveConfirmed {
		g.dropLocked("live trading not confirmed")
		return g.mode, domain.Errorf(domain.ErrModeGateDenied, "live trading requires both requested and confirmed flags")
	}
	if !g.phraseMatches(phrase) {
		g.dropLocked("live confirmation phrase mismatch")
		return g.mode, domain.Errorf(domain.ErrConfirmationMismatch, "live confirmation phrase mismatch")
	}
	g.mode = LiveActive
	g.logger.Warn("mode gate active: orders now route to the live venue")
	return g.mode, nil
}

// CheckPhrase verifies a per-command phrase while LIVE_ACTIVE. A mismatch
// drops the gate back to PAPER.
func (g *Gate) CheckPhrase(phrase string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phraseMatches(phrase) {
		return nil
	}
	g.dropLocked("per-command phrase mismatch")
	return domain.Errorf(domain.ErrConfirmationMismatch, "live confirmation phrase mismatch")
}

// Revert unconditionally returns the gate to PAPER.
func (g *Gate) Revert() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode != Paper {
		g.dropLocked("reverted on request")
	}
	return g.mode
}

func (g *Gate) phraseMatches(phrase string) bool {
	return g.flags.Phrase != "" && subtle.ConstantTimeCompare([]byte(phrase), []byte(g.flags.Phrase)) == 1
}

func (g *Gate) dropLocked(reason string) {
	prev := g.mode
	g.mode = Paper
	g.logger.Warn("mode gate dropped to paper",
		zap.String("from", string(prev)),
		zap.String("reason", reason),
	)
}
