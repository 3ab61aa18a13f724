package pipeline

import (
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/service/mode"
)

type Status struct {
	Mode                     mode.Mode          `json:"mode"`
	AccountMode              domain.AccountMode `json:"account_mode"`
	ExecutionEnabled         bool               `json:"execution_enabled"`
	ActiveStrategyKey        string             `json:"active_strategy_key"`
	AccountsLoaded           int                `json:"accounts_loaded"`
	AccountsExecutionCapable int                `json:"accounts_execution_capable"`
	LastScanAt               *time.Time         `json:"last_scan_at"`
	OpenPositions            int                `json:"open_positions"`
	TotalExposurePct         float64            `json:"total_exposure_pct"`
	Equity                   float64            `json:"equity"`
	PendingPreviews          int                `json:"pending_previews"`
	PolicyVersion            string             `json:"policy_version,omitempty"`
}

// Status is a read-only view; it takes no tokens and writes no audit.
func (p *Pipeline) Status() Status {
	gateMode := p.gate.CurrentMode()

	p.mu.Lock()
	acct := p.snapshotLocked()
	var lastScan *time.Time
	if !p.lastScanAt.IsZero() {
		t := p.lastScanAt
		lastScan = &t
	}
	p.mu.Unlock()

	capable := 0
	if _, ok := p.executors[venueFor(gateMode)]; ok && acct.ExecutionEnabled {
		capable = 1
	}
	return Status{
		Mode:                     gateMode,
		AccountMode:              gateMode.Account(),
		ExecutionEnabled:         acct.ExecutionEnabled,
		ActiveStrategyKey:        p.strategies.State().ActiveKey,
		AccountsLoaded:           1,
		AccountsExecutionCapable: capable,
		LastScanAt:               lastScan,
		OpenPositions:            len(acct.OpenPositions),
		TotalExposurePct:         acct.TotalExposurePct,
		Equity:                   acct.Equity,
		PendingPreviews:          p.previews.Len(),
		PolicyVersion:            p.policy.Current().Version,
	}
}

// Account returns a copy of the owned account state.
func (p *Pipeline) Account() domain.AccountState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) Strategies() domain.StrategyState {
	return p.strategies.State()
}

func (p *Pipeline) snapshotLocked() domain.AccountState {
	acct := p.account.Clone()
	acct.Mode = p.gate.CurrentMode().Account()
	return acct
}
