package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/audit"
	"tradegate/internal/domain"
	"tradegate/internal/service/risk"
	"tradegate/internal/store"
)

// ReasonInterrupted marks commands found mid-execution after a restart.
const ReasonInterrupted = "interrupted_requires_manual_reconciliation"

// Restore loads the last saved positions and rebuilds equity as the
// configured starting equity plus the journaled realized PnL. Call before
// serving traffic.
func (p *Pipeline) Restore(ctx context.Context) error {
	positions, err := p.store.LoadPositions(ctx, p.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	realized, err := p.store.RealizedPnL(ctx, p.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("restore equity: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account.Equity = p.cfg.Equity + realized
	p.account.OpenPositions = positions
	p.account.TotalExposurePct = risk.Exposure(positions, p.account.Equity)
	return nil
}

// Reconcile turns every leftover in-flight marker into a FAILED audit
// record. It must run before serving traffic, never concurrently with
// Confirm. Returns the number of markers reconciled.
func (p *Pipeline) Reconcile(ctx context.Context) (int, error) {
	markers, err := p.store.ListInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-flight markers: %w", err)
	}
	n := 0
	for _, m := range markers {
		rec := domain.AuditRecord{
			CommandID:    m.CommandID,
			Origin:       m.Origin,
			Kind:         m.Kind,
			SessionID:    m.SessionID,
			ArgsRedacted: audit.RedactArgs(m.Args),
			Mode:         m.Mode,
			Outcome:      domain.StateFailed,
			ErrorKind:    domain.ErrExecutionFailed,
			Reason:       ReasonInterrupted,
			Timestamp:    p.now(),
		}
		if _, err := p.sink.Record(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicateAudit) {
			return n, fmt.Errorf("reconcile %s: %w", m.CommandID, err)
		}
		if err := p.store.EndExecution(ctx, m.CommandID); err != nil {
			return n, fmt.Errorf("clear marker %s: %w", m.CommandID, err)
		}
		p.logger.Warn("interrupted command marked FAILED; verify venue state manually",
			zap.String("command_id", m.CommandID),
			zap.String("kind", string(m.Kind)),
			zap.String("instrument", m.Args.Instrument),
			zap.Time("started_at", m.StartedAt),
		)
		n++
	}
	return n, nil
}

// SweepExpired audits every preview whose TTL has elapsed unconfirmed.
func (p *Pipeline) SweepExpired(ctx context.Context) int {
	now := p.now()
	expired := p.previews.TakeExpired(now)
	for _, e := range expired {
		_, _ = p.finish(ctx, e.command, domain.StateExpired,
			domain.Errorf(domain.ErrPreviewExpired, "preview expired at %s without confirmation", e.preview.ExpiresAt.Format(time.RFC3339)), false)
	}
	p.previews.Prune(now)
	return len(expired)
}

// Run sweeps expired previews and idle rate windows until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.SweepExpired(ctx); n > 0 {
				p.logger.Info("expired previews swept", zap.Int("count", n))
			}
			p.limiter.Prune()
		}
	}
}
