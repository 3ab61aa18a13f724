package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/market"
	"tradegate/internal/service/mode"
	"tradegate/internal/service/ratelimit"
	"tradegate/internal/service/strategy"
	"tradegate/internal/store"
)

// PolicySource hands out one immutable snapshot per evaluation.
type PolicySource interface {
	Current() domain.PolicySnapshot
}

type Config struct {
	AccountID        string
	Equity           float64
	ExecutionEnabled bool
	PreviewTTL       time.Duration
	ExecutionTimeout time.Duration
	SweepInterval    time.Duration
}

type Deps struct {
	Policy     PolicySource
	Gate       *mode.Gate
	Limiter    *ratelimit.Limiter
	Strategies *strategy.Registry
	Quotes     market.Quotes
	Executors  []broker.Executor
	Store      store.Store
	Sink       *audit.Sink
	Logger     *zap.Logger
}

// Request is what any caller (manual API, scheduler, assistant) submits.
type Request struct {
	Origin    domain.Origin      `json:"origin"`
	Kind      domain.CommandKind `json:"kind"`
	Args      domain.CommandArgs `json:"args"`
	SessionID string             `json:"session_id"`
}

type Result struct {
	Command  domain.Command        `json:"command"`
	State    domain.PipelineState  `json:"state"`
	Preview  *domain.Preview       `json:"preview,omitempty"`
	Account  *domain.AccountState  `json:"account,omitempty"`
	Strategy *domain.StrategyState `json:"strategy,omitempty"`
	Fill     *broker.Fill          `json:"fill,omitempty"`
	Status   *Status               `json:"status,omitempty"`
	Mode     mode.Mode             `json:"mode"`
	AuditID  string                `json:"audit_id,omitempty"`
}

type reservation struct {
	commandID string
	// nil when the command removes the position
	projected *domain.Position
}

// Pipeline is the single entry point for every state-changing command. It
// owns the account state; all callers share its policy, gate and limiter.
type Pipeline struct {
	cfg        Config
	policy     PolicySource
	gate       *mode.Gate
	limiter    *ratelimit.Limiter
	strategies *strategy.Registry
	quotes     market.Quotes
	executors  map[domain.Venue]broker.Executor
	store      store.Store
	sink       *audit.Sink
	logger     *zap.Logger
	now        func() time.Time

	previews *PreviewBook

	mu         sync.Mutex
	account    domain.AccountState
	reserved   map[string]reservation
	lastScanAt time.Time
}

func New(cfg Config, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = 2 * time.Minute
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	executors := make(map[domain.Venue]broker.Executor, len(deps.Executors))
	for _, e := range deps.Executors {
		if e != nil {
			executors[e.Venue()] = e
		}
	}
	return &Pipeline{
		cfg:        cfg,
		policy:     deps.Policy,
		gate:       deps.Gate,
		limiter:    deps.Limiter,
		strategies: deps.Strategies,
		quotes:     deps.Quotes,
		executors:  executors,
		store:      deps.Store,
		sink:       deps.Sink,
		logger:     deps.Logger.Named("pipeline"),
		now:        func() time.Time { return time.Now().UTC() },
		previews:   NewPreviewBook(10 * cfg.PreviewTTL),
		account: domain.AccountState{
			AccountID:        cfg.AccountID,
			Mode:             domain.AccountPaper,
			ExecutionEnabled: cfg.ExecutionEnabled,
			Equity:           cfg.Equity,
			OpenPositions:    map[string]domain.Position{},
		},
		reserved: make(map[string]reservation),
	}
}

// WithClock replaces the time source. Tests only.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Submit runs RECEIVED -> VALIDATED -> PREVIEWED. Read-only commands are
// answered directly. Any failure is terminal, audited and side-effect free.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Result, error) {
	cmd := domain.Command{
		ID:          uuid.NewString(),
		Origin:      req.Origin,
		Kind:        req.Kind,
		Args:        normalizeArgs(req.Args),
		SessionID:   req.SessionID,
		SubmittedAt: p.now(),
	}
	if cmd.Origin == domain.OriginScheduled {
		p.mu.Lock()
		p.lastScanAt = cmd.SubmittedAt
		p.mu.Unlock()
	}

	if err := p.limiter.Admit(cmd.SessionID); err != nil {
		return p.finish(ctx, cmd, domain.StateRejected, err, false)
	}
	if !cmd.Origin.Valid() {
		return p.finish(ctx, cmd, domain.StateRejected, domain.Errorf(domain.ErrInvalidCommand, "unknown origin %q", cmd.Origin), true)
	}
	if !cmd.Kind.Valid() {
		return p.finish(ctx, cmd, domain.StateRejected, domain.Errorf(domain.ErrInvalidCommand, "unknown command kind %q", cmd.Kind), true)
	}

	if cmd.Kind.ReadOnly() {
		status := p.Status()
		res, err := p.finish(ctx, cmd, domain.StateSucceeded, nil, false)
		res.Status = &status
		return res, err
	}

	ev, err := p.evaluate(ctx, cmd, false)
	if err != nil {
		return p.finish(ctx, cmd, domain.StateRejected, err, true)
	}

	preview := domain.Preview{
		CommandID:                cmd.ID,
		Kind:                     cmd.Kind,
		Token:                    uuid.NewString(),
		ProjectedState:           ev.decision.Projected,
		Summary:                  ev.summary,
		ExpiresAt:                cmd.SubmittedAt.Add(p.cfg.PreviewTTL),
		RequiresLiveConfirmation: ev.requiresLive,
	}
	p.previews.Put(cmd, preview)
	p.logger.Info("command previewed",
		zap.String("command_id", cmd.ID),
		zap.String("origin", string(cmd.Origin)),
		zap.String("kind", string(cmd.Kind)),
		zap.String("session_id", cmd.SessionID),
		zap.Bool("requires_live_confirmation", ev.requiresLive),
	)
	return Result{Command: cmd, State: domain.StatePreviewed, Preview: &preview, Mode: p.gate.CurrentMode()}, nil
}

// Confirm runs PREVIEWED -> CONFIRMED -> EXECUTING -> {SUCCEEDED, FAILED}.
// Validation is re-run against current state; the executor is called at
// most once and never retried.
func (p *Pipeline) Confirm(ctx context.Context, sessionID string, conf domain.Confirmation) (Result, error) {
	entry, found, owned := p.previews.TakeOwned(conf.CommandID, sessionID)
	if found && !owned {
		// the preview stays pending and the owner's error streak is untouched
		p.logger.Warn("confirmation from foreign session refused",
			zap.String("command_id", conf.CommandID),
			zap.String("session_id", sessionID),
		)
		return Result{}, domain.Errorf(domain.ErrConfirmationMismatch, "no pending preview for command %q", conf.CommandID)
	}
	if !found {
		if state, done := p.previews.Finished(conf.CommandID); done {
			if state == domain.StateExpired {
				return Result{State: state}, domain.Errorf(domain.ErrPreviewExpired, "preview for %s expired", conf.CommandID)
			}
			return Result{State: state}, domain.Errorf(domain.ErrConfirmationMismatch, "command %s already finished as %s", conf.CommandID, state)
		}
		return Result{}, domain.Errorf(domain.ErrConfirmationMismatch, "no pending preview for command %q", conf.CommandID)
	}
	cmd, preview := entry.command, entry.preview

	if p.now().After(preview.ExpiresAt) {
		return p.finish(ctx, cmd, domain.StateExpired, domain.Errorf(domain.ErrPreviewExpired, "preview expired at %s", preview.ExpiresAt.Format(time.RFC3339)), false)
	}
	if subtle.ConstantTimeCompare([]byte(conf.SuppliedToken), []byte(preview.Token)) != 1 {
		return p.finish(ctx, cmd, domain.StateRejected, domain.Errorf(domain.ErrConfirmationMismatch, "confirmation token does not match preview"), true)
	}

	ev, err := p.evaluate(ctx, cmd, true)
	if err != nil {
		return p.finish(ctx, cmd, domain.StateRejected, err, true)
	}
	if ev.requiresLive && !preview.RequiresLiveConfirmation {
		p.release(ev)
		return p.finish(ctx, cmd, domain.StateRejected, domain.Errorf(domain.ErrModeGateDenied, "mode changed since preview; submit a new command"), true)
	}
	if ev.requiresLive && cmd.Kind != domain.CommandSetMode {
		if err := p.gate.CheckPhrase(conf.LiveConfirmationPhrase); err != nil {
			p.release(ev)
			return p.finish(ctx, cmd, domain.StateRejected, err, true)
		}
	}

	p.logger.Info("command confirmed", zap.String("command_id", cmd.ID), zap.String("kind", string(cmd.Kind)))
	return p.dispatch(ctx, cmd, ev, conf.LiveConfirmationPhrase)
}

func (p *Pipeline) dispatch(ctx context.Context, cmd domain.Command, ev evaluation, phrase string) (Result, error) {
	marker := domain.InFlight{
		CommandID: cmd.ID,
		Origin:    cmd.Origin,
		Kind:      cmd.Kind,
		SessionID: cmd.SessionID,
		Args:      cmd.Args,
		Mode:      string(p.gate.CurrentMode()),
		StartedAt: p.now(),
	}
	if err := p.store.BeginExecution(ctx, marker); err != nil {
		p.release(ev)
		return p.finish(ctx, cmd, domain.StateFailed, domain.WrapError(domain.ErrAuditWriteFailed, "in-flight marker write failed", err), true)
	}

	out, execErr := p.execute(ctx, cmd, ev, phrase)
	state := domain.StateSucceeded
	if execErr != nil {
		state = domain.StateFailed
		switch domain.KindOf(execErr) {
		case domain.ErrModeGateDenied, domain.ErrConfirmationMismatch:
			// gate refused before any venue call
			state = domain.StateRejected
		}
	}

	res, err := p.finish(ctx, cmd, state, execErr, true)
	if domain.KindOf(err) != domain.ErrAuditWriteFailed {
		if endErr := p.store.EndExecution(context.WithoutCancel(ctx), cmd.ID); endErr != nil {
			p.logger.Warn("in-flight marker not cleared", zap.String("command_id", cmd.ID), zap.Error(endErr))
		}
	}
	res.Fill = out.fill
	res.Strategy = out.strategy
	if out.account != nil {
		res.Account = out.account
	}
	return res, err
}

// finish writes the one audit record for a terminal state. A failed audit
// write turns the command into FAILED with AuditWriteFailed.
func (p *Pipeline) finish(ctx context.Context, cmd domain.Command, state domain.PipelineState, cause error, observe bool) (Result, error) {
	current := p.gate.CurrentMode()
	rec := domain.AuditRecord{
		CommandID:    cmd.ID,
		Origin:       cmd.Origin,
		Kind:         cmd.Kind,
		SessionID:    cmd.SessionID,
		ArgsRedacted: audit.RedactArgs(cmd.Args),
		Mode:         string(current),
		Outcome:      state,
		ErrorKind:    domain.KindOf(cause),
		Reason:       domain.ReasonOf(cause),
		Timestamp:    p.now(),
	}
	if cause != nil && rec.ErrorKind == "" {
		rec.ErrorKind = domain.ErrExecutionFailed
	}

	written, auditErr := p.sink.Record(context.WithoutCancel(ctx), rec)
	if auditErr != nil {
		state = domain.StateFailed
		cause = auditErr
	}
	p.previews.Finish(cmd.ID, state, rec.Timestamp)
	if observe && !cmd.Kind.ReadOnly() {
		p.limiter.Observe(cmd.SessionID, state)
	}

	res := Result{Command: cmd, State: state, Mode: current}
	if auditErr == nil {
		res.AuditID = written.ID
	}
	if cause == nil {
		return res, nil
	}
	if domain.KindOf(cause) == "" {
		cause = domain.WrapError(domain.ErrExecutionFailed, "execution failed", cause)
	}
	logFn := p.logger.Info
	if state == domain.StateFailed {
		logFn = p.logger.Error
	}
	logFn("command finished",
		zap.String("command_id", cmd.ID),
		zap.String("kind", string(cmd.Kind)),
		zap.String("state", string(state)),
		zap.String("error_kind", string(domain.KindOf(cause))),
		zap.String("reason", domain.ReasonOf(cause)),
	)
	return res, cause
}

// SwitchStrategy runs a strategy switch through the full pipeline in one
// call and returns the read-back state.
func (p *Pipeline) SwitchStrategy(ctx context.Context, origin domain.Origin, sessionID, key string) (Result, error) {
	res, err := p.Submit(ctx, Request{
		Origin:    origin,
		Kind:      domain.CommandSwitchStrategy,
		Args:      domain.CommandArgs{StrategyKey: key},
		SessionID: sessionID,
	})
	if err != nil {
		return res, err
	}
	return p.Confirm(ctx, sessionID, domain.Confirmation{CommandID: res.Command.ID, SuppliedToken: res.Preview.Token})
}

func normalizeArgs(args domain.CommandArgs) domain.CommandArgs {
	args.Instrument = strings.ToUpper(strings.TrimSpace(args.Instrument))
	args.Side = domain.Side(strings.ToUpper(strings.TrimSpace(string(args.Side))))
	args.StrategyKey = strings.TrimSpace(args.StrategyKey)
	args.Mode = strings.ToLower(strings.TrimSpace(args.Mode))
	return args
}

func classifyExecError(err error) error {
	switch {
	case err == nil:
		return nil
	case domain.KindOf(err) != "":
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrExecutionTimeout, "execution timed out; venue outcome unknown, reconcile manually", err)
	case errors.Is(err, broker.ErrRejected):
		return domain.WrapError(domain.ErrExecutionFailed, "venue rejected order", err)
	default:
		return domain.WrapError(domain.ErrExecutionFailed, fmt.Sprintf("execution failed: %v", err), err)
	}
}
