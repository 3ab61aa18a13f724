package pipeline

import (
	"context"
	"fmt"

	"tradegate/internal/domain"
	"tradegate/internal/market"
	"tradegate/internal/service/mode"
	"tradegate/internal/service/risk"
)

// ReasonInstrumentBusy refuses any command touching an instrument that has
// an execution in flight, reductions included. It is a pipeline
// serialization rule, not a policy rule: the policy engine alone would
// allow the reduction. The caller retries once the execution finishes.
const ReasonInstrumentBusy = "instrument_busy"

type evaluation struct {
	decision     risk.Decision
	venue        domain.Venue
	requiresLive bool
	// position as it stood when the command was evaluated
	current  *domain.Position
	summary  string
	reserved string
}

// evaluate validates cmd against a fresh policy snapshot, the mode gate and
// the effective account state. With reserve set, a touched instrument is
// held until release so concurrent confirmations cannot race past caps.
func (p *Pipeline) evaluate(ctx context.Context, cmd domain.Command, reserve bool) (evaluation, error) {
	args := cmd.Args
	switch cmd.Kind {
	case domain.CommandSwitchStrategy:
		if args.StrategyKey == "" {
			return evaluation{}, domain.Errorf(domain.ErrInvalidCommand, "strategy_key is required")
		}
		if !p.strategies.Allowed(args.StrategyKey) {
			return evaluation{}, domain.Errorf(domain.ErrUnknownStrategy, "strategy %q is not in the allowed set", args.StrategyKey)
		}
	case domain.CommandSetMode:
		if args.Mode != "live" && args.Mode != "paper" {
			return evaluation{}, domain.Errorf(domain.ErrInvalidCommand, "mode must be live or paper")
		}
	}

	var quote market.Quote
	if cmd.Kind.Touches() && args.Instrument != "" {
		q, err := p.quotes.Quote(ctx, args.Instrument)
		if err == nil {
			quote = q
		}
	}
	policy := p.policy.Current()
	gateMode := p.gate.CurrentMode()

	p.mu.Lock()
	defer p.mu.Unlock()

	if cmd.Kind.Touches() {
		if r, busy := p.reserved[args.Instrument]; busy {
			return evaluation{}, domain.Errorf(domain.ErrPolicyViolation, "%s: %s is executing command %s", ReasonInstrumentBusy, args.Instrument, r.commandID)
		}
	}
	effective := p.effectiveLocked(gateMode)
	decision := risk.Evaluate(risk.Input{Command: cmd, Account: effective, Policy: policy, Quote: quote})
	if !decision.Allowed {
		return evaluation{}, decision.Err()
	}
	ev := evaluation{decision: decision}

	switch cmd.Kind {
	case domain.CommandOpenPosition, domain.CommandScalePosition, domain.CommandClosePosition:
		if pos, ok := effective.OpenPositions[args.Instrument]; ok {
			ev.current = &pos
			ev.venue = pos.Venue
		}
		if !decision.Reducing {
			if !effective.ExecutionEnabled {
				return evaluation{}, domain.Errorf(domain.ErrModeGateDenied, "execution is paused; only risk-reducing commands are accepted")
			}
			if ev.venue == "" {
				ev.venue = venueFor(gateMode)
			}
			if ev.venue != venueFor(gateMode) {
				return evaluation{}, domain.Errorf(domain.ErrModeGateDenied, "position on %s cannot be increased while mode is %s", ev.venue, gateMode)
			}
			ev.requiresLive = ev.venue == domain.VenueLive
		}
		if _, ok := p.executors[ev.venue]; !ok {
			return evaluation{}, domain.Errorf(domain.ErrModeGateDenied, "no executor configured for %s venue", ev.venue)
		}
		if pos, ok := decision.Projected.OpenPositions[args.Instrument]; ok {
			pos.Venue = ev.venue
			ev.decision.Projected.OpenPositions[args.Instrument] = pos
		}

	case domain.CommandSetMode:
		if args.Mode == "paper" {
			ev.decision.Reducing = true
			ev.decision.Projected.Mode = domain.AccountPaper
			break
		}
		if gateMode == mode.LiveActive {
			return evaluation{}, domain.Errorf(domain.ErrInvalidCommand, "mode is already LIVE_ACTIVE")
		}
		if !p.gate.LiveRequested() {
			return evaluation{}, domain.Errorf(domain.ErrModeGateDenied, "live trading not requested")
		}
		if _, ok := p.executors[domain.VenueLive]; !ok {
			return evaluation{}, domain.Errorf(domain.ErrModeGateDenied, "live executor not configured")
		}
		ev.requiresLive = true
		ev.decision.Projected.Mode = domain.AccountLive
	}

	ev.summary = summarize(cmd, effective, ev, policy)
	if reserve && cmd.Kind.Touches() {
		r := reservation{commandID: cmd.ID}
		if pos, ok := ev.decision.Projected.OpenPositions[args.Instrument]; ok {
			r.projected = &pos
		}
		p.reserved[args.Instrument] = r
		ev.reserved = args.Instrument
	}
	return ev, nil
}

// effectiveLocked is the account as it would look if every in-flight
// execution landed at its larger footprint. Caller holds p.mu.
func (p *Pipeline) effectiveLocked(gateMode mode.Mode) domain.AccountState {
	acct := p.account.Clone()
	acct.Mode = gateMode.Account()
	for instrument, r := range p.reserved {
		if r.projected == nil {
			continue
		}
		cur, ok := acct.OpenPositions[instrument]
		if !ok || r.projected.Notional() > cur.Notional() {
			acct.OpenPositions[instrument] = *r.projected
		}
	}
	acct.TotalExposurePct = risk.Exposure(acct.OpenPositions, acct.Equity)
	return acct
}

func (p *Pipeline) release(ev evaluation) {
	if ev.reserved == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, ev.reserved)
}

func venueFor(m mode.Mode) domain.Venue {
	if m.Account() == domain.AccountLive {
		return domain.VenueLive
	}
	return domain.VenuePaper
}

func summarize(cmd domain.Command, before domain.AccountState, ev evaluation, policy domain.PolicySnapshot) string {
	args := cmd.Args
	after := ev.decision.Projected
	exposure := fmt.Sprintf("exposure %.2f%% -> %.2f%% (cap %.2f%%), positions %d -> %d (cap %d)",
		before.TotalExposurePct, after.TotalExposurePct, policy.MaxExposurePct,
		len(before.OpenPositions), len(after.OpenPositions), policy.MaxPositions)

	switch cmd.Kind {
	case domain.CommandOpenPosition:
		return fmt.Sprintf("open %s %g %s @ %.5f on %s; %s", args.Side, args.Size, args.Instrument, ev.decision.Price, ev.venue, exposure)
	case domain.CommandScalePosition:
		from := 0.0
		if ev.current != nil {
			from = ev.current.Size
		}
		return fmt.Sprintf("scale %s %g -> %g on %s; %s", args.Instrument, from, args.Size, ev.venue, exposure)
	case domain.CommandClosePosition:
		return fmt.Sprintf("close %s on %s; %s", args.Instrument, ev.venue, exposure)
	case domain.CommandSwitchStrategy:
		return fmt.Sprintf("switch active strategy to %s", args.StrategyKey)
	case domain.CommandSetMode:
		if args.Mode == "live" {
			return "switch execution to LIVE (real money); requires the live confirmation phrase"
		}
		return "switch execution to PAPER"
	case domain.CommandPauseExecution:
		return "pause new risk-increasing orders"
	case domain.CommandResumeExecution:
		return "resume order execution"
	}
	return string(cmd.Kind)
}
