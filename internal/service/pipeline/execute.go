package pipeline

import (
	"context"

	"go.uber.org/zap"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/ids"
	"tradegate/internal/service/risk"
)

type execOutcome struct {
	fill     *broker.Fill
	account  *domain.AccountState
	strategy *domain.StrategyState
}

// execute performs the single external call for a confirmed command and
// applies its effect. The caller's cancellation does not reach the venue
// once dispatched; only the execution timeout does.
func (p *Pipeline) execute(ctx context.Context, cmd domain.Command, ev evaluation, phrase string) (execOutcome, error) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ExecutionTimeout)
	defer cancel()

	switch cmd.Kind {
	case domain.CommandOpenPosition, domain.CommandScalePosition, domain.CommandClosePosition:
		return p.executeOrder(ectx, cmd, ev)

	case domain.CommandSwitchStrategy:
		state, err := p.strategies.Switch(ectx, cmd.Args.StrategyKey)
		return execOutcome{strategy: &state}, classifyExecError(err)

	case domain.CommandSetMode:
		if cmd.Args.Mode == "paper" {
			p.gate.Revert()
		} else {
			if _, err := p.gate.Arm(); err != nil {
				return execOutcome{}, err
			}
			if _, err := p.gate.Activate(phrase); err != nil {
				return execOutcome{}, err
			}
		}
		acct := p.Account()
		return execOutcome{account: &acct}, nil

	case domain.CommandPauseExecution, domain.CommandResumeExecution:
		p.mu.Lock()
		p.account.ExecutionEnabled = cmd.Kind == domain.CommandResumeExecution
		p.mu.Unlock()
		acct := p.Account()
		return execOutcome{account: &acct}, nil
	}
	return execOutcome{}, domain.Errorf(domain.ErrInvalidCommand, "kind %q has no executor", cmd.Kind)
}

func (p *Pipeline) executeOrder(ctx context.Context, cmd domain.Command, ev evaluation) (execOutcome, error) {
	defer p.release(ev)

	order, err := p.buildOrder(cmd, ev)
	if err != nil {
		return execOutcome{}, err
	}
	executor := p.executors[ev.venue]

	type reply struct {
		fill broker.Fill
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		fill, err := executor.Execute(ctx, order)
		done <- reply{fill: fill, err: err}
	}()

	var fill broker.Fill
	select {
	case r := <-done:
		if r.err != nil {
			return execOutcome{}, classifyExecError(r.err)
		}
		fill = r.fill
	case <-ctx.Done():
		return execOutcome{}, classifyExecError(ctx.Err())
	}
	if fill.Size <= 0 {
		fill.Size = order.Size
	}
	if fill.Price <= 0 {
		fill.Price = order.Price
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = p.now()
	}

	acct, trade := p.applyFill(cmd, ev, order, fill)
	p.persist(context.WithoutCancel(ctx), acct, trade)
	return execOutcome{fill: &fill, account: &acct}, nil
}

func (p *Pipeline) buildOrder(cmd domain.Command, ev evaluation) (broker.Order, error) {
	args := cmd.Args
	order := broker.Order{
		CommandID:  cmd.ID,
		AccountID:  p.cfg.AccountID,
		Instrument: args.Instrument,
		Price:      ev.decision.Price,
	}
	switch {
	case cmd.Kind == domain.CommandOpenPosition:
		order.Action = broker.ActionOpen
		order.Side = args.Side
		order.Size = args.Size
		order.StopLoss = args.StopLoss
		order.TakeProfit = args.TakeProfit
	case ev.current == nil:
		return broker.Order{}, domain.Errorf(domain.ErrPolicyViolation, "no_open_position")
	case cmd.Kind == domain.CommandClosePosition:
		order.Action = broker.ActionClose
		order.Side = opposite(ev.current.Side)
		order.Size = ev.current.Size
	case ev.decision.Reducing:
		order.Action = broker.ActionReduce
		order.Side = opposite(ev.current.Side)
		order.Size = ev.current.Size - args.Size
	default:
		order.Action = broker.ActionOpen
		order.Side = ev.current.Side
		order.Size = args.Size - ev.current.Size
	}
	if order.Price <= 0 && ev.current != nil {
		// reductions are never blocked on missing market data
		order.Price = ev.current.EntryPrice
		p.logger.Warn("no quote for reduction; using entry price as reference",
			zap.String("command_id", cmd.ID),
			zap.String("instrument", args.Instrument),
		)
	}
	return order, nil
}

// applyFill mutates the owned account state in one critical section.
func (p *Pipeline) applyFill(cmd domain.Command, ev evaluation, order broker.Order, fill broker.Fill) (domain.AccountState, *domain.TradeRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	instrument := order.Instrument
	var trade *domain.TradeRecord
	pos, exists := p.account.OpenPositions[instrument]

	switch order.Action {
	case broker.ActionOpen:
		if !exists {
			pos = domain.Position{
				Instrument: instrument,
				Side:       order.Side,
				StopLoss:   order.StopLoss,
				TakeProfit: order.TakeProfit,
				Venue:      ev.venue,
				OpenedAt:   fill.FilledAt,
			}
		}
		total := pos.Size + fill.Size
		pos.EntryPrice = (pos.EntryPrice*pos.Size + fill.Price*fill.Size) / total
		pos.Size = total
		p.account.OpenPositions[instrument] = pos

	case broker.ActionReduce, broker.ActionClose:
		if !exists {
			break
		}
		closed := min(fill.Size, pos.Size)
		trade = &domain.TradeRecord{
			ID:         ids.At(fill.FilledAt),
			CommandID:  cmd.ID,
			AccountID:  p.cfg.AccountID,
			Instrument: instrument,
			Side:       pos.Side,
			Size:       closed,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  fill.Price,
			PnL:        risk.RealizedPnL(pos, closed, fill.Price),
			Venue:      pos.Venue,
			OpenedAt:   pos.OpenedAt,
			ClosedAt:   fill.FilledAt,
		}
		pos.Size -= closed
		if order.Action == broker.ActionClose || pos.Size <= 0 {
			delete(p.account.OpenPositions, instrument)
		} else {
			p.account.OpenPositions[instrument] = pos
		}
		p.account.Equity += trade.PnL
	}
	p.account.TotalExposurePct = risk.Exposure(p.account.OpenPositions, p.account.Equity)
	return p.snapshotLocked(), trade
}

// persist is best effort; the audit record is the source of truth.
func (p *Pipeline) persist(ctx context.Context, acct domain.AccountState, trade *domain.TradeRecord) {
	if err := p.store.SavePositions(ctx, p.cfg.AccountID, acct.OpenPositions); err != nil {
		p.logger.Warn("position snapshot not saved", zap.Error(err))
	}
	if trade == nil {
		return
	}
	if err := p.store.AppendTrade(ctx, *trade); err != nil {
		p.logger.Warn("trade not journaled", zap.String("command_id", trade.CommandID), zap.Error(err))
	}
}

func opposite(side domain.Side) domain.Side {
	if side == domain.SideSell {
		return domain.SideBuy
	}
	return domain.SideSell
}
