package risk

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/market"
)

const epsilon = 1e-9

type Input struct {
	Command domain.Command
	Account domain.AccountState
	Policy  domain.PolicySnapshot
	Quote   market.Quote
}

type Decision struct {
	Allowed    bool                `json:"allowed"`
	DenyKind   domain.ErrorKind    `json:"deny_kind,omitempty"`
	DenyReason string              `json:"deny_reason,omitempty"`
	Reducing   bool                `json:"reducing"`
	Price      float64             `json:"price,omitempty"`
	Projected  domain.AccountState `json:"projected"`
}

// Err converts a denial into the typed error surfaced to callers.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return domain.Errorf(d.DenyKind, "%s", d.DenyReason)
}

func deny(kind domain.ErrorKind, reason string) Decision {
	return Decision{Allowed: false, DenyKind: kind, DenyReason: reason}
}

func violation(reason string) Decision {
	return deny(domain.ErrPolicyViolation, reason)
}

// Evaluate computes the account state that would result from the command and
// checks it against the policy. It never mutates its input.
func Evaluate(in Input) Decision {
	cmd := in.Command
	args := cmd.Args
	projected := in.Account.Clone()
	instrument := strings.ToUpper(strings.TrimSpace(args.Instrument))

	switch cmd.Kind {
	case domain.CommandOpenPosition:
		if instrument == "" {
			return deny(domain.ErrInvalidCommand, "instrument_missing")
		}
		if !args.Side.Valid() {
			return deny(domain.ErrInvalidCommand, "side_invalid")
		}
		if args.Size <= 0 {
			return deny(domain.ErrInvalidCommand, "size_must_be_positive")
		}
		if _, exists := projected.OpenPositions[instrument]; exists {
			return violation("position_already_open")
		}
		price, d := checkOrder(in, instrument, args.Side, args.Size)
		if !d.Allowed {
			return d
		}
		if d := checkProtection(in.Policy, args.Side, price, args.StopLoss, args.TakeProfit); !d.Allowed {
			return d
		}
		projected.OpenPositions[instrument] = domain.Position{
			Instrument: instrument,
			Side:       args.Side,
			Size:       args.Size,
			EntryPrice: price,
			StopLoss:   args.StopLoss,
			TakeProfit: args.TakeProfit,
			OpenedAt:   cmd.SubmittedAt,
		}
		return checkCaps(in.Policy, projected, price)

	case domain.CommandScalePosition:
		if instrument == "" {
			return deny(domain.ErrInvalidCommand, "instrument_missing")
		}
		if args.Size <= 0 {
			return deny(domain.ErrInvalidCommand, "size_must_be_positive")
		}
		current, exists := projected.OpenPositions[instrument]
		if !exists {
			return violation("no_open_position")
		}
		switch {
		case math.Abs(args.Size-current.Size) < epsilon:
			return violation("size_unchanged")
		case args.Size < current.Size:
			if !validIncrement(args.Size, ruleFor(in.Policy, instrument).SizeIncrement) {
				return violation("size_increment_invalid")
			}
			current.Size = args.Size
			projected.OpenPositions[instrument] = current
			return reduced(projected, in.Quote.PriceFor(opposite(current.Side)))
		}
		price, d := checkOrder(in, instrument, current.Side, args.Size)
		if !d.Allowed {
			return d
		}
		added := args.Size - current.Size
		current.EntryPrice = (current.EntryPrice*current.Size + price*added) / args.Size
		current.Size = args.Size
		projected.OpenPositions[instrument] = current
		return checkCaps(in.Policy, projected, price)

	case domain.CommandClosePosition:
		if instrument == "" {
			return deny(domain.ErrInvalidCommand, "instrument_missing")
		}
		current, exists := projected.OpenPositions[instrument]
		if !exists {
			return violation("no_open_position")
		}
		delete(projected.OpenPositions, instrument)
		return reduced(projected, in.Quote.PriceFor(opposite(current.Side)))

	case domain.CommandPauseExecution:
		projected.ExecutionEnabled = false
		return reduced(projected, 0)

	case domain.CommandResumeExecution:
		projected.ExecutionEnabled = true
	}

	projected.TotalExposurePct = Exposure(projected.OpenPositions, projected.Equity)
	return Decision{Allowed: true, Projected: projected}
}

// checkOrder validates instrument identity, tradability, session, price
// bounds and size increment against the current snapshot.
func checkOrder(in Input, instrument string, side domain.Side, size float64) (float64, Decision) {
	rule, ok := in.Policy.PerInstrumentRules[instrument]
	if !ok || !rule.Tradable {
		return 0, violation("instrument_not_allowed")
	}
	if !strings.EqualFold(in.Quote.Instrument, instrument) {
		return 0, violation("market_data_unavailable")
	}
	if !in.Quote.MarketOpen {
		return 0, violation("market_closed")
	}
	price := in.Command.Args.Price
	if price <= 0 {
		price = in.Quote.PriceFor(side)
	}
	if price <= 0 {
		return 0, violation("price_unavailable")
	}
	if rule.MinPrice > 0 && price < rule.MinPrice {
		return 0, violation("price_below_bound")
	}
	if rule.MaxPrice > 0 && price > rule.MaxPrice {
		return 0, violation("price_above_bound")
	}
	if rule.MinSize > 0 && size < rule.MinSize {
		return 0, violation("size_below_minimum")
	}
	if !validIncrement(size, rule.SizeIncrement) {
		return 0, violation("size_increment_invalid")
	}
	if in.Account.Equity <= 0 {
		return 0, violation("equity_unavailable")
	}
	return price, Decision{Allowed: true}
}

func checkProtection(policy domain.PolicySnapshot, side domain.Side, price, sl, tp float64) Decision {
	if sl > 0 {
		if (side == domain.SideBuy && sl >= price) || (side == domain.SideSell && sl <= price) {
			return violation("stop_loss_wrong_side")
		}
		if math.Abs(price-sl) <= policy.MinSLTPDistance {
			return violation("stop_loss_too_close")
		}
	}
	if tp > 0 {
		if (side == domain.SideBuy && tp <= price) || (side == domain.SideSell && tp >= price) {
			return violation("take_profit_wrong_side")
		}
		if math.Abs(tp-price) <= policy.MinSLTPDistance {
			return violation("take_profit_too_close")
		}
	}
	return Decision{Allowed: true}
}

func checkCaps(policy domain.PolicySnapshot, projected domain.AccountState, price float64) Decision {
	projected.TotalExposurePct = Exposure(projected.OpenPositions, projected.Equity)
	if len(projected.OpenPositions) > policy.MaxPositions {
		return violation("max_positions_exceeded")
	}
	if projected.TotalExposurePct > policy.MaxExposurePct+epsilon {
		return violation("max_exposure_exceeded")
	}
	return Decision{Allowed: true, Price: price, Projected: projected}
}

// reduced builds the decision for risk-reducing commands, which are never
// held to the caps.
func reduced(projected domain.AccountState, price float64) Decision {
	projected.TotalExposurePct = Exposure(projected.OpenPositions, projected.Equity)
	return Decision{Allowed: true, Reducing: true, Price: price, Projected: projected}
}

func ruleFor(policy domain.PolicySnapshot, instrument string) domain.InstrumentRule {
	return policy.PerInstrumentRules[instrument]
}

func validIncrement(size, increment float64) bool {
	if increment <= 0 {
		return true
	}
	return decimal.NewFromFloat(size).Mod(decimal.NewFromFloat(increment)).IsZero()
}

func opposite(side domain.Side) domain.Side {
	if side == domain.SideSell {
		return domain.SideBuy
	}
	return domain.SideSell
}
