package risk

import (
	"math/rand"
	"testing"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/market"
)

func testPolicy() domain.PolicySnapshot {
	return domain.PolicySnapshot{
		MaxExposurePct:  10,
		MaxPositions:    2,
		MinSLTPDistance: 0.001,
		PerInstrumentRules: map[string]domain.InstrumentRule{
			"EURUSD": {Tradable: true, MinSize: 1, SizeIncrement: 1, MinPrice: 0.5, MaxPrice: 2},
			"GBPUSD": {Tradable: true, SizeIncrement: 1},
			"USDJPY": {Tradable: true, SizeIncrement: 1},
			"XAUUSD": {Tradable: false},
		},
	}
}

func testAccount() domain.AccountState {
	return domain.AccountState{
		Mode:             domain.AccountPaper,
		ExecutionEnabled: true,
		Equity:           10000,
		OpenPositions:    map[string]domain.Position{},
	}
}

func quote(instrument string, px float64) market.Quote {
	return market.Quote{Instrument: instrument, Bid: px, Ask: px, MarketOpen: true}
}

func command(kind domain.CommandKind, args domain.CommandArgs) domain.Command {
	return domain.Command{ID: "cmd-1", Kind: kind, Args: args, SubmittedAt: time.Now().UTC()}
}

func TestEvaluate_OpenWithinCaps(t *testing.T) {
	d := Evaluate(Input{
		Command: command(domain.CommandOpenPosition, domain.CommandArgs{Instrument: "eurusd", Side: domain.SideBuy, Size: 500}),
		Account: testAccount(),
		Policy:  testPolicy(),
		Quote:   quote("EURUSD", 1.0),
	})
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	if d.Projected.TotalExposurePct < 4.999 || d.Projected.TotalExposurePct > 5.001 {
		t.Fatalf("expected projected exposure 5%%, got %.4f", d.Projected.TotalExposurePct)
	}
	if _, ok := d.Projected.OpenPositions["EURUSD"]; !ok {
		t.Fatalf("expected EURUSD in projected positions")
	}
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	account := testAccount()
	_ = Evaluate(Input{
		Command: command(domain.CommandOpenPosition, domain.CommandArgs{Instrument: "EURUSD", Side: domain.SideBuy, Size: 500}),
		Account: account,
		Policy:  testPolicy(),
		Quote:   quote("EURUSD", 1.0),
	})
	if len(account.OpenPositions) != 0 {
		t.Fatalf("evaluation leaked into the caller's account state")
	}
}

func TestEvaluate_ScaleAgainstExposureCap(t *testing.T) {
	account := testAccount()
	account.OpenPositions["EURUSD"] = domain.Position{Instrument: "EURUSD", Side: domain.SideBuy, Size: 500, EntryPrice: 1.0}

	tooBig := Evaluate(Input{
		Command: command(domain.CommandScalePosition, domain.CommandArgs{Instrument: "EURUSD", Size: 1500}),
		Account: account,
		Policy:  testPolicy(),
		Quote:   quote("EURUSD", 1.0),
	})
	if tooBig.Allowed || tooBig.DenyKind != domain.ErrPolicyViolation || tooBig.DenyReason != "max_exposure_exceeded" {
		t.Fatalf("expected max_exposure_exceeded, got %+v", tooBig)
	}

	ok := Evaluate(Input{
		Command: command(domain.CommandScalePosition, domain.CommandArgs{Instrument: "EURUSD", Size: 800}),
		Account: account,
		Policy:  testPolicy(),
		Quote:   quote("EURUSD", 1.0),
	})
	if !ok.Allowed {
		t.Fatalf("expected scale to 8%% to pass, got %+v", ok)
	}
	if ok.Projected.TotalExposurePct < 7.999 || ok.Projected.TotalExposurePct > 8.001 {
		t.Fatalf("expected 8%% exposure, got %.4f", ok.Projected.TotalExposurePct)
	}
}

func TestEvaluate_RejectsPositionCount(t *testing.T) {
	account := testAccount()
	account.OpenPositions["EURUSD"] = domain.Position{Instrument: "EURUSD", Side: domain.SideBuy, Size: 10, EntryPrice: 1.0}
	account.OpenPositions["GBPUSD"] = domain.Position{Instrument: "GBPUSD", Side: domain.SideBuy, Size: 10, EntryPrice: 1.0}
	d := Evaluate(Input{
		Command: command(domain.CommandOpenPosition, domain.CommandArgs{Instrument: "USDJPY", Side: domain.SideSell, Size: 1}),
		Account: account,
		Policy:  testPolicy(),
		Quote:   quote("USDJPY", 150),
	})
	if d.Allowed || d.DenyReason != "max_positions_exceeded" {
		t.Fatalf("expected max_positions_exceeded, got %+v", d)
	}
}

func TestEvaluate_OrderValidation(t *testing.T) {
	tests := []struct {
		name   string
		args   domain.CommandArgs
		quote  market.Quote
		reason string
	}{
		{"not tradable", domain.CommandArgs{Instrument: "XAUUSD", Side: domain.SideBuy, Size: 1}, quote("XAUUSD", 1.5), "instrument_not_allowed"},
		{"unknown instrument", domain.CommandArgs{Instrument: "BTCUSD", Side: domain.SideBuy, Size: 1}, quote("BTCUSD", 1.5), "instrument_not_allowed"},
		{"market closed", domain.CommandArgs{Instrument: "EURUSD", Side: domain.SideBuy, Size: 1}, market.Quote{Instrument: "EURUSD", Bid: 1, Ask: 1}, "market_closed"},
		{"price bound", domain.CommandArgs{Instrument: "EURUSD", Side: domain.SideBuy, Size: 1}, quote("EURUSD", 2.5), "price_above_bound"},
		{"size increment", domain.CommandArgs{Instrument: "EURUSD", Side: domain.SideBuy, Size: 1.5}, quote("EURUSD", 1.0), "size_increment_invalid"},
		{"size minimum", domain.CommandArgs{Instrument: "EURUSD", Side: domain.SideBuy, Size: 0.5}, quote("EURUSD", 1.0), "size_below_minimum"},
		{"stop too close", domain.CommandArgs{Instrument: "EURUSD", Side: domain.SideBuy, Size: 1, StopLoss: 0.9995}, quote("EURUSD", 1.0), "stop_loss_too_close"},
		{"stop wrong side", domain.CommandArgs{Instrument: "EURUSD", Side: domain.SideBuy, Size: 1, StopLoss: 1.01}, quote("EURUSD", 1.0), "stop_loss_wrong_side"},
		{"take profit too close", domain.CommandArgs{Instrument: "EURUSD", Side: domain.SideSell, Size: 1, TakeProfit: 0.9995}, quote("EURUSD", 1.0), "take_profit_too_close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(Input{
				Command: command(domain.CommandOpenPosition, tt.args),
				Account: testAccount(),
				Policy:  testPolicy(),
				Quote:   tt.quote,
			})
			if d.Allowed || d.DenyReason != tt.reason {
				t.Fatalf("expected %s, got %+v", tt.reason, d)
			}
		})
	}
}

func TestEvaluate_ReductionsIgnoreCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		account := testAccount()
		size := float64(1 + rng.Intn(50000))
		account.OpenPositions["EURUSD"] = domain.Position{Instrument: "EURUSD", Side: domain.SideBuy, Size: size, EntryPrice: 1.0}
		account.OpenPositions["GBPUSD"] = domain.Position{Instrument: "GBPUSD", Side: domain.SideSell, Size: size, EntryPrice: 1.3}
		account.OpenPositions["USDJPY"] = domain.Position{Instrument: "USDJPY", Side: domain.SideBuy, Size: 1, EntryPrice: 150}
		policy := testPolicy()
		policy.MaxExposurePct = rng.Float64()

		closeD := Evaluate(Input{
			Command: command(domain.CommandClosePosition, domain.CommandArgs{Instrument: "EURUSD"}),
			Account: account,
			Policy:  policy,
			Quote:   quote("EURUSD", 1.0),
		})
		if !closeD.Allowed || !closeD.Reducing {
			t.Fatalf("close rejected at exposure cap %.3f: %+v", policy.MaxExposurePct, closeD)
		}

		if size > 1 {
			shrink := Evaluate(Input{
				Command: command(domain.CommandScalePosition, domain.CommandArgs{Instrument: "GBPUSD", Size: float64(int(size) / 2)}),
				Account: account,
				Policy:  policy,
				Quote:   market.Quote{Instrument: "GBPUSD"},
			})
			if !shrink.Allowed || !shrink.Reducing {
				t.Fatalf("shrink rejected: %+v", shrink)
			}
		}
	}
}

func TestEvaluate_CloseRequiresPosition(t *testing.T) {
	d := Evaluate(Input{
		Command: command(domain.CommandClosePosition, domain.CommandArgs{Instrument: "EURUSD"}),
		Account: testAccount(),
		Policy:  testPolicy(),
	})
	if d.Allowed || d.DenyReason != "no_open_position" {
		t.Fatalf("expected no_open_position, got %+v", d)
	}
}

func TestEvaluate_PauseIsReducing(t *testing.T) {
	d := Evaluate(Input{
		Command: command(domain.CommandPauseExecution, domain.CommandArgs{}),
		Account: testAccount(),
		Policy:  testPolicy(),
	})
	if !d.Allowed || !d.Reducing || d.Projected.ExecutionEnabled {
		t.Fatalf("expected pause to be an allowed reduction, got %+v", d)
	}
}
