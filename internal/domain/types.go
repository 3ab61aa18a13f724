package domain

import (
	"encoding/json"
	"time"
)

type Origin string

const (
	OriginManual    Origin = "manual"
	OriginScheduled Origin = "scheduled"
	OriginAssistant Origin = "assistant"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginManual, OriginScheduled, OriginAssistant:
		return true
	}
	return false
}

type CommandKind string

const (
	CommandStatus          CommandKind = "status"
	CommandOpenPosition    CommandKind = "open_position"
	CommandScalePosition   CommandKind = "scale_position"
	CommandClosePosition   CommandKind = "close_position"
	CommandSwitchStrategy  CommandKind = "switch_strategy"
	CommandSetMode         CommandKind = "set_mode"
	CommandPauseExecution  CommandKind = "pause_execution"
	CommandResumeExecution CommandKind = "resume_execution"
)

func (k CommandKind) Valid() bool {
	switch k {
	case CommandStatus, CommandOpenPosition, CommandScalePosition, CommandClosePosition,
		CommandSwitchStrategy, CommandSetMode, CommandPauseExecution, CommandResumeExecution:
		return true
	}
	return false
}

// ReadOnly kinds never mutate state and skip the preview/confirm cycle.
func (k CommandKind) ReadOnly() bool {
	return k == CommandStatus
}

// Touches reports whether the kind issues an order to an execution venue.
func (k CommandKind) Touches() bool {
	switch k {
	case CommandOpenPosition, CommandScalePosition, CommandClosePosition:
		return true
	}
	return false
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

type Venue string

const (
	VenuePaper Venue = "paper"
	VenueLive  Venue = "live"
)

type AccountMode string

const (
	AccountPaper AccountMode = "PAPER"
	AccountLive  AccountMode = "LIVE"
)

// CommandArgs is the union of arguments accepted by every command kind.
// Unused fields stay at their zero value.
type CommandArgs struct {
	Instrument  string  `json:"instrument,omitempty"`
	Side        Side    `json:"side,omitempty"`
	Size        float64 `json:"size,omitempty"`
	Price       float64 `json:"price,omitempty"`
	StopLoss    float64 `json:"stop_loss,omitempty"`
	TakeProfit  float64 `json:"take_profit,omitempty"`
	StrategyKey string  `json:"strategy_key,omitempty"`
	Mode        string  `json:"mode,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

type Command struct {
	ID          string      `json:"command_id"`
	Origin      Origin      `json:"origin"`
	Kind        CommandKind `json:"kind"`
	Args        CommandArgs `json:"args"`
	SessionID   string      `json:"session_id"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

type Position struct {
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Venue      Venue     `json:"venue"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Notional is |size * entry price|.
func (p Position) Notional() float64 {
	n := p.Size * p.EntryPrice
	if n < 0 {
		return -n
	}
	return n
}

type AccountState struct {
	AccountID        string              `json:"-"`
	Mode             AccountMode         `json:"mode"`
	ExecutionEnabled bool                `json:"execution_enabled"`
	Equity           float64             `json:"equity"`
	OpenPositions    map[string]Position `json:"open_positions"`
	TotalExposurePct float64             `json:"total_exposure_pct"`
}

// Clone returns a deep copy so evaluations never alias the owned state.
func (a AccountState) Clone() AccountState {
	out := a
	out.OpenPositions = make(map[string]Position, len(a.OpenPositions))
	for k, v := range a.OpenPositions {
		out.OpenPositions[k] = v
	}
	return out
}

type InstrumentRule struct {
	Tradable      bool    `json:"tradable" mapstructure:"tradable"`
	MinSize       float64 `json:"min_size" mapstructure:"min_size"`
	SizeIncrement float64 `json:"size_increment" mapstructure:"size_increment"`
	MinPrice      float64 `json:"min_price" mapstructure:"min_price"`
	MaxPrice      float64 `json:"max_price" mapstructure:"max_price"`
}

type PolicySnapshot struct {
	Version            string                    `json:"version" mapstructure:"version"`
	MaxExposurePct     float64                   `json:"max_exposure_pct" mapstructure:"max_exposure_pct"`
	MaxPositions       int                       `json:"max_positions" mapstructure:"max_positions"`
	PerInstrumentRules map[string]InstrumentRule `json:"per_instrument_rules" mapstructure:"per_instrument_rules"`
	MinSLTPDistance    float64                   `json:"min_sl_tp_distance" mapstructure:"min_sl_tp_distance"`
}

type StrategyState struct {
	ActiveKey   string   `json:"active_key"`
	AllowedKeys []string `json:"allowed_keys"`
	DefaultKey  string   `json:"default_key"`
}

type Preview struct {
	CommandID                string       `json:"command_id"`
	Kind                     CommandKind  `json:"kind"`
	Token                    string       `json:"token"`
	ProjectedState           AccountState `json:"projected_state"`
	Summary                  string       `json:"summary"`
	ExpiresAt                time.Time    `json:"expires_at"`
	RequiresLiveConfirmation bool         `json:"requires_live_confirmation"`
}

type Confirmation struct {
	CommandID              string `json:"command_id"`
	SuppliedToken          string `json:"token"`
	LiveConfirmationPhrase string `json:"live_confirmation_phrase,omitempty"`
}

type PipelineState string

const (
	StateReceived  PipelineState = "RECEIVED"
	StateValidated PipelineState = "VALIDATED"
	StatePreviewed PipelineState = "PREVIEWED"
	StateConfirmed PipelineState = "CONFIRMED"
	StateRejected  PipelineState = "REJECTED"
	StateExpired   PipelineState = "EXPIRED"
	StateExecuting PipelineState = "EXECUTING"
	StateSucceeded PipelineState = "SUCCEEDED"
	StateFailed    PipelineState = "FAILED"
	StateAudited   PipelineState = "AUDITED"
)

// Terminal reports whether the state ends a command's lifecycle.
func (s PipelineState) Terminal() bool {
	switch s {
	case StateRejected, StateExpired, StateSucceeded, StateFailed:
		return true
	}
	return false
}

type AuditRecord struct {
	ID           string          `json:"audit_id"`
	CommandID    string          `json:"command_id"`
	Origin       Origin          `json:"origin"`
	Kind         CommandKind     `json:"kind"`
	SessionID    string          `json:"session_id"`
	ArgsRedacted json.RawMessage `json:"args_redacted"`
	Mode         string          `json:"mode"`
	Outcome      PipelineState   `json:"outcome"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// InFlight marks a command handed to an execution collaborator but not yet audited.
type InFlight struct {
	CommandID string      `json:"command_id"`
	Origin    Origin      `json:"origin"`
	Kind      CommandKind `json:"kind"`
	SessionID string      `json:"session_id"`
	Args      CommandArgs `json:"args"`
	Mode      string      `json:"mode"`
	StartedAt time.Time   `json:"started_at"`
}

type TradeRecord struct {
	ID         string    `json:"trade_id"`
	CommandID  string    `json:"command_id"`
	AccountID  string    `json:"account_id"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Venue      Venue     `json:"venue"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}
