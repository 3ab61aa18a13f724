package assistant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"tradegate/internal/domain"
	"tradegate/internal/service/pipeline"
)

// ToolKind is the closed set of actions the assistant may request.
// Switching to live execution is deliberately absent.
type ToolKind string

const (
	ToolGetStatus       ToolKind = "get_status"
	ToolOpenPosition    ToolKind = "open_position"
	ToolScalePosition   ToolKind = "scale_position"
	ToolClosePosition   ToolKind = "close_position"
	ToolSwitchStrategy  ToolKind = "switch_strategy"
	ToolPauseExecution  ToolKind = "pause_execution"
	ToolResumeExecution ToolKind = "resume_execution"
)

// Handler turns validated tool arguments into a pipeline request. Origin
// and session are stamped by the gateway.
type Handler func(args json.RawMessage) (pipeline.Request, error)

type tool struct {
	description string
	parameters  json.RawMessage
	handle      Handler
}

var noParams = json.RawMessage(`{"type":"object","properties":{}}`)

var tools = map[ToolKind]tool{
	ToolGetStatus: {
		description: "Report trading mode, execution flag, active strategy and exposure.",
		parameters:  noParams,
		handle:      fixed(domain.CommandStatus),
	},
	ToolOpenPosition: {
		description: "Propose opening a new position. Requires human confirmation.",
		parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"instrument":{"type":"string"},` +
			`"side":{"type":"string","enum":["BUY","SELL"]},` +
			`"size":{"type":"number"},` +
			`"stop_loss":{"type":"number"},` +
			`"take_profit":{"type":"number"},` +
			`"reason":{"type":"string"}},` +
			`"required":["instrument","side","size"]}`),
		handle: openPosition,
	},
	ToolScalePosition: {
		description: "Propose resizing an open position to a new absolute size. Requires human confirmation.",
		parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"instrument":{"type":"string"},` +
			`"size":{"type":"number"},` +
			`"reason":{"type":"string"}},` +
			`"required":["instrument","size"]}`),
		handle: scalePosition,
	},
	ToolClosePosition: {
		description: "Propose closing an open position. Requires human confirmation.",
		parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"instrument":{"type":"string"},` +
			`"reason":{"type":"string"}},` +
			`"required":["instrument"]}`),
		handle: closePosition,
	},
	ToolSwitchStrategy: {
		description: "Propose switching the active strategy to one of the allowed keys.",
		parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"strategy_key":{"type":"string"}},` +
			`"required":["strategy_key"]}`),
		handle: switchStrategy,
	},
	ToolPauseExecution: {
		description: "Propose pausing new risk-increasing orders.",
		parameters:  noParams,
		handle:      fixed(domain.CommandPauseExecution),
	},
	ToolResumeExecution: {
		description: "Propose resuming order execution.",
		parameters:  noParams,
		handle:      fixed(domain.CommandResumeExecution),
	},
}

// Kinds lists every tool in a stable order.
func Kinds() []ToolKind {
	out := make([]ToolKind, 0, len(tools))
	for k := range tools {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// ParseToolKind refuses any name outside the closed set.
func ParseToolKind(name string) (ToolKind, error) {
	k := ToolKind(name)
	if _, ok := tools[k]; !ok {
		return "", domain.Errorf(domain.ErrInvalidCommand, "tool %q is not allowed", name)
	}
	return k, nil
}

// Handle dispatches args to the kind's handler.
func (k ToolKind) Handle(args json.RawMessage) (pipeline.Request, error) {
	t, ok := tools[k]
	if !ok {
		return pipeline.Request{}, domain.Errorf(domain.ErrInvalidCommand, "tool %q is not allowed", k)
	}
	return t.handle(args)
}

func fixed(kind domain.CommandKind) Handler {
	return func(json.RawMessage) (pipeline.Request, error) {
		return pipeline.Request{Kind: kind}, nil
	}
}

type positionArgs struct {
	Instrument  string  `json:"instrument"`
	Side        string  `json:"side"`
	Size        float64 `json:"size"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	StrategyKey string  `json:"strategy_key"`
	Reason      string  `json:"reason"`
}

func decodeArgs(raw json.RawMessage) (positionArgs, error) {
	var args positionArgs
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, domain.WrapError(domain.ErrInvalidCommand, fmt.Sprintf("invalid tool arguments: %v", err), err)
	}
	return args, nil
}

func openPosition(raw json.RawMessage) (pipeline.Request, error) {
	args, err := decodeArgs(raw)
	if err != nil {
		return pipeline.Request{}, err
	}
	if args.Instrument == "" || args.Size <= 0 {
		return pipeline.Request{}, domain.Errorf(domain.ErrInvalidCommand, "open_position needs instrument and a positive size")
	}
	return pipeline.Request{
		Kind: domain.CommandOpenPosition,
		Args: domain.CommandArgs{
			Instrument: args.Instrument,
			Side:       domain.Side(args.Side),
			Size:       args.Size,
			StopLoss:   args.StopLoss,
			TakeProfit: args.TakeProfit,
			Reason:     args.Reason,
		},
	}, nil
}

func scalePosition(raw json.RawMessage) (pipeline.Request, error) {
	args, err := decodeArgs(raw)
	if err != nil {
		return pipeline.Request{}, err
	}
	if args.Instrument == "" || args.Size <= 0 {
		return pipeline.Request{}, domain.Errorf(domain.ErrInvalidCommand, "scale_position needs instrument and a positive size")
	}
	return pipeline.Request{
		Kind: domain.CommandScalePosition,
		Args: domain.CommandArgs{Instrument: args.Instrument, Size: args.Size, Reason: args.Reason},
	}, nil
}

func closePosition(raw json.RawMessage) (pipeline.Request, error) {
	args, err := decodeArgs(raw)
	if err != nil {
		return pipeline.Request{}, err
	}
	if args.Instrument == "" {
		return pipeline.Request{}, domain.Errorf(domain.ErrInvalidCommand, "close_position needs instrument")
	}
	return pipeline.Request{
		Kind: domain.CommandClosePosition,
		Args: domain.CommandArgs{Instrument: args.Instrument, Reason: args.Reason},
	}, nil
}

func switchStrategy(raw json.RawMessage) (pipeline.Request, error) {
	args, err := decodeArgs(raw)
	if err != nil {
		return pipeline.Request{}, err
	}
	if args.StrategyKey == "" {
		return pipeline.Request{}, domain.Errorf(domain.ErrInvalidCommand, "switch_strategy needs strategy_key")
	}
	return pipeline.Request{
		Kind: domain.CommandSwitchStrategy,
		Args: domain.CommandArgs{StrategyKey: args.StrategyKey},
	}, nil
}
