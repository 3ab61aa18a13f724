package assistant

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/service/pipeline"
)

const maxCallsPerMessage = 5

// Commander is the part of the pipeline the assistant may drive. It is the
// same instance the manual API uses.
type Commander interface {
	Submit(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Confirm(ctx context.Context, sessionID string, conf domain.Confirmation) (pipeline.Result, error)
}

type ToolOutcome struct {
	Tool      ToolKind             `json:"tool"`
	CommandID string               `json:"command_id,omitempty"`
	State     domain.PipelineState `json:"state,omitempty"`
	ErrorKind domain.ErrorKind     `json:"error_kind,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Status    *pipeline.Status     `json:"status,omitempty"`
}

type Reply struct {
	Reply                string           `json:"reply"`
	ToolPreviews         []domain.Preview `json:"tool_previews"`
	Outcomes             []ToolOutcome    `json:"outcomes"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
}

type Gateway struct {
	interpreter Interpreter
	commands    Commander
	logger      *zap.Logger
}

func NewGateway(interpreter Interpreter, commands Commander, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{interpreter: interpreter, commands: commands, logger: logger.Named("assistant")}
}

// Interpret asks the model for tool calls and submits each through the
// pipeline as an assistant-origin command. Nothing executes here; mutating
// tools stop at PREVIEWED.
func (g *Gateway) Interpret(ctx context.Context, sessionID, message string) (Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, domain.Errorf(domain.ErrInvalidCommand, "message is required")
	}
	interp, err := g.interpreter.Interpret(ctx, message)
	if err != nil {
		return Reply{}, domain.WrapError(domain.ErrExecutionFailed, "assistant unavailable", err)
	}

	out := Reply{Reply: interp.Reply, ToolPreviews: []domain.Preview{}, Outcomes: []ToolOutcome{}}
	calls := interp.Calls
	if len(calls) > maxCallsPerMessage {
		g.logger.Warn("assistant proposed too many tool calls; extra calls dropped",
			zap.Int("proposed", len(calls)),
			zap.Int("kept", maxCallsPerMessage),
		)
		calls = calls[:maxCallsPerMessage]
	}

	for _, call := range calls {
		kind, err := ParseToolKind(call.Name)
		if err != nil {
			g.logger.Warn("assistant requested a tool outside the allowed set", zap.String("tool", call.Name))
			out.Outcomes = append(out.Outcomes, refused(ToolKind(call.Name), err))
			continue
		}
		req, err := kind.Handle(call.Arguments)
		if err != nil {
			out.Outcomes = append(out.Outcomes, refused(kind, err))
			continue
		}
		req.Origin = domain.OriginAssistant
		req.SessionID = sessionID

		res, err := g.commands.Submit(ctx, req)
		outcome := ToolOutcome{Tool: kind, CommandID: res.Command.ID, State: res.State, Status: res.Status}
		if err != nil {
			outcome.ErrorKind = domain.KindOf(err)
			outcome.Reason = domain.ReasonOf(err)
		}
		if res.Preview != nil {
			out.ToolPreviews = append(out.ToolPreviews, *res.Preview)
			out.RequiresConfirmation = true
		}
		out.Outcomes = append(out.Outcomes, outcome)
	}
	return out, nil
}

// Confirm completes a preview the assistant proposed. The human supplies
// the token, the assistant never does.
func (g *Gateway) Confirm(ctx context.Context, sessionID string, conf domain.Confirmation) (pipeline.Result, error) {
	return g.commands.Confirm(ctx, sessionID, conf)
}

func refused(kind ToolKind, err error) ToolOutcome {
	return ToolOutcome{
		Tool:      kind,
		ErrorKind: domain.KindOf(err),
		Reason:    domain.ReasonOf(err),
	}
}
