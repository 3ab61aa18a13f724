package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const systemPrompt = `You help a retail trader operate their trading control plane.
Only act through the provided tools. Every state-changing tool produces a
preview that the human must confirm; never claim an action has executed.
You cannot switch between paper and live trading.`

type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Interpretation struct {
	Reply string     `json:"reply"`
	Calls []ToolCall `json:"calls"`
}

// Interpreter turns a free-text operator message into proposed tool calls.
type Interpreter interface {
	Interpret(ctx context.Context, message string) (Interpretation, error)
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type OpenAIInterpreter struct {
	cfg    OpenAIConfig
	sdk    *openai.Client
	tools  []openai.Tool
	logger *zap.Logger
}

func NewOpenAIInterpreter(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIInterpreter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	conf.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}

	defs := make([]openai.Tool, 0, len(tools))
	for _, kind := range Kinds() {
		t := tools[kind]
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(kind),
				Description: t.description,
				Parameters:  t.parameters,
			},
		})
	}
	return &OpenAIInterpreter{
		cfg:    cfg,
		sdk:    openai.NewClientWithConfig(conf),
		tools:  defs,
		logger: logger.Named("assistant"),
	}, nil
}

func (c *OpenAIInterpreter) Interpret(ctx context.Context, message string) (Interpretation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
		Tools:       c.tools,
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("openai chat completion failed", zap.Error(err))
		return Interpretation{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Interpretation{}, errors.New("openai returned no choices")
	}

	msg := resp.Choices[0].Message
	out := Interpretation{Reply: strings.TrimSpace(msg.Content)}
	for _, call := range msg.ToolCalls {
		if call.Type != "" && call.Type != openai.ToolTypeFunction {
			continue
		}
		args := json.RawMessage(strings.TrimSpace(call.Function.Arguments))
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out.Calls = append(out.Calls, ToolCall{Name: call.Function.Name, Arguments: args})
	}
	c.logger.Info("assistant interpreted message",
		zap.Int("tool_calls", len(out.Calls)),
		zap.String("model", resp.Model),
	)
	return out, nil
}
