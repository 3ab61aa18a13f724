package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/domain"
	"tradegate/internal/service/pipeline"
)

type scriptedInterpreter struct {
	out Interpretation
	err error
}

func (s scriptedInterpreter) Interpret(context.Context, string) (Interpretation, error) {
	return s.out, s.err
}

type recordingCommander struct {
	submitted []pipeline.Request
	confirmed []domain.Confirmation
}

func (r *recordingCommander) Submit(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	r.submitted = append(r.submitted, req)
	cmd := domain.Command{ID: "cmd-" + string(req.Kind), Origin: req.Origin, Kind: req.Kind, Args: req.Args, SessionID: req.SessionID}
	switch req.Kind {
	case domain.CommandStatus:
		return pipeline.Result{Command: cmd, State: domain.StateSucceeded, Status: &pipeline.Status{ActiveStrategyKey: "trend"}}, nil
	case domain.CommandSwitchStrategy:
		return pipeline.Result{Command: cmd, State: domain.StateRejected}, domain.Errorf(domain.ErrUnknownStrategy, "strategy %q is not in the allowed set", req.Args.StrategyKey)
	}
	preview := domain.Preview{CommandID: cmd.ID, Kind: req.Kind, Token: "tok-" + cmd.ID, ExpiresAt: time.Now().Add(time.Minute)}
	return pipeline.Result{Command: cmd, State: domain.StatePreviewed, Preview: &preview}, nil
}

func (r *recordingCommander) Confirm(_ context.Context, _ string, conf domain.Confirmation) (pipeline.Result, error) {
	r.confirmed = append(r.confirmed, conf)
	return pipeline.Result{State: domain.StateSucceeded}, nil
}

func TestParseToolKind_ClosedSet(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseToolKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	for _, name := range []string{"set_mode", "withdraw", "OPEN_POSITION", ""} {
		_, err := ParseToolKind(name)
		assert.Equal(t, domain.ErrInvalidCommand, domain.KindOf(err), name)
	}
	assert.Len(t, Kinds(), 7)
}

func TestHandlers_ValidateArguments(t *testing.T) {
	req, err := ToolOpenPosition.Handle(json.RawMessage(`{"instrument":"EURUSD","side":"BUY","size":100,"stop_loss":1.08}`))
	require.NoError(t, err)
	assert.Equal(t, domain.CommandOpenPosition, req.Kind)
	assert.Equal(t, 1.08, req.Args.StopLoss)

	_, err = ToolOpenPosition.Handle(json.RawMessage(`{"instrument":"EURUSD"}`))
	assert.Equal(t, domain.ErrInvalidCommand, domain.KindOf(err))

	_, err = ToolClosePosition.Handle(json.RawMessage(`{"instrument":"EURUSD","mode":"live"}`))
	assert.Equal(t, domain.ErrInvalidCommand, domain.KindOf(err), "unknown fields are refused")

	req, err = ToolPauseExecution.Handle(nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandPauseExecution, req.Kind)
}

func TestGateway_SubmitsAsAssistantAndCollectsPreviews(t *testing.T) {
	cmds := &recordingCommander{}
	g := NewGateway(scriptedInterpreter{out: Interpretation{
		Reply: "Here is what I propose.",
		Calls: []ToolCall{
			{Name: "get_status", Arguments: json.RawMessage(`{}`)},
			{Name: "close_position", Arguments: json.RawMessage(`{"instrument":"EURUSD"}`)},
			{Name: "set_mode", Arguments: json.RawMessage(`{"mode":"live"}`)},
			{Name: "switch_strategy", Arguments: json.RawMessage(`{"strategy_key":"martingale"}`)},
		},
	}}, cmds, nil)

	reply, err := g.Interpret(context.Background(), "sess-9", "close my euro trade")
	require.NoError(t, err)
	assert.Equal(t, "Here is what I propose.", reply.Reply)
	assert.True(t, reply.RequiresConfirmation)
	require.Len(t, reply.ToolPreviews, 1)
	assert.Equal(t, domain.CommandClosePosition, reply.ToolPreviews[0].Kind)

	require.Len(t, cmds.submitted, 3, "set_mode never reaches the pipeline")
	for _, req := range cmds.submitted {
		assert.Equal(t, domain.OriginAssistant, req.Origin)
		assert.Equal(t, "sess-9", req.SessionID)
	}

	require.Len(t, reply.Outcomes, 4)
	assert.NotNil(t, reply.Outcomes[0].Status)
	assert.Equal(t, ToolKind("set_mode"), reply.Outcomes[2].Tool)
	assert.Equal(t, domain.ErrInvalidCommand, reply.Outcomes[2].ErrorKind)
	assert.Equal(t, domain.ErrUnknownStrategy, reply.Outcomes[3].ErrorKind)
}

func TestGateway_StatusOnlyNeedsNoConfirmation(t *testing.T) {
	g := NewGateway(scriptedInterpreter{out: Interpretation{Calls: []ToolCall{{Name: "get_status"}}}}, &recordingCommander{}, nil)
	reply, err := g.Interpret(context.Background(), "s", "how are we doing?")
	require.NoError(t, err)
	assert.False(t, reply.RequiresConfirmation)
	assert.Empty(t, reply.ToolPreviews)
}

func TestGateway_CapsToolCalls(t *testing.T) {
	calls := make([]ToolCall, 9)
	for i := range calls {
		calls[i] = ToolCall{Name: "get_status"}
	}
	cmds := &recordingCommander{}
	g := NewGateway(scriptedInterpreter{out: Interpretation{Calls: calls}}, cmds, nil)
	_, err := g.Interpret(context.Background(), "s", "status x9")
	require.NoError(t, err)
	assert.Len(t, cmds.submitted, maxCallsPerMessage)
}

func TestGateway_InterpreterFailure(t *testing.T) {
	g := NewGateway(scriptedInterpreter{err: errors.New("upstream 503")}, &recordingCommander{}, nil)
	_, err := g.Interpret(context.Background(), "s", "hello")
	assert.Equal(t, domain.ErrExecutionFailed, domain.KindOf(err))

	_, err = g.Interpret(context.Background(), "s", "   ")
	assert.Equal(t, domain.ErrInvalidCommand, domain.KindOf(err))
}

func TestGateway_ConfirmPassesThrough(t *testing.T) {
	cmds := &recordingCommander{}
	g := NewGateway(scriptedInterpreter{}, cmds, nil)
	res, err := g.Confirm(context.Background(), "s", domain.Confirmation{CommandID: "c1", SuppliedToken: "t1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, res.State)
	require.Len(t, cmds.confirmed, 1)
	assert.Equal(t, "t1", cmds.confirmed[0].SuppliedToken)
}

func TestOpenAIInterpreter_ParsesToolCalls(t *testing.T) {
	var request struct {
		Model string `json:"model"`
		Tools []struct {
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &request))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"Closing EURUSD.",
			"tool_calls":[{"id":"call_1","type":"function","function":{"name":"close_position","arguments":"{\"instrument\":\"EURUSD\"}"}}]}}]}`)
	}))
	defer srv.Close()

	interp, err := NewOpenAIInterpreter(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "test-model", Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	out, err := interp.Interpret(context.Background(), "close euro")
	require.NoError(t, err)
	assert.Equal(t, "Closing EURUSD.", out.Reply)
	require.Len(t, out.Calls, 1)
	assert.Equal(t, "close_position", out.Calls[0].Name)
	assert.JSONEq(t, `{"instrument":"EURUSD"}`, string(out.Calls[0].Arguments))

	assert.Equal(t, "test-model", request.Model)
	names := make([]string, 0, len(request.Tools))
	for _, def := range request.Tools {
		names = append(names, def.Function.Name)
	}
	assert.NotContains(t, names, "set_mode")
	assert.Len(t, names, 7)
}

func TestNewOpenAIInterpreter_RequiresKeyAndModel(t *testing.T) {
	_, err := NewOpenAIInterpreter(OpenAIConfig{Model: "m"}, nil)
	assert.Error(t, err)
	_, err = NewOpenAIInterpreter(OpenAIConfig{APIKey: "k"}, nil)
	assert.Error(t, err)
}
