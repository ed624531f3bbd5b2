package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/runtime/kit/model"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

// scriptedClient returns queued responses and records requests.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*model.Response
	errs      []error
	requests  []*model.Request
}

func (c *scriptedClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *req
	cp.Messages = append([]model.Message(nil), req.Messages...)
	c.requests = append(c.requests, &cp)
	i := len(c.requests) - 1
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return c.responses[len(c.responses)-1], nil
}

func fakeClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := time.Unix(0, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

func TestExecuteReturnsTextUsageAndLatency(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{{
		Content: "France",
		Usage:   model.TokenUsage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10},
	}}}
	e := New(client, WithClock(fakeClock(250*time.Millisecond)))

	out, err := e.Execute(context.Background(), Input{Prompt: "Where is Paris?", Model: "gpt-5-mini"})
	require.NoError(t, err)
	assert.Equal(t, "France", out.Text)
	assert.Equal(t, 10, out.Usage.Total())
	assert.Equal(t, 250*time.Millisecond, out.Latency)
	assert.Equal(t, "gpt-5-mini", out.Model)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
	assert.Equal(t, []model.Message{{Role: model.RoleUser, Content: "Where is Paris?"}}, req.Messages)
	assert.Nil(t, req.Tools)
}

func TestExecuteRunsToolLoop(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		{
			ToolCalls: []model.ToolCall{
				{ID: "c1", Name: "lookup", Payload: json.RawMessage(`{"q":"paris"}`)},
				{ID: "c2", Name: "missing"},
			},
			Usage: model.TokenUsage{TotalTokens: 5},
		},
		{Content: "done", Usage: model.TokenUsage{TotalTokens: 4}},
	}}
	lookup := &tools.CapabilityFunc{
		Def: model.ToolDefinition{Name: "lookup"},
		Func: func(_ context.Context, args json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: "capital of France"}, nil
		},
	}
	e := New(client)
	out, err := e.Execute(context.Background(), Input{Prompt: "p", Model: "m", Capabilities: []tools.Capability{lookup}})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Text)
	assert.Equal(t, 9, out.Usage.Total())
	assert.Equal(t, 2, out.ToolCalls)

	require.Len(t, client.requests, 2)
	second := client.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, model.RoleAssistant, second[1].Role)
	assert.Equal(t, model.Message{Role: model.RoleTool, ToolCallID: "c1", Content: "capital of France"}, second[2])
	assert.True(t, second[3].IsError)
	assert.Equal(t, "c2", second[3].ToolCallID)
	assert.Len(t, client.requests[0].Tools, 1)
}

func TestExecuteToolFailureIsReportedToModel(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "boom"}}},
		{Content: "recovered"},
	}}
	boom := &tools.CapabilityFunc{
		Def: model.ToolDefinition{Name: "boom"},
		Func: func(context.Context, json.RawMessage) (*tools.Result, error) {
			return nil, errors.New("exploded")
		},
	}
	out, err := New(client).Execute(context.Background(), Input{Prompt: "p", Capabilities: []tools.Capability{boom}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Text)
	last := client.requests[1].Messages[2]
	assert.True(t, last.IsError)
	assert.Contains(t, last.Content, "exploded")
}

func TestExecuteToolRoundLimit(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c", Name: "loop"}}},
	}}
	loop := &tools.CapabilityFunc{
		Def: model.ToolDefinition{Name: "loop"},
		Func: func(context.Context, json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: "again"}, nil
		},
	}
	_, err := New(client, WithMaxToolRounds(2)).Execute(context.Background(), Input{Prompt: "p", Capabilities: []tools.Capability{loop}})
	assert.ErrorIs(t, err, ErrToolRoundsExceeded)
	assert.Len(t, client.requests, 3)
}

func TestExecuteDoesNotRetryAndKeepsTypedErrors(t *testing.T) {
	pe := model.NewProviderError("openai", "chat", 429, model.ProviderErrorKindRateLimited, "", "slow", "", true, nil)
	client := &scriptedClient{errs: []error{model.Classify(pe)}, responses: []*model.Response{{Content: "never"}}}
	_, err := New(client).Execute(context.Background(), Input{Prompt: "p"})
	var rl *model.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Len(t, client.requests, 1)
}

func TestExecuteWrapsUntypedErrors(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("socket closed")}, responses: []*model.Response{{}}}
	_, err := New(client).Execute(context.Background(), Input{Prompt: "p"})
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindUnknown, pe.Kind())
}

func TestExecuteTimeoutDiscardsOutput(t *testing.T) {
	client := model.ClientFunc(func(ctx context.Context, _ *model.Request) (*model.Response, error) {
		<-ctx.Done()
		return &model.Response{Content: "partial"}, ctx.Err()
	})
	out, err := New(client, WithTimeout(20*time.Millisecond)).Execute(context.Background(), Input{Prompt: "p", Label: "step 1"})
	assert.Nil(t, out)
	var to *model.TimeoutError
	require.ErrorAs(t, err, &to)
	assert.Equal(t, "step 1", to.Operation)
}

func TestExecuteCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := model.ClientFunc(func(ctx context.Context, _ *model.Request) (*model.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := New(client).Execute(ctx, Input{Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSystemPromptAndMaxTokens(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{{Content: "ok"}}}
	_, err := New(client, WithSystemPrompt("be brief"), WithMaxTokens(100), WithTemperature(0.5)).
		Execute(context.Background(), Input{Prompt: "p"})
	require.NoError(t, err)
	req := client.requests[0]
	assert.Equal(t, model.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, 100, req.MaxTokens)
	assert.Equal(t, 0.5, *req.Temperature)
}
