// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API via github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/clerkhq/clerk/runtime/kit/model"
)

const providerName = "openai"

// ChatClient captures the subset of the OpenAI SDK used by the adapter.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the SDK HTTP client. baseURL may be
// empty. SDK retries are disabled: retry policy belongs to the caller.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return New(Options{Client: &c.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: encodeMessages(req.Messages),
		Tools:    encodeTools(req.Tools),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return translateResponse(resp), nil
}

func encodeMessages(msgs []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case model.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				args := string(call.Payload)
				if args == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

func encodeTools(defs []model.ToolDefinition) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		fn := openai.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: openai.FunctionParameters(def.InputSchema),
		}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

func translateResponse(resp *openai.ChatCompletion) *model.Response {
	out := &model.Response{
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	for i, choice := range resp.Choices {
		if i == 0 {
			out.StopReason = choice.FinishReason
		}
		out.Content += choice.Message.Content
		for _, call := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:      call.ID,
				Name:    call.Function.Name,
				Payload: toolArguments(call.Function.Arguments),
			})
		}
	}
	return out
}

// toolArguments keeps valid JSON as is and wraps anything else so the tool
// layer can report a validation error instead of failing the decode.
func toolArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	b, _ := json.Marshal(map[string]string{"raw": raw})
	return b
}

// classify maps SDK failures to model errors. Context errors are returned as
// is so callers can tell cancellation from provider failures.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return model.NewProviderError(providerName, "chat.completions", 0, model.ProviderErrorKindUnavailable, "", "", "", true, err)
	}
	kind, retryable := model.KindFromStatus(apierr.StatusCode)
	var requestID string
	var retryAfter time.Duration
	if apierr.Response != nil {
		requestID = apierr.Response.Header.Get("x-request-id")
		retryAfter = parseRetryAfter(apierr.Response.Header)
	}
	pe := model.NewProviderError(providerName, "chat.completions", apierr.StatusCode, kind, apierr.Code, apierr.Message, requestID, retryable, err)
	if kind == model.ProviderErrorKindRateLimited {
		return model.NewRateLimitError(pe, retryAfter)
	}
	return pe
}

func parseRetryAfter(h http.Header) time.Duration {
	if ms, err := strconv.ParseFloat(h.Get("retry-after-ms"), 64); err == nil && ms > 0 {
		return time.Duration(ms * float64(time.Millisecond))
	}
	if s, err := strconv.ParseFloat(h.Get("retry-after"), 64); err == nil && s > 0 {
		return time.Duration(s * float64(time.Second))
	}
	return 0
}

var _ model.Client = (*Client)(nil)
