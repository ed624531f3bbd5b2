// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/clerkhq/clerk/runtime/kit/model"
)

const (
	providerName = "anthropic"
	// DefaultMaxTokens is used when neither the request nor Options set a
	// completion cap; the Messages API requires one.
	DefaultMaxTokens = 4096
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is used when model.Request.Model is empty, for example
		// string(sdk.ModelClaudeSonnet4_5_20250929).
		DefaultModel string
		// MaxTokens is the completion cap when a request does not set one.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the SDK HTTP client with retries
// disabled.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a Messages.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return translateResponse(msg, provToCanon)
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, system, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return &params, provToCanon, nil
}

// encodeMessages splits system messages out and groups tool results into
// user turns: the Messages API expects every tool_result block of a round in
// the user message that follows the assistant tool_use message.
func encodeMessages(msgs []model.Message, nameMap map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
		results      []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(results...))
			results = nil
		}
	}
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleTool:
			results = append(results, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case model.RoleUser:
			flush()
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case model.RoleAssistant:
			flush()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				name, ok := nameMap[call.Name]
				if !ok {
					return nil, nil, fmt.Errorf("anthropic: tool_use references %q which is not in the current tool configuration", call.Name)
				}
				var input any = map[string]any{}
				if len(call.Payload) > 0 {
					input = call.Payload
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flush()
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, canonToSan, sanToCanon, nil
}

// sanitizeToolName replaces characters Anthropic rejects in tool names with
// '_' and truncates to 64 bytes. MCP tools are named "server.tool".
func sanitizeToolName(in string) string {
	out := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, in)
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

func translateResponse(msg *sdk.Message, nameMap map[string]string) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			name := block.Name
			// A hallucinated name is surfaced as is; the tool layer reports
			// it back to the model as unknown.
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			payload := json.RawMessage(block.Input)
			if len(payload) == 0 {
				payload = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{ID: block.ID, Name: name, Payload: payload})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

// classify maps SDK failures to model errors.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return model.NewProviderError(providerName, "messages.new", 0, model.ProviderErrorKindUnavailable, "", "", "", true, err)
	}
	kind, retryable := model.KindFromStatus(apierr.StatusCode)
	var requestID string
	var retryAfter time.Duration
	if apierr.Response != nil {
		requestID = apierr.Response.Header.Get("request-id")
		if s, perr := strconv.Atoi(apierr.Response.Header.Get("retry-after")); perr == nil && s > 0 {
			retryAfter = time.Duration(s) * time.Second
		}
	}
	pe := model.NewProviderError(providerName, "messages.new", apierr.StatusCode, kind, "", "", requestID, retryable, err)
	if kind == model.ProviderErrorKindRateLimited {
		return model.NewRateLimitError(pe, retryAfter)
	}
	return pe
}

var _ model.Client = (*Client)(nil)
