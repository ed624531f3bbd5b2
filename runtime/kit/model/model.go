// Package model defines the provider-agnostic LLM client contract used by the
// step executor, along with the typed failures providers report.
package model

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem carries provider-level instructions.
	RoleSystem Role = "system"
	// RoleUser carries the resolved step prompt.
	RoleUser Role = "user"
	// RoleAssistant carries model output, including tool call requests.
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of one tool call back to the model.
	RoleTool Role = "tool"
)

type (
	// Client is implemented by provider adapters (OpenAI, Anthropic, Bedrock).
	// Complete performs a single non-streaming round trip. Implementations must
	// honor ctx cancellation and must not retry internally.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Request captures the inputs of one model invocation.
	Request struct {
		// Model is the provider model identifier (e.g. "gpt-5-mini").
		Model string
		// Messages is the ordered conversation.
		Messages []Message
		// Temperature controls sampling. Nil leaves the provider default.
		Temperature *float64
		// MaxTokens caps the completion size. Zero leaves the provider default.
		MaxTokens int
		// Tools advertises callable capabilities to the model.
		Tools []ToolDefinition
	}

	// Message is one conversation entry.
	Message struct {
		Role    Role
		Content string
		// ToolCalls is set on assistant messages that requested tools.
		ToolCalls []ToolCall
		// ToolCallID correlates a RoleTool message with the call it answers.
		ToolCallID string
		// IsError marks a RoleTool message reporting a failed invocation.
		IsError bool
	}

	// ToolDefinition describes a tool advertised to the model.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is the JSON schema of the tool arguments.
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		ID      string
		Name    string
		Payload json.RawMessage
	}

	// Response is the result of a model invocation.
	Response struct {
		// Content is the concatenated text output.
		Content string
		// ToolCalls lists tool invocations requested by the model. When non
		// empty the conversation must continue with tool results.
		ToolCalls []ToolCall
		// Usage reports token consumption for this invocation.
		Usage TokenUsage
		// StopReason is the provider stop reason, when reported.
		StopReason string
		// Model is the model that served the request, when reported.
		Model string
	}

	// TokenUsage tracks token consumption.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// ClientFunc adapts a function to Client.
	ClientFunc func(ctx context.Context, req *Request) (*Response, error)
)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Add returns the element-wise sum of u and o. A zero TotalTokens is
// recomputed from input and output counts.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	sum := TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.Total() + o.Total(),
	}
	return sum
}

// Total returns TotalTokens, or input plus output when the provider did not
// report a total.
func (u TokenUsage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 { return &v }
