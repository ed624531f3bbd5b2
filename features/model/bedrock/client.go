// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages,
// encodes tool schemas into Bedrock's ToolConfiguration, and translates
// Converse output (text and tool_use blocks) back into model.Response.
package bedrock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/clerkhq/clerk/runtime/kit/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient mirrors the subset of *bedrockruntime.Client used by the
	// adapter.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock client adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// DefaultModel is used when model.Request.Model is empty.
		DefaultModel string
		// MaxTokens is the completion cap when a request does not set one.
		// Zero lets Bedrock apply its default.
		MaxTokens int
	}

	// Credentials are static AWS credentials.
	Credentials struct {
		AccessKeyID     string
		SecretAccessKey string
		SessionToken    string
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
	}
)

// New returns a Bedrock backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{runtime: opts.Runtime, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens}, nil
}

// NewFromCredentials builds the SDK runtime client for region with SDK
// retries disabled.
func NewFromCredentials(region string, creds Credentials, defaultModel string) (*Client, error) {
	if region == "" {
		return nil, errors.New("aws region is required")
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, errors.New("aws credentials are required")
	}
	provider := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
			Source:          "clerk",
		}, nil
	})
	rt := bedrockruntime.New(bedrockruntime.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(provider),
		Retryer:     aws.NopRetryer{},
	})
	return New(Options{Runtime: rt, DefaultModel: defaultModel})
}

// Complete issues a Converse request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, canonToProv, provToCanon := encodeTools(req.Tools)
	msgs, system, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:    aws.String(modelID),
		Messages:   msgs,
		ToolConfig: toolConfig,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapBedrockError("converse", err)
	}
	return translateResponse(out, provToCanon, modelID)
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := req.MaxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	if req.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// isRateLimited treats HTTP 429 and throttling error codes as rate limits.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapBedrockError(operation string, err error) error {
	var (
		status int
		code   string
		msg    string
		reqID  string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
		if respErr.Response != nil && respErr.Response.Response != nil {
			reqID = respErr.Response.Header.Get("x-amzn-requestid")
		}
	}
	if isRateLimited(err) {
		pe := model.NewProviderError(providerName, operation, http.StatusTooManyRequests, model.ProviderErrorKindRateLimited, code, msg, reqID, true, err)
		return model.NewRateLimitError(pe, 0)
	}
	kind, retryable := model.KindFromStatus(status)
	if status == 0 {
		kind, retryable = model.ProviderErrorKindUnavailable, true
	}
	return model.NewProviderError(providerName, operation, status, kind, code, msg, reqID, retryable, err)
}

// encodeMessages groups consecutive tool results into one user turn, as
// Converse requires after an assistant tool_use turn.
func encodeMessages(msgs []model.Message, nameMap map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var (
		conversation []brtypes.Message
		system       []brtypes.SystemContentBlock
		results      []brtypes.ContentBlock
	)
	flush := func() {
		if len(results) > 0 {
			conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: results})
			results = nil
		}
	}
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case model.RoleTool:
			block := brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
			}
			if m.IsError {
				block.Status = brtypes.ToolResultStatusError
			}
			results = append(results, &brtypes.ContentBlockMemberToolResult{Value: block})
		case model.RoleUser:
			flush()
			if m.Content != "" {
				conversation = append(conversation, brtypes.Message{
					Role:    brtypes.ConversationRoleUser,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
				})
			}
		case model.RoleAssistant:
			flush()
			var blocks []brtypes.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				name, ok := nameMap[call.Name]
				if !ok {
					return nil, nil, fmt.Errorf("bedrock: tool_use references %q which is not in the current tool configuration", call.Name)
				}
				var input any = map[string]any{}
				if len(call.Payload) > 0 {
					if err := json.Unmarshal(call.Payload, &input); err != nil {
						return nil, nil, fmt.Errorf("bedrock: tool_use %q payload: %w", call.ID, err)
					}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(name),
					Input:     lazyDocument(input),
				}})
			}
			if len(blocks) > 0 {
				conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
			}
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	flush()
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := SanitizeToolName(def.Name)
		canonToSan[def.Name] = sanitized
		sanToCanon[sanitized] = def.Name
		var schema any = map[string]any{"type": "object"}
		if def.InputSchema != nil {
			schema = def.InputSchema
		}
		desc := def.Description
		if desc == "" {
			desc = def.Name
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(desc),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(schema)},
		}})
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon
}

// SanitizeToolName maps a tool name to Bedrock's [a-zA-Z0-9_-]{1,64}. Names
// that overflow are truncated with a stable hash suffix so distinct inputs
// stay distinct.
func SanitizeToolName(in string) string {
	const maxLen, hashLen = 64, 8
	out := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, in)
	if len(out) <= maxLen {
		return out
	}
	sum := sha256.Sum256([]byte(in))
	return out[:maxLen-hashLen-1] + "_" + hex.EncodeToString(sum[:])[:hashLen]
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string, modelID string) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{Model: modelID, StopReason: string(output.StopReason)}
	var text strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				name := aws.ToString(v.Value.Name)
				if canonical, ok := nameMap[name]; ok {
					name = canonical
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:      aws.ToString(v.Value.ToolUseId),
					Name:    name,
					Payload: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	resp.Content = text.String()
	if u := output.Usage; u != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(u.InputTokens)),
			OutputTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
		}
	}
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return json.RawMessage("{}")
	}
	return data
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

var _ model.Client = (*Client)(nil)
