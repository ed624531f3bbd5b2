package bedrock_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/features/model/bedrock"
	"github.com/clerkhq/clerk/runtime/kit/model"
)

type mockRuntime struct {
	output   *bedrockruntime.ConverseOutput
	err      error
	captured *bedrockruntime.ConverseInput
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	return m.output, m.err
}

func TestClientComplete(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(bedrock.Options{Runtime: mock, DefaultModel: "anthropic.claude-3", MaxTokens: 512})
	require.NoError(t, err)

	mock.output = &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "hello"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("tu-1"),
					Name:      aws.String("calc_tool"),
					Input:     document.NewLazyDocument(&map[string]any{"value": 42}),
				}},
			},
		}},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(100),
			OutputTokens: aws.Int32(20),
			TotalTokens:  aws.Int32(120),
		},
		StopReason: brtypes.StopReasonToolUse,
	}

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "You are smart."},
			{Role: model.RoleUser, Content: "hi"},
		},
		Temperature: model.Float(0),
		Tools: []model.ToolDefinition{{
			Name:        "calc.tool",
			Description: "calculator",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calc.tool", resp.ToolCalls[0].Name)
	assert.Equal(t, "tu-1", resp.ToolCalls[0].ID)
	var payload map[string]float64
	require.NoError(t, json.Unmarshal(resp.ToolCalls[0].Payload, &payload))
	assert.InDelta(t, 42.0, payload["value"], 0.001)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 120, resp.Usage.TotalTokens)

	input := mock.captured
	assert.Equal(t, "anthropic.claude-3", *input.ModelId)
	assert.Len(t, input.System, 1)
	require.Len(t, input.Messages, 1)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	assert.Equal(t, "hi", input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText).Value)
	require.NotNil(t, input.ToolConfig)
	spec := input.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	assert.Equal(t, "calc_tool", *spec.Value.Name)
	assert.Equal(t, int32(512), *input.InferenceConfig.MaxTokens)
	assert.Equal(t, float32(0), *input.InferenceConfig.Temperature)
}

func TestClientEncodesToolRound(t *testing.T) {
	mock := &mockRuntime{output: &bedrockruntime.ConverseOutput{}}
	client, err := bedrock.New(bedrock.Options{Runtime: mock, DefaultModel: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "sum"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "a", Name: "calc.tool", Payload: json.RawMessage(`{"x":1}`)}}},
			{Role: model.RoleTool, ToolCallID: "a", Content: "failed", IsError: true},
		},
		Tools: []model.ToolDefinition{{Name: "calc.tool"}},
	})
	require.NoError(t, err)
	msgs := mock.captured.Messages
	require.Len(t, msgs, 3)
	use := msgs[1].Content[0].(*brtypes.ContentBlockMemberToolUse)
	assert.Equal(t, "calc_tool", *use.Value.Name)
	res := msgs[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	assert.Equal(t, brtypes.ToolResultStatusError, res.Value.Status)
	assert.Nil(t, mock.captured.InferenceConfig)
}

func TestClientRequiresConversation(t *testing.T) {
	client, err := bedrock.New(bedrock.Options{Runtime: &mockRuntime{}, DefaultModel: "id"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: model.RoleSystem, Content: "only system"}}})
	require.Error(t, err)

	_, err = bedrock.New(bedrock.Options{DefaultModel: "id"})
	require.Error(t, err)
	_, err = bedrock.NewFromCredentials("", bedrock.Credentials{}, "id")
	require.Error(t, err)
}

func responseError(status int, code string) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status, Header: http.Header{"X-Amzn-Requestid": []string{"rid"}}}},
		Err:      &smithy.GenericAPIError{Code: code, Message: "msg"},
	}
}

func TestClientClassifiesErrors(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(bedrock.Options{Runtime: mock, DefaultModel: "m"})
	require.NoError(t, err)
	req := &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "x"}}}

	mock.err = responseError(400, "ThrottlingException")
	_, err = client.Complete(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrRateLimited)

	mock.err = responseError(400, "ValidationException")
	_, err = client.Complete(context.Background(), req)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindInvalidRequest, pe.Kind())
	assert.Equal(t, "ValidationException", pe.Code())
	assert.Equal(t, "rid", pe.RequestID())

	mock.err = errors.New("dial tcp: timeout")
	_, err = client.Complete(context.Background(), req)
	pe, ok = model.AsProviderError(err)
	require.True(t, ok)
	assert.True(t, pe.Retryable())
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "github_search_issues", bedrock.SanitizeToolName("github.search issues"))
	long := strings.Repeat("x", 80)
	got := bedrock.SanitizeToolName(long)
	assert.Len(t, got, 64)
	assert.NotEqual(t, got, bedrock.SanitizeToolName(long+"y"))
}
