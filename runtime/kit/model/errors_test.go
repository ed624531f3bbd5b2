package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderErrorFormatting(t *testing.T) {
	cause := errors.New("upstream")
	pe := NewProviderError("openai", "chat.completions", 400, ProviderErrorKindInvalidRequest, "bad_model", "unknown model", "req-1", false, cause)
	assert.Equal(t, "openai invalid_request 400 (chat.completions): bad_model: unknown model", pe.Error())
	assert.ErrorIs(t, pe, cause)

	got, ok := AsProviderError(fmt.Errorf("wrapped: %w", pe))
	require.True(t, ok)
	assert.Equal(t, "req-1", got.RequestID())

	bare := NewProviderError("bedrock", "", 0, ProviderErrorKindUnknown, "", "", "", false, cause)
	assert.Equal(t, "bedrock unknown (request): upstream", bare.Error())
}

func TestNewProviderErrorRequiresProviderAndKind(t *testing.T) {
	assert.Panics(t, func() { NewProviderError("", "op", 0, ProviderErrorKindUnknown, "", "", "", false, nil) })
	assert.Panics(t, func() { NewProviderError("p", "op", 0, "", "", "", "", false, nil) })
}

func TestClassifyRateLimit(t *testing.T) {
	pe := NewProviderError("anthropic", "messages.new", 429, ProviderErrorKindRateLimited, "", "slow down", "", true, nil)
	err := Classify(pe)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "anthropic", rl.Provider)
	assert.ErrorIs(t, err, ErrRateLimited)
	_, ok := AsProviderError(err)
	assert.True(t, ok)

	other := NewProviderError("anthropic", "messages.new", 500, ProviderErrorKindUnavailable, "", "", "", true, nil)
	assert.Same(t, other, Classify(other))
	assert.NotErrorIs(t, Classify(other), ErrRateLimited)
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "step 2", After: 5 * time.Second}
	assert.Equal(t, "step 2 timed out after 5s", err.Error())
	assert.Equal(t, "model call timed out", (&TimeoutError{}).Error())
}

func TestKindFromStatus(t *testing.T) {
	cases := map[int]ProviderErrorKind{
		401: ProviderErrorKindAuth,
		403: ProviderErrorKindAuth,
		404: ProviderErrorKindInvalidRequest,
		408: ProviderErrorKindUnavailable,
		429: ProviderErrorKindRateLimited,
		503: ProviderErrorKindUnavailable,
		0:   ProviderErrorKindUnknown,
	}
	for status, want := range cases {
		got, _ := KindFromStatus(status)
		assert.Equal(t, want, got, status)
	}
}

func TestTokenUsageAdd(t *testing.T) {
	u := TokenUsage{InputTokens: 10, OutputTokens: 5}.Add(TokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 3})
	assert.Equal(t, TokenUsage{InputTokens: 11, OutputTokens: 6, TotalTokens: 18}, u)
}
