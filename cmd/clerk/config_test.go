package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clerk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: anthropic
model: claude-test
store: postgres
postgres:
  url: postgres://file
execution:
  evaluation_timeout: 2m
  temperature: 0.2
rate_limit:
  initial_tpm: 60000
  max_tpm: 120000
minio:
  endpoint: localhost:9000
  access_key: a
  secret_key: b
tools:
  policy:
    block_tags: [mcp]
`), 0o600))
	t.Setenv("CLERK_POSTGRES_URL", "postgres://env")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, cfg.Provider)
	assert.Equal(t, "claude-test", cfg.DefaultModel())
	assert.Equal(t, "postgres://env", cfg.Postgres.URL, "environment overrides the file")
	assert.Equal(t, 2*time.Minute, cfg.Execution.EvaluationTimeout)
	require.NotNil(t, cfg.Execution.Temperature)
	assert.InDelta(t, 0.2, *cfg.Execution.Temperature, 1e-9)
	require.NotNil(t, cfg.MinIO)
	assert.Equal(t, "kit-resources", cfg.MinIO.Bucket)
	assert.True(t, cfg.needsPostgres())
	assert.Equal(t, []string{"mcp"}, cfg.Tools.Policy.BlockTags)
	require.NoError(t, cfg.Validate())
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.applyEnv(envOf(nil)))
	cfg.applyDefaults()
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "gpt-5-mini", cfg.DefaultModel())
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, KitsFS, cfg.Kits.Source)
	assert.Equal(t, 10*time.Minute, cfg.Execution.EvaluationTimeout)
	assert.False(t, cfg.needsPostgres())
	assert.NoError(t, cfg.validateStorage())
	assert.ErrorContains(t, cfg.Validate(), "OPENAI_API_KEY")
}

func TestConfigEnv(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.applyEnv(envOf(map[string]string{
		"CLERK_PROVIDER":           "bedrock",
		"AWS_DEFAULT_REGION":       "us-west-2",
		"AWS_ACCESS_KEY_ID":        "AK",
		"AWS_SECRET_ACCESS_KEY":    "SK",
		"CLERK_MINIO_ENDPOINT":     "minio:9000",
		"CLERK_MINIO_ACCESS_KEY":   "a",
		"CLERK_MINIO_SECRET_KEY":   "b",
		"CLERK_EVALUATION_TIMEOUT": "30s",
		"CLERK_TEMPERATURE":        "0.7",
		"CLERK_RATE_LIMIT_TPM":     "1000",
		"CLERK_REDIS_ADDR":         "redis:6379",
		"CLERK_TOOLS_BLOCK":        "read_url,jina_reader",
	})))
	cfg.applyDefaults()
	assert.Equal(t, "us-west-2", cfg.Bedrock.Region)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20240620-v1:0", cfg.DefaultModel())
	assert.Equal(t, 30*time.Second, cfg.Execution.EvaluationTimeout)
	assert.InDelta(t, 0.7, *cfg.Execution.Temperature, 1e-9)
	assert.InDelta(t, 1000, cfg.RateLimit.InitialTPM, 1e-9)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.NotNil(t, cfg.MinIO)
	assert.Equal(t, "minio:9000", cfg.MinIO.Endpoint)
	assert.Equal(t, []string{"read_url", "jina_reader"}, cfg.Tools.Policy.BlockTools)
	require.NoError(t, cfg.Validate())
}

func TestConfigEnvErrors(t *testing.T) {
	for _, key := range []string{"CLERK_EVALUATION_TIMEOUT", "CLERK_TEMPERATURE", "CLERK_RATE_LIMIT_TPM"} {
		cfg := &Config{}
		assert.Error(t, cfg.applyEnv(envOf(map[string]string{key: "not-a-number"})), key)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]struct {
		cfg  Config
		want string
	}{
		"unknown provider": {Config{Provider: "llama", Store: StoreMemory, Kits: KitsConfig{Source: KitsFS}}, "unknown provider"},
		"mongo uri":        {Config{Provider: ProviderOpenAI, OpenAI: OpenAIConfig{APIKey: "k"}, Store: StoreMongo, Kits: KitsConfig{Source: KitsFS}}, "CLERK_MONGO_URI"},
		"postgres kits":    {Config{Provider: ProviderOpenAI, OpenAI: OpenAIConfig{APIKey: "k"}, Store: StoreMemory, Kits: KitsConfig{Source: KitsPostgres}}, "postgres kits"},
		"bedrock creds":    {Config{Provider: ProviderBedrock, Bedrock: BedrockConfig{Region: "eu-west-1"}, Store: StoreMemory, Kits: KitsConfig{Source: KitsFS}}, "AWS_ACCESS_KEY_ID"},
		"rate limit":       {Config{Provider: ProviderOpenAI, OpenAI: OpenAIConfig{APIKey: "k"}, Store: StoreMemory, Kits: KitsConfig{Source: KitsFS}, RateLimit: RateLimitConfig{InitialTPM: 10, MaxTPM: 5}}, "max_tpm"},
		"unknown store":    {Config{Provider: ProviderOpenAI, OpenAI: OpenAIConfig{APIKey: "k"}, Store: "sqlite", Kits: KitsConfig{Source: KitsFS}}, "unknown store"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorContains(t, tc.cfg.Validate(), tc.want)
		})
	}
}

func TestGlobalFlagsOverrideConfig(t *testing.T) {
	t.Setenv("CLERK_PROVIDER", "openai")
	t.Setenv("CLERK_MODEL", "")
	g := &globalFlags{provider: ProviderAnthropic, store: StoreMongo, kitsDir: "/srv/kits"}
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, cfg.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.DefaultModel())
	assert.Equal(t, StoreMongo, cfg.Store)
	assert.Equal(t, "/srv/kits", cfg.Kits.Dir)
}
