package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clerkhq/clerk/features/postgres"
	"github.com/clerkhq/clerk/features/storage/minio"
	"github.com/clerkhq/clerk/features/tools/policy"
)

// Providers and stores understood by the CLI.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"

	StoreMemory   = "memory"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"

	KitsFS       = "fs"
	KitsPostgres = "postgres"
)

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-5-mini",
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderBedrock:   "anthropic.claude-3-5-sonnet-20240620-v1:0",
}

type (
	// Config is the CLI configuration. It is read from a YAML file, then
	// overlaid with environment variables, then with flags.
	Config struct {
		Provider  string          `yaml:"provider"`
		Model     string          `yaml:"model"`
		OpenAI    OpenAIConfig    `yaml:"openai"`
		Anthropic AnthropicConfig `yaml:"anthropic"`
		Bedrock   BedrockConfig   `yaml:"bedrock"`
		Execution ExecutionConfig `yaml:"execution"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`

		Store    string          `yaml:"store"`
		Kits     KitsConfig      `yaml:"kits"`
		Mongo    MongoConfig     `yaml:"mongo"`
		Postgres postgres.Config `yaml:"postgres"`
		Redis    RedisConfig     `yaml:"redis"`
		MinIO    *minio.Config   `yaml:"minio"`

		Tools ToolsConfig `yaml:"tools"`
	}

	// OpenAIConfig configures the OpenAI provider.
	OpenAIConfig struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	}

	// AnthropicConfig configures the Anthropic provider.
	AnthropicConfig struct {
		APIKey string `yaml:"api_key"`
	}

	// BedrockConfig configures the AWS Bedrock provider.
	BedrockConfig struct {
		Region          string `yaml:"region"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		SessionToken    string `yaml:"session_token"`
	}

	// ExecutionConfig tunes step execution.
	ExecutionConfig struct {
		Temperature       *float64      `yaml:"temperature"`
		MaxTokens         int           `yaml:"max_tokens"`
		StepTimeout       time.Duration `yaml:"step_timeout"`
		MaxToolRounds     int           `yaml:"max_tool_rounds"`
		EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
		LeaseTTL          time.Duration `yaml:"lease_ttl"`
	}

	// RateLimitConfig enables the tokens-per-minute limiter when InitialTPM
	// is positive. The budget is shared through Redis when Redis is set.
	RateLimitConfig struct {
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}

	// KitsConfig selects where kit definitions come from.
	KitsConfig struct {
		Source string `yaml:"source"`
		Dir    string `yaml:"dir"`
	}

	// MongoConfig configures the Mongo run store.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig enables the Redis lease, the Pulse event stream and the
	// shared rate limit when Addr is set.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// ToolsConfig configures built-in and MCP tools.
	ToolsConfig struct {
		MCPConfig  string         `yaml:"mcp_config"`
		JinaAPIKey string         `yaml:"jina_api_key"`
		Policy     policy.Options `yaml:"policy"`
	}
)

// LoadConfig reads path (when not empty) and applies the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	list := func(dst *[]string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.Split(v, ",")
		}
	}
	str(&c.Provider, "CLERK_PROVIDER")
	str(&c.Model, "CLERK_MODEL")
	str(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	str(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	str(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	str(&c.Bedrock.Region, "AWS_REGION", "AWS_DEFAULT_REGION")
	str(&c.Bedrock.AccessKeyID, "AWS_ACCESS_KEY_ID")
	str(&c.Bedrock.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	str(&c.Bedrock.SessionToken, "AWS_SESSION_TOKEN")
	str(&c.Store, "CLERK_STORE")
	str(&c.Kits.Source, "CLERK_KITS_SOURCE")
	str(&c.Kits.Dir, "CLERK_KITS_DIR")
	str(&c.Mongo.URI, "CLERK_MONGO_URI")
	str(&c.Mongo.Database, "CLERK_MONGO_DATABASE")
	str(&c.Postgres.URL, "CLERK_POSTGRES_URL", "DATABASE_URL")
	str(&c.Redis.Addr, "CLERK_REDIS_ADDR")
	str(&c.Redis.Password, "CLERK_REDIS_PASSWORD")
	str(&c.Tools.MCPConfig, "CLERK_MCP_CONFIG")
	str(&c.Tools.JinaAPIKey, "JINA_API_KEY")
	list(&c.Tools.Policy.BlockTools, "CLERK_TOOLS_BLOCK")
	list(&c.Tools.Policy.AllowTools, "CLERK_TOOLS_ALLOW")

	if v, ok := lookup("CLERK_MINIO_ENDPOINT"); ok && v != "" {
		if c.MinIO == nil {
			c.MinIO = &minio.Config{}
		}
		c.MinIO.Endpoint = v
		str(&c.MinIO.AccessKey, "CLERK_MINIO_ACCESS_KEY")
		str(&c.MinIO.SecretKey, "CLERK_MINIO_SECRET_KEY")
		str(&c.MinIO.Bucket, "CLERK_MINIO_BUCKET")
	}
	if v, ok := lookup("CLERK_EVALUATION_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CLERK_EVALUATION_TIMEOUT: %w", err)
		}
		c.Execution.EvaluationTimeout = d
	}
	if v, ok := lookup("CLERK_TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CLERK_TEMPERATURE: %w", err)
		}
		c.Execution.Temperature = &f
	}
	if v, ok := lookup("CLERK_RATE_LIMIT_TPM"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CLERK_RATE_LIMIT_TPM: %w", err)
		}
		c.RateLimit.InitialTPM = f
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.Kits.Source == "" {
		c.Kits.Source = KitsFS
	}
	if c.Kits.Dir == "" {
		c.Kits.Dir = "kits"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "clerk"
	}
	if c.Execution.EvaluationTimeout == 0 {
		c.Execution.EvaluationTimeout = 10 * time.Minute
	}
	if c.MinIO != nil && c.MinIO.Bucket == "" {
		c.MinIO.Bucket = minio.DefaultBucket
	}
}

// DefaultModel returns the configured model or the provider default.
func (c *Config) DefaultModel() string {
	if c.Model != "" {
		return c.Model
	}
	return defaultModels[c.Provider]
}

// Validate checks that the selected backends are configured.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
	case ProviderBedrock:
		if c.Bedrock.Region == "" {
			errs = append(errs, errors.New("AWS_REGION is required for the bedrock provider"))
		}
		if c.Bedrock.AccessKeyID == "" || c.Bedrock.SecretAccessKey == "" {
			errs = append(errs, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required for the bedrock provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if err := c.validateStorage(); err != nil {
		errs = append(errs, err)
	}
	if t := c.Execution.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("temperature %v out of range 0..2", *t))
	}
	if c.RateLimit.InitialTPM < 0 || (c.RateLimit.MaxTPM > 0 && c.RateLimit.MaxTPM < c.RateLimit.InitialTPM) {
		errs = append(errs, errors.New("rate limit max_tpm must be >= initial_tpm"))
	}
	return errors.Join(errs...)
}

// validateStorage checks the store, kit source and object storage settings.
// Commands that never call a model validate only these.
func (c *Config) validateStorage() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StoreMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("CLERK_MONGO_URI is required for the mongo store"))
		}
	case StorePostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("CLERK_POSTGRES_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Kits.Source {
	case KitsFS:
	case KitsPostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("CLERK_POSTGRES_URL is required for postgres kits"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kit source %q", c.Kits.Source))
	}
	if c.MinIO != nil {
		if err := c.MinIO.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// needsPostgres reports whether a Postgres pool must be opened.
func (c *Config) needsPostgres() bool {
	return c.Store == StorePostgres || c.Kits.Source == KitsPostgres
}
