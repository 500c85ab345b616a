package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"local-qa-bot/internal/models"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	BackendChromem  = "chromem"
	BackendPGVector = "pgvector"

	envPrefix = "LOCALQA"
)

var (
	ErrMissingCredentials = errors.New("missing provider credentials")
	ErrInvalidConfig      = errors.New("invalid config")
)

type LLMConfig struct {
	Provider string `yaml:"provider" toml:"provider"`
	BaseURL  string `yaml:"base_url" toml:"base_url"`
	Model    string `yaml:"model" toml:"model"`
	Key      string `yaml:"key" toml:"key"`
}

type RAGConfig struct {
	ChunkSize         int      `yaml:"chunk_size" toml:"chunk_size"`
	Separator         string   `yaml:"separator" toml:"separator"`
	Temperature       *float64 `yaml:"temperature" toml:"temperature"`
	TopK              int      `yaml:"top_k" toml:"top_k"`
	FallbackMaxTokens int      `yaml:"fallback_max_tokens" toml:"fallback_max_tokens"`
	RefusalPhrases    []string `yaml:"refusal_phrases" toml:"refusal_phrases"`
	UngroundedSource  string   `yaml:"ungrounded_source" toml:"ungrounded_source"`
	EmbedBatchSize    int      `yaml:"embed_batch_size" toml:"embed_batch_size"`
	// EmbedRequestsPerSecond throttles embedding calls; 0 disables throttling.
	EmbedRequestsPerSecond float64 `yaml:"embed_requests_per_second" toml:"embed_requests_per_second"`
}

type IngestConfig struct {
	ContextDir          string   `yaml:"context_dir" toml:"context_dir"`
	SupportedExtensions []string `yaml:"supported_extensions" toml:"supported_extensions"`
	Encoding            string   `yaml:"encoding" toml:"encoding"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend" toml:"backend"`
	Path          string `yaml:"path" toml:"path"`
	Collection    string `yaml:"collection" toml:"collection"`
	Compress      bool   `yaml:"compress" toml:"compress"`
	EncryptionKey string `yaml:"encryption_key" toml:"encryption_key"`
}

type DatabaseConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Debug bool   `yaml:"debug" toml:"debug"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
	Region          string `yaml:"region" toml:"region"`
	Bucket          string `yaml:"bucket" toml:"bucket"`
	Prefix          string `yaml:"prefix" toml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style" toml:"use_path_style"`
	AccessKeyID     string `yaml:"-" toml:"-"`
	SecretAccessKey string `yaml:"-" toml:"-"`
}

type ServerConfig struct {
	Addr               string `yaml:"addr" toml:"addr"`
	MaxSessions        int    `yaml:"max_sessions" toml:"max_sessions"`
	SessionIdleMinutes int    `yaml:"session_idle_minutes" toml:"session_idle_minutes"`
}

type TelemetryConfig struct {
	DSN         string `yaml:"dsn" toml:"dsn"`
	Environment string `yaml:"environment" toml:"environment"`
}

type Config struct {
	EmbedLLM     LLMConfig       `yaml:"embed_llm" toml:"embed_llm"`
	InferenceLLM LLMConfig       `yaml:"inference_llm" toml:"inference_llm"`
	RAG          RAGConfig       `yaml:"rag" toml:"rag"`
	Ingest       IngestConfig    `yaml:"ingest" toml:"ingest"`
	Store        StoreConfig     `yaml:"store" toml:"store"`
	Database     DatabaseConfig  `yaml:"database" toml:"database"`
	S3           S3Config        `yaml:"s3" toml:"s3"`
	Server       ServerConfig    `yaml:"server" toml:"server"`
	Telemetry    TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	LogLevel     string          `yaml:"log_level" toml:"log_level"`
}

// secrets are read from the environment (and .env) and override the file.
type secrets struct {
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY"`
	SentryDSN          string `envconfig:"SENTRY_DSN"`
	DatabaseURL        string `envconfig:"DATABASE_URL"`
	S3AccessKey        string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey        string `envconfig:"S3_SECRET_ACCESS_KEY"`
	IndexEncryptionKey string `envconfig:"INDEX_ENCRYPTION_KEY"`
}

// LoadConfig reads the config file at path, applies environment overrides and
// defaults, and validates the result. A missing file is an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields and validates the result.
func ApplyDefaults(cfg *Config) error {
	applyConfigDefaults(cfg)
	return cfg.Validate()
}

// Parse decodes raw config bytes. ext selects the format: ".toml" uses TOML,
// everything else goes through the YAML decoder, which also accepts JSON.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var s secrets
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	if s.OpenAIAPIKey != "" {
		if cfg.EmbedLLM.Key == "" {
			cfg.EmbedLLM.Key = s.OpenAIAPIKey
		}
		if cfg.InferenceLLM.Key == "" {
			cfg.InferenceLLM.Key = s.OpenAIAPIKey
		}
	}
	if s.SentryDSN != "" {
		cfg.Telemetry.DSN = s.SentryDSN
	}
	if s.DatabaseURL != "" {
		cfg.Database.URL = s.DatabaseURL
	}
	if s.IndexEncryptionKey != "" {
		cfg.Store.EncryptionKey = s.IndexEncryptionKey
	}
	cfg.S3.AccessKeyID = s.S3AccessKey
	cfg.S3.SecretAccessKey = s.S3SecretKey
	return nil
}

func applyConfigDefaults(cfg *Config) {
	applyLLMDefaults(&cfg.EmbedLLM, "text-embedding-ada-002")
	applyLLMDefaults(&cfg.InferenceLLM, "gpt-4o-mini")

	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = 1500
	}
	if cfg.RAG.Separator == "" {
		cfg.RAG.Separator = "\n"
	}
	if cfg.RAG.Temperature == nil {
		t := 0.3
		cfg.RAG.Temperature = &t
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 4
	}
	if cfg.RAG.FallbackMaxTokens == 0 {
		cfg.RAG.FallbackMaxTokens = 50
	}
	if len(cfg.RAG.RefusalPhrases) == 0 {
		cfg.RAG.RefusalPhrases = append([]string(nil), models.DefaultRefusalPhrases...)
	}
	if cfg.RAG.UngroundedSource == "" {
		cfg.RAG.UngroundedSource = models.UngroundedSource
	}
	if cfg.RAG.EmbedBatchSize == 0 {
		cfg.RAG.EmbedBatchSize = 512
	}

	if cfg.Ingest.ContextDir == "" {
		cfg.Ingest.ContextDir = "context"
	}
	if len(cfg.Ingest.SupportedExtensions) == 0 {
		cfg.Ingest.SupportedExtensions = []string{".txt"}
	}
	if cfg.Ingest.Encoding == "" {
		cfg.Ingest.Encoding = "utf-8"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendChromem
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./chromemdb"
	}
	if cfg.Store.Collection == "" {
		cfg.Store.Collection = "docs"
	}

	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = 1000
	}
	if cfg.Server.SessionIdleMinutes == 0 {
		cfg.Server.SessionIdleMinutes = 30
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func applyLLMDefaults(c *LLMConfig, model string) {
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	if c.Model == "" && c.Provider == ProviderOpenAI {
		c.Model = model
	}
	if c.BaseURL == "" && c.Provider == ProviderOllama {
		c.BaseURL = "http://localhost:11434"
	}
}

// Validate reports configuration errors. It expects defaults to be applied.
func (c *Config) Validate() error {
	for name, llm := range map[string]LLMConfig{"embed_llm": c.EmbedLLM, "inference_llm": c.InferenceLLM} {
		switch llm.Provider {
		case ProviderOpenAI:
			if llm.Key == "" {
				return fmt.Errorf("%w: %s requires OPENAI_API_KEY", ErrMissingCredentials, name)
			}
		case ProviderOllama:
			if llm.Model == "" {
				return fmt.Errorf("%w: %s.model is required for ollama", ErrInvalidConfig, name)
			}
		default:
			return fmt.Errorf("%w: unknown %s provider %q", ErrInvalidConfig, name, llm.Provider)
		}
	}

	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("%w: rag.chunk_size must be positive", ErrInvalidConfig)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("%w: rag.top_k must be positive", ErrInvalidConfig)
	}
	if t := c.Temperature(); t < 0 || t > 1 {
		return fmt.Errorf("%w: rag.temperature must be within [0,1], got %v", ErrInvalidConfig, t)
	}
	if c.RAG.EmbedRequestsPerSecond < 0 {
		return fmt.Errorf("%w: rag.embed_requests_per_second must not be negative", ErrInvalidConfig)
	}

	if c.Server.MaxSessions < 0 || c.Server.SessionIdleMinutes < 0 {
		return fmt.Errorf("%w: server session limits must not be negative", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case BackendChromem:
	case BackendPGVector:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: pgvector backend requires database.url or DATABASE_URL", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if k := len(c.Store.EncryptionKey); k != 0 && k != 32 {
		return fmt.Errorf("%w: store.encryption_key must be 32 bytes, got %d", ErrInvalidConfig, k)
	}
	return nil
}

// Temperature returns the configured sampling temperature.
func (c *Config) Temperature() float64 {
	if c.RAG.Temperature == nil {
		return 0
	}
	return *c.RAG.Temperature
}

// HasS3 reports whether artifacts should be mirrored to object storage.
func (c *Config) HasS3() bool {
	return c.S3.Bucket != ""
}
