package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every secret variable, prefixed or not, for the duration of
// the test. envconfig treats a set-but-empty variable as present.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "SENTRY_DSN", "DATABASE_URL", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "INDEX_ENCRYPTION_KEY"} {
		unsetEnv(t, k)
		unsetEnv(t, envPrefix+"_"+k)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	prev, ok := os.LookupEnv(key)
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() {
		if ok {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := writeFile(t, "config.yaml", "ingest:\n  context_dir: docs\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 1500, cfg.RAG.ChunkSize)
	assert.Equal(t, "\n", cfg.RAG.Separator)
	assert.InDelta(t, 0.3, cfg.Temperature(), 1e-9)
	assert.Equal(t, 4, cfg.RAG.TopK)
	assert.Equal(t, 50, cfg.RAG.FallbackMaxTokens)
	assert.Equal(t, []string{"i don't know", "i do not know"}, cfg.RAG.RefusalPhrases)
	assert.Equal(t, "<ungrounded>", cfg.RAG.UngroundedSource)
	assert.Equal(t, "docs", cfg.Ingest.ContextDir)
	assert.Equal(t, []string{".txt"}, cfg.Ingest.SupportedExtensions)
	assert.Equal(t, "utf-8", cfg.Ingest.Encoding)
	assert.Equal(t, BackendChromem, cfg.Store.Backend)
	assert.Equal(t, "sk-test", cfg.EmbedLLM.Key)
	assert.Equal(t, "sk-test", cfg.InferenceLLM.Key)
	assert.Equal(t, "gpt-4o-mini", cfg.InferenceLLM.Model)
	assert.Equal(t, 1000, cfg.Server.MaxSessions)
	assert.Equal(t, 30, cfg.Server.SessionIdleMinutes)
	assert.False(t, cfg.HasS3())
}

func TestLoadConfig_PrefixedKeyFallback(t *testing.T) {
	path := writeFile(t, "config.yaml", "rag:\n  top_k: 3\n")

	t.Run("absent prefixed key falls back", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OPENAI_API_KEY", "sk-plain")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "sk-plain", cfg.EmbedLLM.Key)
	})

	t.Run("prefixed key wins", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OPENAI_API_KEY", "sk-plain")
		t.Setenv("LOCALQA_OPENAI_API_KEY", "sk-prefixed")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "sk-prefixed", cfg.InferenceLLM.Key)
	})

	t.Run("empty prefixed key does not fall back", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OPENAI_API_KEY", "sk-plain")
		t.Setenv("LOCALQA_OPENAI_API_KEY", "")

		_, err := LoadConfig(path)
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})
}

func TestLoadConfig_ShippedConfigUsesChatModel(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.InferenceLLM.Model)
	assert.Equal(t, ProviderOpenAI, cfg.InferenceLLM.Provider)
}

func TestLoadConfig_ZeroTemperatureIsKept(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := writeFile(t, "config.yaml", "rag:\n  temperature: 0\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Temperature())
}

func TestLoadConfig_JSON(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOCALQA_OPENAI_API_KEY", "sk-prefixed")
	path := writeFile(t, "config.json", `{"ingest": {"supported_extensions": [".txt", ".md"]}, "rag": {"top_k": 2}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{".txt", ".md"}, cfg.Ingest.SupportedExtensions)
	assert.Equal(t, 2, cfg.RAG.TopK)
	assert.Equal(t, "sk-prefixed", cfg.EmbedLLM.Key)
}

func TestLoadConfig_TOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", `
[embed_llm]
provider = "ollama"
model = "nomic-embed-text"

[inference_llm]
provider = "ollama"
model = "llama3"

[rag]
chunk_size = 800
temperature = 0.7
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.RAG.ChunkSize)
	assert.InDelta(t, 0.7, cfg.Temperature(), 1e-9)
	assert.Equal(t, "http://localhost:11434", cfg.EmbedLLM.BaseURL)
	assert.Equal(t, "llama3", cfg.InferenceLLM.Model)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfig_MissingCredentials(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", "rag:\n  top_k: 3\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			EmbedLLM:     LLMConfig{Key: "k"},
			InferenceLLM: LLMConfig{Key: "k"},
		}
		applyConfigDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "temperature above one", mutate: func(c *Config) { v := 1.5; c.RAG.Temperature = &v }},
		{name: "negative temperature", mutate: func(c *Config) { v := -0.1; c.RAG.Temperature = &v }},
		{name: "zero top k", mutate: func(c *Config) { c.RAG.TopK = -1 }},
		{name: "unknown provider", mutate: func(c *Config) { c.EmbedLLM.Provider = "bogus" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "faiss" }},
		{name: "pgvector without url", mutate: func(c *Config) { c.Store.Backend = BackendPGVector }},
		{name: "pgvector with url", mutate: func(c *Config) {
			c.Store.Backend = BackendPGVector
			c.Database.URL = "postgres://localhost/db"
		}, ok: true},
		{name: "negative max sessions", mutate: func(c *Config) { c.Server.MaxSessions = -1 }},
		{name: "short encryption key", mutate: func(c *Config) { c.Store.EncryptionKey = "short" }},
		{name: "32 byte encryption key", mutate: func(c *Config) { c.Store.EncryptionKey = "0123456789abcdef0123456789abcdef" }, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}
