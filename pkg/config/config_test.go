package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/embed"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Empty(t, cfg.Storage.DataDir)
	assert.Equal(t, ProviderDeterministic, cfg.Embedding.Provider)
	assert.Equal(t, 0.5, cfg.Scoring.SharpeWeight)
	assert.Equal(t, 0.3, cfg.Scoring.CAGRWeight)
	assert.Equal(t, 0.2, cfg.Scoring.MaxDrawdownWeight)
	assert.Equal(t, 1.0, cfg.Search.ExplorationConstant)
	assert.Equal(t, 3, cfg.Search.BranchingLimit)
	assert.Equal(t, 3, cfg.Retry.Attempts)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MUNINN_DATA_DIR", "/var/lib/muninn")
	t.Setenv("MUNINN_SYNC_WRITES", "yes")
	t.Setenv("MUNINN_EMBEDDING_PROVIDER", "ollama")
	t.Setenv("MUNINN_EMBEDDING_DIMENSIONS", "1024")
	t.Setenv("MUNINN_SEARCH_SIMULATION_TIMEOUT", "90")
	t.Setenv("MUNINN_SCORE_SHARPE_WEIGHT", "0.7")
	t.Setenv("MUNINN_LOG_FORMAT", "json")

	cfg := LoadFromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/muninn", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, ProviderOllama, cfg.Embedding.Provider)
	assert.Equal(t, 1024, cfg.Embedding.Dimensions)
	assert.Equal(t, 90*time.Second, cfg.Search.SimulationTimeout) // bare seconds
	assert.Equal(t, 0.7, cfg.Scoring.SharpeWeight)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("MUNINN_RETRY_ATTEMPTS", "many")
	t.Setenv("MUNINN_SYNC_WRITES", "kinda")
	t.Setenv("MUNINN_RETRY_BACKOFF", "soon")

	cfg := LoadFromEnv()
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.False(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.Backoff)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muninn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  data_dir: /data/research
embedding:
  provider: openai
  api_key: sk-test
  dimensions: 1536
search:
  branching_limit: 5
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/data/research", cfg.Storage.DataDir)
	assert.Equal(t, ProviderOpenAI, cfg.Embedding.Provider)
	assert.Equal(t, 5, cfg.Search.BranchingLimit)
	// Unspecified sections keep their defaults.
	assert.Equal(t, 0.5, cfg.Scoring.SharpeWeight)
	assert.Equal(t, 3, cfg.Retry.Attempts)
}

func TestLoadFromEnvOrFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muninn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  data_dir: /from/file
search:
  branching_limit: 7
`), 0o644))

	t.Setenv("MUNINN_DATA_DIR", "/from/env")

	cfg, err := LoadFromEnvOrFile(path)
	require.NoError(t, err)

	// Env wins over file, file wins over defaults.
	assert.Equal(t, "/from/env", cfg.Storage.DataDir)
	assert.Equal(t, 7, cfg.Search.BranchingLimit)

	t.Run("missing file is not an error", func(t *testing.T) {
		cfg, err := LoadFromEnvOrFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "/from/env", cfg.Storage.DataDir)
	})
}

func TestExampleConfigParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muninn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ExampleConfigYAML), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "./data/muninn", cfg.Storage.DataDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "psychic" }},
		{"openai without key", func(c *Config) { c.Embedding.Provider = ProviderOpenAI }},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"negative cache", func(c *Config) { c.Embedding.CacheSize = -1 }},
		{"zero exploration", func(c *Config) { c.Search.ExplorationConstant = 0 }},
		{"zero branching", func(c *Config) { c.Search.BranchingLimit = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBuildEmbedder(t *testing.T) {
	t.Run("deterministic with cache", func(t *testing.T) {
		cfg := DefaultConfig()
		embedder, err := cfg.BuildEmbedder()
		require.NoError(t, err)
		_, ok := embedder.(*embed.CachedEmbedder)
		assert.True(t, ok)
		assert.Equal(t, 256, embedder.Dimensions())
	})

	t.Run("cache disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Embedding.CacheSize = 0
		embedder, err := cfg.BuildEmbedder()
		require.NoError(t, err)
		_, ok := embedder.(*embed.CachedEmbedder)
		assert.False(t, ok)
	})

	t.Run("overrides apply", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Embedding.Provider = ProviderOllama
		cfg.Embedding.APIURL = "http://embedding-host:11434"
		cfg.Embedding.Model = "nomic-embed-text"
		cfg.Embedding.Dimensions = 768
		cfg.Embedding.CacheSize = 0

		embedder, err := cfg.BuildEmbedder()
		require.NoError(t, err)
		assert.Equal(t, "nomic-embed-text", embedder.Model())
		assert.Equal(t, 768, embedder.Dimensions())
	})
}

func TestWeights(t *testing.T) {
	cfg := DefaultConfig()
	w := cfg.Weights()
	assert.Equal(t, 0.5, w.Sharpe)
	assert.Equal(t, 0.3, w.CAGR)
	assert.Equal(t, 0.2, w.MaxDrawdown)
	require.NoError(t, w.Validate())
}

func TestMemoryConfig(t *testing.T) {
	cfg := DefaultConfig()
	mc, err := cfg.MemoryConfig(nil)
	require.NoError(t, err)
	require.NotNil(t, mc.Embedder)
	assert.Equal(t, 3, mc.Retry.Attempts)
	assert.Equal(t, 100*time.Millisecond, mc.Retry.Backoff)
}
