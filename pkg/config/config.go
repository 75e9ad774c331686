// Package config loads Muninn configuration from environment variables
// and an optional YAML file.
//
// Environment variables win over file settings, which win over the
// defaults. All variables are prefixed MUNINN_.
//
// Example:
//
//	cfg := config.LoadFromEnvOrFile("./muninn.yaml")
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//
//	MUNINN_DATA_DIR                    - Storage directory ("" = in-memory)
//	MUNINN_SYNC_WRITES                 - fsync after each write (default: false)
//	MUNINN_EMBEDDING_PROVIDER          - "ollama", "openai" or "deterministic"
//	MUNINN_EMBEDDING_API_URL           - Provider base URL
//	MUNINN_EMBEDDING_API_KEY           - Provider API key (OpenAI)
//	MUNINN_EMBEDDING_MODEL             - Embedding model name
//	MUNINN_EMBEDDING_DIMENSIONS        - Vector dimensions
//	MUNINN_EMBEDDING_TIMEOUT           - Per-request timeout (default: 30s)
//	MUNINN_EMBEDDING_CACHE_SIZE        - LRU cache entries (default: 10000)
//	MUNINN_SCORE_SHARPE_WEIGHT         - Sharpe weight (default: 0.5)
//	MUNINN_SCORE_CAGR_WEIGHT           - CAGR weight (default: 0.3)
//	MUNINN_SCORE_MAX_DRAWDOWN_WEIGHT   - MaxDrawdown weight (default: 0.2)
//	MUNINN_SEARCH_EXPLORATION_CONSTANT - UCB c (default: 1.0)
//	MUNINN_SEARCH_BRANCHING_LIMIT      - Children per node (default: 3)
//	MUNINN_SEARCH_SIMULATION_TIMEOUT   - Per-simulation bound (default: 2m)
//	MUNINN_RETRY_ATTEMPTS              - Store retry attempts (default: 3)
//	MUNINN_RETRY_BACKOFF               - Initial backoff (default: 100ms)
//	MUNINN_RETRY_MAX_BACKOFF           - Backoff ceiling (default: 2s)
//	MUNINN_RETRY_JITTER                - Jitter fraction (default: 0.2)
//	MUNINN_LOG_LEVEL                   - debug|info|warn|error (default: info)
//	MUNINN_LOG_FORMAT                  - text|json (default: text)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Embedding provider names accepted by Embedding.Provider.
const (
	ProviderOllama        = "ollama"
	ProviderOpenAI        = "openai"
	ProviderDeterministic = "deterministic"
)

// Config holds the full Muninn configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Search    SearchConfig    `yaml:"search"`
	Retry     RetryConfig     `yaml:"retry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig selects and tunes the graph store.
type StorageConfig struct {
	// DataDir is the BadgerDB directory. Empty selects the in-memory
	// engine.
	DataDir string `yaml:"data_dir"`

	// SyncWrites forces fsync after each persistent write.
	SyncWrites bool `yaml:"sync_writes"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	APIURL     string        `yaml:"api_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`

	// CacheSize is the LRU embedding cache capacity; 0 disables the
	// cache.
	CacheSize int `yaml:"cache_size"`
}

// ScoringConfig carries the metric weights of the score function.
type ScoringConfig struct {
	SharpeWeight      float64 `yaml:"sharpe_weight"`
	CAGRWeight        float64 `yaml:"cagr_weight"`
	MaxDrawdownWeight float64 `yaml:"max_drawdown_weight"`
}

// SearchConfig tunes the MCTS loop.
type SearchConfig struct {
	ExplorationConstant float64       `yaml:"exploration_constant"`
	BranchingLimit      int           `yaml:"branching_limit"`
	SimulationTimeout   time.Duration `yaml:"simulation_timeout"`
}

// RetryConfig is the backoff policy for transient store failures.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	Jitter     float64       `yaml:"jitter"`
}

// LoggingConfig tunes the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the documented defaults: in-memory storage,
// deterministic embeddings, standard weights and search constants.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:    "",
			SyncWrites: false,
		},
		Embedding: EmbeddingConfig{
			Provider:   ProviderDeterministic,
			Dimensions: 256,
			Timeout:    30 * time.Second,
			CacheSize:  10000,
		},
		Scoring: ScoringConfig{
			SharpeWeight:      0.5,
			CAGRWeight:        0.3,
			MaxDrawdownWeight: 0.2,
		},
		Search: SearchConfig{
			ExplorationConstant: 1.0,
			BranchingLimit:      3,
			SimulationTimeout:   2 * time.Minute,
		},
		Retry: RetryConfig{
			Attempts:   3,
			Backoff:    100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			Jitter:     0.2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv loads configuration from MUNINN_* environment variables
// over the defaults.
func LoadFromEnv() *Config {
	return applyEnv(DefaultConfig())
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnvOrFile loads from the file if it exists, then overrides
// with environment variables. A missing file is not an error.
func LoadFromEnvOrFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err == nil {
			cfg = loaded
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg *Config) *Config {
	cfg.Storage.DataDir = getEnv("MUNINN_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.SyncWrites = getEnvBool("MUNINN_SYNC_WRITES", cfg.Storage.SyncWrites)

	cfg.Embedding.Provider = getEnv("MUNINN_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.APIURL = getEnv("MUNINN_EMBEDDING_API_URL", cfg.Embedding.APIURL)
	cfg.Embedding.APIKey = getEnv("MUNINN_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Model = getEnv("MUNINN_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimensions = getEnvInt("MUNINN_EMBEDDING_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.Embedding.Timeout = getEnvDuration("MUNINN_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.CacheSize = getEnvInt("MUNINN_EMBEDDING_CACHE_SIZE", cfg.Embedding.CacheSize)

	cfg.Scoring.SharpeWeight = getEnvFloat("MUNINN_SCORE_SHARPE_WEIGHT", cfg.Scoring.SharpeWeight)
	cfg.Scoring.CAGRWeight = getEnvFloat("MUNINN_SCORE_CAGR_WEIGHT", cfg.Scoring.CAGRWeight)
	cfg.Scoring.MaxDrawdownWeight = getEnvFloat("MUNINN_SCORE_MAX_DRAWDOWN_WEIGHT", cfg.Scoring.MaxDrawdownWeight)

	cfg.Search.ExplorationConstant = getEnvFloat("MUNINN_SEARCH_EXPLORATION_CONSTANT", cfg.Search.ExplorationConstant)
	cfg.Search.BranchingLimit = getEnvInt("MUNINN_SEARCH_BRANCHING_LIMIT", cfg.Search.BranchingLimit)
	cfg.Search.SimulationTimeout = getEnvDuration("MUNINN_SEARCH_SIMULATION_TIMEOUT", cfg.Search.SimulationTimeout)

	cfg.Retry.Attempts = getEnvInt("MUNINN_RETRY_ATTEMPTS", cfg.Retry.Attempts)
	cfg.Retry.Backoff = getEnvDuration("MUNINN_RETRY_BACKOFF", cfg.Retry.Backoff)
	cfg.Retry.MaxBackoff = getEnvDuration("MUNINN_RETRY_MAX_BACKOFF", cfg.Retry.MaxBackoff)
	cfg.Retry.Jitter = getEnvFloat("MUNINN_RETRY_JITTER", cfg.Retry.Jitter)

	cfg.Logging.Level = getEnv("MUNINN_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("MUNINN_LOG_FORMAT", cfg.Logging.Format)

	return cfg
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderDeterministic:
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == ProviderOpenAI && c.Embedding.APIKey == "" {
		return fmt.Errorf("openai embedding provider requires an API key")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.CacheSize < 0 {
		return fmt.Errorf("embedding cache size must not be negative, got %d", c.Embedding.CacheSize)
	}

	if c.Search.ExplorationConstant <= 0 {
		return fmt.Errorf("exploration constant must be positive, got %v", c.Search.ExplorationConstant)
	}
	if c.Search.BranchingLimit <= 0 {
		return fmt.Errorf("branching limit must be positive, got %d", c.Search.BranchingLimit)
	}

	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", c.Retry.Attempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be in [0,1], got %v", c.Retry.Jitter)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// ============================================================================
// Environment helpers
// ============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultVal
	}
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// ExampleConfigYAML is the annotated starter file written by `muninn
// init`.
const ExampleConfigYAML = `# Muninn configuration
# Environment variables (MUNINN_*) override everything in this file.

storage:
  # BadgerDB directory; leave empty for a non-persistent in-memory store
  data_dir: ./data/muninn
  # fsync after every write (slower, survives power loss)
  sync_writes: false

embedding:
  # ollama | openai | deterministic
  provider: deterministic
  # api_url: http://localhost:11434
  # api_key: ""
  # model: mxbai-embed-large
  dimensions: 256
  timeout: 30s
  cache_size: 10000

scoring:
  sharpe_weight: 0.5
  cagr_weight: 0.3
  max_drawdown_weight: 0.2

search:
  exploration_constant: 1.0
  branching_limit: 3
  simulation_timeout: 2m

retry:
  attempts: 3
  backoff: 100ms
  max_backoff: 2s
  jitter: 0.2

logging:
  level: info    # debug | info | warn | error
  format: text   # text | json
`
