package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/score"
)

// BuildEmbedder constructs the configured embedding provider, wrapped
// in the LRU cache when CacheSize is positive.
func (c *Config) BuildEmbedder() (embed.Embedder, error) {
	var base *embed.Config
	switch c.Embedding.Provider {
	case ProviderOllama:
		base = embed.DefaultOllamaConfig()
	case ProviderOpenAI:
		base = embed.DefaultOpenAIConfig(c.Embedding.APIKey)
	case ProviderDeterministic:
		base = &embed.Config{Provider: "deterministic", Dimensions: c.Embedding.Dimensions}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}

	if c.Embedding.APIURL != "" {
		base.APIURL = c.Embedding.APIURL
	}
	if c.Embedding.Model != "" {
		base.Model = c.Embedding.Model
	}
	if c.Embedding.Dimensions > 0 {
		base.Dimensions = c.Embedding.Dimensions
	}
	if c.Embedding.Timeout > 0 {
		base.Timeout = c.Embedding.Timeout
	}

	embedder, err := embed.New(base)
	if err != nil {
		return nil, err
	}
	if c.Embedding.CacheSize > 0 {
		return embed.NewCachedEmbedder(embedder, c.Embedding.CacheSize), nil
	}
	return embedder, nil
}

// Weights maps the scoring section onto score.Weights.
func (c *Config) Weights() score.Weights {
	return score.Weights{
		Sharpe:      c.Scoring.SharpeWeight,
		CAGR:        c.Scoring.CAGRWeight,
		MaxDrawdown: c.Scoring.MaxDrawdownWeight,
	}
}

// MemoryConfig maps the configuration onto a muninn.Config, building
// the embedder along the way.
func (c *Config) MemoryConfig(logger *slog.Logger) (*muninn.Config, error) {
	embedder, err := c.BuildEmbedder()
	if err != nil {
		return nil, err
	}
	return &muninn.Config{
		Embedder: embedder,
		Weights:  c.Weights(),
		Retry: muninn.Retry{
			Attempts:   c.Retry.Attempts,
			Backoff:    c.Retry.Backoff,
			MaxBackoff: c.Retry.MaxBackoff,
			Jitter:     c.Retry.Jitter,
		},
		SyncWrites: c.Storage.SyncWrites,
		Logger:     logger,
	}, nil
}

// Logger builds the slog logger described by the logging section,
// writing to stderr.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
