package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFactory(t *testing.T) {
	t.Run("ollama", func(t *testing.T) {
		e, err := New(DefaultOllamaConfig())
		require.NoError(t, err)
		assert.Equal(t, "mxbai-embed-large", e.Model())
		assert.Equal(t, 1024, e.Dimensions())
	})

	t.Run("openai requires key", func(t *testing.T) {
		_, err := New(DefaultOpenAIConfig(""))
		assert.Error(t, err)
	})

	t.Run("deterministic", func(t *testing.T) {
		e, err := New(&Config{Provider: "deterministic", Dimensions: 64})
		require.NoError(t, err)
		assert.Equal(t, 64, e.Dimensions())
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := New(&Config{Provider: "cohere"})
		assert.Error(t, err)
	})
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mxbai-embed-large", req.Model)

		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	cfg := DefaultOllamaConfig()
	cfg.APIURL = srv.URL
	cfg.Dimensions = 3
	embedder := NewOllama(cfg)

	vec, err := embedder.Embed(context.Background(), "momentum rotation")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaUnreachableWrapsUnavailable(t *testing.T) {
	cfg := DefaultOllamaConfig()
	cfg.APIURL = "http://127.0.0.1:1" // nothing listens here
	embedder := NewOllama(cfg)

	_, err := embedder.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOllamaServerErrorWrapsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultOllamaConfig()
	cfg.APIURL = srv.URL
	embedder := NewOllama(cfg)

	_, err := embedder.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAIEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := openaiResponse{}
		// Return out of order; the client must reorder by index.
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{2}, Index: 1})
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{1}, Index: 0})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := DefaultOpenAIConfig("sk-test")
	cfg.APIURL = srv.URL
	embedder := NewOpenAI(cfg)

	vecs, err := embedder.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1}, vecs[0])
	assert.Equal(t, []float32{2}, vecs[1])
}

func TestOpenAIClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := DefaultOpenAIConfig("sk-test")
	cfg.APIURL = srv.URL
	embedder := NewOpenAI(cfg)

	_, err := embedder.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}
