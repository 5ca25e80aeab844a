package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeOllama(t *testing.T, vectors map[string][]float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			w.WriteHeader(http.StatusOK)
		case "/api/embed":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			vec, ok := vectors[req.Input]
			if !ok {
				vec = []float32{0.1, 0.2, 0.3}
			}
			_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{vec}})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestOllamaEmbed(t *testing.T) {
	srv := newFakeOllama(t, map[string][]float32{
		"R112C substitution": {1, 0, 0},
	})
	defer srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "nomic-embed-text"})

	vec, err := client.Embed(context.Background(), "R112C substitution")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, "nomic-embed-text", client.Model())
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestOllamaEmbedRejectsEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	_, err := client.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Embed(ctx, "text")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrUnavailable)
	}

	// Circuit is now open: the provider is no longer called.
	before := calls.Load()
	_, err := client.Embed(ctx, "text")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, calls.Load())
}
