package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "./seqfunc.db", cfg.Storage.DSN)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.OllamaModel)
	assert.Equal(t, 10*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, 0.9, cfg.Engine.SimilarityThreshold)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SEQFUNC_STORAGE_BACKEND", "postgres")
	t.Setenv("SEQFUNC_STORAGE_DSN", "postgres://localhost/seqfunc")
	t.Setenv("SEQFUNC_SIMILARITY_THRESHOLD", "0.85")
	t.Setenv("SEQFUNC_EMBEDDING_TIMEOUT", "30s")
	t.Setenv("SEQFUNC_LOG_DEVELOPMENT", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/seqfunc", cfg.Storage.DSN)
	assert.Equal(t, 0.85, cfg.Engine.SimilarityThreshold)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadYAMLOverridesEnvironment(t *testing.T) {
	t.Setenv("SEQFUNC_OLLAMA_MODEL", "from-env")

	path := filepath.Join(t.TempDir(), "seqfunc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
embedding:
  ollama_model: from-file
engine:
  search_k: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Embedding.OllamaModel)
	assert.Equal(t, 25, cfg.Engine.SearchK)
	// Untouched fields keep their env/default values.
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("SEQFUNC_STORAGE_BACKEND", "cassandra")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("SEQFUNC_STORAGE_BACKEND", "sqlite")
	t.Setenv("SEQFUNC_EMBEDDING_PROVIDER", "openai")
	_, err = Load("")
	require.Error(t, err, "openai without an api key")

	t.Setenv("SEQFUNC_OPENAI_API_KEY", "sk-test")
	_, err = Load("")
	require.NoError(t, err)
}
