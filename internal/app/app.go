// Package app wires configuration into a running knowledge base: storage
// backend selection, embedding provider construction, and engine assembly
// shared by the command-line entry points.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openlongevity/seqfunc/internal/config"
	"github.com/openlongevity/seqfunc/internal/embedding"
	"github.com/openlongevity/seqfunc/internal/engine"
	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/internal/storage/postgres"
	"github.com/openlongevity/seqfunc/internal/storage/sqlite"
)

// OpenStore opens the configured storage backend.
func OpenStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return sqlite.New(cfg.Storage.DSN)
	case "postgres":
		return postgres.New(cfg.Storage.DSN, postgres.Options{
			VectorDimension: cfg.Storage.VectorDimension,
		})
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
}

// NewEmbedder builds the configured embedding provider.
func NewEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "ollama":
		return embedding.NewOllamaClient(embedding.OllamaConfig{
			BaseURL:           cfg.Embedding.OllamaURL,
			Model:             cfg.Embedding.OllamaModel,
			Timeout:           cfg.Embedding.Timeout,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		}), nil
	case "openai":
		return embedding.NewOpenAIClient(embedding.OpenAIConfig{
			APIKey:            cfg.Embedding.OpenAIAPIKey,
			Model:             cfg.Embedding.OpenAIModel,
			BaseURL:           cfg.Embedding.OpenAIBaseURL,
			Timeout:           cfg.Embedding.Timeout,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		})
	}
	return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
}

// OpenKnowledgeBase assembles the full engine from configuration. The caller
// owns the returned store and must Close both it and the knowledge base.
func OpenKnowledgeBase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine.KnowledgeBase, storage.Store, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	embedder, err := NewEmbedder(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.SimilarityThreshold = cfg.Engine.SimilarityThreshold
	engineCfg.BackfillInterval = cfg.Engine.BackfillInterval
	engineCfg.SearchK = cfg.Engine.SearchK

	kb, err := engine.New(ctx, store, embedder, engineCfg, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return kb, store, nil
}
