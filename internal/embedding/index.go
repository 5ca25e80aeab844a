package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// Index pairs an embedding provider with persistent vector storage. Facts go
// in as text, come out as nearest-neighbor matches.
type Index struct {
	store    storage.Store
	embedder Embedder
	logger   *zap.Logger
}

// NewIndex creates an embedding index over the given store and provider.
func NewIndex(store storage.Store, embedder Embedder, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{store: store, embedder: embedder, logger: logger}
}

// Upsert computes and stores the embedding for a fact, then marks the fact's
// embedding as completed.
func (idx *Index) Upsert(ctx context.Context, fact *types.Fact) error {
	vector, err := idx.embedder.Embed(ctx, fact.EmbeddingText())
	if err != nil {
		return fmt.Errorf("failed to embed fact %s: %w", fact.FactID, err)
	}
	if err := idx.store.StoreEmbedding(ctx, fact.FactID, vector, idx.embedder.Model()); err != nil {
		return err
	}
	return idx.store.UpdateFactEmbeddingStatus(ctx, fact.FactID, types.EmbeddingCompleted)
}

// Remove deletes the stored embedding for a fact and resets its embedding
// status to pending.
func (idx *Index) Remove(ctx context.Context, factID string) error {
	if err := idx.store.DeleteEmbedding(ctx, factID); err != nil {
		return err
	}
	return idx.store.UpdateFactEmbeddingStatus(ctx, factID, types.EmbeddingPending)
}

// Search embeds the query text and returns the k nearest facts by cosine
// similarity, optionally pre-filtered to the given entities.
func (idx *Index) Search(ctx context.Context, text string, k int, entityIDs []string) ([]storage.SimilarityMatch, error) {
	vector, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return idx.store.SearchSimilar(ctx, vector, k, entityIDs)
}

// Vector returns the stored embedding for a fact, or storage.ErrNotFound.
func (idx *Index) Vector(ctx context.Context, factID string) ([]float32, error) {
	return idx.store.GetEmbedding(ctx, factID)
}

// Rebuild recomputes embeddings for every active fact with the current
// provider and model, in batches of up to workers concurrent requests. Used
// after a model change or to repair a partially embedded corpus. Demoted
// facts are left out: the index holds active facts only. Returns the number
// of facts re-embedded.
func (idx *Index) Rebuild(ctx context.Context, workers int) (int, error) {
	if workers <= 0 {
		workers = 4
	}

	total, err := idx.store.CountFacts(ctx)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	activeOnly := storage.FactFilter{Statuses: []types.FactStatus{types.FactActive}}
	var facts []*types.Fact
	for _, status := range []types.EmbeddingStatus{types.EmbeddingCompleted, types.EmbeddingPending} {
		batch, err := idx.store.ListFactsByEmbeddingStatus(ctx, status, activeOnly, total)
		if err != nil {
			return 0, fmt.Errorf("failed to list facts: %w", err)
		}
		facts = append(facts, batch...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, fact := range facts {
		fact := fact
		g.Go(func() error {
			if err := idx.Upsert(gctx, fact); err != nil {
				return err
			}
			idx.logger.Debug("re-embedded fact",
				zap.String("fact_id", fact.FactID),
				zap.String("model", idx.embedder.Model()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	idx.logger.Info("embedding rebuild complete",
		zap.Int("facts", len(facts)),
		zap.String("model", idx.embedder.Model()))
	return len(facts), nil
}
