package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// StartBackfill launches the background worker that retries pending
// embeddings on the configured interval. Safe to call once; stop with
// StopBackfill or Close.
func (kb *KnowledgeBase) StartBackfill(ctx context.Context) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if kb.backfillCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	kb.backfillCancel = cancel
	kb.backfillDone = make(chan struct{})

	go func() {
		defer close(kb.backfillDone)
		ticker := time.NewTicker(kb.config.BackfillInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := kb.BackfillPending(ctx); err != nil {
					kb.logger.Warn("embedding backfill failed", zap.Error(err))
				} else if n > 0 {
					kb.logger.Info("embedding backfill", zap.Int("embedded", n))
				}
			}
		}
	}()
}

// StopBackfill stops the background worker and waits for it to exit.
func (kb *KnowledgeBase) StopBackfill() {
	kb.mu.Lock()
	cancel, done := kb.backfillCancel, kb.backfillDone
	kb.backfillCancel, kb.backfillDone = nil, nil
	kb.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// BackfillPending embeds up to BackfillBatch facts whose embedding is still
// pending. Only active facts are embedded; conflicting and superseded facts
// stay out of the index. Returns the number of facts embedded.
func (kb *KnowledgeBase) BackfillPending(ctx context.Context) (int, error) {
	// Filtering to active in the query keeps demoted pending facts from
	// occupying batch slots and starving newer active facts.
	pending, err := kb.store.ListFactsByEmbeddingStatus(ctx, types.EmbeddingPending,
		storage.FactFilter{Statuses: []types.FactStatus{types.FactActive}},
		kb.config.BackfillBatch)
	if err != nil {
		return 0, err
	}

	embedded := 0
	for _, fact := range pending {
		vector, err := kb.embedder.Embed(ctx, fact.EmbeddingText())
		if err != nil {
			// Provider still down; the next run retries.
			return embedded, err
		}
		if err := kb.store.StoreEmbedding(ctx, fact.FactID, vector, kb.embedder.Model()); err != nil {
			return embedded, err
		}
		if err := kb.store.UpdateFactEmbeddingStatus(ctx, fact.FactID, types.EmbeddingCompleted); err != nil {
			return embedded, err
		}
		embedded++
	}
	return embedded, nil
}
