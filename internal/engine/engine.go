// Package engine orchestrates the knowledge base: it validates candidate
// facts against the sequence registry, reconciles them with existing claims on
// the same interval, keeps the embedding index consistent with the fact store,
// and serves combined structured + semantic queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openlongevity/seqfunc/internal/embedding"
	"github.com/openlongevity/seqfunc/internal/index"
	"github.com/openlongevity/seqfunc/internal/registry"
	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// entityLockStripes is the size of the striped lock table serializing
// reconciliation per entity. Two entities may share a stripe; that only
// costs a little parallelism, never correctness.
const entityLockStripes = 64

// Config holds the knowledge base's tunable parameters.
type Config struct {
	// SimilarityThreshold is the cosine similarity at or above which two
	// same-association facts on one interval corroborate each other.
	SimilarityThreshold float64

	// JaccardThreshold is the token-overlap fallback threshold used when one
	// of the facts has no stored embedding.
	JaccardThreshold float64

	// EmbedAttempts is how many times an embedding call is tried before the
	// fact is stored with a pending embedding.
	EmbedAttempts int

	// EmbedBackoff is the base backoff between embedding attempts; attempt n
	// waits EmbedBackoff * 2^n.
	EmbedBackoff time.Duration

	// BackfillInterval is how often the background worker retries pending
	// embeddings.
	BackfillInterval time.Duration

	// BackfillBatch is the maximum pending facts processed per backfill run.
	BackfillBatch int

	// SearchK is the default result count for queries.
	SearchK int
}

// DefaultConfig returns the default knowledge base configuration.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.9,
		JaccardThreshold:    0.6,
		EmbedAttempts:       3,
		EmbedBackoff:        250 * time.Millisecond,
		BackfillInterval:    time.Minute,
		BackfillBatch:       50,
		SearchK:             10,
	}
}

// Validate checks the configuration for structural validity.
func (c Config) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0,1], got %g", c.SimilarityThreshold)
	}
	if c.JaccardThreshold <= 0 || c.JaccardThreshold > 1 {
		return fmt.Errorf("jaccard threshold must be in (0,1], got %g", c.JaccardThreshold)
	}
	if c.EmbedAttempts < 1 {
		return fmt.Errorf("embed attempts must be >= 1, got %d", c.EmbedAttempts)
	}
	if c.SearchK < 1 {
		return fmt.Errorf("search k must be >= 1, got %d", c.SearchK)
	}
	return nil
}

// KnowledgeBase wires the registry, interval index, fact store and embedding
// index behind one facade. Safe for concurrent ingestion and query.
type KnowledgeBase struct {
	config     Config
	store      storage.Store
	registry   *registry.Registry
	intervals  *index.IntervalIndex
	embeddings *embedding.Index
	embedder   embedding.Embedder
	logger     *zap.Logger

	entityLocks [entityLockStripes]sync.Mutex

	backfillCancel context.CancelFunc
	backfillDone   chan struct{}
	mu             sync.Mutex
}

// New creates a knowledge base over the given store and embedding provider.
// The interval index is loaded from the store before the engine is returned.
func New(ctx context.Context, store storage.Store, embedder embedding.Embedder, config Config, logger *zap.Logger) (*KnowledgeBase, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	intervals := index.New(store)
	if err := intervals.Load(ctx); err != nil {
		return nil, err
	}

	return &KnowledgeBase{
		config:     config,
		store:      store,
		registry:   registry.New(store),
		intervals:  intervals,
		embeddings: embedding.NewIndex(store, embedder, logger),
		embedder:   embedder,
		logger:     logger,
	}, nil
}

// Registry exposes the sequence registry for entity registration and alias
// confirmation.
func (kb *KnowledgeBase) Registry() *registry.Registry {
	return kb.registry
}

// Embeddings exposes the embedding index, mainly for rebuilds.
func (kb *KnowledgeBase) Embeddings() *embedding.Index {
	return kb.embeddings
}

// GetEntity resolves an identifier and returns the entity at its latest
// sequence version.
func (kb *KnowledgeBase) GetEntity(ctx context.Context, identifier string) (*types.Entity, error) {
	res, err := kb.registry.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return kb.registry.Get(ctx, res.EntityID, res.LatestVersion)
}

// GetFactsForInterval returns the facts recorded on an interval, optionally
// restricted to the given statuses.
func (kb *KnowledgeBase) GetFactsForInterval(ctx context.Context, intervalID string, statuses ...types.FactStatus) ([]*types.Fact, error) {
	return kb.store.ListFactsByInterval(ctx, intervalID, storage.FactFilter{Statuses: statuses})
}

// ResolveConflict settles a recorded conflict between two facts after review:
// the winner returns to active (and is re-embedded), the loser is marked
// superseded and dropped from the embedding index. Both facts must currently
// be in the conflicting state.
func (kb *KnowledgeBase) ResolveConflict(ctx context.Context, winnerID, loserID string) error {
	winner, err := kb.store.GetFact(ctx, winnerID)
	if err != nil {
		return fmt.Errorf("winner: %w", err)
	}
	loser, err := kb.store.GetFact(ctx, loserID)
	if err != nil {
		return fmt.Errorf("loser: %w", err)
	}
	if winner.Status != types.FactConflicting || loser.Status != types.FactConflicting {
		return fmt.Errorf("%w: both facts must be conflicting to resolve", storage.ErrInvalidInput)
	}

	if err := kb.store.UpdateFactStatus(ctx, loserID, types.FactSuperseded); err != nil {
		return err
	}
	if err := kb.store.UpdateFactStatus(ctx, winnerID, types.FactActive); err != nil {
		return err
	}

	winner.Status = types.FactActive
	if err := kb.embeddings.Upsert(ctx, winner); err != nil {
		// The backfill worker picks it up; resolution itself succeeded.
		kb.logger.Warn("failed to re-embed resolved fact",
			zap.String("fact_id", winnerID), zap.Error(err))
	}

	kb.logger.Info("conflict resolved",
		zap.String("winner", winnerID),
		zap.String("loser", loserID))
	return nil
}

// Close stops the backfill worker if running.
func (kb *KnowledgeBase) Close() error {
	kb.StopBackfill()
	return nil
}

// entityLock returns the stripe lock for an entity. All intervals of an
// entity share one lock, which is coarse enough to serialize the
// read-overlaps-then-write reconcile sequence.
func (kb *KnowledgeBase) entityLock(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &kb.entityLocks[h.Sum32()%entityLockStripes]
}

// embedWithRetry calls the embedding provider with bounded exponential
// backoff. Returns (nil, nil) when all attempts fail with a transient error:
// the caller stores the fact with a pending embedding instead of failing.
func (kb *KnowledgeBase) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < kb.config.EmbedAttempts; attempt++ {
		if attempt > 0 {
			backoff := kb.config.EmbedBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		vector, err := kb.embedder.Embed(ctx, text)
		if err == nil {
			return vector, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		kb.logger.Warn("embedding attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	kb.logger.Warn("embedding unavailable, deferring to backfill", zap.Error(lastErr))
	return nil, nil
}
