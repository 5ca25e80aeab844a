// Package storage provides composable storage interfaces for the seqfunc
// knowledge base.
//
// The layer is split into small, focused interfaces (registry, intervals,
// facts, embeddings) that a backend implements together on one database
// handle. Two backends exist: SQLite (default, CGO-free) and PostgreSQL with
// pgvector for indexed cosine search.
package storage

import (
	"context"

	"github.com/openlongevity/seqfunc/pkg/types"
)

// RegistryStore persists canonical entities and their alias mappings.
// Entities and aliases are append-only.
type RegistryStore interface {
	// InsertEntity stores a new (entity_id, sequence_version) row.
	// Returns ErrInvalidInput if the row already exists.
	InsertEntity(ctx context.Context, entity *types.Entity) error

	// GetEntity retrieves an entity at a specific sequence version.
	// Returns ErrNotFound if no such row exists.
	GetEntity(ctx context.Context, entityID string, version int) (*types.Entity, error)

	// LatestVersion returns the highest sequence version registered for an
	// entity, or ErrNotFound if the entity is unknown.
	LatestVersion(ctx context.Context, entityID string) (int, error)

	// AppendAlias records an alias → entity mapping. If the mapping already
	// exists its confirmed_at timestamp is refreshed; existing mappings are
	// never overwritten or removed.
	AppendAlias(ctx context.Context, alias types.Alias) error

	// ResolveAlias returns the entity ID mapped to the alias, preferring the
	// most recently confirmed mapping when the alias is ambiguous.
	// Returns ErrNotFound if no mapping exists.
	ResolveAlias(ctx context.Context, alias string) (string, error)
}

// IntervalStore persists annotation intervals. Intervals are append-only and
// immutable once created.
type IntervalStore interface {
	// InsertInterval stores a new interval. The (entity, version, start, end)
	// tuple is unique; inserting a duplicate returns ErrInvalidInput.
	InsertInterval(ctx context.Context, iv *types.Interval) error

	// GetInterval retrieves an interval by ID, or ErrNotFound.
	GetInterval(ctx context.Context, intervalID string) (*types.Interval, error)

	// FindInterval looks up an interval by its exact coordinates, or
	// ErrNotFound.
	FindInterval(ctx context.Context, entityID string, version, start, end int) (*types.Interval, error)

	// ListIntervals returns all intervals, used to rebuild the in-memory
	// interval index at startup.
	ListIntervals(ctx context.Context) ([]*types.Interval, error)
}

// FactStore persists facts and their cross-reference links. Facts are
// append-mostly: status (and embedding bookkeeping) are the only fields ever
// rewritten after insert.
type FactStore interface {
	// InsertFact stores a new fact.
	InsertFact(ctx context.Context, fact *types.Fact) error

	// GetFact retrieves a fact by ID, or ErrNotFound.
	GetFact(ctx context.Context, factID string) (*types.Fact, error)

	// ListFactsByInterval returns facts on an interval passing the filter,
	// ordered by created_at ascending.
	ListFactsByInterval(ctx context.Context, intervalID string, filter FactFilter) ([]*types.Fact, error)

	// ListFactsByEntity returns facts whose interval belongs to the entity,
	// passing the filter, ordered by created_at ascending.
	ListFactsByEntity(ctx context.Context, entityID string, filter FactFilter) ([]*types.Fact, error)

	// UpdateFact applies a modified fact. Only Status and EmbeddingStatus may
	// differ from the stored row; any other difference fails with
	// ErrImmutableField and nothing is written.
	UpdateFact(ctx context.Context, fact *types.Fact) error

	// UpdateFactStatus transitions a fact's lifecycle status.
	UpdateFactStatus(ctx context.Context, factID string, status types.FactStatus) error

	// UpdateFactEmbeddingStatus updates embedding bookkeeping for a fact.
	UpdateFactEmbeddingStatus(ctx context.Context, factID string, status types.EmbeddingStatus) error

	// ListFactsByEmbeddingStatus returns up to limit facts with the given
	// embedding status passing the filter, oldest first. Used by the backfill
	// worker and embedding rebuild, which restrict to active facts so demoted
	// facts never re-enter the embedding index or crowd out the batch.
	ListFactsByEmbeddingStatus(ctx context.Context, status types.EmbeddingStatus, filter FactFilter, limit int) ([]*types.Fact, error)

	// CountFacts returns the total number of facts ever stored.
	CountFacts(ctx context.Context) (int, error)

	// InsertFactLink records a cross-reference between two facts.
	// Inserting the same canonical (a, b, relation) twice is a no-op.
	InsertFactLink(ctx context.Context, link types.FactLink) error

	// ListFactLinks returns all links touching the given fact.
	ListFactLinks(ctx context.Context, factID string) ([]types.FactLink, error)
}

// EmbeddingStore persists fact embeddings and answers nearest-neighbor
// queries by cosine similarity.
type EmbeddingStore interface {
	// StoreEmbedding stores or replaces the embedding for a fact.
	StoreEmbedding(ctx context.Context, factID string, vector []float32, model string) error

	// GetEmbedding retrieves the embedding for a fact, or ErrNotFound.
	GetEmbedding(ctx context.Context, factID string) ([]float32, error)

	// DeleteEmbedding removes the embedding for a fact, or ErrNotFound if
	// none is stored.
	DeleteEmbedding(ctx context.Context, factID string) error

	// SearchSimilar returns up to k fact IDs nearest to the query vector by
	// cosine similarity, best first. When entityIDs is non-empty the search
	// is pre-filtered to facts whose interval belongs to one of the entities.
	SearchSimilar(ctx context.Context, query []float32, k int, entityIDs []string) ([]SimilarityMatch, error)
}

// Store is the full storage contract a backend provides.
type Store interface {
	RegistryStore
	IntervalStore
	FactStore
	EmbeddingStore

	// Close releases the underlying database handle.
	Close() error
}
