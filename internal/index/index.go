// Package index maintains per-sequence interval trees for fast overlap
// queries. The trees are an in-memory view over the interval store: every
// insert is written through to the store first, and Load rebuilds the trees
// from it at startup.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

type treeKey struct {
	entityID string
	version  int
}

// IntervalIndex indexes annotation intervals per (entity, sequence version).
// Safe for concurrent use.
type IntervalIndex struct {
	store storage.IntervalStore

	mu    sync.RWMutex
	trees map[treeKey]*intervalTree
}

// New creates an empty index over the given store. Call Load before serving
// queries against an existing database.
func New(store storage.IntervalStore) *IntervalIndex {
	return &IntervalIndex{
		store: store,
		trees: make(map[treeKey]*intervalTree),
	}
}

// Load rebuilds the in-memory trees from the interval store, replacing any
// current contents.
func (idx *IntervalIndex) Load(ctx context.Context) error {
	intervals, err := idx.store.ListIntervals(ctx)
	if err != nil {
		return fmt.Errorf("failed to load intervals: %w", err)
	}

	trees := make(map[treeKey]*intervalTree)
	for _, iv := range intervals {
		key := treeKey{entityID: iv.EntityID, version: iv.SequenceVersion}
		tree := trees[key]
		if tree == nil {
			tree = &intervalTree{}
			trees[key] = tree
		}
		tree.Insert(iv)
	}

	idx.mu.Lock()
	idx.trees = trees
	idx.mu.Unlock()
	return nil
}

// GetOrCreate returns the interval with the exact coordinates, creating it if
// it does not exist. Creation is idempotent: the same coordinates always map
// to the same interval ID, and concurrent creators converge on one row.
func (idx *IntervalIndex) GetOrCreate(ctx context.Context, entityID string, version, start, end int) (*types.Interval, error) {
	if existing, err := idx.store.FindInterval(ctx, entityID, version, start, end); err == nil {
		idx.add(existing)
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	iv := &types.Interval{
		IntervalID:      uuid.New().String(),
		EntityID:        entityID,
		SequenceVersion: version,
		Start:           start,
		End:             end,
		CreatedAt:       time.Now().UTC(),
	}
	if err := idx.store.InsertInterval(ctx, iv); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			// Lost a race with a concurrent creator; their row wins.
			if existing, ferr := idx.store.FindInterval(ctx, entityID, version, start, end); ferr == nil {
				idx.add(existing)
				return existing, nil
			}
		}
		return nil, err
	}

	idx.add(iv)
	return iv, nil
}

// Get retrieves an interval by ID from the store.
func (idx *IntervalIndex) Get(ctx context.Context, intervalID string) (*types.Interval, error) {
	return idx.store.GetInterval(ctx, intervalID)
}

// Overlaps returns all intervals on (entity, version) overlapping the
// half-open query [start, end), ordered by (start, end). Intervals that
// merely touch at an endpoint are not overlapping.
func (idx *IntervalIndex) Overlaps(entityID string, version, start, end int) []*types.Interval {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tree := idx.trees[treeKey{entityID: entityID, version: version}]
	if tree == nil {
		return nil
	}
	return tree.Stab(start, end)
}

// Size reports the number of indexed intervals for a sequence version.
func (idx *IntervalIndex) Size(entityID string, version int) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if tree := idx.trees[treeKey{entityID: entityID, version: version}]; tree != nil {
		return tree.Len()
	}
	return 0
}

func (idx *IntervalIndex) add(iv *types.Interval) {
	key := treeKey{entityID: iv.EntityID, version: iv.SequenceVersion}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tree := idx.trees[key]
	if tree == nil {
		tree = &intervalTree{}
		idx.trees[key] = tree
	}
	tree.Insert(iv)
}
