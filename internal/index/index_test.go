package index

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlongevity/seqfunc/internal/storage/sqlite"
	"github.com/openlongevity/seqfunc/pkg/types"
)

func newTestIndex(t *testing.T) (*IntervalIndex, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.InsertEntity(context.Background(), &types.Entity{
		EntityID:        "P02649",
		DisplayName:     "APOE",
		Sequence:        "MKVLWAALLVTFLAGCQA",
		SequenceVersion: 1,
	}))
	return New(store), store
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	a, err := idx.GetOrCreate(ctx, "P02649", 1, 112, 113)
	require.NoError(t, err)
	b, err := idx.GetOrCreate(ctx, "P02649", 1, 112, 113)
	require.NoError(t, err)

	assert.Equal(t, a.IntervalID, b.IntervalID)
	assert.Equal(t, 1, idx.Size("P02649", 1))
}

func TestOverlapsHalfOpenSemantics(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	mk := func(start, end int) *types.Interval {
		iv, err := idx.GetOrCreate(ctx, "P02649", 1, start, end)
		require.NoError(t, err)
		return iv
	}
	ten20 := mk(10, 20)
	twenty30 := mk(20, 30)
	five15 := mk(5, 15)

	got := idx.Overlaps("P02649", 1, 12, 18)
	ids := intervalIDs(got)
	assert.Equal(t, []string{five15.IntervalID, ten20.IntervalID}, ids)

	// [10,20) and [20,30) touch but share no position.
	got = idx.Overlaps("P02649", 1, 20, 21)
	assert.Equal(t, []string{twenty30.IntervalID}, intervalIDs(got))

	// Empty query range matches nothing.
	assert.Empty(t, idx.Overlaps("P02649", 1, 15, 15))

	// Different sequence version is a different tree.
	assert.Empty(t, idx.Overlaps("P02649", 2, 12, 18))
}

func TestLoadRebuildsFromStore(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()

	_, err := idx.GetOrCreate(ctx, "P02649", 1, 112, 113)
	require.NoError(t, err)
	_, err = idx.GetOrCreate(ctx, "P02649", 1, 100, 200)
	require.NoError(t, err)

	// A fresh index over the same store starts empty until Load.
	fresh := New(store)
	assert.Empty(t, fresh.Overlaps("P02649", 1, 112, 113))

	require.NoError(t, fresh.Load(ctx))
	assert.Len(t, fresh.Overlaps("P02649", 1, 112, 113), 2)
	assert.Equal(t, 2, fresh.Size("P02649", 1))
}

func TestStabAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tree := &intervalTree{}
	var intervals []*types.Interval

	for i := 0; i < 500; i++ {
		start := rng.Intn(1000)
		end := start + 1 + rng.Intn(50)
		iv := &types.Interval{
			IntervalID:      fmt.Sprintf("iv-%04d", i),
			EntityID:        "E",
			SequenceVersion: 1,
			Start:           start,
			End:             end,
		}
		tree.Insert(iv)
		intervals = append(intervals, iv)
	}

	for trial := 0; trial < 100; trial++ {
		qs := rng.Intn(1000)
		qe := qs + 1 + rng.Intn(100)

		want := []string{}
		for _, iv := range intervals {
			if iv.Overlaps(qs, qe) {
				want = append(want, iv.IntervalID)
			}
		}
		sort.Strings(want)

		got := intervalIDs(tree.Stab(qs, qe))
		sort.Strings(got)
		require.Equal(t, want, got, "query [%d,%d)", qs, qe)
	}
}

func intervalIDs(intervals []*types.Interval) []string {
	ids := make([]string, 0, len(intervals))
	for _, iv := range intervals {
		ids = append(ids, iv.IntervalID)
	}
	return ids
}
