package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/internal/storage/sqlite"
	"github.com/openlongevity/seqfunc/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestRegisterAssignsVersions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e1, err := r.Register(ctx, &types.Entity{
		EntityID:    "P02649",
		DisplayName: "APOE",
		Species:     "Homo sapiens",
		Sequence:    "MKVLWAALLVTFLAGCQA",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e1.SequenceVersion)

	// Identical sequence again: idempotent, version unchanged.
	e2, err := r.Register(ctx, &types.Entity{
		EntityID: "P02649",
		Sequence: "MKVLWAALLVTFLAGCQA",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e2.SequenceVersion)

	// Changed sequence: new version, old one untouched.
	e3, err := r.Register(ctx, &types.Entity{
		EntityID: "P02649",
		Sequence: "MKVLWAALLVTFLAGCQAR",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, e3.SequenceVersion)

	old, err := r.Get(ctx, "P02649", 1)
	require.NoError(t, err)
	assert.Equal(t, "MKVLWAALLVTFLAGCQA", old.Sequence)
}

func TestRegisterExplicitVersionConflict(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, &types.Entity{
		EntityID:        "Q16236",
		Sequence:        "MMDLELPPPGLPSQQD",
		SequenceVersion: 1,
	})
	require.NoError(t, err)

	// Same version, same sequence: idempotent.
	_, err = r.Register(ctx, &types.Entity{
		EntityID:        "Q16236",
		Sequence:        "MMDLELPPPGLPSQQD",
		SequenceVersion: 1,
	})
	require.NoError(t, err)

	// Same version, different sequence: rejected, nothing overwritten.
	_, err = r.Register(ctx, &types.Entity{
		EntityID:        "Q16236",
		Sequence:        "MMDLELPPPGLPSQQDMMM",
		SequenceVersion: 1,
	})
	require.ErrorIs(t, err, storage.ErrConflictingSequence)

	stored, err := r.Get(ctx, "Q16236", 1)
	require.NoError(t, err)
	assert.Equal(t, "MMDLELPPPGLPSQQD", stored.Sequence)
}

func TestRegisterNormalizesSequenceFormatting(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, &types.Entity{
		EntityID: "P02649",
		Sequence: "MKVLWAALL",
	})
	require.NoError(t, err)

	// FASTA-style line breaks and lower case are not a new sequence.
	e, err := r.Register(ctx, &types.Entity{
		EntityID: "p02649",
		Sequence: "mkvlw\naall",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.SequenceVersion)
}

func TestResolveViaAlias(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, &types.Entity{
		EntityID:    "Q16236",
		DisplayName: "NFE2L2",
		Sequence:    "MMDLELPPPGLPSQQD",
	})
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "NRF2")
	require.ErrorIs(t, err, ErrUnknownIdentifier)

	require.NoError(t, r.ConfirmAlias(ctx, "NRF2", "Q16236"))
	require.NoError(t, r.ConfirmAlias(ctx, "NFE2L2", "Q16236"))

	res, err := r.Resolve(ctx, "nrf2")
	require.NoError(t, err)
	assert.Equal(t, "Q16236", res.EntityID)
	assert.Equal(t, 1, res.LatestVersion)
	assert.Equal(t, "NRF2", res.ViaAlias)

	// A canonical ID resolves without the alias table.
	res, err = r.Resolve(ctx, "Q16236")
	require.NoError(t, err)
	assert.Empty(t, res.ViaAlias)
}

func TestConfirmAliasRequiresKnownEntity(t *testing.T) {
	r := newTestRegistry(t)
	err := r.ConfirmAlias(context.Background(), "SKN-1", "NOPE-1")
	require.ErrorIs(t, err, ErrUnknownIdentifier)
}

func TestAmbiguousAliasPrefersLatestConfirmation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"P02649", "Q16236"} {
		_, err := r.Register(ctx, &types.Entity{EntityID: id, Sequence: "MKVL" + id})
		require.NoError(t, err)
	}

	require.NoError(t, r.ConfirmAlias(ctx, "SHARED", "P02649"))
	require.NoError(t, r.ConfirmAlias(ctx, "SHARED", "Q16236"))

	res, err := r.Resolve(ctx, "SHARED")
	require.NoError(t, err)
	assert.Equal(t, "Q16236", res.EntityID)
}
