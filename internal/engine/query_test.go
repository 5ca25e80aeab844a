package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// seedQueryFixture registers a second entity and ingests facts on both, so
// entity filtering has something to exclude.
func seedQueryFixture(t *testing.T, kb *KnowledgeBase, emb *scriptedEmbedder) (apoeFact, nrf2Fact string) {
	t.Helper()
	ctx := context.Background()

	_, err := kb.Registry().Register(ctx, &types.Entity{
		EntityID:    "Q16236",
		DisplayName: "NFE2L2",
		Species:     "Homo sapiens",
		Sequence:    strings.Repeat("M", 605),
	})
	require.NoError(t, err)
	require.NoError(t, kb.Registry().ConfirmAlias(ctx, "NRF2", "Q16236"))

	emb.mu.Lock()
	emb.vectors["cardiovascular risk"] = []float32{0.9, 0.4, 0, 0}
	emb.vectors["oxidative stress response"] = []float32{0, 0, 1, 0}
	emb.mu.Unlock()

	r1, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "elevated cardiovascular risk", types.AssociationShortensLifespan, 0.8, "doi:10.1000/apoe"))
	require.NoError(t, err)

	c := CandidateFact{
		Identifier:              "NRF2",
		Start:                   80,
		End:                     100,
		ModificationDescription: "enhancer activation",
		FunctionEffect:          "stronger oxidative stress response",
		LongevityAssociation:    string(types.AssociationExtendsLifespan),
		Confidence:              0.6,
		Citation: types.Citation{
			DOIOrURL:         "doi:10.1000/nrf2",
			ExtractionMethod: types.ExtractionVision,
		},
	}
	r2, err := kb.Ingest(ctx, c)
	require.NoError(t, err)
	return r1.FactID, r2.FactID
}

func TestQueryRequiresSomeFilter(t *testing.T) {
	kb, _, _ := newTestKB(t)
	_, err := kb.Query(context.Background(), QueryRequest{})
	require.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestQueryCombinesStructuredAndSemantic(t *testing.T) {
	kb, emb, _ := newTestKB(t)
	apoeFact, _ := seedQueryFixture(t, kb, emb)

	results, err := kb.Query(context.Background(), QueryRequest{
		Identifier:   "APOE",
		SemanticText: "cardiovascular risk",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, apoeFact, results[0].Fact.FactID)
	assert.Equal(t, "P02649", results[0].EntityID)
	assert.Greater(t, results[0].SemanticScore, 0.8)
	assert.Greater(t, results[0].Score, 0.0)
	// Provenance rides along.
	assert.Equal(t, "doi:10.1000/apoe", results[0].Fact.Citation.DOIOrURL)
}

func TestQuerySemanticOnlySearchesTheFullIndex(t *testing.T) {
	kb, emb, _ := newTestKB(t)
	_, nrf2Fact := seedQueryFixture(t, kb, emb)

	results, err := kb.Query(context.Background(), QueryRequest{
		SemanticText: "oxidative stress response",
		K:            1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, nrf2Fact, results[0].Fact.FactID)
}

func TestQueryIntervalRangeFilter(t *testing.T) {
	kb, emb, _ := newTestKB(t)
	apoeFact, _ := seedQueryFixture(t, kb, emb)
	ctx := context.Background()

	// A second APOE fact on a disjoint interval.
	far := apoeCandidate("C-terminal truncation", "reduced lipid binding", types.AssociationNeutral, 0.5, "doi:10.1000/far")
	far.Start, far.End = 250, 280
	rFar, err := kb.Ingest(ctx, far)
	require.NoError(t, err)

	results, err := kb.Query(ctx, QueryRequest{
		Identifier: "APOE",
		Start:      100,
		End:        120,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, apoeFact, results[0].Fact.FactID)

	results, err = kb.Query(ctx, QueryRequest{
		Identifier: "APOE",
		Start:      0,
		End:        317,
	})
	require.NoError(t, err)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Fact.FactID)
	}
	assert.ElementsMatch(t, []string{apoeFact, rFar.FactID}, ids)
}

func TestQuerySurfacesOverlappingIntervals(t *testing.T) {
	kb, emb, _ := newTestKB(t)
	seedQueryFixture(t, kb, emb)
	ctx := context.Background()

	// An APOE fact on an interval overlapping [112,113).
	wide := apoeCandidate("receptor binding region", "altered receptor affinity", types.AssociationNeutral, 0.5, "doi:10.1000/wide")
	wide.Start, wide.End = 100, 150
	_, err := kb.Ingest(ctx, wide)
	require.NoError(t, err)

	results, err := kb.Query(ctx, QueryRequest{Identifier: "APOE"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Len(t, r.OverlappingIntervals, 1, "each interval overlaps the other")
		assert.NotEqual(t, r.Interval.IntervalID, r.OverlappingIntervals[0].IntervalID)
	}
}

func TestCorroborationBoostsEffectiveConfidence(t *testing.T) {
	kb, _, _ := newTestKB(t)
	ctx := context.Background()

	r1, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	_, err = kb.Ingest(ctx, apoeCandidate("APOE4 risk allele", "impaired lipid transport", types.AssociationShortensLifespan, 0.7, "doi:10.1000/doc2"))
	require.NoError(t, err)

	results, err := kb.Query(ctx, QueryRequest{Identifier: "APOE"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		if r.Fact.FactID == r1.FactID {
			// Stored confidence unchanged; the boost is ranking-time only.
			assert.Equal(t, 0.8, r.Fact.Confidence)
			assert.InDelta(t, 0.85, r.EffectiveConfidence, 1e-9)
		}
	}
}

func TestQueryDegradesWhenEmbedderDownWithStructuredFilter(t *testing.T) {
	kb, emb, _ := newTestKB(t)
	seedQueryFixture(t, kb, emb)

	emb.setFailing(true)
	results, err := kb.Query(context.Background(), QueryRequest{
		Identifier:   "APOE",
		SemanticText: "cardiovascular risk",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].SemanticScore)

	// Semantic-only has nothing to fall back to.
	_, err = kb.Query(context.Background(), QueryRequest{SemanticText: "cardiovascular risk"})
	require.Error(t, err)
}

func TestQueryCanIncludeConflictingFacts(t *testing.T) {
	kb, _, _ := newTestKB(t)
	ctx := context.Background()

	_, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	r2, err := kb.Ingest(ctx, apoeCandidate("protective haplotype", "enhanced neuronal repair", types.AssociationExtendsLifespan, 0.9, "doi:10.1000/doc2"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, r2.Outcome)

	// Default query shows only active facts: both are conflicting, so none.
	results, err := kb.Query(ctx, QueryRequest{Identifier: "APOE"})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Review queries opt in to conflicting facts and see the cross-links.
	results, err = kb.Query(ctx, QueryRequest{
		Identifier: "APOE",
		Statuses:   []types.FactStatus{types.FactConflicting},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Len(t, r.Links, 1)
		assert.Equal(t, types.RelConflictsWith, r.Links[0].Relation)
	}
}
