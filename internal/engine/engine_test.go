package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlongevity/seqfunc/internal/registry"
	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/internal/storage/sqlite"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// scriptedEmbedder returns canned vectors keyed by substrings of the input
// text and can be toggled to fail, simulating provider outages.
type scriptedEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	failing bool
	calls   int
}

func (s *scriptedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failing {
		return nil, errors.New("connection refused")
	}
	for key, vec := range s.vectors {
		if strings.Contains(text, key) {
			return vec, nil
		}
	}
	return []float32{0, 0, 0, 1}, nil
}

func (s *scriptedEmbedder) Model() string { return "scripted" }

func (s *scriptedEmbedder) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func newTestKB(t *testing.T) (*KnowledgeBase, *scriptedEmbedder, *sqlite.Store) {
	return newTestKBWithConfig(t, nil)
}

func newTestKBWithConfig(t *testing.T, mutate func(*Config)) (*KnowledgeBase, *scriptedEmbedder, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	emb := &scriptedEmbedder{vectors: map[string][]float32{
		"APOE4 variant":        {1, 0, 0, 0},
		"APOE4 risk allele":    {0.95, 0.312, 0, 0},
		"protective haplotype": {0, 1, 0, 0},
	}}

	cfg := DefaultConfig()
	cfg.EmbedBackoff = time.Millisecond
	cfg.BackfillInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	kb, err := New(context.Background(), store, emb, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kb.Close() })

	// APOE, 317 residues.
	_, err = kb.Registry().Register(context.Background(), &types.Entity{
		EntityID:    "P02649",
		DisplayName: "APOE",
		Species:     "Homo sapiens",
		Sequence:    strings.Repeat("M", 317),
	})
	require.NoError(t, err)
	require.NoError(t, kb.Registry().ConfirmAlias(context.Background(), "APOE", "P02649"))

	return kb, emb, store
}

func apoeCandidate(desc, effect string, association types.LongevityAssociation, confidence float64, doc string) CandidateFact {
	return CandidateFact{
		Identifier:              "APOE",
		Start:                   112,
		End:                     113,
		ModificationType:        "substitution",
		ModificationDescription: desc,
		FunctionEffect:          effect,
		LongevityAssociation:    string(association),
		Confidence:              confidence,
		Citation: types.Citation{
			DOIOrURL:         doc,
			ExtractionMethod: types.ExtractionText,
		},
	}
}

func TestIngestUnknownIdentifierIsFatal(t *testing.T) {
	kb, _, _ := newTestKB(t)
	_, err := kb.Ingest(context.Background(),
		apoeCandidateWithIdentifier(t, "FOXO3"))
	require.ErrorIs(t, err, registry.ErrUnknownIdentifier)
}

func apoeCandidateWithIdentifier(t *testing.T, identifier string) CandidateFact {
	t.Helper()
	c := apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1")
	c.Identifier = identifier
	return c
}

func TestIngestValidatesAtTheBoundary(t *testing.T) {
	kb, _, store := newTestKB(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CandidateFact)
	}{
		{"end beyond sequence length", func(c *CandidateFact) { c.Start, c.End = 300, 400 }},
		{"end not after start", func(c *CandidateFact) { c.Start, c.End = 113, 113 }},
		{"negative start", func(c *CandidateFact) { c.Start = -1 }},
		{"invalid association", func(c *CandidateFact) { c.LongevityAssociation = "immortality" }},
		{"confidence out of range", func(c *CandidateFact) { c.Confidence = 1.2 }},
		{"missing function effect", func(c *CandidateFact) { c.FunctionEffect = "  " }},
		{"missing citation", func(c *CandidateFact) { c.Citation.DOIOrURL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1")
			tc.mutate(&c)
			_, err := kb.Ingest(ctx, c)
			require.ErrorIs(t, err, storage.ErrInvalidInput)
		})
	}

	// Nothing partial was stored.
	n, err := store.CountFacts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestSharesIntervalForIdenticalCoordinates(t *testing.T) {
	kb, _, _ := newTestKB(t)
	ctx := context.Background()

	r1, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	r2, err := kb.Ingest(ctx, apoeCandidate("protective haplotype", "enhanced receptor binding", types.AssociationNeutral, 0.6, "doi:10.1000/doc2"))
	require.NoError(t, err)

	assert.Equal(t, r1.IntervalID, r2.IntervalID)
	assert.NotEqual(t, r1.FactID, r2.FactID)
}

func TestCorroborationKeepsBothActiveAndLinksThem(t *testing.T) {
	kb, _, store := newTestKB(t)
	ctx := context.Background()

	r1, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, r1.Outcome)

	r2, err := kb.Ingest(ctx, apoeCandidate("APOE4 risk allele", "impaired lipid transport", types.AssociationShortensLifespan, 0.7, "doi:10.1000/doc2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCorroborated, r2.Outcome)
	assert.Equal(t, []string{r1.FactID}, r2.CorroboratedWith)

	for _, id := range []string{r1.FactID, r2.FactID} {
		fact, err := store.GetFact(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.FactActive, fact.Status)
	}

	links, err := store.ListFactLinks(ctx, r1.FactID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, types.RelCorroborates, links[0].Relation)
}

func TestConflictIsPairwiseAndDeterministic(t *testing.T) {
	kb, _, store := newTestKB(t)
	ctx := context.Background()

	// F1 and F2 corroborate; F1 has the higher confidence.
	r1, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	r2, err := kb.Ingest(ctx, apoeCandidate("APOE4 risk allele", "impaired lipid transport", types.AssociationShortensLifespan, 0.7, "doi:10.1000/doc2"))
	require.NoError(t, err)

	// F3 contradicts: it conflicts with exactly one prior fact, the
	// strongest standing claim (F1), chosen by confidence.
	r3, err := kb.Ingest(ctx, apoeCandidate("protective haplotype", "enhanced neuronal repair", types.AssociationExtendsLifespan, 0.9, "doi:10.1000/doc3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, r3.Outcome)
	assert.Equal(t, []string{r1.FactID}, r3.ConflictsWith)
	assert.NotEmpty(t, r3.Warning)

	wantStatus := map[string]types.FactStatus{
		r1.FactID: types.FactConflicting,
		r2.FactID: types.FactActive,
		r3.FactID: types.FactConflicting,
	}
	for id, want := range wantStatus {
		fact, err := store.GetFact(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, fact.Status, "fact %s", id)
	}

	// Facts leaving active also leave the embedding index.
	_, err = store.GetEmbedding(ctx, r1.FactID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetEmbedding(ctx, r2.FactID)
	assert.NoError(t, err)

	links, err := store.ListFactLinks(ctx, r3.FactID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, types.RelConflictsWith, links[0].Relation)
}

func TestFactCountOnlyIncreases(t *testing.T) {
	kb, _, store := newTestKB(t)
	ctx := context.Background()

	prev := 0
	candidates := []CandidateFact{
		apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"),
		apoeCandidate("APOE4 risk allele", "impaired lipid transport", types.AssociationShortensLifespan, 0.7, "doi:10.1000/doc2"),
		apoeCandidate("protective haplotype", "enhanced neuronal repair", types.AssociationExtendsLifespan, 0.9, "doi:10.1000/doc3"),
	}
	for _, c := range candidates {
		_, err := kb.Ingest(ctx, c)
		require.NoError(t, err)
		n, err := store.CountFacts(ctx)
		require.NoError(t, err)
		assert.Equal(t, prev+1, n)
		prev = n
	}
}

func TestResolveConflictSettlesStatuses(t *testing.T) {
	kb, _, store := newTestKB(t)
	ctx := context.Background()

	r1, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	r3, err := kb.Ingest(ctx, apoeCandidate("protective haplotype", "enhanced neuronal repair", types.AssociationExtendsLifespan, 0.9, "doi:10.1000/doc3"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, r3.Outcome)

	// Resolving requires both sides to actually be conflicting.
	err = kb.ResolveConflict(ctx, r1.FactID, "no-such-fact")
	require.Error(t, err)

	require.NoError(t, kb.ResolveConflict(ctx, r1.FactID, r3.FactID))

	winner, err := store.GetFact(ctx, r1.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactActive, winner.Status)
	_, err = store.GetEmbedding(ctx, r1.FactID)
	assert.NoError(t, err)

	loser, err := store.GetFact(ctx, r3.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactSuperseded, loser.Status)
}

func TestEmbeddingOutageDefersAndBackfills(t *testing.T) {
	kb, emb, store := newTestKB(t)
	ctx := context.Background()

	emb.setFailing(true)
	r, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	assert.True(t, r.EmbeddingDeferred)

	fact, err := store.GetFact(ctx, r.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactActive, fact.Status)
	assert.Equal(t, types.EmbeddingPending, fact.EmbeddingStatus)
	_, err = store.GetEmbedding(ctx, r.FactID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Provider recovers; backfill completes the embedding.
	emb.setFailing(false)
	n, err := kb.BackfillPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fact, err = store.GetFact(ctx, r.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.EmbeddingCompleted, fact.EmbeddingStatus)
	vec, err := store.GetEmbedding(ctx, r.FactID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, vec)
}

func TestBackfillSkipsFactsThatLeftActive(t *testing.T) {
	kb, emb, _ := newTestKB(t)
	ctx := context.Background()

	emb.setFailing(true)
	_, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	r2, err := kb.Ingest(ctx, apoeCandidate("protective haplotype", "enhanced neuronal repair", types.AssociationExtendsLifespan, 0.9, "doi:10.1000/doc2"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, r2.Outcome)

	emb.setFailing(false)
	n, err := kb.BackfillPending(ctx)
	require.NoError(t, err)
	// Both facts are conflicting; neither belongs in the embedding index.
	assert.Zero(t, n)
}

func TestBackfillReachesActiveFactsBehindDemotedOnes(t *testing.T) {
	kb, emb, store := newTestKBWithConfig(t, func(cfg *Config) {
		cfg.BackfillBatch = 2
	})
	ctx := context.Background()

	// Two older facts end up conflicting with their embeddings still pending,
	// then a newer active fact defers its embedding during the same outage.
	emb.setFailing(true)
	_, err := kb.Ingest(ctx, apoeCandidate("APOE4 variant", "impaired lipid transport", types.AssociationShortensLifespan, 0.8, "doi:10.1000/doc1"))
	require.NoError(t, err)
	r2, err := kb.Ingest(ctx, apoeCandidate("protective haplotype", "enhanced neuronal repair", types.AssociationExtendsLifespan, 0.9, "doi:10.1000/doc2"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, r2.Outcome)

	r3, err := kb.Ingest(ctx, apoeCandidate("membrane binding variant", "altered receptor affinity", types.AssociationNeutral, 0.6, "doi:10.1000/doc3"))
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, r3.Outcome)
	require.True(t, r3.EmbeddingDeferred)

	// The demoted pair is older than the batch size; the active fact must
	// still be embedded on the first run after the provider recovers.
	emb.setFailing(false)
	n, err := kb.BackfillPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fact, err := store.GetFact(ctx, r3.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.EmbeddingCompleted, fact.EmbeddingStatus)
	_, err = store.GetEmbedding(ctx, r3.FactID)
	require.NoError(t, err)
}

func TestConcurrentIngestionSerializesPerEntity(t *testing.T) {
	kb, _, store := newTestKB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := kb.Ingest(ctx, apoeCandidate(
				fmt.Sprintf("variant %d", i),
				fmt.Sprintf("distinct effect %d", i),
				types.AssociationNeutral, 0.5,
				fmt.Sprintf("doi:10.1000/doc%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := store.CountFacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}
