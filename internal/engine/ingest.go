package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// CandidateFact is a raw extracted claim submitted by an upstream extraction
// agent. It is validated and coerced into the strict fact schema at the
// ingestion boundary; malformed input fails with a typed error and nothing is
// stored.
type CandidateFact struct {
	// Identifier names the entity: a canonical ID or any confirmed alias.
	Identifier string `json:"identifier"`

	// SequenceVersion pins the claim to a sequence version; 0 means the
	// entity's latest version.
	SequenceVersion int `json:"sequence_version,omitempty"`

	// Start and End are 0-indexed half-open coordinates on the sequence.
	Start int `json:"start"`
	End   int `json:"end"`

	ModificationType        string  `json:"modification_type,omitempty"`
	ModificationDescription string  `json:"modification_description"`
	FunctionEffect          string  `json:"function_effect"`
	LongevityAssociation    string  `json:"longevity_association"`
	Confidence              float64 `json:"confidence"`

	Citation types.Citation `json:"citation"`
}

// IngestOutcome classifies what reconciliation decided about a candidate.
type IngestOutcome string

const (
	// OutcomeInserted means the fact was stored as a new independent claim.
	OutcomeInserted IngestOutcome = "inserted"

	// OutcomeCorroborated means the fact near-duplicates at least one
	// existing claim with the same association; both stay active and are
	// cross-linked.
	OutcomeCorroborated IngestOutcome = "corroborated"

	// OutcomeConflict means the fact contradicts an existing claim on the
	// same interval; both are stored as conflicting for review. This is a
	// recorded outcome, not a failure.
	OutcomeConflict IngestOutcome = "conflict"
)

// IngestResult reports what happened to a submitted candidate fact.
type IngestResult struct {
	FactID          string        `json:"fact_id"`
	EntityID        string        `json:"entity_id"`
	SequenceVersion int           `json:"sequence_version"`
	IntervalID      string        `json:"interval_id"`
	Outcome         IngestOutcome `json:"outcome"`

	// CorroboratedWith and ConflictsWith list the existing facts this one
	// was linked against.
	CorroboratedWith []string `json:"corroborated_with,omitempty"`
	ConflictsWith    []string `json:"conflicts_with,omitempty"`

	// EmbeddingDeferred is true when the embedding provider was unavailable
	// and the fact was stored for backfill.
	EmbeddingDeferred bool `json:"embedding_deferred,omitempty"`

	// Warning carries non-fatal notices such as a recorded conflict.
	Warning string `json:"warning,omitempty"`
}

// Ingest validates a candidate fact, reconciles it against existing claims on
// the same interval, and stores it. Never silently drops a submitted fact: it
// is either stored (possibly flagged) or the call fails with a typed error.
func (kb *KnowledgeBase) Ingest(ctx context.Context, candidate CandidateFact) (*IngestResult, error) {
	association, err := parseAssociation(candidate.LongevityAssociation)
	if err != nil {
		return nil, err
	}

	res, err := kb.registry.Resolve(ctx, candidate.Identifier)
	if err != nil {
		return nil, err
	}
	version := candidate.SequenceVersion
	if version == 0 {
		version = res.LatestVersion
	}
	entity, err := kb.registry.Get(ctx, res.EntityID, version)
	if err != nil {
		return nil, fmt.Errorf("entity %s version %d: %w", res.EntityID, version, err)
	}

	fact := &types.Fact{
		FactID:                  uuid.New().String(),
		ModificationType:        strings.TrimSpace(candidate.ModificationType),
		ModificationDescription: strings.TrimSpace(candidate.ModificationDescription),
		FunctionEffect:          strings.TrimSpace(candidate.FunctionEffect),
		LongevityAssociation:    association,
		Confidence:              candidate.Confidence,
		Citation:                candidate.Citation,
		Status:                  types.FactActive,
		EmbeddingStatus:         types.EmbeddingPending,
		CreatedAt:               time.Now().UTC(),
	}

	probe := types.Interval{
		EntityID:        entity.EntityID,
		SequenceVersion: version,
		Start:           candidate.Start,
		End:             candidate.End,
	}
	if err := probe.Validate(len(entity.Sequence)); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	// Interval ID is assigned under the lock; validate everything else now.
	fact.IntervalID = "pending"
	if err := fact.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	// Embedding is the slow path; do it before taking the entity lock so a
	// sluggish provider cannot serialize all ingestion.
	vector, err := kb.embedWithRetry(ctx, fact.EmbeddingText())
	if err != nil {
		return nil, err
	}

	lock := kb.entityLock(entity.EntityID)
	lock.Lock()
	defer lock.Unlock()

	interval, err := kb.intervals.GetOrCreate(ctx, entity.EntityID, version, candidate.Start, candidate.End)
	if err != nil {
		return nil, err
	}
	fact.IntervalID = interval.IntervalID

	existing, err := kb.store.ListFactsByInterval(ctx, interval.IntervalID,
		storage.FactFilter{Statuses: []types.FactStatus{types.FactActive}})
	if err != nil {
		return nil, err
	}

	decision := kb.reconcile(ctx, fact, vector, existing)
	fact.Status = decision.status
	if err := kb.store.InsertFact(ctx, fact); err != nil {
		return nil, err
	}

	for _, prior := range decision.conflicts {
		if err := kb.demoteToConflicting(ctx, prior); err != nil {
			return nil, err
		}
		link := types.NewFactLink(fact.FactID, prior.FactID, types.RelConflictsWith)
		if err := kb.store.InsertFactLink(ctx, link); err != nil {
			return nil, err
		}
	}
	for _, peer := range decision.corroborations {
		link := types.NewFactLink(fact.FactID, peer.FactID, types.RelCorroborates)
		if err := kb.store.InsertFactLink(ctx, link); err != nil {
			return nil, err
		}
	}

	// The embedding index only holds active facts.
	if fact.Status == types.FactActive && vector != nil {
		if err := kb.store.StoreEmbedding(ctx, fact.FactID, vector, kb.embedder.Model()); err != nil {
			return nil, err
		}
		if err := kb.store.UpdateFactEmbeddingStatus(ctx, fact.FactID, types.EmbeddingCompleted); err != nil {
			return nil, err
		}
		fact.EmbeddingStatus = types.EmbeddingCompleted
	}

	result := &IngestResult{
		FactID:            fact.FactID,
		EntityID:          entity.EntityID,
		SequenceVersion:   version,
		IntervalID:        interval.IntervalID,
		Outcome:           decision.outcome(),
		CorroboratedWith:  factIDs(decision.corroborations),
		ConflictsWith:     factIDs(decision.conflicts),
		EmbeddingDeferred: fact.Status == types.FactActive && vector == nil,
	}
	if result.Outcome == OutcomeConflict {
		result.Warning = fmt.Sprintf("conflicting longevity association on interval %s; facts retained for review", interval.IntervalID)
	}

	kb.logger.Info("fact ingested",
		zap.String("fact_id", fact.FactID),
		zap.String("entity_id", entity.EntityID),
		zap.String("interval_id", interval.IntervalID),
		zap.String("outcome", string(result.Outcome)),
		zap.Bool("embedding_deferred", result.EmbeddingDeferred))
	return result, nil
}

// reconcileDecision is the outcome of comparing a candidate against the
// existing active facts on its interval.
type reconcileDecision struct {
	status         types.FactStatus
	conflicts      []*types.Fact
	corroborations []*types.Fact
}

func (d reconcileDecision) outcome() IngestOutcome {
	switch {
	case len(d.conflicts) > 0:
		return OutcomeConflict
	case len(d.corroborations) > 0:
		return OutcomeCorroborated
	}
	return OutcomeInserted
}

// reconcile compares the candidate against each active fact on the identical
// interval. A contradictory association wins over everything else: the
// candidate and exactly one prior fact (the strongest standing claim, by
// highest confidence, then earliest creation, then fact ID) are marked
// conflicting. Otherwise near-duplicate same-association facts corroborate.
func (kb *KnowledgeBase) reconcile(ctx context.Context, fact *types.Fact, vector []float32, existing []*types.Fact) reconcileDecision {
	var disagreeing []*types.Fact
	var corroborating []*types.Fact

	for _, prior := range existing {
		if fact.LongevityAssociation.Incompatible(prior.LongevityAssociation) {
			disagreeing = append(disagreeing, prior)
			continue
		}
		if fact.LongevityAssociation != prior.LongevityAssociation {
			continue
		}
		if kb.nearDuplicate(ctx, fact, vector, prior) {
			corroborating = append(corroborating, prior)
		}
	}

	if len(disagreeing) > 0 {
		sort.Slice(disagreeing, func(i, j int) bool {
			a, b := disagreeing[i], disagreeing[j]
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.FactID < b.FactID
		})
		return reconcileDecision{
			status:    types.FactConflicting,
			conflicts: disagreeing[:1],
		}
	}

	return reconcileDecision{
		status:         types.FactActive,
		corroborations: corroborating,
	}
}

// nearDuplicate reports whether two facts describe the same claim: cosine
// similarity of their embeddings at or above the threshold, falling back to
// token Jaccard overlap when either embedding is missing.
func (kb *KnowledgeBase) nearDuplicate(ctx context.Context, fact *types.Fact, vector []float32, prior *types.Fact) bool {
	if vector != nil {
		priorVec, err := kb.store.GetEmbedding(ctx, prior.FactID)
		if err == nil {
			return cosineSimilarity(vector, priorVec) >= kb.config.SimilarityThreshold
		}
		if !errors.Is(err, storage.ErrNotFound) {
			kb.logger.Warn("failed to load embedding for comparison",
				zap.String("fact_id", prior.FactID), zap.Error(err))
		}
	}
	return tokenJaccard(fact.EmbeddingText(), prior.EmbeddingText()) >= kb.config.JaccardThreshold
}

// demoteToConflicting transitions a standing fact to conflicting and drops it
// from the embedding index.
func (kb *KnowledgeBase) demoteToConflicting(ctx context.Context, fact *types.Fact) error {
	if err := kb.store.UpdateFactStatus(ctx, fact.FactID, types.FactConflicting); err != nil {
		return err
	}
	if err := kb.store.DeleteEmbedding(ctx, fact.FactID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return kb.store.UpdateFactEmbeddingStatus(ctx, fact.FactID, types.EmbeddingPending)
}

func parseAssociation(raw string) (types.LongevityAssociation, error) {
	norm := types.LongevityAssociation(strings.ToLower(strings.TrimSpace(raw)))
	if norm == "" {
		return types.AssociationUnknown, nil
	}
	for _, valid := range types.ValidAssociations {
		if norm == valid {
			return norm, nil
		}
	}
	return "", fmt.Errorf("%w: invalid longevity_association %q", storage.ErrInvalidInput, raw)
}

func factIDs(facts []*types.Fact) []string {
	if len(facts) == 0 {
		return nil
	}
	ids := make([]string, len(facts))
	for i, f := range facts {
		ids[i] = f.FactID
	}
	return ids
}
