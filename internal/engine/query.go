package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/openlongevity/seqfunc/internal/embedding"
	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// Ranking weights: extraction confidence dominates, semantic match second,
// recency last. Recency decays exponentially with a 180-day half-life-ish
// time constant so fresh evidence gets a mild boost, not a takeover.
const (
	weightConfidence = 0.5
	weightSemantic   = 0.3
	weightRecency    = 0.2

	recencyTimeConstantDays = 180

	// corroborationBoost is added to effective confidence per corroborating
	// link, capped at 1. Stored confidence never changes; the boost is
	// computed at ranking time.
	corroborationBoost = 0.05
)

// QueryRequest is a combined structured + semantic query. All filters are
// optional, but a request must carry at least an identifier or semantic text.
type QueryRequest struct {
	// Identifier filters to one entity (canonical ID or confirmed alias).
	Identifier string `json:"identifier,omitempty"`

	// SequenceVersion pins the version; 0 means latest.
	SequenceVersion int `json:"sequence_version,omitempty"`

	// Start/End, when End > Start, restrict to facts whose interval overlaps
	// the half-open range. Requires Identifier.
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`

	// SemanticText ranks candidates by similarity to this text; with no
	// structured filter it runs against the full index.
	SemanticText string `json:"semantic_text,omitempty"`

	// Statuses restricts results; default is active only.
	Statuses []types.FactStatus `json:"statuses,omitempty"`

	// K caps the result count; 0 uses the configured default.
	K int `json:"k,omitempty"`
}

// QueryResult is one ranked fact with full provenance and ranking breakdown.
type QueryResult struct {
	Fact     *types.Fact     `json:"fact"`
	Interval *types.Interval `json:"interval"`
	EntityID string          `json:"entity_id"`

	// Score is the combined ranking score; the components follow.
	Score               float64 `json:"score"`
	SemanticScore       float64 `json:"semantic_score"`
	EffectiveConfidence float64 `json:"effective_confidence"`

	// Links are the fact's corroboration/conflict cross-references.
	Links []types.FactLink `json:"links,omitempty"`

	// OverlappingIntervals lists other intervals on the same sequence that
	// overlap this fact's interval. Facts on distinct intervals are never
	// merged by the store; overlap is surfaced here instead.
	OverlappingIntervals []*types.Interval `json:"overlapping_intervals,omitempty"`
}

// Query runs a combined structured + semantic query. Structured filters
// narrow candidates first via the registry and interval index; semantic text
// then ranks (or, with no structured filter, selects) candidates via the
// embedding index. Queries take no entity locks.
func (kb *KnowledgeBase) Query(ctx context.Context, req QueryRequest) ([]QueryResult, error) {
	if req.Identifier == "" && req.SemanticText == "" {
		return nil, fmt.Errorf("%w: query needs an identifier or semantic text", storage.ErrInvalidInput)
	}
	if req.End > req.Start && req.Identifier == "" {
		return nil, fmt.Errorf("%w: an interval range filter requires an identifier", storage.ErrInvalidInput)
	}
	statuses := req.Statuses
	if len(statuses) == 0 {
		statuses = []types.FactStatus{types.FactActive}
	}
	k := req.K
	if k <= 0 {
		k = kb.config.SearchK
	}

	var entityID string
	var version int
	if req.Identifier != "" {
		res, err := kb.registry.Resolve(ctx, req.Identifier)
		if err != nil {
			return nil, err
		}
		entityID = res.EntityID
		version = req.SequenceVersion
		if version == 0 {
			version = res.LatestVersion
		}
	}

	candidates, err := kb.structuredCandidates(ctx, entityID, version, req, statuses)
	if err != nil {
		return nil, err
	}

	semScores := map[string]float64{}
	if req.SemanticText != "" {
		semScores, err = kb.semanticScores(ctx, req.SemanticText, entityID, k, len(candidates) > 0)
		if err != nil {
			return nil, err
		}
		if entityID == "" {
			// Semantic-only query: the matches are the candidate set.
			candidates, err = kb.factsForMatches(ctx, semScores, statuses)
			if err != nil {
				return nil, err
			}
		}
	}

	results, err := kb.rank(ctx, candidates, semScores)
	if err != nil {
		return nil, err
	}
	if len(results) > k {
		results = results[:k]
	}

	kb.logger.Debug("query served",
		zap.String("identifier", req.Identifier),
		zap.String("semantic_text", req.SemanticText),
		zap.Int("results", len(results)))
	return results, nil
}

// structuredCandidates applies the entity and interval-range filters.
func (kb *KnowledgeBase) structuredCandidates(ctx context.Context, entityID string, version int, req QueryRequest, statuses []types.FactStatus) ([]*types.Fact, error) {
	if entityID == "" {
		return nil, nil
	}
	filter := storage.FactFilter{Statuses: statuses}

	if req.End > req.Start {
		var facts []*types.Fact
		for _, iv := range kb.intervals.Overlaps(entityID, version, req.Start, req.End) {
			batch, err := kb.store.ListFactsByInterval(ctx, iv.IntervalID, filter)
			if err != nil {
				return nil, err
			}
			facts = append(facts, batch...)
		}
		return facts, nil
	}

	facts, err := kb.store.ListFactsByEntity(ctx, entityID, filter)
	if err != nil {
		return nil, err
	}
	return kb.filterByVersion(ctx, facts, version)
}

// filterByVersion keeps facts whose interval is on the given sequence version.
func (kb *KnowledgeBase) filterByVersion(ctx context.Context, facts []*types.Fact, version int) ([]*types.Fact, error) {
	var out []*types.Fact
	for _, f := range facts {
		iv, err := kb.store.GetInterval(ctx, f.IntervalID)
		if err != nil {
			return nil, err
		}
		if iv.SequenceVersion == version {
			out = append(out, f)
		}
	}
	return out, nil
}

// semanticScores embeds the query text and returns fact_id → cosine score.
// When structured candidates exist and the provider is down, the query
// degrades to structured-only ranking instead of failing.
func (kb *KnowledgeBase) semanticScores(ctx context.Context, text, entityID string, k int, haveStructured bool) (map[string]float64, error) {
	vector, err := kb.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}
	if vector == nil {
		if haveStructured {
			kb.logger.Warn("embedding provider unavailable, ranking without semantic scores")
			return map[string]float64{}, nil
		}
		return nil, fmt.Errorf("%w: semantic-only query needs the embedding provider", embedding.ErrUnavailable)
	}

	var entityIDs []string
	if entityID != "" {
		entityIDs = []string{entityID}
	}
	// Over-fetch so post-filtering by status still fills k results.
	matches, err := kb.store.SearchSimilar(ctx, vector, k*4, entityIDs)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(matches))
	for _, m := range matches {
		scores[m.FactID] = m.Score
	}
	return scores, nil
}

// factsForMatches loads the facts behind similarity matches, dropping any
// whose status is filtered out.
func (kb *KnowledgeBase) factsForMatches(ctx context.Context, scores map[string]float64, statuses []types.FactStatus) ([]*types.Fact, error) {
	filter := storage.FactFilter{Statuses: statuses}
	var facts []*types.Fact
	for factID := range scores {
		fact, err := kb.store.GetFact(ctx, factID)
		if err != nil {
			return nil, err
		}
		if filter.Matches(fact) {
			facts = append(facts, fact)
		}
	}
	return facts, nil
}

// rank scores and orders candidates, attaching provenance, links, and
// overlapping intervals.
func (kb *KnowledgeBase) rank(ctx context.Context, facts []*types.Fact, semScores map[string]float64) ([]QueryResult, error) {
	now := time.Now().UTC()
	intervalCache := map[string]*types.Interval{}

	results := make([]QueryResult, 0, len(facts))
	for _, fact := range facts {
		iv := intervalCache[fact.IntervalID]
		if iv == nil {
			loaded, err := kb.store.GetInterval(ctx, fact.IntervalID)
			if err != nil {
				return nil, err
			}
			iv = loaded
			intervalCache[fact.IntervalID] = iv
		}

		links, err := kb.store.ListFactLinks(ctx, fact.FactID)
		if err != nil {
			return nil, err
		}
		corroborations := 0
		for _, l := range links {
			if l.Relation == types.RelCorroborates {
				corroborations++
			}
		}

		effConf := math.Min(1, fact.Confidence+corroborationBoost*float64(corroborations))
		semScore := semScores[fact.FactID]
		ageDays := now.Sub(fact.CreatedAt).Hours() / 24
		recency := math.Exp(-ageDays / recencyTimeConstantDays)

		var overlapping []*types.Interval
		for _, other := range kb.intervals.Overlaps(iv.EntityID, iv.SequenceVersion, iv.Start, iv.End) {
			if other.IntervalID != iv.IntervalID {
				overlapping = append(overlapping, other)
			}
		}

		results = append(results, QueryResult{
			Fact:                 fact,
			Interval:             iv,
			EntityID:             iv.EntityID,
			Score:                weightConfidence*effConf + weightSemantic*semScore + weightRecency*recency,
			SemanticScore:        semScore,
			EffectiveConfidence:  effConf,
			Links:                links,
			OverlappingIntervals: overlapping,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Fact.FactID < results[j].Fact.FactID
	})
	return results, nil
}
