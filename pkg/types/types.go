// Package types defines the core data structures for the seqfunc knowledge
// base: canonical entities with versioned reference sequences, annotation
// intervals on those sequences, and provenance-tracked facts linking sequence
// modifications to functional and longevity outcomes.
package types

// FactStatus represents the lifecycle status of a fact.
// Facts are never deleted; they only transition between statuses.
type FactStatus string

const (
	// FactActive indicates the fact is a current, standing claim.
	FactActive FactStatus = "active"

	// FactSuperseded indicates the fact was replaced by a newer claim,
	// typically after human or agent review of a conflict.
	FactSuperseded FactStatus = "superseded"

	// FactConflicting indicates the fact disagrees with another fact on the
	// same interval. Conflicting facts stay visible for review; the store
	// never silently picks a winner.
	FactConflicting FactStatus = "conflicting"
)

// ValidFactStatuses lists all valid fact statuses for validation.
var ValidFactStatuses = []FactStatus{FactActive, FactSuperseded, FactConflicting}

// EmbeddingStatus tracks whether a fact's description embedding has been
// computed and stored. Embedding failures never block ingestion: the fact is
// stored with EmbeddingPending and backfilled later.
type EmbeddingStatus string

const (
	// EmbeddingPending indicates the embedding has not been stored yet.
	EmbeddingPending EmbeddingStatus = "pending"

	// EmbeddingCompleted indicates the embedding is stored and searchable.
	EmbeddingCompleted EmbeddingStatus = "completed"
)

// LongevityAssociation is the extracted association between a sequence
// modification and lifespan.
type LongevityAssociation string

const (
	AssociationExtendsLifespan  LongevityAssociation = "extends_lifespan"
	AssociationShortensLifespan LongevityAssociation = "shortens_lifespan"
	AssociationNeutral          LongevityAssociation = "neutral"
	AssociationUnknown          LongevityAssociation = "unknown"
)

// ValidAssociations lists all valid longevity associations for validation.
var ValidAssociations = []LongevityAssociation{
	AssociationExtendsLifespan,
	AssociationShortensLifespan,
	AssociationNeutral,
	AssociationUnknown,
}

// Incompatible reports whether two associations contradict each other on the
// same interval. Only a direct extends/shortens disagreement is treated as a
// contradiction; neutral and unknown are compatible with everything.
func (a LongevityAssociation) Incompatible(b LongevityAssociation) bool {
	return (a == AssociationExtendsLifespan && b == AssociationShortensLifespan) ||
		(a == AssociationShortensLifespan && b == AssociationExtendsLifespan)
}

// ExtractionMethod identifies which upstream extraction pipeline produced a
// fact: plain text parsing or vision analysis of figures and tables.
type ExtractionMethod string

const (
	ExtractionText   ExtractionMethod = "text"
	ExtractionVision ExtractionMethod = "vision"
)

// LinkRelation tags a cross-reference between two facts.
type LinkRelation string

const (
	// RelCorroborates links two independent facts supporting the same claim
	// on the same interval.
	RelCorroborates LinkRelation = "corroborates"

	// RelConflictsWith links two facts asserting incompatible longevity
	// associations on the same interval.
	RelConflictsWith LinkRelation = "conflicts_with"
)
