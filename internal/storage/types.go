package storage

import (
	"errors"

	"github.com/openlongevity/seqfunc/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrImmutableField indicates an attempt to modify a fact field other
	// than its status. Facts are append-only apart from status transitions.
	ErrImmutableField = errors.New("fact fields other than status are immutable")

	// ErrConflictingSequence indicates an attempt to register an entity under
	// an existing sequence version with a different sequence. Callers must
	// bump the version explicitly.
	ErrConflictingSequence = errors.New("sequence differs from published version")
)

// SimilarityMatch is a single nearest-neighbor result from SearchSimilar.
type SimilarityMatch struct {
	FactID string

	// Score is cosine similarity in [-1, 1]; higher is closer.
	Score float64
}

// FactFilter restricts fact listings.
type FactFilter struct {
	// Statuses limits results to the given statuses. Empty means no filter.
	Statuses []types.FactStatus
}

// Matches reports whether a fact passes the filter.
func (f FactFilter) Matches(fact *types.Fact) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if fact.Status == s {
			return true
		}
	}
	return false
}
