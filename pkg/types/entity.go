package types

import (
	"fmt"
	"strings"
	"time"
)

// Entity represents a canonical gene/protein identity with a versioned
// reference sequence. The EntityID is a stable external identifier (e.g. a
// UniProt accession such as "Q16236"); DisplayName is the gene symbol.
//
// A sequence is immutable once published: a changed sequence is registered
// under a new SequenceVersion, never edited in place, so intervals that
// reference an old version stay valid forever.
type Entity struct {
	EntityID        string    `json:"entity_id"`        // Stable canonical identifier
	DisplayName     string    `json:"display_name"`     // Gene symbol (e.g. "NFE2L2")
	Species         string    `json:"species"`          // Source organism (e.g. "Homo sapiens")
	Sequence        string    `json:"sequence"`         // Reference residue/nucleotide sequence
	SequenceVersion int       `json:"sequence_version"` // 1-based, monotonically increasing
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the entity for structural validity.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.EntityID) == "" {
		return fmt.Errorf("entity_id is required")
	}
	if e.Sequence == "" {
		return fmt.Errorf("sequence is required")
	}
	if e.SequenceVersion < 1 {
		return fmt.Errorf("sequence_version must be >= 1, got %d", e.SequenceVersion)
	}
	return nil
}

// Alias maps an external identifier (gene symbol, ortholog name, accession
// number) to a canonical entity. Aliases are append-only; when the same alias
// has been mapped to more than one entity over time, resolution picks the
// most recently confirmed mapping.
type Alias struct {
	Alias       string    `json:"alias"`
	EntityID    string    `json:"entity_id"`
	ConfirmedAt time.Time `json:"confirmed_at"` // Last time this mapping was confirmed
}
