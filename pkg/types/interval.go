package types

import (
	"fmt"
	"time"
)

// Interval is a half-open residue/nucleotide range [Start, End) on a specific
// sequence version of an entity. Intervals are created only by the
// reconciliation engine when a fact references a novel range, and are
// immutable once created.
//
// Two intervals are the same interval only when (EntityID, SequenceVersion,
// Start, End) match exactly. Overlapping-but-unequal intervals are distinct
// entries; their overlap relation is computed lazily by the interval index.
type Interval struct {
	IntervalID      string    `json:"interval_id"`
	EntityID        string    `json:"entity_id"`
	SequenceVersion int       `json:"sequence_version"`
	Start           int       `json:"start"` // 0-indexed, inclusive
	End             int       `json:"end"`   // Exclusive; End > Start
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks interval bounds. seqLen is the length of the referenced
// sequence version; pass a negative value to skip the length check.
func (iv *Interval) Validate(seqLen int) error {
	if iv.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if iv.SequenceVersion < 1 {
		return fmt.Errorf("sequence_version must be >= 1, got %d", iv.SequenceVersion)
	}
	if iv.Start < 0 {
		return fmt.Errorf("start must be >= 0, got %d", iv.Start)
	}
	if iv.End <= iv.Start {
		return fmt.Errorf("end (%d) must be > start (%d)", iv.End, iv.Start)
	}
	if seqLen >= 0 && iv.End > seqLen {
		return fmt.Errorf("end (%d) exceeds sequence length (%d)", iv.End, seqLen)
	}
	return nil
}

// Overlaps reports whether the interval overlaps the half-open range
// [start, end) on the same entity and sequence version.
func (iv *Interval) Overlaps(start, end int) bool {
	return iv.Start < end && start < iv.End
}
