package types

import (
	"fmt"
	"strings"
	"time"
)

// Citation records where a fact came from and how it was extracted, so every
// query result can cite its evidence.
type Citation struct {
	DOIOrURL         string           `json:"doi_or_url"`        // DOI or article URL
	ExtractionMethod ExtractionMethod `json:"extraction_method"` // text | vision
	Excerpt          string           `json:"excerpt,omitempty"` // Supporting passage or figure caption
}

// Validate checks the citation for structural validity.
func (c *Citation) Validate() error {
	if strings.TrimSpace(c.DOIOrURL) == "" {
		return fmt.Errorf("citation doi_or_url is required")
	}
	if c.ExtractionMethod != ExtractionText && c.ExtractionMethod != ExtractionVision {
		return fmt.Errorf("invalid extraction_method %q", c.ExtractionMethod)
	}
	return nil
}

// Fact is a single extracted claim linking a modification in a sequence
// interval to a functional/longevity outcome, with full provenance.
//
// A fact never mutates after creation except its Status field, which is set
// exclusively by the reconciliation engine (or by explicit conflict
// resolution), and its EmbeddingStatus bookkeeping field. Facts are never
// deleted, preserving historical provenance.
type Fact struct {
	FactID     string `json:"fact_id"`
	IntervalID string `json:"interval_id"`

	// ModificationType is the coarse class of modification (deletion,
	// substitution, insertion, ...). ModificationDescription is the free-text
	// account of the specific change.
	ModificationType        string `json:"modification_type,omitempty"`
	ModificationDescription string `json:"modification_description"`

	// FunctionEffect is the free-text functional consequence. It is the text
	// that gets embedded for semantic search.
	FunctionEffect string `json:"function_effect"`

	LongevityAssociation LongevityAssociation `json:"longevity_association"`
	Confidence           float64              `json:"confidence"` // Extraction confidence in [0,1]
	Citation             Citation             `json:"citation"`

	Status          FactStatus      `json:"status"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EmbeddingText returns the text that represents this fact in the embedding
// index: the function effect plus the modification description.
func (f *Fact) EmbeddingText() string {
	if f.ModificationDescription == "" {
		return f.FunctionEffect
	}
	return f.ModificationDescription + ". " + f.FunctionEffect
}

// Validate checks the fact for structural validity.
func (f *Fact) Validate() error {
	if f.IntervalID == "" {
		return fmt.Errorf("interval_id is required")
	}
	if strings.TrimSpace(f.ModificationDescription) == "" {
		return fmt.Errorf("modification_description is required")
	}
	if strings.TrimSpace(f.FunctionEffect) == "" {
		return fmt.Errorf("function_effect is required")
	}
	if !validAssociation(f.LongevityAssociation) {
		return fmt.Errorf("invalid longevity_association %q", f.LongevityAssociation)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %g", f.Confidence)
	}
	if err := f.Citation.Validate(); err != nil {
		return err
	}
	if !validStatus(f.Status) {
		return fmt.Errorf("invalid status %q", f.Status)
	}
	return nil
}

func validAssociation(a LongevityAssociation) bool {
	for _, v := range ValidAssociations {
		if a == v {
			return true
		}
	}
	return false
}

func validStatus(s FactStatus) bool {
	for _, v := range ValidFactStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// FactLink is a flat adjacency record cross-referencing two facts. Links are
// stored with FactA < FactB (lexicographically) so each pair appears exactly
// once regardless of ingestion order.
type FactLink struct {
	FactA     string       `json:"fact_a"`
	FactB     string       `json:"fact_b"`
	Relation  LinkRelation `json:"relation"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewFactLink builds a canonically-ordered link between two facts.
func NewFactLink(a, b string, rel LinkRelation) FactLink {
	if b < a {
		a, b = b, a
	}
	return FactLink{FactA: a, FactB: b, Relation: rel, CreatedAt: time.Now().UTC()}
}
