package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "APOE4 risk allele", "APOE4 risk allele", 1.0},
		{"case and punctuation ignored", "APOE4 risk-allele.", "apoe4 RISK allele", 1.0},
		{"disjoint", "promoter methylation", "receptor binding", 0.0},
		{"partial overlap", "impaired lipid transport", "impaired lipid binding", 0.5},
		{"empty", "", "anything", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tokenJaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineSimilarityBounds(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Zero(t, cosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, cosineSimilarity(nil, nil))
}
