package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/openlongevity/seqfunc/internal/storage"
)

// searchMaxCandidates caps the number of embeddings loaded into memory during
// a similarity search. Embeddings are selected newest first so recently
// ingested facts are always considered. For datasets large enough to hit this
// limit, use the PostgreSQL backend with pgvector for indexed ANN search.
const searchMaxCandidates = 10_000

// StoreEmbedding stores or replaces the embedding for a fact.
// The vector is serialized as a little-endian float32 BLOB.
func (s *Store) StoreEmbedding(ctx context.Context, factID string, vector []float32, model string) error {
	if factID == "" {
		return fmt.Errorf("%w: fact ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if model == "" {
		return fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (fact_id, embedding, dimension, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(fact_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = CURRENT_TIMESTAMP`,
		factID, serializeVector(vector), len(vector), model)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// GetEmbedding retrieves the embedding for a fact.
func (s *Store) GetEmbedding(ctx context.Context, factID string) ([]float32, error) {
	if factID == "" {
		return nil, fmt.Errorf("%w: fact ID is required", storage.ErrInvalidInput)
	}

	var blob []byte
	var dimension int
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding, dimension FROM embeddings WHERE fact_id = ?`, factID).
		Scan(&blob, &dimension)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}

	vector, err := deserializeVector(blob, dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize embedding: %w", err)
	}
	return vector, nil
}

// DeleteEmbedding removes the embedding for a fact.
func (s *Store) DeleteEmbedding(ctx context.Context, factID string) error {
	if factID == "" {
		return fmt.Errorf("%w: fact ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE fact_id = ?`, factID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return requireRowAffected(result)
}

// SearchSimilar performs brute-force cosine similarity search over stored
// embeddings. When entityIDs is non-empty the candidate pool is pre-filtered
// to facts whose interval belongs to one of the given entities.
func (s *Store) SearchSimilar(ctx context.Context, query []float32, k int, entityIDs []string) ([]storage.SimilarityMatch, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}
	if k <= 0 {
		k = 10
	}

	querySQL := `
		SELECT e.fact_id, e.embedding, e.dimension
		FROM embeddings e
		JOIN facts f ON f.fact_id = e.fact_id`
	var args []interface{}
	if len(entityIDs) > 0 {
		placeholders := make([]string, len(entityIDs))
		for i, id := range entityIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		querySQL += `
		JOIN intervals i ON i.interval_id = f.interval_id
		WHERE i.entity_id IN (` + strings.Join(placeholders, ", ") + `)`
	}
	querySQL += `
		ORDER BY f.created_at DESC
		LIMIT ?`
	args = append(args, searchMaxCandidates)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.SimilarityMatch
	for rows.Next() {
		var factID string
		var blob []byte
		var dimension int
		if err := rows.Scan(&factID, &blob, &dimension); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		vector, err := deserializeVector(blob, dimension)
		if err != nil {
			// A corrupt blob should not poison the whole search.
			continue
		}
		matches = append(matches, storage.SimilarityMatch{
			FactID: factID,
			Score:  CosineSimilarity(query, vector),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].FactID < matches[j].FactID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// serializeVector converts a float32 slice to little-endian bytes.
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector converts little-endian bytes back to a float32 slice.
// dimension validates the buffer size.
func deserializeVector(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}
	vector := make([]float32, dimension)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
