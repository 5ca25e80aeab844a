package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// Ensure *Store implements the full storage contract at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using PostgreSQL.
type Store struct {
	db                *sql.DB
	pgvectorAvailable bool
}

// Options configures the PostgreSQL backend.
type Options struct {
	// VectorDimension is the embedding dimension used for the pgvector
	// column. Required when the pgvector extension is available.
	VectorDimension int
}

// New connects to PostgreSQL, creates the schema, and detects whether the
// pgvector extension is available. When it is, an embedding_vec column is
// added to the embeddings table for indexed cosine-distance search; otherwise
// similarity search falls back to a brute-force scan over the BYTEA column.
func New(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{db: db}
	s.pgvectorAvailable = s.ensureVectorColumn(opts.VectorDimension)

	return s, nil
}

// ensureVectorColumn tries to enable pgvector and add the embedding_vec
// column. Returns false when the extension is unavailable; the store then
// works without indexed vector search.
func (s *Store) ensureVectorColumn(dimension int) bool {
	if dimension <= 0 {
		dimension = 768
	}
	if _, err := s.db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return false
	}
	alter := fmt.Sprintf(
		`ALTER TABLE embeddings ADD COLUMN IF NOT EXISTS embedding_vec vector(%d)`, dimension)
	if _, err := s.db.Exec(alter); err != nil {
		return false
	}
	return true
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ----------------------------------------------------------------------------
// RegistryStore
// ----------------------------------------------------------------------------

// InsertEntity stores a new (entity_id, sequence_version) row.
func (s *Store) InsertEntity(ctx context.Context, entity *types.Entity) error {
	if entity == nil {
		return storage.ErrInvalidInput
	}
	if err := entity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (entity_id, sequence_version, display_name, species, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entity.EntityID, entity.SequenceVersion, entity.DisplayName,
		entity.Species, entity.Sequence, entity.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: entity %s version %d already exists",
				storage.ErrInvalidInput, entity.EntityID, entity.SequenceVersion)
		}
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity at a specific sequence version.
func (s *Store) GetEntity(ctx context.Context, entityID string, version int) (*types.Entity, error) {
	var e types.Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, sequence_version, display_name, species, sequence, created_at
		FROM entities WHERE entity_id = $1 AND sequence_version = $2`,
		entityID, version).Scan(
		&e.EntityID, &e.SequenceVersion, &e.DisplayName, &e.Species, &e.Sequence, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &e, nil
}

// LatestVersion returns the highest registered sequence version for an entity.
func (s *Store) LatestVersion(ctx context.Context, entityID string) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_version) FROM entities WHERE entity_id = $1`,
		entityID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}
	if !version.Valid {
		return 0, storage.ErrNotFound
	}
	return int(version.Int64), nil
}

// AppendAlias records an alias mapping, refreshing confirmed_at on conflict.
func (s *Store) AppendAlias(ctx context.Context, alias types.Alias) error {
	if alias.Alias == "" || alias.EntityID == "" {
		return fmt.Errorf("%w: alias and entity_id are required", storage.ErrInvalidInput)
	}
	if alias.ConfirmedAt.IsZero() {
		alias.ConfirmedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (alias, entity_id, confirmed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (alias, entity_id) DO UPDATE SET confirmed_at = EXCLUDED.confirmed_at`,
		alias.Alias, alias.EntityID, alias.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("failed to append alias: %w", err)
	}
	return nil
}

// ResolveAlias returns the entity mapped to an alias.
func (s *Store) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var entityID string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id FROM aliases
		WHERE alias = $1
		ORDER BY confirmed_at DESC
		LIMIT 1`, alias).Scan(&entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve alias: %w", err)
	}
	return entityID, nil
}

// ----------------------------------------------------------------------------
// IntervalStore
// ----------------------------------------------------------------------------

// InsertInterval stores a new interval.
func (s *Store) InsertInterval(ctx context.Context, iv *types.Interval) error {
	if iv == nil || iv.IntervalID == "" {
		return fmt.Errorf("%w: interval_id is required", storage.ErrInvalidInput)
	}
	if err := iv.Validate(-1); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intervals (interval_id, entity_id, sequence_version, start_pos, end_pos, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		iv.IntervalID, iv.EntityID, iv.SequenceVersion, iv.Start, iv.End, iv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: interval already exists", storage.ErrInvalidInput)
		}
		return fmt.Errorf("failed to insert interval: %w", err)
	}
	return nil
}

// GetInterval retrieves an interval by ID.
func (s *Store) GetInterval(ctx context.Context, intervalID string) (*types.Interval, error) {
	return scanIntervalRow(s.db.QueryRowContext(ctx, `
		SELECT interval_id, entity_id, sequence_version, start_pos, end_pos, created_at
		FROM intervals WHERE interval_id = $1`, intervalID))
}

// FindInterval looks up an interval by exact coordinates.
func (s *Store) FindInterval(ctx context.Context, entityID string, version, start, end int) (*types.Interval, error) {
	return scanIntervalRow(s.db.QueryRowContext(ctx, `
		SELECT interval_id, entity_id, sequence_version, start_pos, end_pos, created_at
		FROM intervals
		WHERE entity_id = $1 AND sequence_version = $2 AND start_pos = $3 AND end_pos = $4`,
		entityID, version, start, end))
}

func scanIntervalRow(row *sql.Row) (*types.Interval, error) {
	var iv types.Interval
	err := row.Scan(&iv.IntervalID, &iv.EntityID, &iv.SequenceVersion, &iv.Start, &iv.End, &iv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan interval: %w", err)
	}
	return &iv, nil
}

// ListIntervals returns all intervals for index rebuilds.
func (s *Store) ListIntervals(ctx context.Context) ([]*types.Interval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT interval_id, entity_id, sequence_version, start_pos, end_pos, created_at
		FROM intervals
		ORDER BY entity_id, sequence_version, start_pos`)
	if err != nil {
		return nil, fmt.Errorf("failed to list intervals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var intervals []*types.Interval
	for rows.Next() {
		var iv types.Interval
		if err := rows.Scan(&iv.IntervalID, &iv.EntityID, &iv.SequenceVersion, &iv.Start, &iv.End, &iv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interval: %w", err)
		}
		intervals = append(intervals, &iv)
	}
	return intervals, rows.Err()
}

// ----------------------------------------------------------------------------
// FactStore
// ----------------------------------------------------------------------------

const factSelectColumns = `
	fact_id, interval_id, modification_type, modification_description,
	function_effect, longevity_association, confidence,
	doi_or_url, extraction_method, excerpt,
	status, embedding_status, created_at
`

// InsertFact stores a new fact.
func (s *Store) InsertFact(ctx context.Context, fact *types.Fact) error {
	if fact == nil || fact.FactID == "" {
		return fmt.Errorf("%w: fact_id is required", storage.ErrInvalidInput)
	}
	if err := fact.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}
	if fact.EmbeddingStatus == "" {
		fact.EmbeddingStatus = types.EmbeddingPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (
			fact_id, interval_id, modification_type, modification_description,
			function_effect, longevity_association, confidence,
			doi_or_url, extraction_method, excerpt,
			status, embedding_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		fact.FactID, fact.IntervalID, fact.ModificationType, fact.ModificationDescription,
		fact.FunctionEffect, string(fact.LongevityAssociation), fact.Confidence,
		fact.Citation.DOIOrURL, string(fact.Citation.ExtractionMethod), fact.Citation.Excerpt,
		string(fact.Status), string(fact.EmbeddingStatus), fact.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: fact %s already exists", storage.ErrInvalidInput, fact.FactID)
		}
		return fmt.Errorf("failed to insert fact: %w", err)
	}
	return nil
}

// GetFact retrieves a fact by ID.
func (s *Store) GetFact(ctx context.Context, factID string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+factSelectColumns+` FROM facts WHERE fact_id = $1`, factID)
	fact, err := scanFactRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return fact, nil
}

// ListFactsByInterval returns facts on an interval passing the filter.
func (s *Store) ListFactsByInterval(ctx context.Context, intervalID string, filter storage.FactFilter) ([]*types.Fact, error) {
	query := `SELECT ` + factSelectColumns + ` FROM facts WHERE interval_id = $1`
	args := []interface{}{intervalID}
	query, args = appendStatusFilter(query, args, filter, "status")
	query += ` ORDER BY created_at ASC, fact_id ASC`
	return s.queryFacts(ctx, query, args...)
}

// ListFactsByEntity returns facts whose interval belongs to the entity.
func (s *Store) ListFactsByEntity(ctx context.Context, entityID string, filter storage.FactFilter) ([]*types.Fact, error) {
	query := `
		SELECT f.fact_id, f.interval_id, f.modification_type, f.modification_description,
			f.function_effect, f.longevity_association, f.confidence,
			f.doi_or_url, f.extraction_method, f.excerpt,
			f.status, f.embedding_status, f.created_at
		FROM facts f
		JOIN intervals i ON i.interval_id = f.interval_id
		WHERE i.entity_id = $1`
	args := []interface{}{entityID}
	query, args = appendStatusFilter(query, args, filter, "f.status")
	query += ` ORDER BY f.created_at ASC, f.fact_id ASC`
	return s.queryFacts(ctx, query, args...)
}

// UpdateFact applies a modified fact, enforcing that only status fields
// changed.
func (s *Store) UpdateFact(ctx context.Context, fact *types.Fact) error {
	if fact == nil || fact.FactID == "" {
		return fmt.Errorf("%w: fact_id is required", storage.ErrInvalidInput)
	}

	existing, err := s.GetFact(ctx, fact.FactID)
	if err != nil {
		return err
	}
	if err := immutableFieldsEqual(existing, fact); err != nil {
		return err
	}

	if fact.Status != existing.Status {
		if err := s.UpdateFactStatus(ctx, fact.FactID, fact.Status); err != nil {
			return err
		}
	}
	if fact.EmbeddingStatus != existing.EmbeddingStatus {
		if err := s.UpdateFactEmbeddingStatus(ctx, fact.FactID, fact.EmbeddingStatus); err != nil {
			return err
		}
	}
	return nil
}

func immutableFieldsEqual(stored, proposed *types.Fact) error {
	reject := func(field string) error {
		return fmt.Errorf("%w: %s", storage.ErrImmutableField, field)
	}
	switch {
	case stored.IntervalID != proposed.IntervalID:
		return reject("interval_id")
	case stored.ModificationType != proposed.ModificationType:
		return reject("modification_type")
	case stored.ModificationDescription != proposed.ModificationDescription:
		return reject("modification_description")
	case stored.FunctionEffect != proposed.FunctionEffect:
		return reject("function_effect")
	case stored.LongevityAssociation != proposed.LongevityAssociation:
		return reject("longevity_association")
	case stored.Confidence != proposed.Confidence:
		return reject("confidence")
	case stored.Citation != proposed.Citation:
		return reject("citation")
	case !proposed.CreatedAt.IsZero() && !stored.CreatedAt.Equal(proposed.CreatedAt):
		return reject("created_at")
	}
	return nil
}

// UpdateFactStatus transitions a fact's lifecycle status.
func (s *Store) UpdateFactStatus(ctx context.Context, factID string, status types.FactStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE facts SET status = $1 WHERE fact_id = $2`, string(status), factID)
	if err != nil {
		return fmt.Errorf("failed to update fact status: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateFactEmbeddingStatus updates embedding bookkeeping for a fact.
func (s *Store) UpdateFactEmbeddingStatus(ctx context.Context, factID string, status types.EmbeddingStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE facts SET embedding_status = $1 WHERE fact_id = $2`, string(status), factID)
	if err != nil {
		return fmt.Errorf("failed to update embedding status: %w", err)
	}
	return requireRowAffected(result)
}

// ListFactsByEmbeddingStatus returns up to limit facts with the given
// embedding status passing the filter, oldest first.
func (s *Store) ListFactsByEmbeddingStatus(ctx context.Context, status types.EmbeddingStatus, filter storage.FactFilter, limit int) ([]*types.Fact, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + factSelectColumns + ` FROM facts WHERE embedding_status = $1`
	args := []interface{}{string(status)}
	query, args = appendStatusFilter(query, args, filter, "status")
	query += fmt.Sprintf(` ORDER BY created_at ASC, fact_id ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	return s.queryFacts(ctx, query, args...)
}

// CountFacts returns the total number of facts ever stored.
func (s *Store) CountFacts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	return n, nil
}

// InsertFactLink records a cross-reference between two facts.
func (s *Store) InsertFactLink(ctx context.Context, link types.FactLink) error {
	if link.FactA == "" || link.FactB == "" {
		return fmt.Errorf("%w: both fact ids are required", storage.ErrInvalidInput)
	}
	if link.FactB < link.FactA {
		link.FactA, link.FactB = link.FactB, link.FactA
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fact_links (fact_a, fact_b, relation, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fact_a, fact_b, relation) DO NOTHING`,
		link.FactA, link.FactB, string(link.Relation), link.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert fact link: %w", err)
	}
	return nil
}

// ListFactLinks returns all links touching the given fact.
func (s *Store) ListFactLinks(ctx context.Context, factID string) ([]types.FactLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fact_a, fact_b, relation, created_at
		FROM fact_links
		WHERE fact_a = $1 OR fact_b = $1
		ORDER BY created_at ASC`, factID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fact links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []types.FactLink
	for rows.Next() {
		var l types.FactLink
		var relation string
		if err := rows.Scan(&l.FactA, &l.FactB, &relation, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact link: %w", err)
		}
		l.Relation = types.LinkRelation(relation)
		links = append(links, l)
	}
	return links, rows.Err()
}

// ----------------------------------------------------------------------------
// EmbeddingStore
// ----------------------------------------------------------------------------

// StoreEmbedding stores or replaces the embedding for a fact. The vector is
// always written to the BYTEA column; when pgvector is available it is also
// written to embedding_vec for indexed cosine-distance queries.
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

	blob := serializeVector(vector)

	if s.pgvectorAvailable {
		vec := pgvector.NewVector(vector)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO embeddings (fact_id, embedding, dimension, model, embedding_vec, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT (fact_id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				dimension = EXCLUDED.dimension,
				model = EXCLUDED.model,
				embedding_vec = EXCLUDED.embedding_vec,
				updated_at = CURRENT_TIMESTAMP`,
			factID, blob, len(vector), model, vec)
		if err != nil {
			return fmt.Errorf("failed to store embedding: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (fact_id, embedding, dimension, model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (fact_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			dimension = EXCLUDED.dimension,
			model = EXCLUDED.model,
			updated_at = CURRENT_TIMESTAMP`,
		factID, blob, len(vector), model)
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
		`SELECT embedding, dimension FROM embeddings WHERE fact_id = $1`, factID).
		Scan(&blob, &dimension)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	return deserializeVector(blob, dimension)
}

// DeleteEmbedding removes the embedding for a fact.
func (s *Store) DeleteEmbedding(ctx context.Context, factID string) error {
	if factID == "" {
		return fmt.Errorf("%w: fact ID is required", storage.ErrInvalidInput)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE fact_id = $1`, factID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return requireRowAffected(result)
}

// SearchSimilar returns the k nearest facts by cosine similarity. With
// pgvector the ordering happens in the database via the <=> cosine-distance
// operator; without it the candidates are scanned and ranked in Go.
func (s *Store) SearchSimilar(ctx context.Context, query []float32, k int, entityIDs []string) ([]storage.SimilarityMatch, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}
	if k <= 0 {
		k = 10
	}

	if s.pgvectorAvailable {
		return s.searchSimilarPgvector(ctx, query, k, entityIDs)
	}
	return s.searchSimilarBruteForce(ctx, query, k, entityIDs)
}

func (s *Store) searchSimilarPgvector(ctx context.Context, query []float32, k int, entityIDs []string) ([]storage.SimilarityMatch, error) {
	vec := pgvector.NewVector(query)

	querySQL := `
		SELECT e.fact_id, 1 - (e.embedding_vec <=> $1) AS score
		FROM embeddings e`
	args := []interface{}{vec}
	if len(entityIDs) > 0 {
		placeholders := make([]string, len(entityIDs))
		for i, id := range entityIDs {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, id)
		}
		querySQL += `
		JOIN facts f ON f.fact_id = e.fact_id
		JOIN intervals i ON i.interval_id = f.interval_id
		WHERE e.embedding_vec IS NOT NULL
		  AND i.entity_id IN (` + strings.Join(placeholders, ", ") + `)`
	} else {
		querySQL += `
		WHERE e.embedding_vec IS NOT NULL`
	}
	querySQL += fmt.Sprintf(`
		ORDER BY e.embedding_vec <=> $1
		LIMIT $%d`, len(args)+1)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.SimilarityMatch
	for rows.Next() {
		var m storage.SimilarityMatch
		if err := rows.Scan(&m.FactID, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *Store) searchSimilarBruteForce(ctx context.Context, query []float32, k int, entityIDs []string) ([]storage.SimilarityMatch, error) {
	querySQL := `
		SELECT e.fact_id, e.embedding, e.dimension
		FROM embeddings e`
	var args []interface{}
	if len(entityIDs) > 0 {
		placeholders := make([]string, len(entityIDs))
		for i, id := range entityIDs {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, id)
		}
		querySQL += `
		JOIN facts f ON f.fact_id = e.fact_id
		JOIN intervals i ON i.interval_id = f.interval_id
		WHERE i.entity_id IN (` + strings.Join(placeholders, ", ") + `)`
	}

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
			continue
		}
		matches = append(matches, storage.SimilarityMatch{
			FactID: factID,
			Score:  cosineSimilarity(query, vector),
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

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func (s *Store) queryFacts(ctx context.Context, query string, args ...interface{}) ([]*types.Fact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var facts []*types.Fact
	for rows.Next() {
		fact, err := scanFactRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func scanFactRow(scan func(dest ...interface{}) error) (*types.Fact, error) {
	var (
		f                           types.Fact
		modType, excerpt            sql.NullString
		association, method, status string
		embeddingStatus             string
	)
	err := scan(
		&f.FactID, &f.IntervalID, &modType, &f.ModificationDescription,
		&f.FunctionEffect, &association, &f.Confidence,
		&f.Citation.DOIOrURL, &method, &excerpt,
		&status, &embeddingStatus, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.ModificationType = modType.String
	f.Citation.Excerpt = excerpt.String
	f.Citation.ExtractionMethod = types.ExtractionMethod(method)
	f.LongevityAssociation = types.LongevityAssociation(association)
	f.Status = types.FactStatus(status)
	f.EmbeddingStatus = types.EmbeddingStatus(embeddingStatus)
	return &f, nil
}

func appendStatusFilter(query string, args []interface{}, filter storage.FactFilter, column string) (string, []interface{}) {
	if len(filter.Statuses) == 0 {
		return query, args
	}
	placeholders := make([]string, len(filter.Statuses))
	for i, st := range filter.Statuses {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(st))
	}
	return query + ` AND ` + column + ` IN (` + strings.Join(placeholders, ", ") + `)`, args
}

func requireRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether the error is a unique constraint
// violation (SQLSTATE 23505) from lib/pq.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}

func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

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

func cosineSimilarity(a, b []float32) float64 {
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
