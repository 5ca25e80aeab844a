package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// Ensure *Store implements the full storage contract at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database, configures WAL mode, and creates the schema.
// Use ":memory:" as the DSN for an ephemeral in-process store.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode allows concurrent readers to proceed without
	// blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Busy timeout so callers wait instead of getting an immediate
	// SQLITE_BUSY when the connection is held by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components layered on the same
// database (e.g. the embedding provider in tests).
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
		VALUES (?, ?, ?, ?, ?, ?)`,
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
		FROM entities WHERE entity_id = ? AND sequence_version = ?`,
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
		`SELECT MAX(sequence_version) FROM entities WHERE entity_id = ?`,
		entityID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}
	if !version.Valid {
		return 0, storage.ErrNotFound
	}
	return int(version.Int64), nil
}

// AppendAlias records an alias mapping, refreshing confirmed_at if the exact
// mapping already exists.
func (s *Store) AppendAlias(ctx context.Context, alias types.Alias) error {
	if alias.Alias == "" || alias.EntityID == "" {
		return fmt.Errorf("%w: alias and entity_id are required", storage.ErrInvalidInput)
	}
	if alias.ConfirmedAt.IsZero() {
		alias.ConfirmedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (alias, entity_id, confirmed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(alias, entity_id) DO UPDATE SET confirmed_at = excluded.confirmed_at`,
		alias.Alias, alias.EntityID, alias.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("failed to append alias: %w", err)
	}
	return nil
}

// ResolveAlias returns the entity mapped to an alias, most recently confirmed
// mapping first.
func (s *Store) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var entityID string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id FROM aliases
		WHERE alias = ?
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
		VALUES (?, ?, ?, ?, ?, ?)`,
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
	return s.scanInterval(s.db.QueryRowContext(ctx, `
		SELECT interval_id, entity_id, sequence_version, start_pos, end_pos, created_at
		FROM intervals WHERE interval_id = ?`, intervalID))
}

// FindInterval looks up an interval by exact coordinates.
func (s *Store) FindInterval(ctx context.Context, entityID string, version, start, end int) (*types.Interval, error) {
	return s.scanInterval(s.db.QueryRowContext(ctx, `
		SELECT interval_id, entity_id, sequence_version, start_pos, end_pos, created_at
		FROM intervals
		WHERE entity_id = ? AND sequence_version = ? AND start_pos = ? AND end_pos = ?`,
		entityID, version, start, end))
}

func (s *Store) scanInterval(row *sql.Row) (*types.Interval, error) {
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

// ListIntervals returns all intervals, ordered by entity then start position.
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		`SELECT `+factSelectColumns+` FROM facts WHERE fact_id = ?`, factID)

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
	query := `SELECT ` + factSelectColumns + ` FROM facts WHERE interval_id = ?`
	args := []interface{}{intervalID}
	query, args = appendStatusFilter(query, args, filter)
	query += ` ORDER BY created_at ASC, fact_id ASC`

	return s.queryFacts(ctx, query, args...)
}

// ListFactsByEntity returns facts whose interval belongs to the entity.
func (s *Store) ListFactsByEntity(ctx context.Context, entityID string, filter storage.FactFilter) ([]*types.Fact, error) {
	query := `
		SELECT ` + factSelectColumnsQualified + `
		FROM facts f
		JOIN intervals i ON i.interval_id = f.interval_id
		WHERE i.entity_id = ?`
	args := []interface{}{entityID}
	query, args = appendStatusFilterQualified(query, args, filter)
	query += ` ORDER BY f.created_at ASC, f.fact_id ASC`

	return s.queryFacts(ctx, query, args...)
}

const factSelectColumnsQualified = `
	f.fact_id, f.interval_id, f.modification_type, f.modification_description,
	f.function_effect, f.longevity_association, f.confidence,
	f.doi_or_url, f.extraction_method, f.excerpt,
	f.status, f.embedding_status, f.created_at
`

// UpdateFact applies a modified fact, enforcing that only status fields
// changed. Any other difference fails with ErrImmutableField.
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

// immutableFieldsEqual returns ErrImmutableField when any field other than
// Status or EmbeddingStatus differs between the stored and proposed fact.
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
		`UPDATE facts SET status = ? WHERE fact_id = ?`, string(status), factID)
	if err != nil {
		return fmt.Errorf("failed to update fact status: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateFactEmbeddingStatus updates embedding bookkeeping for a fact.
func (s *Store) UpdateFactEmbeddingStatus(ctx context.Context, factID string, status types.EmbeddingStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE facts SET embedding_status = ? WHERE fact_id = ?`, string(status), factID)
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
	query := `SELECT ` + factSelectColumns + ` FROM facts WHERE embedding_status = ?`
	args := []interface{}{string(status)}
	query, args = appendStatusFilter(query, args, filter)
	query += ` ORDER BY created_at ASC, fact_id ASC LIMIT ?`
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

// InsertFactLink records a cross-reference between two facts. The canonical
// ordering makes duplicate links a no-op via the primary key.
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fact_a, fact_b, relation) DO NOTHING`,
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
		WHERE fact_a = ? OR fact_b = ?
		ORDER BY created_at ASC`, factID, factID)
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

// scanFactRow scans one fact row using the factSelectColumns order.
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

func appendStatusFilter(query string, args []interface{}, filter storage.FactFilter) (string, []interface{}) {
	if len(filter.Statuses) == 0 {
		return query, args
	}
	placeholders := make([]string, len(filter.Statuses))
	for i, st := range filter.Statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	return query + ` AND status IN (` + strings.Join(placeholders, ", ") + `)`, args
}

func appendStatusFilterQualified(query string, args []interface{}, filter storage.FactFilter) (string, []interface{}) {
	if len(filter.Statuses) == 0 {
		return query, args
	}
	placeholders := make([]string, len(filter.Statuses))
	for i, st := range filter.Statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	return query + ` AND f.status IN (` + strings.Join(placeholders, ", ") + `)`, args
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

// isUniqueViolation reports whether the error is a UNIQUE/PRIMARY KEY
// constraint violation from the sqlite driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
