// Package postgres provides the PostgreSQL storage backend for the seqfunc
// knowledge base. When the pgvector extension is available, similarity search
// runs as an indexed cosine-distance query instead of a brute-force scan.
package postgres

// Schema contains the SQL statements to create the database schema.
// The embedding_vec column is added separately by ensureVectorColumn when the
// pgvector extension is present.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    entity_id        TEXT NOT NULL,
    sequence_version INTEGER NOT NULL,
    display_name     TEXT,
    species          TEXT,
    sequence         TEXT NOT NULL,
    created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (entity_id, sequence_version)
);

CREATE TABLE IF NOT EXISTS aliases (
    alias        TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    confirmed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (alias, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_aliases_alias ON aliases(alias, confirmed_at DESC);

CREATE TABLE IF NOT EXISTS intervals (
    interval_id      TEXT PRIMARY KEY,
    entity_id        TEXT NOT NULL,
    sequence_version INTEGER NOT NULL,
    start_pos        INTEGER NOT NULL,
    end_pos          INTEGER NOT NULL CHECK (end_pos > start_pos),
    created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (entity_id, sequence_version, start_pos, end_pos)
);

CREATE INDEX IF NOT EXISTS idx_intervals_entity ON intervals(entity_id, sequence_version, start_pos);

CREATE TABLE IF NOT EXISTS facts (
    fact_id                  TEXT PRIMARY KEY,
    interval_id              TEXT NOT NULL REFERENCES intervals(interval_id),
    modification_type        TEXT,
    modification_description TEXT NOT NULL,
    function_effect          TEXT NOT NULL,
    longevity_association    TEXT NOT NULL,
    confidence               REAL NOT NULL,
    doi_or_url               TEXT NOT NULL,
    extraction_method        TEXT NOT NULL,
    excerpt                  TEXT,
    status                   TEXT NOT NULL DEFAULT 'active',
    embedding_status         TEXT NOT NULL DEFAULT 'pending',
    created_at               TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_facts_interval ON facts(interval_id, status);
CREATE INDEX IF NOT EXISTS idx_facts_embedding_status ON facts(embedding_status, created_at);

CREATE TABLE IF NOT EXISTS fact_links (
    fact_a     TEXT NOT NULL REFERENCES facts(fact_id),
    fact_b     TEXT NOT NULL REFERENCES facts(fact_id),
    relation   TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (fact_a, fact_b, relation)
);

CREATE TABLE IF NOT EXISTS embeddings (
    fact_id    TEXT PRIMARY KEY REFERENCES facts(fact_id),
    embedding  BYTEA NOT NULL,
    dimension  INTEGER NOT NULL,
    model      TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
