// Package registry maps free-form sequence identifiers (gene symbols, protein
// names, accessions) to canonical entities with versioned sequences.
//
// The registry is append-only: entities and alias mappings are never removed,
// and a published (entity, version) sequence never changes. Submitting a
// different sequence for an entity creates a new version instead.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openlongevity/seqfunc/internal/storage"
	"github.com/openlongevity/seqfunc/pkg/types"
)

// ErrUnknownIdentifier indicates an identifier that resolves to no registered
// entity. Callers should register the entity (or confirm an alias) and retry.
var ErrUnknownIdentifier = errors.New("identifier does not resolve to a known entity")

// Registry resolves identifiers and manages entity registration.
type Registry struct {
	store storage.RegistryStore
}

// New creates a Registry backed by the given store.
func New(store storage.RegistryStore) *Registry {
	return &Registry{store: store}
}

// Resolution is the result of resolving an identifier.
type Resolution struct {
	EntityID      string
	LatestVersion int

	// ViaAlias is the normalized alias that matched, empty when the
	// identifier was already a canonical entity ID.
	ViaAlias string
}

// Resolve maps an identifier to a canonical entity. The identifier is matched
// first against entity IDs, then against confirmed aliases. Returns
// ErrUnknownIdentifier when neither matches; resolution never guesses.
func (r *Registry) Resolve(ctx context.Context, identifier string) (*Resolution, error) {
	key := Normalize(identifier)
	if key == "" {
		return nil, fmt.Errorf("%w: empty identifier", storage.ErrInvalidInput)
	}

	if version, err := r.store.LatestVersion(ctx, key); err == nil {
		return &Resolution{EntityID: key, LatestVersion: version}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	entityID, err := r.store.ResolveAlias(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIdentifier, identifier)
		}
		return nil, err
	}

	version, err := r.store.LatestVersion(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("alias %q maps to unregistered entity %s: %w", identifier, entityID, err)
	}
	return &Resolution{EntityID: entityID, LatestVersion: version, ViaAlias: key}, nil
}

// Register registers an entity sequence and returns the stored entity.
//
// With SequenceVersion == 0 the version is assigned: 1 for a new entity, the
// current latest when the sequence is unchanged, latest+1 when it differs.
// With an explicit version, registering the identical sequence again is
// idempotent, while a different sequence under a published version fails with
// ErrConflictingSequence.
func (r *Registry) Register(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	if entity == nil {
		return nil, storage.ErrInvalidInput
	}
	e := *entity
	e.EntityID = Normalize(e.EntityID)
	e.Sequence = normalizeSequence(e.Sequence)
	if e.EntityID == "" || e.Sequence == "" {
		return nil, fmt.Errorf("%w: entity_id and sequence are required", storage.ErrInvalidInput)
	}
	if e.SequenceVersion < 0 {
		return nil, fmt.Errorf("%w: sequence_version must not be negative", storage.ErrInvalidInput)
	}

	if e.SequenceVersion == 0 {
		version, err := r.nextVersion(ctx, &e)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			// Unchanged sequence, reuse the published version.
			return r.store.GetEntity(ctx, e.EntityID, mustLatest(ctx, r.store, e.EntityID))
		}
		e.SequenceVersion = version
	} else {
		existing, err := r.store.GetEntity(ctx, e.EntityID, e.SequenceVersion)
		if err == nil {
			if existing.Sequence != e.Sequence {
				return nil, fmt.Errorf("%w: entity %s version %d",
					storage.ErrConflictingSequence, e.EntityID, e.SequenceVersion)
			}
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	e.CreatedAt = time.Now().UTC()
	if err := r.store.InsertEntity(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// nextVersion returns the version to assign for an auto-versioned
// registration, or 0 when the latest published sequence is identical.
func (r *Registry) nextVersion(ctx context.Context, e *types.Entity) (int, error) {
	latest, err := r.store.LatestVersion(ctx, e.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	current, err := r.store.GetEntity(ctx, e.EntityID, latest)
	if err != nil {
		return 0, err
	}
	if current.Sequence == e.Sequence {
		return 0, nil
	}
	return latest + 1, nil
}

func mustLatest(ctx context.Context, store storage.RegistryStore, entityID string) int {
	latest, err := store.LatestVersion(ctx, entityID)
	if err != nil {
		return 1
	}
	return latest
}

// ConfirmAlias records a confirmed alias for an existing entity. Aliases are
// only ever appended; re-confirming refreshes the confirmation timestamp so
// the most recent confirmation wins on ambiguous lookups.
func (r *Registry) ConfirmAlias(ctx context.Context, alias, entityID string) error {
	key := Normalize(alias)
	id := Normalize(entityID)
	if key == "" || id == "" {
		return fmt.Errorf("%w: alias and entity ID are required", storage.ErrInvalidInput)
	}
	if key == id {
		// An entity ID always resolves to itself.
		return nil
	}
	if _, err := r.store.LatestVersion(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrUnknownIdentifier, entityID)
		}
		return err
	}
	return r.store.AppendAlias(ctx, types.Alias{
		Alias:       key,
		EntityID:    id,
		ConfirmedAt: time.Now().UTC(),
	})
}

// Get retrieves an entity. Version 0 means the latest registered version.
func (r *Registry) Get(ctx context.Context, entityID string, version int) (*types.Entity, error) {
	id := Normalize(entityID)
	if version == 0 {
		latest, err := r.store.LatestVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	return r.store.GetEntity(ctx, id, version)
}

// Normalize canonicalizes an identifier: trimmed and upper-cased, so that
// "apoe", "ApoE" and "APOE" are the same key.
func Normalize(identifier string) string {
	return strings.ToUpper(strings.TrimSpace(identifier))
}

// normalizeSequence strips whitespace and upper-cases residue letters so
// formatting differences do not create spurious versions.
func normalizeSequence(seq string) string {
	var b strings.Builder
	b.Grow(len(seq))
	for _, r := range seq {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
