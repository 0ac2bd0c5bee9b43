// Package entity implements the per-tenant EntityStore: user-owned data
// that command programs read and mutate through the effect table.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an operation addresses an entity id that
// does not exist (or is soft-deleted, for operations that exclude those).
var ErrNotFound = errors.New("entity: not found")

// Metadata is forwarded, read-only provenance carried on every entity
// (spec.md §3).
type Metadata struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Source   string `json:"source"`
}

// Entity is a user-owned datum manipulated through the effect table
// (spec.md §3, §4.5). DataBlob is the serialized form; callers that need
// the parsed view use Data(), matching the store's "schemaless storage,
// typed parsed helpers" design (spec.md §9).
type Entity struct {
	ID        uuid.UUID
	Type      string
	DataBlob  []byte
	Metadata  Metadata
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Data unmarshals DataBlob into a generic map. Per spec.md §4.5
// (`/get-objects-parsed`), a blob that fails to parse yields a nil map
// rather than an error — the caller surfaces `data = null`.
func (e Entity) Data() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.DataBlob, &m); err != nil {
		return nil
	}
	return m
}

// UpsertInput is the payload for /add-object and /update-object.
type UpsertInput struct {
	ID       *uuid.UUID
	Type     string
	Data     map[string]any
	Metadata Metadata
}

// Store is the EntityStore port (spec.md §6): find-by-id/type with
// soft-delete exclusion, upsert, update, soft-delete, bulk insert.
type Store interface {
	// Upsert creates a new entity, or replaces an existing one by id if
	// ID is supplied. Clears any soft-delete flag on upsert.
	Upsert(ctx context.Context, in UpsertInput) (Entity, error)

	// BulkInsert writes every item (upserting by id when one is supplied),
	// returning their ids in input order. The Postgres store does this in
	// one transaction.
	BulkInsert(ctx context.Context, items []UpsertInput) ([]uuid.UUID, error)

	// Update mutates an existing, non-soft-deleted entity. Returns
	// ErrNotFound if the id is absent or soft-deleted.
	Update(ctx context.Context, id uuid.UUID, typ *string, data map[string]any, meta Metadata) (Entity, error)

	// SoftDelete sets deletedAt on an entity. Returns ErrNotFound if
	// already absent or already soft-deleted.
	SoftDelete(ctx context.Context, id uuid.UUID) (Entity, error)

	// GetRaw returns entities matching ids/types (pre-filter), excluding
	// soft-deleted rows. The in-memory filter/sort/paginate pass (§4.5.1)
	// happens after this call, in the effect table.
	GetRaw(ctx context.Context, ids []uuid.UUID, types []string) ([]Entity, error)
}
