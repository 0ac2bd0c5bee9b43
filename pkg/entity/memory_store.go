package entity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by worker tests to
// exercise object operations without a database, mirroring
// command.MemoryStore's shape.
type MemoryStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]Entity
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]Entity)}
}

func (s *MemoryStore) Upsert(ctx context.Context, in UpsertInput) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	if in.ID != nil {
		id = *in.ID
	}
	now := time.Now().UTC()
	existing, ok := s.items[id]

	e := Entity{ID: id, Type: in.Type, Metadata: in.Metadata, CreatedAt: now, UpdatedAt: now}
	if ok {
		e.CreatedAt = existing.CreatedAt
	}
	e.DataBlob = marshalData(in.Data)
	s.items[id] = e
	return e, nil
}

func (s *MemoryStore) BulkInsert(ctx context.Context, items []UpsertInput) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(items))
	for _, in := range items {
		e, err := s.Upsert(ctx, in)
		if err != nil {
			return nil, err
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, typ *string, data map[string]any, meta Metadata) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok || e.DeletedAt != nil {
		return Entity{}, ErrNotFound
	}
	if typ != nil {
		e.Type = *typ
	}
	e.Metadata = meta
	e.DataBlob = marshalData(data)
	e.UpdatedAt = time.Now().UTC()
	s.items[id] = e
	return e, nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id uuid.UUID) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok || e.DeletedAt != nil {
		return Entity{}, ErrNotFound
	}
	now := time.Now().UTC()
	e.DeletedAt = &now
	e.UpdatedAt = now
	s.items[id] = e
	return e, nil
}

func (s *MemoryStore) GetRaw(ctx context.Context, ids []uuid.UUID, types []string) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantIDs := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wantIDs[id] = true
	}
	wantTypes := make(map[string]bool, len(types))
	for _, t := range types {
		wantTypes[t] = true
	}

	var out []Entity
	for _, e := range s.items {
		if e.DeletedAt != nil {
			continue
		}
		if len(wantIDs) > 0 && !wantIDs[e.ID] {
			continue
		}
		if len(wantTypes) > 0 && !wantTypes[e.Type] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func marshalData(data map[string]any) []byte {
	blob, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return blob
}

var _ Store = (*MemoryStore)(nil)
