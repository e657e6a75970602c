package collab

import (
	"context"
	"sync"
	"time"
)

// the entity store is the single source of truth for entity field values.
// only the change pipeline writes to it, and only after passing lock check
// and conflict check. both calls are atomic per call and side effect free
// on failure.
//
// UpdateEntity upserts: a `create` change writes the initial fields of a new
// id. a `delete` change writes the DeletedField tombstone, which a store may
// treat as removal.
type EntityStore interface {
	GetEntity(ctx context.Context, entityId Id) (*Entity, error)
	UpdateEntity(ctx context.Context, entityId Id, fields map[string]any) (*Entity, error)
}

const DeletedField = "deleted"

type Entity struct {
	EntityId  Id             `json:"entity_id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (self *Entity) Field(name string) any {
	return self.Fields[name]
}

// reference in-memory store used by tests and `collabctl serve`
type MemoryEntityStore struct {
	stateLock sync.Mutex
	entities  map[Id]*Entity
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		entities: map[Id]*Entity{},
	}
}

func (self *MemoryEntityStore) GetEntity(ctx context.Context, entityId Id) (*Entity, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entity, ok := self.entities[entityId]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return copyEntity(entity), nil
}

func (self *MemoryEntityStore) UpdateEntity(ctx context.Context, entityId Id, fields map[string]any) (*Entity, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if deleted, ok := fields[DeletedField].(bool); ok && deleted {
		if _, ok := self.entities[entityId]; !ok {
			return nil, ErrEntityNotFound
		}
		delete(self.entities, entityId)
		return &Entity{
			EntityId:  entityId,
			Fields:    map[string]any{DeletedField: true},
			UpdatedAt: time.Now(),
		}, nil
	}

	entity, ok := self.entities[entityId]
	if !ok {
		entity = &Entity{
			EntityId: entityId,
			Fields:   map[string]any{},
		}
		self.entities[entityId] = entity
	}
	for name, value := range fields {
		entity.Fields[name] = value
	}
	entity.UpdatedAt = time.Now()
	return copyEntity(entity), nil
}

func copyEntity(entity *Entity) *Entity {
	fields := make(map[string]any, len(entity.Fields))
	for name, value := range entity.Fields {
		fields[name] = value
	}
	return &Entity{
		EntityId:  entity.EntityId,
		Fields:    fields,
		UpdatedAt: entity.UpdatedAt,
	}
}
