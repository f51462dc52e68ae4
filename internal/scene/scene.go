// Package scene defines the two contracts the synchronization engine consumes
// from the entity runtime: apply a named mutation by entity/component id, and
// receive a callback on local mutation. It also ships an in-memory reference
// document used by the coordinator for the authoritative project state and by
// tests.
package scene

import (
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/scenesync/internal/models"
)

// Mutator applies named mutations to an entity/component graph. Implementations
// are not required to be safe for concurrent use; the engine confines every
// call to a single event-loop goroutine.
type Mutator interface {
	CreateEntity(entityID string, data map[string]any) error
	DestroyEntity(entityID string) error
	AddComponent(entityID, componentType string, data map[string]any) error
	UpdateComponent(entityID, componentType string, data map[string]any) error
	RemoveComponent(entityID, componentType string) error
}

// MutateFunc is the local-mutation callback: the runtime invokes it after each
// successful mutation originating from the local editor.
type MutateFunc func(typ models.OperationType, payload models.OperationPayload)

// Apply dispatches one operation to the matching Mutator method.
func Apply(m Mutator, op *models.Operation) error {
	p := op.Payload
	switch op.Type {
	case models.OpEntityCreated:
		return m.CreateEntity(p.EntityID, p.Data)
	case models.OpEntityDestroyed:
		return m.DestroyEntity(p.EntityID)
	case models.OpComponentAdded:
		return m.AddComponent(p.EntityID, p.ComponentType, p.Data)
	case models.OpComponentUpdated:
		return m.UpdateComponent(p.EntityID, p.ComponentType, p.Data)
	case models.OpComponentRemoved:
		return m.RemoveComponent(p.EntityID, p.ComponentType)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// Entity is one node of the document graph.
type Entity struct {
	ID         string                    `json:"id"`
	Components map[string]map[string]any `json:"components"`
}

// Document is the in-memory reference implementation of Mutator. It must be
// confined to one goroutine; the engine's single-writer model makes internal
// locking unnecessary.
type Document struct {
	entities map[string]*Entity
	onMutate MutateFunc
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{entities: make(map[string]*Entity)}
}

// SetOnMutate registers the local-mutation callback. Pass nil to detach.
func (d *Document) SetOnMutate(fn MutateFunc) { d.onMutate = fn }

func (d *Document) notify(typ models.OperationType, payload models.OperationPayload) {
	if d.onMutate != nil {
		d.onMutate(typ, payload)
	}
}

// CreateEntity adds an entity. Creating an id that already exists is a no-op,
// which makes entityCreated operations idempotent under resync replay.
func (d *Document) CreateEntity(entityID string, data map[string]any) error {
	if entityID == "" {
		return fmt.Errorf("create entity: empty id")
	}
	if _, ok := d.entities[entityID]; ok {
		return nil
	}
	e := &Entity{ID: entityID, Components: make(map[string]map[string]any)}
	for k, v := range data {
		if comp, ok := v.(map[string]any); ok {
			e.Components[k] = comp
		}
	}
	d.entities[entityID] = e
	d.notify(models.OpEntityCreated, models.OperationPayload{EntityID: entityID, Data: data})
	return nil
}

// DestroyEntity removes an entity and all its components.
func (d *Document) DestroyEntity(entityID string) error {
	if _, ok := d.entities[entityID]; !ok {
		return fmt.Errorf("destroy entity: %q not found", entityID)
	}
	delete(d.entities, entityID)
	d.notify(models.OpEntityDestroyed, models.OperationPayload{EntityID: entityID})
	return nil
}

// AddComponent attaches a component, replacing any existing one of that type.
func (d *Document) AddComponent(entityID, componentType string, data map[string]any) error {
	e, ok := d.entities[entityID]
	if !ok {
		return fmt.Errorf("add component: entity %q not found", entityID)
	}
	if componentType == "" {
		return fmt.Errorf("add component: empty component type")
	}
	e.Components[componentType] = cloneData(data)
	d.notify(models.OpComponentAdded, models.OperationPayload{EntityID: entityID, ComponentType: componentType, Data: data})
	return nil
}

// UpdateComponent merges fields into an existing component.
func (d *Document) UpdateComponent(entityID, componentType string, data map[string]any) error {
	e, ok := d.entities[entityID]
	if !ok {
		return fmt.Errorf("update component: entity %q not found", entityID)
	}
	comp, ok := e.Components[componentType]
	if !ok {
		return fmt.Errorf("update component: %q has no %q component", entityID, componentType)
	}
	for k, v := range data {
		comp[k] = v
	}
	d.notify(models.OpComponentUpdated, models.OperationPayload{EntityID: entityID, ComponentType: componentType, Data: data})
	return nil
}

// RemoveComponent detaches a component.
func (d *Document) RemoveComponent(entityID, componentType string) error {
	e, ok := d.entities[entityID]
	if !ok {
		return fmt.Errorf("remove component: entity %q not found", entityID)
	}
	if _, ok := e.Components[componentType]; !ok {
		return fmt.Errorf("remove component: %q has no %q component", entityID, componentType)
	}
	delete(e.Components, componentType)
	d.notify(models.OpComponentRemoved, models.OperationPayload{EntityID: entityID, ComponentType: componentType})
	return nil
}

// Entity returns the entity with the given id, or nil.
func (d *Document) Entity(entityID string) *Entity {
	return d.entities[entityID]
}

// Len returns the number of entities.
func (d *Document) Len() int { return len(d.entities) }

// Serialize renders the document as JSON for the projectState message.
func (d *Document) Serialize() (json.RawMessage, error) {
	data, err := json.Marshal(d.entities)
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return data, nil
}

// Load replaces the document contents with a previously serialized state.
// The mutation callback is not fired: loading authoritative state is not a
// local edit.
func (d *Document) Load(state json.RawMessage) error {
	if len(state) == 0 {
		d.entities = make(map[string]*Entity)
		return nil
	}
	entities := make(map[string]*Entity)
	if err := json.Unmarshal(state, &entities); err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	for id, e := range entities {
		if e.Components == nil {
			e.Components = make(map[string]map[string]any)
		}
		e.ID = id
	}
	d.entities = entities
	return nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
