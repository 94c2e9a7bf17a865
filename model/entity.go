// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Meta carries the identity and sync bookkeeping shared by every entity.
// Synced and Acked are local-only flags and never travel on the wire.
type Meta struct {
	ID        string    `json:"id"`
	UpdatedAt Timestamp `json:"updatedAt"`
	Deleted   bool      `json:"deleted,omitempty"` // server tombstone

	// Synced is true once the server acknowledged the current local state
	Synced bool `json:"-"`
	// Acked is true once the server knows this entity (it has been created remotely)
	Acked bool `json:"-"`
}

// Base returns the metadata of the entity
func (m *Meta) Base() *Meta { return m }

// Entity is implemented by every synchronized domain object
type Entity interface {
	Type() EntityType
	Base() *Meta
}

// Ref points at another entity
type Ref struct {
	Type EntityType
	ID   string
}

// Referencer is implemented by entities holding foreign keys to other entities
type Referencer interface {
	References() []Ref
	// RewriteReference replaces every reference to (t, oldID) with newID and
	// reports whether anything changed.
	RewriteReference(t EntityType, oldID, newID string) bool
}

// LocalStater is implemented by entities that keep device-only state next to
// the synchronized fields. The state is persisted by the local store and never
// sent to the server.
type LocalStater interface {
	LocalState() string
	SetLocalState(s string)
}

// NewID returns a locally generated identifier
func NewID() string {
	return uuid.NewString()
}

// New returns a pointer to a zero entity of the given type
func New(t EntityType) (Entity, error) {
	switch t {
	case TypeBoat:
		return &Boat{}, nil
	case TypeTrip:
		return &Trip{}, nil
	case TypeNote:
		return &Note{}, nil
	case TypeTodo:
		return &Todo{}, nil
	case TypeTemplate:
		return &MaintenanceTemplate{}, nil
	case TypeEvent:
		return &MaintenanceEvent{}, nil
	case TypeLocation:
		return &MarkedLocation{}, nil
	case TypePhoto:
		return &Photo{}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
}

// Decode unmarshals a JSON entity of the given type
func Decode(t EntityType, data []byte) (Entity, error) {
	e, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", t, err)
	}
	return e, nil
}

// Clone returns a deep copy of e, preserving the local-only flags
func Clone(e Entity) (Entity, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Type(), err)
	}
	c, err := Decode(e.Type(), data)
	if err != nil {
		return nil, err
	}
	c.Base().Synced = e.Base().Synced
	c.Base().Acked = e.Base().Acked
	if ls, ok := e.(LocalStater); ok {
		c.(LocalStater).SetLocalState(ls.LocalState())
	}
	return c, nil
}

// SameContent reports whether two entities carry identical domain fields.
// Identity, timestamps and sync flags are ignored.
func SameContent(a, b Entity) (bool, error) {
	if a.Type() != b.Type() {
		return false, nil
	}
	am, err := contentMap(a)
	if err != nil {
		return false, err
	}
	bm, err := contentMap(b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(am, bm), nil
}

func contentMap(e Entity) (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Type(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s content: %w", e.Type(), err)
	}
	delete(m, "id")
	delete(m, "updatedAt")
	delete(m, "deleted")
	return m, nil
}

// ReferencingTypes returns the entity types that may hold references to t
func ReferencingTypes(t EntityType) []EntityType {
	switch t {
	case TypeBoat:
		return []EntityType{TypeTrip, TypeNote, TypeTodo, TypeTemplate, TypeEvent, TypePhoto}
	case TypeTrip:
		return []EntityType{TypeNote, TypePhoto}
	case TypeNote:
		return []EntityType{TypePhoto}
	case TypeTemplate:
		return []EntityType{TypeEvent}
	case TypeEvent:
		return []EntityType{TypePhoto}
	default:
		return nil
	}
}

func rewrite(field *string, ref EntityType, t EntityType, oldID, newID string) bool {
	if ref == t && *field == oldID {
		*field = newID
		return true
	}
	return false
}

func rewriteOptional(field *string, ref EntityType, t EntityType, oldID, newID string) bool {
	if field == nil {
		return false
	}
	return rewrite(field, ref, t, oldID, newID)
}
