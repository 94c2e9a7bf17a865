// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package model defines the synchronized entities of the boat log data store,
// their wire representation and the reference graph between them.
package model

import (
	"fmt"
	"strings"
)

// EntityType identifies one category of synchronized domain objects
type EntityType string

const (
	TypeBoat     EntityType = "boat"
	TypeTrip     EntityType = "trip"
	TypeNote     EntityType = "note"
	TypeTodo     EntityType = "todo"
	TypeTemplate EntityType = "maintenance_template"
	TypeEvent    EntityType = "maintenance_event"
	TypeLocation EntityType = "marked_location"
	TypePhoto    EntityType = "photo"
)

// SyncOrder is the dependency order used by full and initial syncs.
// Boats come first because trips, notes and templates reference boat IDs.
// Maintenance events travel with their templates.
var SyncOrder = []EntityType{
	TypeBoat,
	TypeTrip,
	TypeNote,
	TypeTodo,
	TypeTemplate,
	TypeLocation,
	TypePhoto,
}

// AllTypes lists every stored entity type, including maintenance events
var AllTypes = []EntityType{
	TypeBoat,
	TypeTrip,
	TypeNote,
	TypeTodo,
	TypeTemplate,
	TypeEvent,
	TypeLocation,
	TypePhoto,
}

var collections = map[EntityType]string{
	TypeBoat:     "boats",
	TypeTrip:     "trips",
	TypeNote:     "notes",
	TypeTodo:     "todos",
	TypeTemplate: "maintenance-templates",
	TypeEvent:    "maintenance-events",
	TypeLocation: "locations",
	TypePhoto:    "photos",
}

// Collection returns the REST collection name, also used as the push event type
func (t EntityType) Collection() string {
	if c, ok := collections[t]; ok {
		return c
	}
	return string(t)
}

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	_, ok := collections[t]
	return ok
}

// ParseEntityType accepts either the entity type name ("boat") or the
// collection name ("boats") in any case.
func ParseEntityType(s string) (EntityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, c := range collections {
		if s == string(t) || s == c {
			return t, nil
		}
	}
	// A few aliases used by push events and the CLI
	switch s {
	case "maintenance", "templates":
		return TypeTemplate, nil
	case "events":
		return TypeEvent, nil
	case "location", "marked_locations":
		return TypeLocation, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// SyncFamily maps an entity type to the type whose handler synchronizes it.
// Maintenance events are synchronized by the maintenance (template) handler.
func SyncFamily(t EntityType) EntityType {
	if t == TypeEvent {
		return TypeTemplate
	}
	return t
}
