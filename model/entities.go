// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

// TripRole is the role of the current user on a trip
type TripRole string

const (
	RoleCaptain TripRole = "captain"
	RoleCrew    TripRole = "crew"
)

// Boat is a vessel. OwnerID is nil for boats created before ownership existed.
type Boat struct {
	Meta
	Name         string  `json:"name"`
	Kind         string  `json:"kind,omitempty"`
	LengthMeters float64 `json:"lengthMeters,omitempty"`
	Registration string  `json:"registration,omitempty"`
	OwnerID      *string `json:"ownerId,omitempty"`
}

func (*Boat) Type() EntityType { return TypeBoat }

// Trip is a logged voyage on a boat
type Trip struct {
	Meta
	BoatID     string     `json:"boatId"`
	Title      string     `json:"title,omitempty"`
	StartedAt  Timestamp  `json:"startedAt"`
	EndedAt    *Timestamp `json:"endedAt,omitempty"`
	Role       TripRole   `json:"role,omitempty"`
	IsReadOnly bool       `json:"isReadOnly,omitempty"`
	DistanceNM float64    `json:"distanceNm,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

func (*Trip) Type() EntityType { return TypeTrip }

func (t *Trip) References() []Ref {
	return []Ref{{Type: TypeBoat, ID: t.BoatID}}
}

func (t *Trip) RewriteReference(et EntityType, oldID, newID string) bool {
	return rewrite(&t.BoatID, TypeBoat, et, oldID, newID)
}

// GPSPoint is one recorded position of a trip track. Points live in their own
// local table and are uploaded after the trip they belong to.
type GPSPoint struct {
	TripID     string    `json:"tripId"`
	Seq        int       `json:"seq"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	RecordedAt Timestamp `json:"recordedAt"`
}

// Note is free text attached to a boat and/or a trip
type Note struct {
	Meta
	BoatID   *string `json:"boatId,omitempty"`
	TripID   *string `json:"tripId,omitempty"`
	Title    string  `json:"title"`
	Content  string  `json:"content,omitempty"`
	AuthorID string  `json:"authorId,omitempty"`
}

func (*Note) Type() EntityType { return TypeNote }

func (n *Note) References() []Ref {
	var refs []Ref
	if n.BoatID != nil {
		refs = append(refs, Ref{Type: TypeBoat, ID: *n.BoatID})
	}
	if n.TripID != nil {
		refs = append(refs, Ref{Type: TypeTrip, ID: *n.TripID})
	}
	return refs
}

func (n *Note) RewriteReference(et EntityType, oldID, newID string) bool {
	changed := rewriteOptional(n.BoatID, TypeBoat, et, oldID, newID)
	if rewriteOptional(n.TripID, TypeTrip, et, oldID, newID) {
		changed = true
	}
	return changed
}

// Todo is a checklist item, optionally bound to a boat
type Todo struct {
	Meta
	BoatID *string    `json:"boatId,omitempty"`
	Title  string     `json:"title"`
	Done   bool       `json:"done"`
	DueAt  *Timestamp `json:"dueAt,omitempty"`
}

func (*Todo) Type() EntityType { return TypeTodo }

func (t *Todo) References() []Ref {
	if t.BoatID == nil {
		return nil
	}
	return []Ref{{Type: TypeBoat, ID: *t.BoatID}}
}

func (t *Todo) RewriteReference(et EntityType, oldID, newID string) bool {
	return rewriteOptional(t.BoatID, TypeBoat, et, oldID, newID)
}

// MaintenanceTemplate describes recurring maintenance for a boat
type MaintenanceTemplate struct {
	Meta
	BoatID        string     `json:"boatId"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	IntervalDays  int        `json:"intervalDays,omitempty"`
	IntervalHours float64    `json:"intervalHours,omitempty"`
	NextDueAt     *Timestamp `json:"nextDueAt,omitempty"`
}

func (*MaintenanceTemplate) Type() EntityType { return TypeTemplate }

func (m *MaintenanceTemplate) References() []Ref {
	return []Ref{{Type: TypeBoat, ID: m.BoatID}}
}

func (m *MaintenanceTemplate) RewriteReference(et EntityType, oldID, newID string) bool {
	return rewrite(&m.BoatID, TypeBoat, et, oldID, newID)
}

// MaintenanceEvent is one scheduled or completed occurrence of a template
type MaintenanceEvent struct {
	Meta
	TemplateID  string     `json:"templateId"`
	BoatID      string     `json:"boatId"`
	DueAt       Timestamp  `json:"dueAt"`
	CompletedAt *Timestamp `json:"completedAt,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

func (*MaintenanceEvent) Type() EntityType { return TypeEvent }

func (m *MaintenanceEvent) References() []Ref {
	return []Ref{{Type: TypeTemplate, ID: m.TemplateID}, {Type: TypeBoat, ID: m.BoatID}}
}

func (m *MaintenanceEvent) RewriteReference(et EntityType, oldID, newID string) bool {
	changed := rewrite(&m.TemplateID, TypeTemplate, et, oldID, newID)
	if rewrite(&m.BoatID, TypeBoat, et, oldID, newID) {
		changed = true
	}
	return changed
}

// MarkedLocation is a saved waypoint
type MarkedLocation struct {
	Meta
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Category  string  `json:"category,omitempty"`
	Notes     string  `json:"notes,omitempty"`
}

func (*MarkedLocation) Type() EntityType { return TypeLocation }

// Photo is the metadata of an image attached to a trip, note or maintenance event.
// The image bytes live in the blob store; RemoteKey is set once uploaded.
type Photo struct {
	Meta
	AttachedType EntityType `json:"attachedType"`
	AttachedID   string     `json:"attachedId"`
	LocalPath    string     `json:"-"`
	RemoteKey    string     `json:"remoteKey,omitempty"`
	Caption      string     `json:"caption,omitempty"`
}

func (*Photo) Type() EntityType { return TypePhoto }

func (p *Photo) References() []Ref {
	return []Ref{{Type: p.AttachedType, ID: p.AttachedID}}
}

func (p *Photo) RewriteReference(et EntityType, oldID, newID string) bool {
	return rewrite(&p.AttachedID, p.AttachedType, et, oldID, newID)
}

func (p *Photo) LocalState() string { return p.LocalPath }

func (p *Photo) SetLocalState(s string) { p.LocalPath = s }
