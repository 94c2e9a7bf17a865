// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"encoding/json"

	"github.com/mobiletoly/go-boatsync/model"
)

// APIPrefix is the path prefix of every REST endpoint
const APIPrefix = "/api/v1"

// Envelope wraps every JSON response of the server
type Envelope struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           string          `json:"error,omitempty"`
	ServerTimestamp model.Timestamp `json:"serverTimestamp"`
}

// ScheduleChange is the body of the apply-schedule action on maintenance templates
type ScheduleChange struct {
	IntervalDays  int              `json:"intervalDays,omitempty"`
	IntervalHours float64          `json:"intervalHours,omitempty"`
	NextDueAt     *model.Timestamp `json:"nextDueAt,omitempty"`
}

// InformationChange is the body of a field-level PATCH
type InformationChange struct {
	Fields    map[string]any  `json:"fields"`
	UpdatedAt model.Timestamp `json:"updatedAt"`
}

// TrackUpload is the body of the trip track append action
type TrackUpload struct {
	Points []model.GPSPoint `json:"points"`
}

// Result is a single entity returned by the server
type Result struct {
	Entity          model.Entity
	ServerTimestamp model.Timestamp
}

// ListResult is a page of entities. ServerTimestamp is the watermark to pass
// as "since" on the next incremental pull.
type ListResult struct {
	Items           []model.Entity
	ServerTimestamp model.Timestamp
}

// PushEvent is one message of the server push stream
type PushEvent struct {
	Type      string           `json:"type"`
	Action    string           `json:"action,omitempty"`
	EntityID  string           `json:"entityId,omitempty"`
	Timestamp *model.Timestamp `json:"timestamp,omitempty"`
}

// PushTypeConnected is the keepalive sent right after a stream is opened
const PushTypeConnected = "connected"

// EntityType maps the event to an entity type. Keepalives and unknown types return false.
func (e PushEvent) EntityType() (model.EntityType, bool) {
	if e.Type == PushTypeConnected {
		return "", false
	}
	t, err := model.ParseEntityType(e.Type)
	if err != nil {
		return "", false
	}
	return t, true
}
