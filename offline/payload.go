// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-boatsync/model"
)

// ChangeType discriminates the kind of queued mutation and its payload variant
type ChangeType string

const (
	ChangeCreate      ChangeType = "create"
	ChangeUpdate      ChangeType = "update"
	ChangeInformation ChangeType = "information_change"
	ChangeSchedule    ChangeType = "schedule_change"
	ChangeDelete      ChangeType = "delete"
)

// ErrUnknownChangeType is returned when decoding a payload with an unknown discriminant
var ErrUnknownChangeType = errors.New("unknown change type")

// Payload is one of the typed change payloads below
type Payload interface {
	ChangeType() ChangeType
}

// CreatePayload carries a snapshot of a locally created entity
type CreatePayload struct {
	Entity json.RawMessage `json:"entity,omitempty"`
}

// UpdatePayload carries a snapshot of a locally updated entity
type UpdatePayload struct {
	Entity json.RawMessage `json:"entity,omitempty"`
}

// InformationChangePayload is a field-level change (e.g. a boat renamed)
type InformationChangePayload struct {
	Fields map[string]any `json:"fields"`
}

// ScheduleChangePayload changes the recurrence of a maintenance template
type ScheduleChangePayload struct {
	IntervalDays  int              `json:"intervalDays,omitempty"`
	IntervalHours float64          `json:"intervalHours,omitempty"`
	NextDueAt     *model.Timestamp `json:"nextDueAt,omitempty"`
}

// DeletePayload records a deletion. Snapshot keeps the last known state so
// handlers can clean up related remote resources (e.g. photo blobs).
type DeletePayload struct {
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

func (CreatePayload) ChangeType() ChangeType            { return ChangeCreate }
func (UpdatePayload) ChangeType() ChangeType            { return ChangeUpdate }
func (InformationChangePayload) ChangeType() ChangeType { return ChangeInformation }
func (ScheduleChangePayload) ChangeType() ChangeType    { return ChangeSchedule }
func (DeletePayload) ChangeType() ChangeType            { return ChangeDelete }

// EncodePayload serializes a payload for storage
func EncodePayload(p Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("payload cannot be nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", p.ChangeType(), err)
	}
	return string(data), nil
}

// DecodePayload deserializes a stored payload selected by its change type
func DecodePayload(ct ChangeType, data string) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch ct {
	case ChangeCreate:
		var v CreatePayload
		err = decode(data, &v)
		p = v
	case ChangeUpdate:
		var v UpdatePayload
		err = decode(data, &v)
		p = v
	case ChangeInformation:
		var v InformationChangePayload
		err = decode(data, &v)
		p = v
	case ChangeSchedule:
		var v ScheduleChangePayload
		err = decode(data, &v)
		p = v
	case ChangeDelete:
		var v DeletePayload
		err = decode(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChangeType, ct)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", ct, err)
	}
	return p, nil
}

func decode(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

// SnapshotPayload builds a create or update payload from an entity
func SnapshotPayload(ct ChangeType, e model.Entity) (Payload, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s snapshot: %w", e.Type(), err)
	}
	switch ct {
	case ChangeCreate:
		return CreatePayload{Entity: data}, nil
	case ChangeUpdate:
		return UpdatePayload{Entity: data}, nil
	case ChangeDelete:
		return DeletePayload{Snapshot: data}, nil
	default:
		return nil, fmt.Errorf("%w: %q has no entity snapshot", ErrUnknownChangeType, ct)
	}
}
