// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package conflict detects divergence between local and server copies of an
// entity and decides which copy wins.
package conflict

import (
	"fmt"
	"time"

	"github.com/mobiletoly/go-boatsync/model"
)

// DefaultTolerance absorbs clock and transport skew between device and server
const DefaultTolerance = time.Second

// Kind tells how a conflict was discovered
type Kind string

const (
	KindContent      Kind = "content"       // found while merging a pulled server copy
	KindHTTPConflict Kind = "http_conflict" // server rejected an upload with 409
)

// Policy selects how conflicts are resolved
type Policy int

const (
	// LastWriterWins picks the copy with the newer timestamp (background syncs)
	LastWriterWins Policy = iota
	// Interactive collects conflicts for the caller to decide (initial/manual syncs)
	Interactive
)

func (p Policy) String() string {
	if p == Interactive {
		return "interactive"
	}
	return "last_writer_wins"
}

// Resolution describes which side won
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionKeptLocal  Resolution = "user_kept_local"
	ResolutionKeptServer Resolution = "user_kept_server"
)

// Conflict is a detected divergence for one entity ID
type Conflict struct {
	EntityType model.EntityType
	EntityID   string
	Kind       Kind
	Local      model.Entity
	Server     model.Entity
}

func (c *Conflict) LocalTimestamp() model.Timestamp  { return c.Local.Base().UpdatedAt }
func (c *Conflict) ServerTimestamp() model.Timestamp { return c.Server.Base().UpdatedAt }

// LastWriterWins returns the copy with the newer timestamp. Ties go to the server.
func (c *Conflict) LastWriterWins() (model.Entity, Resolution) {
	if c.LocalTimestamp().After(c.ServerTimestamp().Time) {
		return c.Local, ResolutionLocalWins
	}
	return c.Server, ResolutionServerWins
}

// Record builds the audit entry for a resolved conflict
func (c *Conflict) Record(resolution Resolution, at time.Time) Record {
	overwritten := "local"
	if resolution == ResolutionLocalWins || resolution == ResolutionKeptLocal {
		overwritten = "server"
	}
	return Record{
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Kind:            c.Kind,
		LocalTimestamp:  c.LocalTimestamp(),
		ServerTimestamp: c.ServerTimestamp(),
		Resolution:      resolution,
		Overwritten:     overwritten,
		ResolvedAt:      at.UTC(),
	}
}

// Record is the audit trail of one resolved conflict. It is logged, never
// stored as entity state.
type Record struct {
	EntityType      model.EntityType `json:"entityType"`
	EntityID        string           `json:"entityId"`
	Kind            Kind             `json:"conflictType"`
	LocalTimestamp  model.Timestamp  `json:"localTimestamp"`
	ServerTimestamp model.Timestamp  `json:"serverTimestamp"`
	Resolution      Resolution       `json:"resolution"`
	Overwritten     string           `json:"overwritten"`
	ResolvedAt      time.Time        `json:"resolvedAt"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s: %s (local %s, server %s), %s copy overwritten",
		r.EntityType, r.EntityID, r.Resolution, r.LocalTimestamp, r.ServerTimestamp, r.Overwritten)
}

// Detector compares local and server snapshots
type Detector struct {
	Tolerance time.Duration
}

// NewDetector returns a detector; a non-positive tolerance selects DefaultTolerance
func NewDetector(tolerance time.Duration) *Detector {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Detector{Tolerance: tolerance}
}

// Detect returns a conflict when the copies carry different domain content and
// their timestamps are further apart than the tolerance. Identical content is
// never a conflict. Differing content inside the window is the same edit seen
// through clock skew, so the caller takes the server copy without logging.
func (d *Detector) Detect(local, server model.Entity) (*Conflict, error) {
	if local == nil || server == nil {
		return nil, nil
	}
	if local.Type() != server.Type() {
		return nil, fmt.Errorf("cannot compare %s with %s", local.Type(), server.Type())
	}
	same, err := model.SameContent(local, server)
	if err != nil {
		return nil, fmt.Errorf("failed to compare %s %s: %w", local.Type(), local.Base().ID, err)
	}
	if same || !d.Exceeds(local.Base().UpdatedAt, server.Base().UpdatedAt) {
		return nil, nil
	}
	return &Conflict{
		EntityType: local.Type(),
		EntityID:   local.Base().ID,
		Kind:       KindContent,
		Local:      local,
		Server:     server,
	}, nil
}

// Exceeds reports whether two timestamps are further apart than the tolerance
func (d *Detector) Exceeds(a, b model.Timestamp) bool {
	return model.Diff(a, b) > d.Tolerance
}
