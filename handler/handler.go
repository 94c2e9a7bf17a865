// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package handler implements the per-entity sync handlers. Every handler
// pushes local unsynced state to the server before pulling server deltas,
// resolves conflicts by policy and never returns errors past its boundary.
package handler

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/offline"
	"github.com/mobiletoly/go-boatsync/remote"
)

// Handler is the sync contract of one entity type family
type Handler interface {
	// Type is the family type (maintenance templates also cover events)
	Type() model.EntityType
	// Types lists the stored entity types the handler synchronizes
	Types() []model.EntityType

	// Validate checks a local mutation before it is committed
	Validate(ctx context.Context, e model.Entity) error

	SyncToServer(ctx context.Context) Result
	SyncFromServer(ctx context.Context) Result
	// Sync runs SyncToServer then SyncFromServer and folds the results
	Sync(ctx context.Context) Result
	// SyncEntity immediately syncs one entity; deferred when offline
	SyncEntity(ctx context.Context, t model.EntityType, id string) Result

	// Push and Pull are the directions with an explicit conflict policy
	Push(ctx context.Context, policy conflict.Policy) Result
	Pull(ctx context.Context, policy conflict.Policy) Result

	// Dispatch delivers one queued offline change
	Dispatch(ctx context.Context, change offline.Change) error
	// Resolve applies the caller's decision for a collected conflict
	Resolve(ctx context.Context, c *conflict.Conflict, useLocal bool) error
}

// Remote is the server API used by handlers
type Remote interface {
	Create(ctx context.Context, e model.Entity) (*remote.Result, error)
	Update(ctx context.Context, e model.Entity, force bool) (*remote.Result, error)
	Get(ctx context.Context, t model.EntityType, id string) (*remote.Result, error)
	List(ctx context.Context, t model.EntityType, since model.Timestamp) (*remote.ListResult, error)
	Delete(ctx context.Context, t model.EntityType, id string) error
	FindBoatByName(ctx context.Context, name string) (*model.Boat, error)
	ApplyInformationChange(ctx context.Context, t model.EntityType, id string, change remote.InformationChange) (*remote.Result, error)
	ApplyScheduleChange(ctx context.Context, templateID string, change remote.ScheduleChange) (*remote.Result, error)
	AppendTrack(ctx context.Context, tripID string, points []model.GPSPoint) error
	UploadBlob(ctx context.Context, photoID, localPath string) (string, error)
	DeleteBlob(ctx context.Context, key string) error
}

// Deps are the collaborators shared by all handlers
type Deps struct {
	Store    *localstore.Store
	Queue    *offline.Queue
	Remote   Remote
	Detector *conflict.Detector
	Audit    *conflict.AuditLog
	// Online reports current connectivity; nil means always online
	Online func() bool
	Logger *slog.Logger
	Now    func() time.Time
}

func (d *Deps) online() bool {
	return d.Online == nil || d.Online()
}

func (d *Deps) withDefaults() *Deps {
	out := *d
	if out.Detector == nil {
		out.Detector = conflict.NewDetector(conflict.DefaultTolerance)
	}
	if out.Audit == nil {
		out.Audit = conflict.NewAuditLog(io.Discard, nil)
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// Set holds one handler per family, in dependency order
type Set struct {
	ordered []Handler
	byType  map[model.EntityType]Handler
}

// NewSet builds the handlers for every entity type
func NewSet(deps *Deps) *Set {
	d := deps.withDefaults()
	return NewSetOf(
		NewBoatHandler(d),
		NewTripHandler(d),
		NewNoteHandler(d),
		NewTodoHandler(d),
		NewMaintenanceHandler(d),
		NewLocationHandler(d),
		NewPhotoHandler(d),
	)
}

// NewSetOf builds a set from explicit handlers, ordered as given
func NewSetOf(handlers ...Handler) *Set {
	s := &Set{byType: make(map[model.EntityType]Handler)}
	for _, h := range handlers {
		s.ordered = append(s.ordered, h)
		s.byType[h.Type()] = h
		for _, t := range h.Types() {
			s.byType[t] = h
		}
	}
	return s
}

// Ordered returns the handlers in sync order
func (s *Set) Ordered() []Handler {
	return append([]Handler(nil), s.ordered...)
}

// For returns the handler synchronizing t
func (s *Set) For(t model.EntityType) (Handler, bool) {
	h, ok := s.byType[t]
	return h, ok
}

// Dispatch routes a queued change to its handler
func (s *Set) Dispatch(ctx context.Context, change offline.Change) error {
	h, ok := s.For(change.EntityType)
	if !ok {
		return &ValidationError{EntityType: change.EntityType, EntityID: change.EntityID, Reason: "no handler for entity type"}
	}
	return h.Dispatch(ctx, change)
}
