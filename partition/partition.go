// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package partition prunes locally held data when the device disconnects
// from its sync server. Data the current user owns stays, data of other
// users goes, and crew trips on owned boats become read-only.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mobiletoly/go-boatsync/handler"
	"github.com/mobiletoly/go-boatsync/internal/auth"
	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/offline"
)

// AppModeKey holds the app mode setting; it is "standalone" after a disconnect
const (
	AppModeKey        = "app_mode"
	AppModeStandalone = "standalone"
	AppModeConnected  = "connected"
)

// Counts is the outcome for one entity type
type Counts struct {
	Kept       int
	Removed    int
	Downgraded int
}

// Result is the outcome of one disconnect
type Result struct {
	UserID string
	ByType map[model.EntityType]*Counts
	// FinalSync is the outcome of the sync run before partitioning, if any
	FinalSync *handler.Result
}

func (r *Result) counts(t model.EntityType) *Counts {
	c, ok := r.ByType[t]
	if !ok {
		c = &Counts{}
		r.ByType[t] = c
	}
	return c
}

func (r *Result) String() string {
	types := make([]string, 0, len(r.ByType))
	for t := range r.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	var b strings.Builder
	for _, t := range types {
		c := r.ByType[model.EntityType(t)]
		fmt.Fprintf(&b, "%s: kept %d, removed %d, downgraded %d\n", t, c.Kept, c.Removed, c.Downgraded)
	}
	return b.String()
}

// Syncer runs the optional final sync
type Syncer interface {
	WaitIdle(ctx context.Context) error
	SyncAll(ctx context.Context) (handler.Result, bool)
}

// Options control one disconnect
type Options struct {
	// FinalSync pushes pending local changes before the data is pruned
	FinalSync bool
}

// Partitioner classifies and prunes local data on disconnect
type Partitioner struct {
	store  *localstore.Store
	queue  *offline.Queue
	creds  *auth.CredentialStore
	syncer Syncer
	logger *slog.Logger
}

func New(store *localstore.Store, queue *offline.Queue, creds *auth.CredentialStore, syncer Syncer, logger *slog.Logger) *Partitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Partitioner{store: store, queue: queue, creds: creds, syncer: syncer, logger: logger}
}

// kept tracks surviving IDs per type while partitioning runs
type kept map[model.EntityType]map[string]bool

func (k kept) add(t model.EntityType, id string) {
	if k[t] == nil {
		k[t] = make(map[string]bool)
	}
	k[t][id] = true
}

func (k kept) has(t model.EntityType, id string) bool { return k[t][id] }

// Disconnect severs the server relationship. The user is resolved from the
// stored credentials before they are cleared. Boats are classified first,
// then trips, then everything that hangs off boats and trips.
func (p *Partitioner) Disconnect(ctx context.Context, opts Options) (*Result, error) {
	userID, err := p.creds.CurrentUserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current user: %w", err)
	}
	res := &Result{UserID: userID, ByType: make(map[model.EntityType]*Counts)}

	if opts.FinalSync && p.syncer != nil {
		if err := p.syncer.WaitIdle(ctx); err != nil {
			return nil, err
		}
		final, started := p.syncer.SyncAll(ctx)
		if started {
			res.FinalSync = &final
		}
		if !final.Success {
			p.logger.Warn("Final sync before disconnect failed, unsynced changes of removed data are lost", "error", final.Err())
		}
	}

	k := make(kept)
	steps := []struct {
		t        model.EntityType
		classify func(model.Entity) (keep bool, downgrade bool)
	}{
		{model.TypeBoat, func(e model.Entity) (bool, bool) {
			b := e.(*model.Boat)
			return b.OwnerID == nil || *b.OwnerID == userID, false
		}},
		{model.TypeTrip, func(e model.Entity) (bool, bool) {
			t := e.(*model.Trip)
			if !k.has(model.TypeBoat, t.BoatID) {
				return false, false
			}
			switch t.Role {
			case model.RoleCaptain, "":
				return true, false
			case model.RoleCrew:
				return true, true
			}
			return false, false
		}},
		{model.TypeNote, func(e model.Entity) (bool, bool) {
			n := e.(*model.Note)
			if n.AuthorID != "" && n.AuthorID != userID {
				return false, false
			}
			if n.BoatID != nil && !k.has(model.TypeBoat, *n.BoatID) {
				return false, false
			}
			if n.TripID != nil && !k.has(model.TypeTrip, *n.TripID) {
				return false, false
			}
			return true, false
		}},
		{model.TypeTemplate, func(e model.Entity) (bool, bool) {
			return k.has(model.TypeBoat, e.(*model.MaintenanceTemplate).BoatID), false
		}},
		{model.TypeEvent, func(e model.Entity) (bool, bool) {
			return k.has(model.TypeTemplate, e.(*model.MaintenanceEvent).TemplateID), false
		}},
		{model.TypePhoto, func(e model.Entity) (bool, bool) {
			ph := e.(*model.Photo)
			return k.has(ph.AttachedType, ph.AttachedID), false
		}},
		{model.TypeTodo, keepAll},
		{model.TypeLocation, keepAll},
	}

	for _, step := range steps {
		items, err := p.store.List(ctx, step.t)
		if err != nil {
			return nil, err
		}
		c := res.counts(step.t)
		for _, e := range items {
			keep, downgrade := step.classify(e)
			id := e.Base().ID
			switch {
			case !keep:
				if err := p.store.Delete(ctx, step.t, id); err != nil {
					return nil, err
				}
				c.Removed++
			case downgrade:
				if err := p.markReadOnly(ctx, e.(*model.Trip)); err != nil {
					return nil, err
				}
				k.add(step.t, id)
				c.Downgraded++
			default:
				k.add(step.t, id)
				c.Kept++
			}
		}
		p.logger.Debug("Partitioned entity type", "entity_type", step.t, "kept", c.Kept, "removed", c.Removed, "downgraded", c.Downgraded)
	}

	if err := p.queue.Clear(ctx); err != nil {
		return nil, err
	}
	if err := p.creds.Clear(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear credentials: %w", err)
	}
	if err := p.store.ResetPulls(ctx); err != nil {
		return nil, err
	}
	if err := p.store.SetSetting(ctx, AppModeKey, AppModeStandalone); err != nil {
		return nil, err
	}
	p.logger.Info("Disconnected from server", "user_id", userID)
	return res, nil
}

func keepAll(model.Entity) (bool, bool) { return true, false }

func (p *Partitioner) markReadOnly(ctx context.Context, t *model.Trip) error {
	if t.IsReadOnly {
		return nil
	}
	t.IsReadOnly = true
	return p.store.Put(ctx, t)
}
