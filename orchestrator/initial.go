// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/handler"
	"github.com/mobiletoly/go-boatsync/model"
)

// Event is one step of an initial sync. The concrete types are Starting,
// Uploading, Downloading, Conflicts, Merging, Complete and Error.
type Event interface {
	initialSyncEvent()
}

type Starting struct{}

type Uploading struct {
	Current int
	Total   int
	Type    model.EntityType
}

type Downloading struct {
	Current int
	Total   int
	Type    model.EntityType
}

// Conflicts pauses the flow until every item is resolved with
// InitialSync.Resolve
type Conflicts struct {
	Items []*conflict.Conflict
}

type Merging struct {
	Current int
	Total   int
	Type    model.EntityType
}

type Complete struct {
	Result handler.Result
}

// Error ends the stream; Result holds whatever the flow achieved
type Error struct {
	Err    error
	Result handler.Result
}

func (Starting) initialSyncEvent()    {}
func (Uploading) initialSyncEvent()   {}
func (Downloading) initialSyncEvent() {}
func (Conflicts) initialSyncEvent()   {}
func (Merging) initialSyncEvent()     {}
func (Complete) initialSyncEvent()    {}
func (Error) initialSyncEvent()       {}

// InitialSync is one run of the first reconciliation with a server. It is
// not restartable; start a new one to begin again from Starting.
type InitialSync struct {
	o      *Orchestrator
	events chan Event

	mu       sync.Mutex
	pending  map[model.Ref]*conflict.Conflict
	resolved chan struct{}
}

// StartInitialSync uploads everything unsynced, downloads the server state
// and surfaces conflicts to the caller instead of resolving them. It holds
// the full-sync lock until the stream ends. Cancelling ctx ends the stream
// with an Error event.
func (o *Orchestrator) StartInitialSync(ctx context.Context) (*InitialSync, error) {
	if !o.fullSync.TryLock() {
		return nil, ErrSyncInProgress
	}
	s := &InitialSync{
		o:        o,
		events:   make(chan Event, 16),
		pending:  make(map[model.Ref]*conflict.Conflict),
		resolved: make(chan struct{}, 1),
	}
	o.begin()
	o.status.Begin()
	go s.run(ctx)
	return s, nil
}

// Events is closed after Complete or Error
func (s *InitialSync) Events() <-chan Event { return s.events }

// Resolve applies the caller's choice for a surfaced conflict. IDs are only
// unique per type, so the conflict is named by both.
func (s *InitialSync) Resolve(ctx context.Context, t model.EntityType, entityID string, useLocal bool) error {
	key := model.Ref{Type: t, ID: entityID}
	s.mu.Lock()
	c, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending conflict for %s %s", t, entityID)
	}
	h, ok := s.o.handlers.For(c.EntityType)
	if !ok {
		return fmt.Errorf("no handler for %s", c.EntityType)
	}
	if err := h.Resolve(ctx, c, useLocal); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
	select {
	case s.resolved <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the conflicts still awaiting a decision
func (s *InitialSync) Pending() []*conflict.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conflict.Conflict, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, c)
	}
	return out
}

func (s *InitialSync) emit(ctx context.Context, e Event) bool {
	select {
	case s.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *InitialSync) run(ctx context.Context) {
	o := s.o
	res := handler.OK()
	defer func() {
		o.finish(res)
		if res.Success {
			o.status.Succeed()
		} else {
			o.status.Fail(res.Err())
		}
		o.fullSync.Unlock()
		close(s.events)
	}()

	stop := func(err error) {
		e := Error{Err: err, Result: res}
		select {
		case s.events <- e:
			return
		default:
		}
		// A slow consumer still gets the final event; a cancelled one may be gone
		select {
		case s.events <- e:
		case <-ctx.Done():
		}
	}
	fail := func(err error) {
		res = res.Merge(handler.Result{Errors: []error{err}})
		stop(err)
	}

	if !s.emit(ctx, Starting{}) {
		fail(ctx.Err())
		return
	}

	ordered := o.handlers.Ordered()
	total := len(ordered)
	var found []*conflict.Conflict

	for i, h := range ordered {
		if !s.emit(ctx, Uploading{Current: i + 1, Total: total, Type: h.Type()}) {
			fail(ctx.Err())
			return
		}
		r := o.safely(h.Type(), func() handler.Result { return h.Push(ctx, conflict.Interactive) })
		found = append(found, r.Conflicts...)
		res = res.Merge(r)
		o.setProgress((i + 1) * 33 / total)
	}

	for i, h := range ordered {
		if !s.emit(ctx, Downloading{Current: i + 1, Total: total, Type: h.Type()}) {
			fail(ctx.Err())
			return
		}
		r := o.safely(h.Type(), func() handler.Result { return h.Pull(ctx, conflict.Interactive) })
		found = append(found, r.Conflicts...)
		res = res.Merge(r)
		o.setProgress(33 + (i+1)*33/total)
	}
	res.Conflicts = nil

	if len(found) > 0 {
		// An entity rejected on upload is seen again by the download
		var items []*conflict.Conflict
		s.mu.Lock()
		for _, c := range found {
			key := model.Ref{Type: c.EntityType, ID: c.EntityID}
			if _, dup := s.pending[key]; !dup {
				s.pending[key] = c
				items = append(items, c)
			}
		}
		s.mu.Unlock()
		res.ConflictCount = len(items)
		if !s.emit(ctx, Conflicts{Items: items}) {
			fail(ctx.Err())
			return
		}
		if err := s.awaitResolutions(ctx); err != nil {
			fail(err)
			return
		}
	}

	// Deliver what conflict resolution unblocked and pick up late server changes
	for i, h := range ordered {
		if !s.emit(ctx, Merging{Current: i + 1, Total: total, Type: h.Type()}) {
			fail(ctx.Err())
			return
		}
		r := o.safely(h.Type(), func() handler.Result { return h.Sync(ctx) })
		res = res.Merge(r)
		o.setProgress(66 + (i+1)*34/total)
	}

	if !res.Success {
		stop(fmt.Errorf("initial sync finished with errors: %w", res.Err()))
		return
	}
	s.emit(ctx, Complete{Result: res})
}

func (s *InitialSync) awaitResolutions(ctx context.Context) error {
	for {
		s.mu.Lock()
		left := len(s.pending)
		s.mu.Unlock()
		if left == 0 {
			return nil
		}
		select {
		case <-s.resolved:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
