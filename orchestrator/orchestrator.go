// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator is the single entry point for synchronization. It
// owns the full-sync lock, the offline queue and the retry/status machine,
// and drives the handler set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mobiletoly/go-boatsync/connectivity"
	"github.com/mobiletoly/go-boatsync/handler"
	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/offline"
	"github.com/mobiletoly/go-boatsync/status"
)

// ErrSyncInProgress is returned when a flow needing the full-sync lock
// cannot get it
var ErrSyncInProgress = errors.New("a full sync is already running")

// Config holds the background cadence
type Config struct {
	GeneralInterval     time.Duration
	PhotoInterval       time.Duration
	MaintenanceInterval time.Duration
	CleanupInterval     time.Duration
	Status              *status.Config
}

func DefaultConfig() *Config {
	return &Config{
		GeneralInterval:     15 * time.Minute,
		PhotoInterval:       30 * time.Minute,
		MaintenanceInterval: 10 * time.Minute,
		CleanupInterval:     24 * time.Hour,
		Status:              status.DefaultConfig(),
	}
}

// Options are the collaborators of an Orchestrator
type Options struct {
	Store    *localstore.Store
	Queue    *offline.Queue
	Handlers *handler.Set
	Network  *connectivity.Monitor
	Config   *Config
	Logger   *slog.Logger
	// Clock drives status retries; nil uses real timers
	Clock *status.Clock
	Now   func() time.Time
}

// Orchestrator is constructed once per process and shared by every caller
type Orchestrator struct {
	store    *localstore.Store
	queue    *offline.Queue
	handlers *handler.Set
	network  *connectivity.Monitor
	status   *status.Machine
	config   *Config
	logger   *slog.Logger
	now      func() time.Time

	fullSync sync.Mutex
	requests chan struct{}

	mu       sync.Mutex
	syncing  bool
	progress int
	done     chan struct{}
	last     *handler.Result
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Handlers == nil {
		return nil, fmt.Errorf("store, queue and handlers are required")
	}
	if opts.Network == nil {
		opts.Network = connectivity.NewMonitor(connectivity.State{Online: true, Unmetered: true}, opts.Logger)
	}
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		store:    opts.Store,
		queue:    opts.Queue,
		handlers: opts.Handlers,
		network:  opts.Network,
		config:   opts.Config,
		logger:   opts.Logger,
		now:      opts.Now,
		requests: make(chan struct{}, 1),
	}
	if opts.Clock != nil {
		o.status = status.NewWithClock(opts.Config.Status, o.RequestSync, opts.Logger, *opts.Clock)
	} else {
		o.status = status.New(opts.Config.Status, o.RequestSync, opts.Logger)
	}
	return o, nil
}

// Status exposes the retry/status machine
func (o *Orchestrator) Status() *status.Machine { return o.status }

// Network exposes the connectivity monitor
func (o *Orchestrator) Network() *connectivity.Monitor { return o.network }

// Queue exposes the offline change queue for inspection
func (o *Orchestrator) Queue() *offline.Queue { return o.queue }

// RequestSync asks the trigger loop for a full sync. Repeated requests
// before the loop picks one up coalesce.
func (o *Orchestrator) RequestSync() {
	select {
	case o.requests <- struct{}{}:
	default:
	}
}

// SyncAll runs one full sync pass over every handler in dependency order.
// It returns immediately with started=false when a full sync is already in
// flight or the device is offline.
func (o *Orchestrator) SyncAll(ctx context.Context) (res handler.Result, started bool) {
	if !o.fullSync.TryLock() {
		o.logger.Debug("Full sync already running, request dropped")
		return handler.Result{Success: true, Deferred: true}, false
	}
	defer o.fullSync.Unlock()

	// Nothing is rescheduled here, so a status retry that fires offline is
	// dropped. watchConnectivity starts the next pass when the device is back.
	if !o.network.Online() {
		o.logger.Debug("Offline, full sync deferred")
		return handler.Result{Success: true, Deferred: true}, false
	}

	o.begin()
	o.status.Begin()
	start := o.now()
	res = o.runAll(ctx)
	o.finish(res)

	if res.Success {
		o.status.Succeed()
	} else {
		o.status.Fail(res.Err())
	}
	o.logger.Info("Full sync finished",
		"success", res.Success, "synced", res.SyncedCount, "conflicts", res.ConflictCount,
		"errors", len(res.Errors), "duration", o.now().Sub(start))
	return res, true
}

func (o *Orchestrator) runAll(ctx context.Context) handler.Result {
	res := handler.OK()
	ordered := o.handlers.Ordered()
	for i, h := range ordered {
		if err := ctx.Err(); err != nil {
			res = res.Merge(handler.Result{Errors: []error{err}})
			break
		}
		r := o.safely(h.Type(), func() handler.Result { return h.Sync(ctx) })
		if h.Type() == model.TypeBoat && !r.Success && r.SyncedCount == 0 {
			// Trips, notes and templates of this pass may still carry unreconciled local boat IDs
			o.logger.Warn("Boat sync failed, dependent types are synced with unresolved boat references",
				"errors", len(r.Errors))
		}
		res = res.Merge(r)
		o.setProgress((i + 1) * 100 / len(ordered))
	}
	return res
}

// safely runs one handler step and converts a panic into a failed result
func (o *Orchestrator) safely(t model.EntityType, fn func() handler.Result) (res handler.Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Handler panicked", "entity_type", t, "panic", r, "stack", string(debug.Stack()))
			res = handler.Result{Errors: []error{fmt.Errorf("%s handler panicked: %v", t, r)}}
		}
	}()
	res = fn()
	if !res.Success {
		o.logger.Warn("Sync of entity type failed", "entity_type", t, "errors", len(res.Errors), "error", res.Err())
	}
	return res
}

// SyncDataType syncs one entity type family. It does not take the full-sync
// lock and may run next to a full sync.
func (o *Orchestrator) SyncDataType(ctx context.Context, t model.EntityType) handler.Result {
	h, ok := o.handlers.For(t)
	if !ok {
		return handler.Result{Errors: []error{fmt.Errorf("no handler for %s", t)}}
	}
	if !o.network.Online() {
		return handler.Result{Success: true, Deferred: true}
	}
	return o.safely(t, func() handler.Result { return h.Sync(ctx) })
}

// SyncTypes syncs the given families in order
func (o *Orchestrator) SyncTypes(ctx context.Context, types ...model.EntityType) handler.Result {
	res := handler.OK()
	for _, t := range types {
		res = res.Merge(o.SyncDataType(ctx, t))
	}
	return res
}

// SyncEntity immediately syncs one entity; deferred when offline
func (o *Orchestrator) SyncEntity(ctx context.Context, t model.EntityType, id string) handler.Result {
	h, ok := o.handlers.For(t)
	if !ok {
		return handler.Result{Errors: []error{fmt.Errorf("no handler for %s", t)}}
	}
	return o.safely(t, func() handler.Result { return h.SyncEntity(ctx, t, id) })
}

func (o *Orchestrator) begin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncing = true
	o.progress = 0
	o.done = make(chan struct{})
}

func (o *Orchestrator) finish(res handler.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncing = false
	o.progress = 100
	o.last = &res
	close(o.done)
	o.done = nil
}

func (o *Orchestrator) setProgress(p int) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

// IsSyncing reports whether a full sync is in flight
func (o *Orchestrator) IsSyncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

// Progress is the percentage of handlers finished by the running full sync
func (o *Orchestrator) Progress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// LastResult returns the outcome of the last finished full sync
func (o *Orchestrator) LastResult() (handler.Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return handler.Result{}, false
	}
	return *o.last, true
}

// WaitIdle blocks until the in-flight full sync, if any, has finished
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
