// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-boatsync/handler"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/remote"
	"github.com/mobiletoly/go-boatsync/scheduler"
)

// Job names are stable; the scheduler keys runs by them
const (
	JobGeneral     = "sync-general"
	JobPhotos      = "sync-photos"
	JobMaintenance = "sync-maintenance"
	JobCleanup     = "offline-queue-cleanup"
)

// PushSource delivers server push events until ctx ends
type PushSource interface {
	Run(ctx context.Context, handle func(remote.PushEvent)) error
}

// Run reacts to connectivity changes, server push events and status
// retries until ctx is done. push may be nil.
func (o *Orchestrator) Run(ctx context.Context, push PushSource) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.watchConnectivity(gctx)
		return nil
	})
	g.Go(func() error {
		o.serveRequests(gctx)
		return nil
	})
	if push != nil {
		g.Go(func() error {
			err := push.Run(gctx, func(ev remote.PushEvent) { o.HandlePush(gctx, ev) })
			if errors.Is(err, remote.ErrUnauthorized) {
				// Other triggers keep working; the user has to log in again
				o.logger.Error("Push stream rejected credentials, live updates stopped", "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	o.status.Stop()
	return ctx.Err()
}

// HandlePush syncs the entity type named by a push event
func (o *Orchestrator) HandlePush(ctx context.Context, ev remote.PushEvent) {
	t, ok := ev.EntityType()
	if !ok {
		return
	}
	o.logger.Debug("Push event received", "entity_type", t, "action", ev.Action, "entity_id", ev.EntityID)
	o.SyncDataType(ctx, t)
}

func (o *Orchestrator) watchConnectivity(ctx context.Context) {
	changes, cancel := o.network.Subscribe()
	defer cancel()
	wasOnline := o.network.Online()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-changes:
			if s.Online && !wasOnline {
				o.logger.Info("Connectivity restored, starting full sync")
				o.SyncAll(ctx)
			}
			wasOnline = s.Online
		}
	}
}

func (o *Orchestrator) serveRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.requests:
			o.SyncAll(ctx)
		}
	}
}

// Jobs returns the periodic background jobs. Photos only sync on unmetered
// networks; maintenance runs on its own shorter cadence.
func (o *Orchestrator) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{
			Name:       JobGeneral,
			Interval:   o.config.GeneralInterval,
			Constraint: scheduler.Connected,
			Run: func(ctx context.Context) error {
				return jobError(o.SyncTypes(ctx, model.TypeBoat, model.TypeTrip, model.TypeNote, model.TypeTodo, model.TypeLocation))
			},
		},
		{
			Name:       JobPhotos,
			Interval:   o.config.PhotoInterval,
			Constraint: scheduler.Unmetered,
			Run: func(ctx context.Context) error {
				return jobError(o.SyncDataType(ctx, model.TypePhoto))
			},
		},
		{
			Name:       JobMaintenance,
			Interval:   o.config.MaintenanceInterval,
			Constraint: scheduler.Connected,
			Run: func(ctx context.Context) error {
				return jobError(o.SyncDataType(ctx, model.TypeTemplate))
			},
		},
		{
			Name:       JobCleanup,
			Interval:   o.config.CleanupInterval,
			Constraint: scheduler.Any,
			Run: func(ctx context.Context) error {
				n, err := o.queue.Cleanup(ctx)
				if err == nil && n > 0 {
					o.logger.Info("Removed delivered offline changes", "count", n)
				}
				return err
			},
		},
	}
}

func jobError(r handler.Result) error {
	if r.Success {
		return nil
	}
	if err := r.Err(); err != nil {
		return err
	}
	return errors.New("sync failed")
}
