// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-boatsync/model"
)

// Dispatcher delivers one queued change to the server
type Dispatcher interface {
	Dispatch(ctx context.Context, change Change) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, change Change) error

func (f DispatcherFunc) Dispatch(ctx context.Context, change Change) error { return f(ctx, change) }

// DrainResult summarizes one drain pass
type DrainResult struct {
	Delivered int
	Failed    int
	Skipped   int
	Errors    []error
}

// Drain delivers pending changes oldest first. A failed change increments its
// attempt counter; later changes of the same entity are skipped for this pass
// so they are never delivered out of order.
func (q *Queue) Drain(ctx context.Context, d Dispatcher) (DrainResult, error) {
	return q.DrainTypes(ctx, d)
}

// DrainTypes is Drain restricted to the given entity types
func (q *Queue) DrainTypes(ctx context.Context, d Dispatcher, types ...model.EntityType) (DrainResult, error) {
	var res DrainResult

	// Load the batch up front: the connection must not be held by open rows
	// while the dispatcher talks to the local store.
	changes, err := q.PendingOf(ctx, types...)
	if err != nil {
		return res, err
	}
	if len(changes) == 0 {
		return res, nil
	}
	q.logger.Debug("Draining offline queue", "pending", len(changes))

	blocked := make(map[model.Ref]bool)
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ref := model.Ref{Type: c.EntityType, ID: c.EntityID}
		if blocked[ref] {
			res.Skipped++
			continue
		}

		// An earlier change of the same entity may already have covered this one
		current, err := q.Get(ctx, c.ID)
		if err != nil || current.SyncedAt != nil {
			res.Skipped++
			continue
		}

		var dispatchErr error
		if c.Payload == nil {
			dispatchErr = fmt.Errorf("change %s has an unreadable payload", c.ID)
		} else {
			dispatchErr = d.Dispatch(ctx, c)
		}
		if dispatchErr == nil {
			if err := q.MarkSynced(ctx, c.ID); err != nil {
				return res, err
			}
			res.Delivered++
			continue
		}
		if errors.Is(dispatchErr, context.Canceled) {
			return res, dispatchErr
		}

		blocked[ref] = true
		res.Failed++
		res.Errors = append(res.Errors, fmt.Errorf("%s %s %s: %w", c.ChangeType, c.EntityType, c.EntityID, dispatchErr))
		if err := q.RecordFailure(ctx, c.ID, dispatchErr); err != nil {
			return res, err
		}
		if c.SyncAttempts+1 >= q.config.MaxAttempts {
			q.logger.Warn("Offline change reached the attempt cap",
				"change_id", c.ID, "entity_type", c.EntityType, "entity_id", c.EntityID,
				"change_type", c.ChangeType, "error", dispatchErr)
		} else {
			q.logger.Debug("Offline change delivery failed",
				"change_id", c.ID, "attempt", c.SyncAttempts+1, "error", dispatchErr)
		}
	}

	q.logger.Info("Offline queue drained", "delivered", res.Delivered, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}
