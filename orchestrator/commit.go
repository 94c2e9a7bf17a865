// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-boatsync/handler"
	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/offline"
)

// Commit validates and stores a created or edited entity, queues the
// mutation and tries to deliver it right away when online. Validation
// errors are returned before anything is written.
func (o *Orchestrator) Commit(ctx context.Context, e model.Entity) (handler.Result, error) {
	h, ok := o.handlers.For(e.Type())
	if !ok {
		return handler.Result{}, fmt.Errorf("no handler for %s", e.Type())
	}
	meta := e.Base()
	if meta.ID == "" {
		meta.ID = model.NewID()
	}
	if err := h.Validate(ctx, e); err != nil {
		return handler.Result{}, err
	}

	ct := offline.ChangeCreate
	existing, err := o.store.Get(ctx, e.Type(), meta.ID)
	switch {
	case err == nil:
		ct = offline.ChangeUpdate
		meta.Acked = existing.Base().Acked
	case !errors.Is(err, localstore.ErrNotFound):
		return handler.Result{}, err
	}
	meta.UpdatedAt = model.NewTimestamp(o.now())
	meta.Synced = false
	meta.Deleted = false

	if err := o.store.Put(ctx, e); err != nil {
		return handler.Result{}, err
	}
	p, err := offline.SnapshotPayload(ct, e)
	if err != nil {
		return handler.Result{}, err
	}
	return o.enqueueAndDeliver(ctx, e.Type(), meta.ID, p)
}

// CommitDelete removes an entity locally and queues the server delete. A
// delete of an entity whose create never reached the server is dropped
// together with the create.
func (o *Orchestrator) CommitDelete(ctx context.Context, t model.EntityType, id string) (handler.Result, error) {
	existing, err := o.store.Get(ctx, t, id)
	if err != nil {
		return handler.Result{}, err
	}
	p, err := offline.SnapshotPayload(offline.ChangeDelete, existing)
	if err != nil {
		return handler.Result{}, err
	}
	if err := o.store.Delete(ctx, t, id); err != nil {
		return handler.Result{}, err
	}
	return o.enqueueAndDeliver(ctx, t, id, p)
}

// CommitChange applies a field-level or schedule change locally and queues it
func (o *Orchestrator) CommitChange(ctx context.Context, t model.EntityType, id string, p offline.Payload) (handler.Result, error) {
	h, ok := o.handlers.For(t)
	if !ok {
		return handler.Result{}, fmt.Errorf("no handler for %s", t)
	}
	existing, err := o.store.Get(ctx, t, id)
	if err != nil {
		return handler.Result{}, err
	}

	var changed model.Entity
	switch c := p.(type) {
	case offline.InformationChangePayload:
		changed, err = applyFields(existing, c.Fields)
	case offline.ScheduleChangePayload:
		changed, err = applySchedule(existing, c)
	default:
		err = fmt.Errorf("%w: %s cannot be committed as a change", offline.ErrUnknownChangeType, p.ChangeType())
	}
	if err != nil {
		return handler.Result{}, err
	}
	if err := h.Validate(ctx, changed); err != nil {
		return handler.Result{}, err
	}

	meta := changed.Base()
	meta.UpdatedAt = model.NewTimestamp(o.now())
	meta.Synced = false
	if err := o.store.Put(ctx, changed); err != nil {
		return handler.Result{}, err
	}
	return o.enqueueAndDeliver(ctx, t, id, p)
}

// enqueueAndDeliver makes the mutation durable first; a successful
// immediate delivery marks the queued change synced.
func (o *Orchestrator) enqueueAndDeliver(ctx context.Context, t model.EntityType, id string, p offline.Payload) (handler.Result, error) {
	change, err := o.queue.Enqueue(ctx, t, id, p)
	if err != nil {
		return handler.Result{}, err
	}
	if change == nil && p.ChangeType() == offline.ChangeDelete {
		// Collapsed with a create the server never saw
		return handler.OK(), nil
	}
	if !o.network.Online() {
		o.logger.Debug("Offline, change queued", "entity_type", t, "entity_id", id, "change_type", p.ChangeType())
		return handler.Result{Success: true, Deferred: true}, nil
	}
	res := o.SyncEntity(ctx, t, id)
	if !res.Success {
		o.logger.Info("Immediate sync failed, change stays queued", "entity_type", t, "entity_id", id, "error", res.Err())
	}
	return res, nil
}

// applyFields overlays a field-level change on a copy of e
func applyFields(e model.Entity, fields map[string]any) (model.Entity, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for k, v := range fields {
		switch k {
		case "id", "updatedAt", "deleted":
			return nil, fmt.Errorf("field %q cannot be changed", k)
		}
		m[k] = v
	}
	if raw, err = json.Marshal(m); err != nil {
		return nil, err
	}
	out, err := model.Decode(e.Type(), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to apply fields to %s %s: %w", e.Type(), e.Base().ID, err)
	}
	out.Base().Acked = e.Base().Acked
	if from, ok := e.(model.LocalStater); ok {
		out.(model.LocalStater).SetLocalState(from.LocalState())
	}
	return out, nil
}

func applySchedule(e model.Entity, p offline.ScheduleChangePayload) (model.Entity, error) {
	tpl, ok := e.(*model.MaintenanceTemplate)
	if !ok {
		return nil, fmt.Errorf("%w: schedule change on %s", offline.ErrUnknownChangeType, e.Type())
	}
	out, err := model.Clone(tpl)
	if err != nil {
		return nil, err
	}
	changed := out.(*model.MaintenanceTemplate)
	changed.IntervalDays = p.IntervalDays
	changed.IntervalHours = p.IntervalHours
	if p.NextDueAt != nil {
		changed.NextDueAt = p.NextDueAt
	}
	return changed, nil
}
