// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/offline"
	"github.com/mobiletoly/go-boatsync/remote"
)

// hooks customize the shared upload/pull flow for one entity type
type hooks struct {
	validate func(ctx context.Context, e model.Entity) error
	// beforeCreate may merge a new entity with an existing server one by
	// natural key; the returned entity is Acked when it was merged
	beforeCreate func(ctx context.Context, e model.Entity) (model.Entity, error)
	beforeUpload func(ctx context.Context, e model.Entity) error
	afterUpload  func(ctx context.Context, id string) error
	afterDelete  func(ctx context.Context, snapshot model.Entity) error
	schedule     func(ctx context.Context, id string, p offline.ScheduleChangePayload) error
}

// entityHandler is the shared implementation behind every handler
type entityHandler struct {
	t      model.EntityType
	deps   *Deps
	hooks  hooks
	logger *slog.Logger
}

func newEntityHandler(t model.EntityType, deps *Deps, h hooks) *entityHandler {
	return &entityHandler{
		t:      t,
		deps:   deps,
		hooks:  h,
		logger: deps.Logger.With("entity_type", string(t)),
	}
}

func (h *entityHandler) Type() model.EntityType    { return h.t }
func (h *entityHandler) Types() []model.EntityType { return []model.EntityType{h.t} }

func (h *entityHandler) Validate(ctx context.Context, e model.Entity) error {
	if e == nil || e.Type() != h.t {
		return fmt.Errorf("%s handler cannot validate %v", h.t, e)
	}
	if e.Base().ID == "" {
		return invalid(e, "id", "must not be empty")
	}
	if h.hooks.validate != nil {
		return h.hooks.validate(ctx, e)
	}
	return nil
}

func (h *entityHandler) SyncToServer(ctx context.Context) Result {
	return h.Push(ctx, conflict.LastWriterWins)
}

func (h *entityHandler) SyncFromServer(ctx context.Context) Result {
	return h.Pull(ctx, conflict.LastWriterWins)
}

func (h *entityHandler) Sync(ctx context.Context) Result {
	return h.SyncToServer(ctx).Merge(h.SyncFromServer(ctx))
}

// policyDispatcher delivers queued changes under a fixed conflict policy and
// remembers which entities it touched
type policyDispatcher struct {
	h         *entityHandler
	policy    conflict.Policy
	touched   map[string]bool
	conflicts []*conflict.Conflict
}

// Dispatch hands conflicts held for the caller back through Push; the change
// is done once the caller resolves them.
func (d *policyDispatcher) Dispatch(ctx context.Context, change offline.Change) error {
	d.touched[change.EntityID] = true
	err := d.h.dispatch(ctx, change, d.policy)
	var pending *PendingConflictError
	if errors.As(err, &pending) {
		d.conflicts = append(d.conflicts, pending.Conflict)
		return nil
	}
	return err
}

// Push delivers queued changes of the type, then uploads every unsynced row
func (h *entityHandler) Push(ctx context.Context, policy conflict.Policy) Result {
	res := OK()

	d := &policyDispatcher{h: h, policy: policy, touched: make(map[string]bool)}
	dr, err := h.deps.Queue.DrainTypes(ctx, d, h.t)
	if err != nil {
		res.fail(fmt.Errorf("failed to drain queued %s changes: %w", h.t, err))
		return res
	}
	res.SyncedCount += dr.Delivered - len(d.conflicts)
	res.ConflictCount += len(d.conflicts)
	res.Conflicts = append(res.Conflicts, d.conflicts...)
	for _, e := range dr.Errors {
		res.fail(e)
	}

	items, err := h.deps.Store.ListUnsynced(ctx, h.t)
	if err != nil {
		res.fail(err)
		return res
	}
	for _, e := range items {
		if err := ctx.Err(); err != nil {
			res.fail(err)
			break
		}
		if d.touched[e.Base().ID] {
			// Already attempted by its queued change in this pass
			continue
		}
		res = res.Merge(h.upload(ctx, e, policy))
	}
	if len(items) > 0 {
		h.logger.Debug("Uploaded unsynced entities", "count", len(items), "synced", res.SyncedCount, "errors", len(res.Errors))
	}
	return res
}

// upload sends one local entity: create when the server never acknowledged
// it, update otherwise.
func (h *entityHandler) upload(ctx context.Context, e model.Entity, policy conflict.Policy) Result {
	res := OK()

	e, err := h.finishPendingReconcile(ctx, e)
	if err != nil {
		res.fail(err)
		return res
	}
	if h.hooks.beforeUpload != nil {
		if err := h.hooks.beforeUpload(ctx, e); err != nil {
			res.fail(fmt.Errorf("failed to prepare %s %s: %w", h.t, e.Base().ID, err))
			return res
		}
	}

	if !e.Base().Acked && h.hooks.beforeCreate != nil {
		merged, err := h.hooks.beforeCreate(ctx, e)
		if err != nil {
			res.fail(fmt.Errorf("failed to check %s %s against server: %w", h.t, e.Base().ID, err))
			return res
		}
		e = merged
	}

	uploaded := e.Base().UpdatedAt
	var r *remote.Result
	if e.Base().Acked {
		r, err = h.deps.Remote.Update(ctx, e, false)
		if errors.Is(err, remote.ErrNotFound) {
			h.logger.Info("Server lost entity, recreating", "entity_id", e.Base().ID)
			r, err = h.deps.Remote.Create(ctx, e)
		}
	} else {
		r, err = h.deps.Remote.Create(ctx, e)
	}
	if ce, ok := remote.AsConflict(err); ok {
		return h.uploadConflict(ctx, e, ce, policy)
	}
	if err != nil {
		res.fail(fmt.Errorf("failed to upload %s %s: %w", h.t, e.Base().ID, err))
		return res
	}
	return h.acknowledge(ctx, e, uploaded, r)
}

// acknowledge records a successful upload: reconciles the server ID, marks
// the row synced if it was not edited meanwhile and adopts server-side changes.
func (h *entityHandler) acknowledge(ctx context.Context, local model.Entity, uploaded model.Timestamp, r *remote.Result) Result {
	res := OK()
	id := local.Base().ID
	server := local
	if r != nil && r.Entity != nil {
		server = r.Entity
	}

	if sid := server.Base().ID; sid != "" && sid != id {
		if err := h.adoptServerID(ctx, id, sid); err != nil {
			// Left unsynced under the local ID; the pending mapping is retried next pass
			h.logger.Error("Failed to reconcile server ID", "local_id", id, "server_id", sid, "error", err)
			res.fail(err)
			return res
		}
		id = sid
	} else if err := h.deps.Store.MarkAcked(ctx, h.t, id); err != nil {
		res.fail(err)
		return res
	}

	if h.hooks.afterUpload != nil {
		if err := h.hooks.afterUpload(ctx, id); err != nil {
			res.fail(fmt.Errorf("failed to finish upload of %s %s: %w", h.t, id, err))
			return res
		}
	}

	marked, err := h.deps.Store.MarkSynced(ctx, h.t, id, uploaded, server.Base().UpdatedAt)
	if err != nil {
		res.fail(err)
		return res
	}
	if !marked {
		h.logger.Debug("Entity changed during upload, left pending", "entity_id", id)
		return res
	}

	same, err := model.SameContent(local, server)
	if err != nil {
		res.fail(err)
		return res
	}
	if !same {
		adopted, err := adopt(local, server)
		if err != nil {
			res.fail(err)
			return res
		}
		if err := h.deps.Store.Put(ctx, adopted); err != nil {
			res.fail(err)
			return res
		}
	}
	if err := h.deps.Queue.MarkEntityDelivered(ctx, h.t, id); err != nil {
		res.fail(err)
		return res
	}
	res.SyncedCount++
	return res
}

func idMapKey(t model.EntityType, localID string) string {
	return "idmap/" + string(t) + "/" + localID
}

// adoptServerID replaces a local ID with the server's one. The mapping is
// persisted first so a failed rewrite is retried instead of creating the
// entity a second time.
func (h *entityHandler) adoptServerID(ctx context.Context, localID, serverID string) error {
	key := idMapKey(h.t, localID)
	if err := h.deps.Store.SetSetting(ctx, key, serverID); err != nil {
		return err
	}
	if err := h.deps.Store.MarkAcked(ctx, h.t, localID); err != nil {
		return err
	}
	if err := h.deps.Store.ReplaceID(ctx, h.t, localID, serverID); err != nil {
		return fmt.Errorf("failed to replace %s id %s with %s: %w", h.t, localID, serverID, err)
	}
	h.logger.Info("Adopted server ID", "local_id", localID, "server_id", serverID)
	return h.deps.Store.DeleteSetting(ctx, key)
}

// finishPendingReconcile retries an ID rewrite left over by an earlier pass
func (h *entityHandler) finishPendingReconcile(ctx context.Context, e model.Entity) (model.Entity, error) {
	serverID, ok, err := h.deps.Store.Setting(ctx, idMapKey(h.t, e.Base().ID))
	if err != nil || !ok {
		return e, err
	}
	if err := h.adoptServerID(ctx, e.Base().ID, serverID); err != nil {
		return nil, err
	}
	return h.deps.Store.Get(ctx, h.t, serverID)
}

func (h *entityHandler) uploadConflict(ctx context.Context, local model.Entity, ce *remote.ConflictError, policy conflict.Policy) Result {
	res := OK()
	res.ConflictCount = 1

	server := ce.Server
	if server == nil {
		r, err := h.deps.Remote.Get(ctx, h.t, local.Base().ID)
		if err != nil {
			res.fail(fmt.Errorf("failed to fetch conflicting %s %s: %w", h.t, local.Base().ID, err))
			return res
		}
		server = r.Entity
	}
	if server == nil {
		res.fail(fmt.Errorf("server reported a conflict on %s %s without its copy", h.t, local.Base().ID))
		return res
	}
	c := &conflict.Conflict{
		EntityType: h.t,
		EntityID:   local.Base().ID,
		Kind:       conflict.KindHTTPConflict,
		Local:      local,
		Server:     server,
	}
	if policy == conflict.Interactive {
		res.Conflicts = append(res.Conflicts, c)
		return res
	}
	_, resolution := c.LastWriterWins()
	if err := h.apply(ctx, c, resolution); err != nil {
		res.fail(err)
	}
	return res
}

// apply makes the chosen side authoritative on both ends and logs the outcome
func (h *entityHandler) apply(ctx context.Context, c *conflict.Conflict, resolution conflict.Resolution) error {
	switch resolution {
	case conflict.ResolutionLocalWins, conflict.ResolutionKeptLocal:
		r, err := h.deps.Remote.Update(ctx, c.Local, true)
		if errors.Is(err, remote.ErrNotFound) {
			r, err = h.deps.Remote.Create(ctx, c.Local)
		}
		if err != nil {
			return fmt.Errorf("failed to overwrite server %s %s: %w", h.t, c.EntityID, err)
		}
		if out := h.acknowledge(ctx, c.Local, c.Local.Base().UpdatedAt, r); !out.Success {
			return out.Err()
		}
	default:
		adopted, err := adopt(c.Local, c.Server)
		if err != nil {
			return err
		}
		if err := h.deps.Store.Put(ctx, adopted); err != nil {
			return err
		}
		if err := h.deps.Queue.MarkEntityDelivered(ctx, h.t, c.EntityID); err != nil {
			return err
		}
	}

	record := c.Record(resolution, h.deps.Now())
	h.deps.Audit.Log(ctx, record)
	h.logger.Info("Conflict resolved", "entity_id", c.EntityID, "resolution", resolution)
	return nil
}

func (h *entityHandler) Resolve(ctx context.Context, c *conflict.Conflict, useLocal bool) error {
	resolution := conflict.ResolutionKeptServer
	if useLocal {
		resolution = conflict.ResolutionKeptLocal
	}
	return h.apply(ctx, c, resolution)
}

// Pull fetches server changes since the last watermark and merges them
func (h *entityHandler) Pull(ctx context.Context, policy conflict.Policy) Result {
	res := OK()

	since, err := h.deps.Store.LastPull(ctx, h.t)
	if err != nil {
		res.fail(err)
		return res
	}
	list, err := h.deps.Remote.List(ctx, h.t, since)
	if err != nil {
		res.fail(fmt.Errorf("failed to list %s: %w", h.t.Collection(), err))
		return res
	}
	for _, item := range list.Items {
		if err := ctx.Err(); err != nil {
			res.fail(err)
			return res
		}
		res = res.Merge(h.merge(ctx, item, policy))
	}

	// Items that failed to merge must be fetched again next time
	if len(res.Errors) == 0 {
		if err := h.deps.Store.SetLastPull(ctx, h.t, list.ServerTimestamp); err != nil {
			res.fail(err)
		}
	}
	h.logger.Debug("Pulled server changes", "since", since, "items", len(list.Items), "merged", res.SyncedCount, "conflicts", res.ConflictCount)
	return res
}

// merge applies one server item to the local store
func (h *entityHandler) merge(ctx context.Context, item model.Entity, policy conflict.Policy) Result {
	res := OK()
	id := item.Base().ID

	local, err := h.deps.Store.Get(ctx, h.t, id)
	if errors.Is(err, localstore.ErrNotFound) {
		local = nil
	} else if err != nil {
		res.fail(err)
		return res
	}

	if item.Base().Deleted {
		// Unsynced local edits survive a remote delete and are recreated on upload
		if local != nil && local.Base().Synced {
			if err := h.deps.Store.Delete(ctx, h.t, id); err != nil {
				res.fail(err)
				return res
			}
			res.SyncedCount++
		}
		return res
	}

	if local == nil {
		deleted, err := h.deps.Queue.HasPendingDelete(ctx, h.t, id)
		if err != nil {
			res.fail(err)
			return res
		}
		if deleted {
			return res
		}
		return h.store(ctx, nil, item)
	}

	if local.Base().Synced {
		same, err := model.SameContent(local, item)
		if err != nil {
			res.fail(err)
			return res
		}
		if same && local.Base().UpdatedAt.Equal(item.Base().UpdatedAt.Time) {
			return res
		}
		return h.store(ctx, local, item)
	}

	// The local copy has edits that did not reach the server
	c, err := h.deps.Detector.Detect(local, item)
	if err != nil {
		res.fail(err)
		return res
	}
	if c == nil {
		out := h.store(ctx, local, item)
		if out.Success {
			if err := h.deps.Queue.MarkEntityDelivered(ctx, h.t, id); err != nil {
				out.fail(err)
			}
		}
		return out
	}

	res.ConflictCount++
	if policy == conflict.Interactive {
		res.Conflicts = append(res.Conflicts, c)
		return res
	}
	_, resolution := c.LastWriterWins()
	if err := h.apply(ctx, c, resolution); err != nil {
		res.fail(err)
	}
	return res
}

func (h *entityHandler) store(ctx context.Context, local, server model.Entity) Result {
	res := OK()
	adopted, err := adopt(local, server)
	if err != nil {
		res.fail(err)
		return res
	}
	if err := h.deps.Store.Put(ctx, adopted); err != nil {
		res.fail(err)
		return res
	}
	res.SyncedCount++
	return res
}

// adopt turns a server copy into a synced local row, keeping device-local state
func adopt(local, server model.Entity) (model.Entity, error) {
	out, err := model.Clone(server)
	if err != nil {
		return nil, err
	}
	meta := out.Base()
	meta.Synced = true
	meta.Acked = true
	meta.Deleted = false
	if local != nil {
		if from, ok := local.(model.LocalStater); ok {
			if to, ok := out.(model.LocalStater); ok && to.LocalState() == "" {
				to.SetLocalState(from.LocalState())
			}
		}
	}
	return out, nil
}

// SyncEntity delivers queued changes of one entity and uploads its row
func (h *entityHandler) SyncEntity(ctx context.Context, t model.EntityType, id string) Result {
	if !h.deps.online() {
		return Result{Success: true, Deferred: true}
	}
	res := OK()

	changes, err := h.deps.Queue.ForEntity(ctx, t, id)
	if err != nil {
		res.fail(err)
		return res
	}
	for _, c := range changes {
		if c.SyncAttempts >= h.deps.Queue.MaxAttempts() {
			continue
		}
		// Earlier deliveries in this loop may have covered this change
		current, err := h.deps.Queue.Get(ctx, c.ID)
		if err != nil {
			res.fail(err)
			return res
		}
		if current.SyncedAt != nil {
			continue
		}
		if err := h.dispatch(ctx, c, conflict.LastWriterWins); err != nil {
			if rerr := h.deps.Queue.RecordFailure(ctx, c.ID, err); rerr != nil {
				h.logger.Error("Failed to record delivery failure", "change_id", c.ID, "error", rerr)
			}
			res.fail(err)
			return res
		}
		if err := h.deps.Queue.MarkSynced(ctx, c.ID); err != nil {
			res.fail(err)
			return res
		}
		res.SyncedCount++
	}

	local, err := h.deps.Store.Get(ctx, t, id)
	if errors.Is(err, localstore.ErrNotFound) {
		return res
	}
	if err != nil {
		res.fail(err)
		return res
	}
	if local.Base().Synced {
		return res
	}
	return res.Merge(h.upload(ctx, local, conflict.LastWriterWins))
}

func (h *entityHandler) Dispatch(ctx context.Context, change offline.Change) error {
	return h.dispatch(ctx, change, conflict.LastWriterWins)
}

func (h *entityHandler) dispatch(ctx context.Context, change offline.Change, policy conflict.Policy) error {
	if change.EntityType != h.t {
		return fmt.Errorf("%s handler cannot deliver %s change", h.t, change.EntityType)
	}
	id := change.EntityID

	switch p := change.Payload.(type) {
	case offline.CreatePayload, offline.UpdatePayload:
		return h.dispatchRow(ctx, id, policy)

	case offline.InformationChangePayload:
		local, err := h.deps.Store.Get(ctx, h.t, id)
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !local.Base().Acked {
			return h.dispatchRow(ctx, id, policy)
		}
		r, err := h.deps.Remote.ApplyInformationChange(ctx, h.t, id, remote.InformationChange{
			Fields:    p.Fields,
			UpdatedAt: local.Base().UpdatedAt,
		})
		if ce, ok := remote.AsConflict(err); ok {
			return outcome(h.uploadConflict(ctx, local, ce, policy))
		}
		if err != nil {
			return err
		}
		return outcome(h.acknowledge(ctx, local, local.Base().UpdatedAt, r))

	case offline.ScheduleChangePayload:
		if h.hooks.schedule == nil {
			return fmt.Errorf("%w: %s does not support schedule changes", offline.ErrUnknownChangeType, h.t)
		}
		return h.hooks.schedule(ctx, id, p)

	case offline.DeletePayload:
		err := h.deps.Remote.Delete(ctx, h.t, id)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		if h.hooks.afterDelete != nil && len(p.Snapshot) > 0 {
			snapshot, err := model.Decode(h.t, p.Snapshot)
			if err != nil {
				return err
			}
			return h.hooks.afterDelete(ctx, snapshot)
		}
		return nil

	default:
		return fmt.Errorf("%w: %T", offline.ErrUnknownChangeType, change.Payload)
	}
}

// dispatchRow uploads the current local state of an entity
func (h *entityHandler) dispatchRow(ctx context.Context, id string, policy conflict.Policy) error {
	local, err := h.deps.Store.Get(ctx, h.t, id)
	if errors.Is(err, localstore.ErrNotFound) {
		// Deleted since; the queued delete covers it
		return nil
	}
	if err != nil {
		return err
	}
	if local.Base().Synced {
		return nil
	}
	return outcome(h.upload(ctx, local, policy))
}

// outcome converts a single-item result into a delivery error. Conflicts
// held for the caller keep the change pending.
func outcome(r Result) error {
	if !r.Success {
		return r.Err()
	}
	if len(r.Conflicts) > 0 {
		return &PendingConflictError{Conflict: r.Conflicts[0]}
	}
	return nil
}
