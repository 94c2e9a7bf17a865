// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/mobiletoly/go-boatsync/model"
)

// NewPhotoHandler syncs photo metadata. The file goes to the blob store
// before the record, and the remote blob is removed when a delete is delivered.
func NewPhotoHandler(deps *Deps) Handler {
	h := newEntityHandler(model.TypePhoto, deps.withDefaults(), hooks{})
	h.hooks.validate = func(ctx context.Context, e model.Entity) error {
		p := e.(*model.Photo)
		switch p.AttachedType {
		case model.TypeTrip, model.TypeNote, model.TypeEvent, model.TypeTemplate:
		default:
			return invalid(e, "attachedType", "must be a trip, note or maintenance entry")
		}
		if p.AttachedID == "" {
			return invalid(e, "attachedId", "must not be empty")
		}
		if p.LocalPath == "" && p.RemoteKey == "" {
			return invalid(e, "", "photo has no file")
		}
		return nil
	}
	h.hooks.beforeUpload = func(ctx context.Context, e model.Entity) error {
		p := e.(*model.Photo)
		if p.RemoteKey != "" || p.LocalPath == "" {
			return nil
		}
		key, err := h.deps.Remote.UploadBlob(ctx, p.ID, p.LocalPath)
		if err != nil {
			return err
		}
		p.RemoteKey = key
		h.logger.Debug("Uploaded photo file", "entity_id", p.ID, "remote_key", key)
		// Keep the key even if the record upload fails, so the file is not sent twice
		return h.deps.Store.Put(ctx, p)
	}
	h.hooks.afterDelete = func(ctx context.Context, snapshot model.Entity) error {
		p := snapshot.(*model.Photo)
		if p.RemoteKey == "" {
			return nil
		}
		return h.deps.Remote.DeleteBlob(ctx, p.RemoteKey)
	}
	return h
}
