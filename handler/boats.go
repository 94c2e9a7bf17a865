// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/remote"
)

// NewBoatHandler syncs boats. A boat created on two devices independently is
// merged by name: the local copy adopts the server's ID before uploading.
func NewBoatHandler(deps *Deps) Handler {
	h := newEntityHandler(model.TypeBoat, deps.withDefaults(), hooks{})
	h.hooks.validate = h.validateBoat
	h.hooks.beforeCreate = h.mergeBoatByName
	return h
}

func (h *entityHandler) validateBoat(ctx context.Context, e model.Entity) error {
	b := e.(*model.Boat)
	name := strings.TrimSpace(b.Name)
	if name == "" {
		return invalid(e, "name", "must not be empty")
	}
	boats, err := h.deps.Store.List(ctx, model.TypeBoat)
	if err != nil {
		return err
	}
	for _, other := range boats {
		if other.Base().ID != b.ID && strings.EqualFold(strings.TrimSpace(other.(*model.Boat).Name), name) {
			return invalid(e, "name", "is already used by another boat")
		}
	}
	return nil
}

func (h *entityHandler) mergeBoatByName(ctx context.Context, e model.Entity) (model.Entity, error) {
	b := e.(*model.Boat)
	existing, err := h.deps.Remote.FindBoatByName(ctx, b.Name)
	if errors.Is(err, remote.ErrNotFound) {
		return e, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.ID == b.ID {
		// An earlier create reached the server but its response was lost
		if err := h.deps.Store.MarkAcked(ctx, model.TypeBoat, b.ID); err != nil {
			return nil, err
		}
	} else {
		if err := h.adoptServerID(ctx, b.ID, existing.ID); err != nil {
			return nil, err
		}
		h.logger.Info("Merged boat with server boat of the same name", "name", b.Name, "server_id", existing.ID)
	}
	return h.deps.Store.Get(ctx, model.TypeBoat, existing.ID)
}
