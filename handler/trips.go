// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"

	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
)

// NewTripHandler syncs trips and uploads their GPS track after the trip itself
func NewTripHandler(deps *Deps) Handler {
	h := newEntityHandler(model.TypeTrip, deps.withDefaults(), hooks{})
	h.hooks.validate = h.validateTrip
	h.hooks.afterUpload = h.uploadTrack
	return h
}

func (h *entityHandler) validateTrip(ctx context.Context, e model.Entity) error {
	trip := e.(*model.Trip)
	if trip.BoatID == "" {
		return invalid(e, "boatId", "must not be empty")
	}
	if _, err := h.deps.Store.Get(ctx, model.TypeBoat, trip.BoatID); errors.Is(err, localstore.ErrNotFound) {
		return invalid(e, "boatId", "references an unknown boat")
	} else if err != nil {
		return err
	}
	if trip.EndedAt != nil && trip.EndedAt.Before(trip.StartedAt.Time) {
		return invalid(e, "endedAt", "is before startedAt")
	}
	stored, err := h.deps.Store.Get(ctx, model.TypeTrip, trip.ID)
	if err == nil && stored.(*model.Trip).IsReadOnly {
		return invalid(e, "", "trip is read-only for crew")
	}
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}
	return nil
}

func (h *entityHandler) uploadTrack(ctx context.Context, tripID string) error {
	points, err := h.deps.Store.TrackPoints(ctx, tripID)
	if err != nil || len(points) == 0 {
		return err
	}
	return h.deps.Remote.AppendTrack(ctx, tripID, points)
}
