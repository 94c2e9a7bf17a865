// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/offline"
	"github.com/mobiletoly/go-boatsync/remote"
)

// NewMaintenanceHandler syncs maintenance templates and then their events
func NewMaintenanceHandler(deps *Deps) Handler {
	d := deps.withDefaults()

	templates := newEntityHandler(model.TypeTemplate, d, hooks{})
	templates.hooks.validate = func(ctx context.Context, e model.Entity) error {
		m := e.(*model.MaintenanceTemplate)
		switch {
		case strings.TrimSpace(m.Name) == "":
			return invalid(e, "name", "must not be empty")
		case m.BoatID == "":
			return invalid(e, "boatId", "must not be empty")
		case m.IntervalDays < 0 || m.IntervalHours < 0:
			return invalid(e, "interval", "must not be negative")
		}
		return nil
	}
	templates.hooks.schedule = templates.applySchedule

	events := newEntityHandler(model.TypeEvent, d, hooks{})
	events.hooks.validate = func(ctx context.Context, e model.Entity) error {
		ev := e.(*model.MaintenanceEvent)
		if ev.TemplateID == "" {
			return invalid(e, "templateId", "must not be empty")
		}
		if ev.BoatID == "" {
			return invalid(e, "boatId", "must not be empty")
		}
		return nil
	}

	return &group{family: model.TypeTemplate, members: []*entityHandler{templates, events}}
}

func (h *entityHandler) applySchedule(ctx context.Context, id string, p offline.ScheduleChangePayload) error {
	local, err := h.deps.Store.Get(ctx, model.TypeTemplate, id)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !local.Base().Acked {
		// The create carries the schedule
		return h.dispatchRow(ctx, id, conflict.LastWriterWins)
	}

	r, err := h.deps.Remote.ApplyScheduleChange(ctx, id, remote.ScheduleChange{
		IntervalDays:  p.IntervalDays,
		IntervalHours: p.IntervalHours,
		NextDueAt:     p.NextDueAt,
	})
	if ce, ok := remote.AsConflict(err); ok {
		return outcome(h.uploadConflict(ctx, local, ce, conflict.LastWriterWins))
	}
	if err != nil {
		return err
	}
	return outcome(h.acknowledge(ctx, local, local.Base().UpdatedAt, r))
}
