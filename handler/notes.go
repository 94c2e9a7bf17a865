// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"strings"

	"github.com/mobiletoly/go-boatsync/model"
)

func NewNoteHandler(deps *Deps) Handler {
	h := newEntityHandler(model.TypeNote, deps.withDefaults(), hooks{})
	h.hooks.validate = func(ctx context.Context, e model.Entity) error {
		n := e.(*model.Note)
		if strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Content) == "" {
			return invalid(e, "", "title or content is required")
		}
		return nil
	}
	return h
}

func NewTodoHandler(deps *Deps) Handler {
	h := newEntityHandler(model.TypeTodo, deps.withDefaults(), hooks{})
	h.hooks.validate = func(ctx context.Context, e model.Entity) error {
		if strings.TrimSpace(e.(*model.Todo).Title) == "" {
			return invalid(e, "title", "must not be empty")
		}
		return nil
	}
	return h
}

// NewLocationHandler syncs marked locations
func NewLocationHandler(deps *Deps) Handler {
	h := newEntityHandler(model.TypeLocation, deps.withDefaults(), hooks{})
	h.hooks.validate = func(ctx context.Context, e model.Entity) error {
		loc := e.(*model.MarkedLocation)
		switch {
		case strings.TrimSpace(loc.Name) == "":
			return invalid(e, "name", "must not be empty")
		case loc.Latitude < -90 || loc.Latitude > 90:
			return invalid(e, "lat", "is out of range")
		case loc.Longitude < -180 || loc.Longitude > 180:
			return invalid(e, "lon", "is out of range")
		}
		return nil
	}
	return h
}
