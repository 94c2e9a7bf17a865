// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/offline"
)

// group syncs several entity types as one family, members in order
type group struct {
	family  model.EntityType
	members []*entityHandler
}

func (g *group) Type() model.EntityType { return g.family }

func (g *group) Types() []model.EntityType {
	out := make([]model.EntityType, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.t)
	}
	return out
}

func (g *group) member(t model.EntityType) (*entityHandler, error) {
	for _, m := range g.members {
		if m.t == t {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s handler does not sync %s", g.family, t)
}

func (g *group) Validate(ctx context.Context, e model.Entity) error {
	m, err := g.member(e.Type())
	if err != nil {
		return err
	}
	return m.Validate(ctx, e)
}

func (g *group) each(fn func(m *entityHandler) Result) Result {
	res := OK()
	for _, m := range g.members {
		res = res.Merge(fn(m))
	}
	return res
}

func (g *group) Push(ctx context.Context, policy conflict.Policy) Result {
	return g.each(func(m *entityHandler) Result { return m.Push(ctx, policy) })
}

func (g *group) Pull(ctx context.Context, policy conflict.Policy) Result {
	return g.each(func(m *entityHandler) Result { return m.Pull(ctx, policy) })
}

func (g *group) SyncToServer(ctx context.Context) Result {
	return g.Push(ctx, conflict.LastWriterWins)
}

func (g *group) SyncFromServer(ctx context.Context) Result {
	return g.Pull(ctx, conflict.LastWriterWins)
}

func (g *group) Sync(ctx context.Context) Result {
	return g.SyncToServer(ctx).Merge(g.SyncFromServer(ctx))
}

func (g *group) SyncEntity(ctx context.Context, t model.EntityType, id string) Result {
	m, err := g.member(t)
	if err != nil {
		res := OK()
		res.fail(err)
		return res
	}
	return m.SyncEntity(ctx, t, id)
}

func (g *group) Dispatch(ctx context.Context, change offline.Change) error {
	m, err := g.member(change.EntityType)
	if err != nil {
		return err
	}
	return m.Dispatch(ctx, change)
}

func (g *group) Resolve(ctx context.Context, c *conflict.Conflict, useLocal bool) error {
	m, err := g.member(c.EntityType)
	if err != nil {
		return err
	}
	return m.Resolve(ctx, c, useLocal)
}
