// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-boatsync/model"
)

type record struct {
	entity   model.Entity
	modified int64 // server clock in ms, strictly increasing across writes
}

// state is the in-memory server data. Callers hold Server.mu.
type state struct {
	records map[model.EntityType]map[string]*record
	// aliases map client-generated IDs to server IDs so a retried create is idempotent
	aliases map[model.EntityType]map[string]string
	tracks  map[string]map[int]model.GPSPoint
	blobs   map[string][]byte
	clock   int64
	now     func() time.Time
}

func newState(now func() time.Time) *state {
	return &state{
		records: make(map[model.EntityType]map[string]*record),
		aliases: make(map[model.EntityType]map[string]string),
		tracks:  make(map[string]map[int]model.GPSPoint),
		blobs:   make(map[string][]byte),
		now:     now,
	}
}

func (s *state) tick() int64 {
	ms := s.now().UnixMilli()
	if ms <= s.clock {
		ms = s.clock + 1
	}
	s.clock = ms
	return ms
}

func (s *state) table(t model.EntityType) map[string]*record {
	tbl, ok := s.records[t]
	if !ok {
		tbl = make(map[string]*record)
		s.records[t] = tbl
	}
	return tbl
}

func (s *state) live(t model.EntityType, id string) (*record, bool) {
	rec, ok := s.table(t)[id]
	if !ok || rec.entity.Base().Deleted {
		return nil, false
	}
	return rec, true
}

func (s *state) put(e model.Entity) model.Entity {
	meta := e.Base()
	meta.Synced, meta.Acked = false, false
	mod := s.tick()
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = model.FromMillis(mod)
	}
	s.table(e.Type())[meta.ID] = &record{entity: e, modified: mod}
	return e
}

func (s *state) create(e model.Entity, assignID bool) (model.Entity, bool) {
	clientID := e.Base().ID
	aliases, ok := s.aliases[e.Type()]
	if !ok {
		aliases = make(map[string]string)
		s.aliases[e.Type()] = aliases
	}
	if sid, ok := aliases[clientID]; ok {
		if rec, ok := s.live(e.Type(), sid); ok {
			return rec.entity, false
		}
	}
	if clientID == "" || assignID {
		e.Base().ID = uuid.NewString()
	}
	aliases[clientID] = e.Base().ID
	return s.put(e), true
}

func (s *state) list(t model.EntityType, since int64, name string) []model.Entity {
	out := make([]model.Entity, 0)
	for _, rec := range s.table(t) {
		if since > 0 {
			if rec.modified <= since {
				continue
			}
		} else if rec.entity.Base().Deleted {
			continue
		}
		if name != "" {
			b, ok := rec.entity.(*model.Boat)
			if !ok || rec.entity.Base().Deleted || !strings.EqualFold(b.Name, name) {
				continue
			}
		}
		out = append(out, rec.entity)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.table(t)[out[i].Base().ID].modified < s.table(t)[out[j].Base().ID].modified
	})
	return out
}

func (s *state) tombstone(t model.EntityType, id string) bool {
	rec, ok := s.live(t, id)
	if !ok {
		return false
	}
	clone, _ := model.Clone(rec.entity)
	clone.Base().Deleted = true
	s.table(t)[id] = &record{entity: clone, modified: s.tick()}
	return true
}

// patch overlays JSON fields on an entity
func patch(e model.Entity, fields map[string]any) (model.Entity, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if k == "id" {
			return nil, fmt.Errorf("field %q cannot be changed", k)
		}
		m[k] = v
	}
	data, err = json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return model.Decode(e.Type(), data)
}
