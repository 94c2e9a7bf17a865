// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"sort"

	"github.com/mobiletoly/go-boatsync/model"
)

// Seed stores an entity as if another device had uploaded it and notifies push clients
func (s *Server) Seed(e model.Entity) model.Entity {
	clone, err := model.Clone(e)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	stored := s.state.put(clone)
	s.mu.Unlock()
	s.hub.publish(stored.Type(), "updated", stored)
	out, _ := model.Clone(stored)
	return out
}

// Entity returns a copy of a live server entity
func (s *Server) Entity(t model.EntityType, id string) (model.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.live(t, id)
	if !ok {
		return nil, false
	}
	out, err := model.Clone(rec.entity)
	return out, err == nil
}

// Entities returns copies of every live entity of a type
func (s *Server) Entities(t model.EntityType) []model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Entity
	for _, e := range s.state.list(t, 0, "") {
		if c, err := model.Clone(e); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Track returns the GPS points stored for a trip ordered by sequence
func (s *Server) Track(tripID string) []model.GPSPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.GPSPoint
	for _, p := range s.state.tracks[tripID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Blob returns a stored file
func (s *Server) Blob(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.state.blobs[key]
	return data, ok
}
