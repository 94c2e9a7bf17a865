// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package devserver is an in-memory implementation of the sync server API
// for local development and integration tests.
package devserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobiletoly/go-boatsync/internal/auth"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/remote"
)

// Options configure the dev server
type Options struct {
	// JWTSecret enables bearer token authentication when set
	JWTSecret string
	// KeepClientIDs stores entities under the client's ID instead of assigning new ones
	KeepClientIDs bool
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server serves the REST and push endpoints
type Server struct {
	mu     sync.Mutex
	state  *state
	opts   Options
	jwt    *auth.JWTAuth
	hub    *hub
	logger *slog.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		state:  newState(opts.Now),
		opts:   opts,
		hub:    newHub(opts.Logger),
		logger: opts.Logger,
	}
	if opts.JWTSecret != "" {
		s.jwt = auth.NewJWTAuth(opts.JWTSecret)
	}
	return s
}

// JWT returns the token issuer, or nil when authentication is disabled
func (s *Server) JWT() *auth.JWTAuth { return s.jwt }

// Close disconnects push clients
func (s *Server) Close() { s.hub.close() }

// Handler returns the HTTP router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "healthy", "service": "boatsync-devserver"}`))
	})

	r.Route(remote.APIPrefix, func(r chi.Router) {
		if s.jwt != nil {
			r.Use(s.jwt.Middleware)
		}
		r.Get("/events", s.hub.serve)
		r.Put("/blobs/*", s.handlePutBlob)
		r.Delete("/blobs/*", s.handleDeleteBlob)

		r.Post("/"+model.TypeTemplate.Collection()+"/{id}/schedule", s.handleSchedule)
		r.Post("/"+model.TypeTrip.Collection()+"/{id}/track", s.handleTrack)

		r.Route("/{collection}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/{id}", s.handleGet)
			r.Put("/{id}", s.handleUpdate)
			r.Patch("/{id}", s.handlePatch)
			r.Delete("/{id}", s.handleDelete)
		})
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	s.mu.Lock()
	ts := model.FromMillis(s.state.clock)
	s.mu.Unlock()
	s.writeEnvelope(w, code, data, ts)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, code int, data any, ts model.Timestamp) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(remote.Envelope{Success: code < 300, Data: raw, ServerTimestamp: ts})
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(remote.Envelope{Success: false, Error: msg})
}

func entityType(w http.ResponseWriter, r *http.Request) (model.EntityType, bool) {
	t, err := model.ParseEntityType(chi.URLParam(r, "collection"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return t, true
}

func decodeEntity(w http.ResponseWriter, r *http.Request, t model.EntityType) (model.Entity, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	e, err := model.Decode(t, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return e, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := model.ParseTimestamp(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		since = ts.Millis()
	}
	// The watermark must be read together with the items
	s.mu.Lock()
	items := s.state.list(t, since, r.URL.Query().Get("name"))
	ts := model.FromMillis(s.state.clock)
	s.mu.Unlock()
	s.writeEnvelope(w, http.StatusOK, items, ts)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	rec, found := s.state.live(t, chi.URLParam(r, "id"))
	s.mu.Unlock()
	if !found {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec.entity)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	e, ok := decodeEntity(w, r, t)
	if !ok {
		return
	}
	if b, isBoat := e.(*model.Boat); isBoat && b.OwnerID == nil {
		if userID, ok := auth.GetUserID(r.Context()); ok {
			b.OwnerID = &userID
		}
	}

	s.mu.Lock()
	stored, created := s.state.create(e, !s.opts.KeepClientIDs)
	s.mu.Unlock()

	code := http.StatusOK
	if created {
		code = http.StatusCreated
		s.hub.publish(t, "created", stored)
	}
	s.writeJSON(w, code, stored)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	e, ok := decodeEntity(w, r, t)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	e.Base().ID = id
	force := r.URL.Query().Get("force") == "true"

	s.mu.Lock()
	rec, found := s.state.live(t, id)
	if !found {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !force && rec.entity.Base().UpdatedAt.After(e.Base().UpdatedAt.Time) {
		current := rec.entity
		s.mu.Unlock()
		s.writeJSON(w, http.StatusConflict, current)
		return
	}
	stored := s.state.put(e)
	s.mu.Unlock()

	s.hub.publish(t, "updated", stored)
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	var change remote.InformationChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	rec, found := s.state.live(t, id)
	if !found {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if rec.entity.Base().UpdatedAt.After(change.UpdatedAt.Time) {
		current := rec.entity
		s.mu.Unlock()
		s.writeJSON(w, http.StatusConflict, current)
		return
	}
	patched, err := patch(rec.entity, change.Fields)
	if err != nil {
		s.mu.Unlock()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patched.Base().UpdatedAt = change.UpdatedAt
	stored := s.state.put(patched)
	s.mu.Unlock()

	s.hub.publish(t, "updated", stored)
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	deleted := s.state.tombstone(t, id)
	s.mu.Unlock()
	if !deleted {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.hub.publishID(t, "deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var change remote.ScheduleChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	rec, found := s.state.live(model.TypeTemplate, id)
	if !found {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	clone, _ := model.Clone(rec.entity)
	tpl := clone.(*model.MaintenanceTemplate)
	tpl.IntervalDays = change.IntervalDays
	tpl.IntervalHours = change.IntervalHours
	if change.NextDueAt != nil {
		tpl.NextDueAt = change.NextDueAt
	}
	stored := s.state.put(tpl)
	s.mu.Unlock()

	s.hub.publish(model.TypeTemplate, "updated", stored)
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var upload remote.TrackUpload
	if err := json.NewDecoder(r.Body).Decode(&upload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tripID := chi.URLParam(r, "id")

	s.mu.Lock()
	if _, found := s.state.live(model.TypeTrip, tripID); !found {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	points, ok := s.state.tracks[tripID]
	if !ok {
		points = make(map[int]model.GPSPoint)
		s.state.tracks[tripID] = points
	}
	for _, p := range upload.Points {
		p.TripID = tripID
		points[p.Seq] = p
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, nil)
}

func blobKey(r *http.Request) string {
	key := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(key); err == nil {
		return unescaped
	}
	return key
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.state.blobs[blobKey(r)] = data
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	key := blobKey(r)
	s.mu.Lock()
	_, found := s.state.blobs[key]
	delete(s.state.blobs, key)
	s.mu.Unlock()
	if !found {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
