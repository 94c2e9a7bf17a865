// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote is the HTTP/JSON client of the sync server: per-entity REST
// calls, the photo blob store and the server push stream.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mobiletoly/go-boatsync/model"
)

// TokenFunc returns the bearer token for the next request
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to the sync server REST API
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   TokenFunc
	logger  *slog.Logger
}

// NewClient creates a client. A nil token func sends unauthenticated requests.
func NewClient(baseURL string, tok TokenFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   tok,
		logger:  logger,
	}
}

func (c *Client) collectionURL(t model.EntityType) string {
	return c.BaseURL + APIPrefix + "/" + t.Collection()
}

func (c *Client) entityURL(t model.EntityType, id string) string {
	return c.collectionURL(t) + "/" + url.PathEscape(id)
}

// Create submits a locally created entity. The returned entity carries the
// server-assigned ID, which may differ from the local one.
func (c *Client) Create(ctx context.Context, e model.Entity) (*Result, error) {
	env, err := c.doJSON(ctx, http.MethodPost, c.collectionURL(e.Type()), e, e.Type(), e.Base().ID)
	if err != nil {
		return nil, err
	}
	return decodeResult(e.Type(), env)
}

// Update submits a modified entity. With force the server overwrites its copy
// even if it is newer.
func (c *Client) Update(ctx context.Context, e model.Entity, force bool) (*Result, error) {
	u := c.entityURL(e.Type(), e.Base().ID)
	if force {
		u += "?force=true"
	}
	env, err := c.doJSON(ctx, http.MethodPut, u, e, e.Type(), e.Base().ID)
	if err != nil {
		return nil, err
	}
	return decodeResult(e.Type(), env)
}

// Get fetches one entity
func (c *Client) Get(ctx context.Context, t model.EntityType, id string) (*Result, error) {
	env, err := c.doJSON(ctx, http.MethodGet, c.entityURL(t, id), nil, t, id)
	if err != nil {
		return nil, err
	}
	return decodeResult(t, env)
}

// List fetches all entities of a type, or only those changed after since when
// it is non-zero. Incremental lists include tombstones (Deleted set).
func (c *Client) List(ctx context.Context, t model.EntityType, since model.Timestamp) (*ListResult, error) {
	u := c.collectionURL(t)
	if !since.IsZero() {
		u += "?since=" + url.QueryEscape(since.String())
	}
	env, err := c.doJSON(ctx, http.MethodGet, u, nil, t, "")
	if err != nil {
		return nil, err
	}
	return decodeList(t, env)
}

// Delete removes an entity on the server
func (c *Client) Delete(ctx context.Context, t model.EntityType, id string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, c.entityURL(t, id), nil, t, id)
	return err
}

// FindBoatByName looks up a boat by its natural key. It returns ErrNotFound
// when the server has no boat with that name.
func (c *Client) FindBoatByName(ctx context.Context, name string) (*model.Boat, error) {
	u := c.collectionURL(model.TypeBoat) + "?name=" + url.QueryEscape(name)
	env, err := c.doJSON(ctx, http.MethodGet, u, nil, model.TypeBoat, "")
	if err != nil {
		return nil, err
	}
	list, err := decodeList(model.TypeBoat, env)
	if err != nil {
		return nil, err
	}
	for _, item := range list.Items {
		if b, ok := item.(*model.Boat); ok && !b.Deleted && strings.EqualFold(b.Name, name) {
			return b, nil
		}
	}
	return nil, ErrNotFound
}

// ApplyInformationChange applies a field-level change
func (c *Client) ApplyInformationChange(ctx context.Context, t model.EntityType, id string, change InformationChange) (*Result, error) {
	env, err := c.doJSON(ctx, http.MethodPatch, c.entityURL(t, id), change, t, id)
	if err != nil {
		return nil, err
	}
	return decodeResult(t, env)
}

// ApplyScheduleChange changes the recurrence of a maintenance template
func (c *Client) ApplyScheduleChange(ctx context.Context, templateID string, change ScheduleChange) (*Result, error) {
	u := c.entityURL(model.TypeTemplate, templateID) + "/schedule"
	env, err := c.doJSON(ctx, http.MethodPost, u, change, model.TypeTemplate, templateID)
	if err != nil {
		return nil, err
	}
	return decodeResult(model.TypeTemplate, env)
}

// AppendTrack uploads GPS points of a trip. Points already known to the
// server (same trip and sequence) are ignored by it.
func (c *Client) AppendTrack(ctx context.Context, tripID string, points []model.GPSPoint) error {
	u := c.entityURL(model.TypeTrip, tripID) + "/track"
	_, err := c.doJSON(ctx, http.MethodPost, u, TrackUpload{Points: points}, model.TypeTrip, tripID)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, u string, body any, t model.EntityType, id string) (*Envelope, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", t, id, ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return nil, decodeConflict(t, id, data)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var env Envelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if !env.Success {
			return nil, fmt.Errorf("server reported failure: %s", env.Error)
		}
	}
	return &env, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.Token == nil {
		return nil
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func decodeResult(t model.EntityType, env *Envelope) (*Result, error) {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &Result{ServerTimestamp: env.ServerTimestamp}, nil
	}
	e, err := model.Decode(t, env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", t, err)
	}
	return &Result{Entity: e, ServerTimestamp: env.ServerTimestamp}, nil
}

func decodeList(t model.EntityType, env *Envelope) (*ListResult, error) {
	var raw []json.RawMessage
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode %s list: %w", t, err)
		}
	}
	out := &ListResult{Items: make([]model.Entity, 0, len(raw)), ServerTimestamp: env.ServerTimestamp}
	for _, item := range raw {
		e, err := model.Decode(t, item)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", t, err)
		}
		out.Items = append(out.Items, e)
	}
	return out, nil
}

func decodeConflict(t model.EntityType, id string, data []byte) error {
	ce := &ConflictError{EntityType: t, EntityID: id}
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil {
		ce.ServerTimestamp = env.ServerTimestamp
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if e, err := model.Decode(t, env.Data); err == nil {
				ce.Server = e
			}
		}
	}
	return ce
}
