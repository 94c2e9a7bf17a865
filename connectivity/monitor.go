// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package connectivity tracks whether the server is reachable and whether the
// current network is unmetered.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the current network state
type State struct {
	Online    bool
	Unmetered bool
}

// Monitor holds the latest State and fans changes out to subscribers
type Monitor struct {
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	subs   map[int]chan State
	nextID int
}

func NewMonitor(initial State, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger, state: initial, subs: make(map[int]chan State)}
}

func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the server was reachable at the last check
func (m *Monitor) Online() bool { return m.Current().Online }

// Set records a new state and notifies subscribers when it changed. It
// reports whether the state changed.
func (m *Monitor) Set(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == m.state {
		return false
	}
	prev := m.state
	m.state = s
	m.logger.Info("Connectivity changed", "online", s.Online, "unmetered", s.Unmetered, "was_online", prev.Online)
	for _, ch := range m.subs {
		// Subscribers only care about the latest state
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return true
}

// SetOnline changes only the online flag
func (m *Monitor) SetOnline(online bool) bool {
	s := m.Current()
	s.Online = online
	return m.Set(s)
}

// Subscribe returns a channel receiving state changes. Slow readers only see
// the most recent state. The returned function ends the subscription.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Prober checks whether the server can be reached
type Prober func(ctx context.Context) error

// HTTPProber probes url with a GET; any response below 500 counts as reachable
func HTTPProber(client *http.Client, url string) Prober {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	}
}

// Watch probes every interval until ctx is done, updating the online flag
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, probe Prober) error {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(pctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Debug("Server not reachable", "error", err)
		}
		if ctx.Err() == nil {
			m.SetOnline(err == nil)
		}
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}
