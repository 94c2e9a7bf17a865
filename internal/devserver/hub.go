// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/remote"
)

// hub fans out push events to connected WebSocket clients
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{clients: make(map[*websocket.Conn]bool), logger: logger}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to accept push client", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	welcome, _ := json.Marshal(remote.PushEvent{Type: remote.PushTypeConnected})
	_ = conn.Write(r.Context(), websocket.MessageText, welcome)

	// Clients never send anything; reading detects the close
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}
	h.remove(conn)
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[conn] {
		delete(h.clients, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *hub) publish(t model.EntityType, action string, e model.Entity) {
	ts := e.Base().UpdatedAt
	h.broadcast(remote.PushEvent{Type: string(t), Action: action, EntityID: e.Base().ID, Timestamp: &ts})
}

func (h *hub) publishID(t model.EntityType, action, id string) {
	h.broadcast(remote.PushEvent{Type: string(t), Action: action, EntityID: id})
}

func (h *hub) broadcast(ev remote.PushEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			h.logger.Debug("Dropping push client", "error", err)
			h.remove(c)
		}
		cancel()
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, c)
	}
}
