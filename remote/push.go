// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// PushConfig controls reconnects of the push stream
type PushConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPushConfig returns 1s initial backoff doubling up to 60s
func DefaultPushConfig() *PushConfig {
	return &PushConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// PushStream keeps a WebSocket connection to the server event endpoint open
// and reconnects with exponential backoff.
type PushStream struct {
	URL    string
	Token  TokenFunc
	config *PushConfig
	logger *slog.Logger
}

// NewPushStream creates a stream for the server at baseURL (http or https)
func NewPushStream(baseURL string, tok TokenFunc, config *PushConfig, logger *slog.Logger) *PushStream {
	if config == nil {
		config = DefaultPushConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := strings.TrimRight(baseURL, "/") + APIPrefix + "/events"
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return &PushStream{URL: u, Token: tok, config: config, logger: logger}
}

func (p *PushStream) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects and delivers every event to handle until ctx is cancelled or
// the server rejects the credentials, in which case ErrUnauthorized is
// returned and no reconnect is attempted.
func (p *PushStream) Run(ctx context.Context, handle func(PushEvent)) error {
	b := p.newBackOff()
	for {
		connected, err := p.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			p.logger.Warn("Push stream rejected credentials, not reconnecting")
			return err
		}
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		p.logger.Debug("Push stream disconnected", "error", err, "retry_in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the handshake succeeded.
func (p *PushStream) session(ctx context.Context, handle func(PushEvent)) (connected bool, err error) {
	header := http.Header{}
	if p.Token != nil {
		token, err := p.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to get JWT token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, p.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("failed to dial push stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	p.logger.Info("Push stream connected", "url", p.URL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var ev PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			p.logger.Warn("Ignoring malformed push event", "error", err)
			continue
		}
		handle(ev)
	}
}
