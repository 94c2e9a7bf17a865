// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Notifier raises a user-facing notification for a background-resolved conflict
type Notifier interface {
	NotifyConflict(ctx context.Context, r Record)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, r Record)

func (f NotifierFunc) NotifyConflict(ctx context.Context, r Record) { f(ctx, r) }

const recentCapacity = 100

// AuditLog writes one JSON line per resolved conflict and keeps the most
// recent records in memory for inspection.
type AuditLog struct {
	logger   *slog.Logger
	notifier Notifier

	mu     sync.Mutex
	recent []Record
}

// NewAuditLog writes records to w (typically a rotating file). A nil writer
// discards the lines but still keeps recent records.
func NewAuditLog(w io.Writer, notifier Notifier) *AuditLog {
	if w == nil {
		w = io.Discard
	}
	return &AuditLog{
		logger:   slog.New(slog.NewJSONHandler(w, nil)),
		notifier: notifier,
	}
}

// Log records a resolved conflict
func (a *AuditLog) Log(ctx context.Context, r Record) {
	if a == nil {
		return
	}
	a.logger.LogAttrs(ctx, slog.LevelInfo, "conflict resolved",
		slog.String("entity_type", string(r.EntityType)),
		slog.String("entity_id", r.EntityID),
		slog.String("conflict_type", string(r.Kind)),
		slog.String("local_timestamp", r.LocalTimestamp.String()),
		slog.String("server_timestamp", r.ServerTimestamp.String()),
		slog.String("resolution", string(r.Resolution)),
		slog.String("overwritten", r.Overwritten),
	)

	a.mu.Lock()
	a.recent = append(a.recent, r)
	if len(a.recent) > recentCapacity {
		a.recent = a.recent[len(a.recent)-recentCapacity:]
	}
	a.mu.Unlock()

	if a.notifier != nil {
		a.notifier.NotifyConflict(ctx, r)
	}
}

// Recent returns a copy of the most recently logged records, oldest first
func (a *AuditLog) Recent() []Record {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.recent))
	copy(out, a.recent)
	return out
}
