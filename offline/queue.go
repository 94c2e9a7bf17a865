// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offline implements the durable queue of pending mutations that could
// not be delivered to the server immediately.
package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-boatsync/model"
)

// Change is one queued mutation
type Change struct {
	ID           string
	EntityType   model.EntityType
	EntityID     string
	ChangeType   ChangeType
	Payload      Payload
	CreatedAt    time.Time
	SyncAttempts int
	LastError    string
	SyncedAt     *time.Time
}

// Config holds queue limits
type Config struct {
	MaxAttempts int           // attempts after which a change is considered failed
	Retention   time.Duration // how long delivered changes are kept
}

// DefaultConfig returns the default queue limits
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		Retention:   7 * 24 * time.Hour,
	}
}

// Queue persists changes in the local SQLite database
type Queue struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
	now    func() time.Time
}

// Stats summarizes the queue content
type Stats struct {
	Pending int
	Failed  int
	Synced  int
}

// NewQueue creates the queue table if needed
func NewQueue(db *sql.DB, config *Config, logger *slog.Logger) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _offline_changes (
			id            TEXT PRIMARY KEY,
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			change_type   TEXT NOT NULL CHECK (change_type IN ('create','update','information_change','schedule_change','delete')),
			payload       TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT NOT NULL DEFAULT '',
			synced_at     INTEGER
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline change table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_offline_changes_entity ON _offline_changes(entity_type, entity_id, synced_at)`); err != nil {
		return nil, fmt.Errorf("failed to create offline change index: %w", err)
	}
	return &Queue{db: db, config: config, logger: logger, now: time.Now}, nil
}

// MaxAttempts returns the configured attempt cap
func (q *Queue) MaxAttempts() int { return q.config.MaxAttempts }

// Enqueue records a mutation. Pending changes for the same entity are collapsed:
//   - a delete after a not yet delivered create removes both (nothing is sent),
//   - a delete supersedes pending updates, field and schedule changes,
//   - updates, field and schedule changes fold into a pending create,
//   - a change of the same type as a pending one replaces its payload.
//
// It returns the stored change, or nil when the mutation collapsed to a no-op.
func (q *Queue) Enqueue(ctx context.Context, t model.EntityType, entityID string, p Payload) (*Change, error) {
	encoded, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	ct := p.ChangeType()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pending, err := pendingTypes(ctx, tx, t, entityID)
	if err != nil {
		return nil, err
	}

	var stored *Change
	switch ct {
	case ChangeDelete:
		if _, ok := pending[ChangeCreate]; ok {
			// Never created remotely: drop everything, nothing to send
			if err := deletePending(ctx, tx, t, entityID); err != nil {
				return nil, err
			}
			q.logger.Debug("Collapsed create+delete to no-op", "entity_type", t, "entity_id", entityID)
			return nil, tx.Commit()
		}
		if err := deletePending(ctx, tx, t, entityID); err != nil {
			return nil, err
		}
		stored, err = q.insert(ctx, tx, t, entityID, ct, encoded)

	case ChangeUpdate, ChangeInformation, ChangeSchedule:
		if createID, ok := pending[ChangeCreate]; ok {
			// The create uploads the current local state, so it covers this change too
			if ct == ChangeUpdate {
				if err := updatePayload(ctx, tx, createID, encoded); err != nil {
					return nil, err
				}
			}
			stored, err = loadChange(ctx, tx, createID)
			break
		}
		if id, ok := pending[ct]; ok {
			if ct == ChangeInformation {
				encoded, err = mergeFields(ctx, tx, id, infoFields(p))
				if err != nil {
					return nil, err
				}
			}
			if err := updatePayload(ctx, tx, id, encoded); err != nil {
				return nil, err
			}
			stored, err = loadChange(ctx, tx, id)
			break
		}
		stored, err = q.insert(ctx, tx, t, entityID, ct, encoded)

	case ChangeCreate:
		if id, ok := pending[ChangeCreate]; ok {
			if err := updatePayload(ctx, tx, id, encoded); err != nil {
				return nil, err
			}
			stored, err = loadChange(ctx, tx, id)
			break
		}
		stored, err = q.insert(ctx, tx, t, entityID, ct, encoded)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChangeType, ct)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return stored, nil
}

func (q *Queue) insert(ctx context.Context, tx *sql.Tx, t model.EntityType, entityID string, ct ChangeType, payload string) (*Change, error) {
	id := uuid.NewString()
	now := q.now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _offline_changes (id, entity_type, entity_id, change_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, t, entityID, ct, payload, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s of %s %s: %w", ct, t, entityID, err)
	}
	return loadChange(ctx, tx, id)
}

// pendingTypes maps each undelivered change type of an entity to its change ID
func pendingTypes(ctx context.Context, tx *sql.Tx, t model.EntityType, entityID string) (map[ChangeType]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, change_type FROM _offline_changes
		WHERE entity_type = ? AND entity_id = ? AND synced_at IS NULL
		ORDER BY created_at
	`, t, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	out := make(map[ChangeType]string)
	for rows.Next() {
		var id string
		var ct ChangeType
		if err := rows.Scan(&id, &ct); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		out[ct] = id
	}
	return out, rows.Err()
}

func deletePending(ctx context.Context, tx *sql.Tx, t model.EntityType, entityID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM _offline_changes WHERE entity_type = ? AND entity_id = ? AND synced_at IS NULL
	`, t, entityID)
	if err != nil {
		return fmt.Errorf("failed to drop pending changes of %s %s: %w", t, entityID, err)
	}
	return nil
}

func updatePayload(ctx context.Context, tx *sql.Tx, id, payload string) error {
	// A fresh payload deserves a fresh set of attempts
	_, err := tx.ExecContext(ctx, `
		UPDATE _offline_changes SET payload = ?, sync_attempts = 0, last_error = '' WHERE id = ?
	`, payload, id)
	if err != nil {
		return fmt.Errorf("failed to replace payload of change %s: %w", id, err)
	}
	return nil
}

func infoFields(p Payload) map[string]any {
	switch v := p.(type) {
	case InformationChangePayload:
		return v.Fields
	case *InformationChangePayload:
		return v.Fields
	}
	return nil
}

func mergeFields(ctx context.Context, tx *sql.Tx, id string, next map[string]any) (string, error) {
	existing, err := loadChange(ctx, tx, id)
	if err != nil {
		return "", err
	}
	merged := InformationChangePayload{Fields: map[string]any{}}
	if prev, ok := existing.Payload.(InformationChangePayload); ok {
		for k, v := range prev.Fields {
			merged.Fields[k] = v
		}
	}
	for k, v := range next {
		merged.Fields[k] = v
	}
	return EncodePayload(merged)
}

const selectChange = `SELECT id, entity_type, entity_id, change_type, payload, created_at, sync_attempts, last_error, synced_at FROM _offline_changes`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (*Change, error) {
	var (
		c         Change
		payload   string
		createdAt int64
		syncedAt  sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.ChangeType, &payload, &createdAt, &c.SyncAttempts, &c.LastError, &syncedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	if syncedAt.Valid {
		ts := time.UnixMilli(syncedAt.Int64)
		c.SyncedAt = &ts
	}
	p, err := DecodePayload(c.ChangeType, payload)
	if err != nil {
		// Keep the record visible; delivery will fail and count attempts
		return &c, err
	}
	c.Payload = p
	return &c, nil
}

func loadChange(ctx context.Context, q queryer, id string) (*Change, error) {
	c, err := scanChange(q.QueryRowContext(ctx, selectChange+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offline change %s not found", id)
	}
	if err != nil && c == nil {
		return nil, fmt.Errorf("failed to load offline change %s: %w", id, err)
	}
	return c, nil
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]Change, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if c == nil {
			return nil, fmt.Errorf("failed to scan offline change: %w", err)
		}
		if err != nil {
			q.logger.Warn("Offline change has an unreadable payload", "change_id", c.ID, "error", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Get loads a change by ID
func (q *Queue) Get(ctx context.Context, id string) (*Change, error) {
	return loadChange(ctx, q.db, id)
}

// Pending returns undelivered changes that have attempts left, oldest first.
// A limit <= 0 returns all of them.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = -1
	}
	return q.query(ctx, selectChange+`
		WHERE synced_at IS NULL AND sync_attempts < ?
		ORDER BY created_at, rowid LIMIT ?`, q.config.MaxAttempts, limit)
}

// PendingOf returns the deliverable changes of the given entity types, oldest first
func (q *Queue) PendingOf(ctx context.Context, types ...model.EntityType) ([]Change, error) {
	if len(types) == 0 {
		return q.Pending(ctx, 0)
	}
	query := selectChange + ` WHERE synced_at IS NULL AND sync_attempts < ? AND entity_type IN (?` + strings.Repeat(",?", len(types)-1) + `) ORDER BY created_at, rowid`
	args := []any{q.config.MaxAttempts}
	for _, t := range types {
		args = append(args, t)
	}
	return q.query(ctx, query, args...)
}

// Failed returns undelivered changes that reached the attempt cap
func (q *Queue) Failed(ctx context.Context) ([]Change, error) {
	return q.query(ctx, selectChange+`
		WHERE synced_at IS NULL AND sync_attempts >= ?
		ORDER BY created_at, rowid`, q.config.MaxAttempts)
}

// ForEntity returns the undelivered changes of one entity
func (q *Queue) ForEntity(ctx context.Context, t model.EntityType, entityID string) ([]Change, error) {
	return q.query(ctx, selectChange+`
		WHERE entity_type = ? AND entity_id = ? AND synced_at IS NULL
		ORDER BY created_at, rowid`, t, entityID)
}

// HasPendingDelete reports whether a delete of the entity is waiting for delivery
func (q *Queue) HasPendingDelete(ctx context.Context, t model.EntityType, entityID string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _offline_changes
		WHERE entity_type = ? AND entity_id = ? AND change_type = 'delete' AND synced_at IS NULL)
	`, t, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending delete: %w", err)
	}
	return exists, nil
}

// MarkSynced records the successful delivery of a change
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE _offline_changes SET synced_at = ?, last_error = '' WHERE id = ?`, q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark change %s synced: %w", id, err)
	}
	return nil
}

// MarkEntityDelivered marks the pending create, update and field changes of an
// entity as delivered. Handlers call it after uploading the entity's full
// current state, which covers all of them.
func (q *Queue) MarkEntityDelivered(ctx context.Context, t model.EntityType, entityID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE _offline_changes SET synced_at = ?, last_error = ''
		WHERE entity_type = ? AND entity_id = ? AND change_type IN ('create','update','information_change') AND synced_at IS NULL
	`, q.now().UnixMilli(), t, entityID)
	if err != nil {
		return fmt.Errorf("failed to mark changes of %s %s delivered: %w", t, entityID, err)
	}
	return nil
}

// RecordFailure increments the attempt counter and stores the error message
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE _offline_changes SET sync_attempts = sync_attempts + 1, last_error = ? WHERE id = ?
	`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to record failure of change %s: %w", id, err)
	}
	return nil
}

// Retry resets the attempts of a failed change so the next drain picks it up again
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE _offline_changes SET sync_attempts = 0, last_error = '' WHERE id = ? AND synced_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset change %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("offline change %s not found or already delivered", id)
	}
	return nil
}

// Cleanup deletes delivered changes older than the retention window
func (q *Queue) Cleanup(ctx context.Context) (int64, error) {
	cutoff := q.now().Add(-q.config.Retention).UnixMilli()
	res, err := q.db.ExecContext(ctx, `DELETE FROM _offline_changes WHERE synced_at IS NOT NULL AND synced_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up offline changes: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("Cleaned up delivered offline changes", "count", n)
	}
	return n, nil
}

// Clear drops every queued change
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM _offline_changes`); err != nil {
		return fmt.Errorf("failed to clear offline changes: %w", err)
	}
	return nil
}

// Stats counts pending, failed and delivered changes
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN synced_at IS NULL AND sync_attempts < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced_at IS NULL AND sync_attempts >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM _offline_changes
	`, q.config.MaxAttempts, q.config.MaxAttempts).Scan(&s.Pending, &s.Failed, &s.Synced)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to compute queue stats: %w", err)
	}
	return s, nil
}
