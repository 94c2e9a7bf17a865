// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore provides the on-device SQLite store for synchronized
// entities. Every entity type is kept in a single table as JSON next to its
// sync bookkeeping columns (updated_at, synced, acked).
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-boatsync/model"
)

// ErrNotFound is returned when an entity does not exist locally
var ErrNotFound = errors.New("entity not found")

// Store is the local source of truth for the current entity state
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initializes the schema.
// The pool is limited to a single connection so single-row writes are serialized
// and in-memory databases behave like files.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and creates the tables if needed
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{DB: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.DB.Close()
}

func initializeDatabase(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			entity_type  TEXT NOT NULL,
			id           TEXT NOT NULL,
			payload      TEXT NOT NULL,          -- JSON of the domain fields
			local_state  TEXT NOT NULL DEFAULT '', -- device-only state (e.g. photo file path)
			updated_at   INTEGER NOT NULL,       -- unix millis of the last edit
			synced       INTEGER NOT NULL DEFAULT 0,
			acked        INTEGER NOT NULL DEFAULT 0, -- server knows this entity
			PRIMARY KEY (entity_type, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_unsynced ON entities(entity_type, synced)`,

		`CREATE TABLE IF NOT EXISTS gps_points (
			trip_id      TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			latitude     REAL NOT NULL,
			longitude    REAL NOT NULL,
			recorded_at  INTEGER NOT NULL,
			PRIMARY KEY (trip_id, seq)
		)`,

		// Incremental pull cursor per entity type (server timestamp, unix millis)
		`CREATE TABLE IF NOT EXISTS _sync_state (
			entity_type  TEXT PRIMARY KEY,
			last_pull_at INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS _settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectEntity = `SELECT id, payload, local_state, updated_at, synced, acked FROM entities`

// List returns every entity of the given type
func (s *Store) List(ctx context.Context, t model.EntityType) ([]model.Entity, error) {
	return s.list(ctx, s.DB, t, selectEntity+` WHERE entity_type = ? ORDER BY updated_at, id`, t)
}

// ListUnsynced returns entities of the given type that still have local changes
func (s *Store) ListUnsynced(ctx context.Context, t model.EntityType) ([]model.Entity, error) {
	return s.list(ctx, s.DB, t, selectEntity+` WHERE entity_type = ? AND synced = 0 ORDER BY updated_at, id`, t)
}

func (s *Store) list(ctx context.Context, q queryer, t model.EntityType, query string, args ...any) ([]model.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t, err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows, t)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", t, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner, t model.EntityType) (model.Entity, error) {
	var (
		id, payload, localState string
		updatedAt               int64
		synced, acked           bool
	)
	if err := row.Scan(&id, &payload, &localState, &updatedAt, &synced, &acked); err != nil {
		return nil, err
	}
	e, err := model.Decode(t, []byte(payload))
	if err != nil {
		return nil, err
	}
	meta := e.Base()
	meta.ID = id
	meta.UpdatedAt = model.FromMillis(updatedAt)
	meta.Synced = synced
	meta.Acked = acked
	if ls, ok := e.(model.LocalStater); ok {
		ls.SetLocalState(localState)
	}
	return e, nil
}

// Get loads one entity, returning ErrNotFound when it does not exist
func (s *Store) Get(ctx context.Context, t model.EntityType, id string) (model.Entity, error) {
	return s.get(ctx, s.DB, t, id)
}

func (s *Store) get(ctx context.Context, q queryer, t model.EntityType, id string) (model.Entity, error) {
	row := q.QueryRowContext(ctx, selectEntity+` WHERE entity_type = ? AND id = ?`, t, id)
	e, err := scanEntity(row, t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", t, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", t, id, err)
	}
	return e, nil
}

// Put inserts or replaces an entity. The Synced and Acked flags of e are stored as-is.
func (s *Store) Put(ctx context.Context, e model.Entity) error {
	return s.put(ctx, s.DB, e)
}

func (s *Store) put(ctx context.Context, q queryer, e model.Entity) error {
	meta := e.Base()
	if meta.ID == "" {
		return fmt.Errorf("cannot store %s without id", e.Type())
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", e.Type(), meta.ID, err)
	}
	localState := ""
	if ls, ok := e.(model.LocalStater); ok {
		localState = ls.LocalState()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (entity_type, id, payload, local_state, updated_at, synced, acked)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			local_state = excluded.local_state,
			updated_at = excluded.updated_at,
			synced = excluded.synced,
			acked = excluded.acked
	`, e.Type(), meta.ID, string(payload), localState, meta.UpdatedAt.Millis(), meta.Synced, meta.Acked)
	if err != nil {
		return fmt.Errorf("failed to store %s %s: %w", e.Type(), meta.ID, err)
	}
	return nil
}

// Delete removes an entity (and the GPS track of a trip). Deleting a missing entity is not an error.
func (s *Store) Delete(ctx context.Context, t model.EntityType, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND id = ?`, t, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, id, err)
	}
	if t == model.TypeTrip {
		if _, err := tx.ExecContext(ctx, `DELETE FROM gps_points WHERE trip_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete track of trip %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// MarkSynced flags an entity as synced and known to the server, adopting the
// server timestamp. The flag is only set when the row still carries the
// uploaded updated_at, so an edit made during the round trip stays pending.
// It reports whether the row was updated.
func (s *Store) MarkSynced(ctx context.Context, t model.EntityType, id string, uploaded, server model.Timestamp) (bool, error) {
	ts := server
	if ts.IsZero() {
		ts = uploaded
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entities SET synced = 1, acked = 1, updated_at = ?
		WHERE entity_type = ? AND id = ? AND updated_at = ?
	`, ts.Millis(), t, id, uploaded.Millis())
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s synced: %w", t, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// MarkAcked records that the server knows the entity, without touching the
// synced flag. Later uploads of it are updates, never creates.
func (s *Store) MarkAcked(ctx context.Context, t model.EntityType, id string) error {
	if _, err := s.DB.ExecContext(ctx, `UPDATE entities SET acked = 1 WHERE entity_type = ? AND id = ?`, t, id); err != nil {
		return fmt.Errorf("failed to mark %s %s acknowledged: %w", t, id, err)
	}
	return nil
}

// Count returns the number of stored entities of a type
func (s *Store) Count(ctx context.Context, t model.EntityType) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE entity_type = ?`, t).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t, err)
	}
	return n, nil
}
