// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-boatsync/model"
)

// LastPull returns the server timestamp of the newest item pulled for t
func (s *Store) LastPull(ctx context.Context, t model.EntityType) (model.Timestamp, error) {
	var ms int64
	err := s.DB.QueryRowContext(ctx, `SELECT last_pull_at FROM _sync_state WHERE entity_type = ?`, t).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Timestamp{}, nil
	}
	if err != nil {
		return model.Timestamp{}, fmt.Errorf("failed to read pull cursor for %s: %w", t, err)
	}
	return model.FromMillis(ms), nil
}

// SetLastPull persists the pull cursor; it never moves backwards
func (s *Store) SetLastPull(ctx context.Context, t model.EntityType, ts model.Timestamp) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _sync_state (entity_type, last_pull_at) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET last_pull_at = MAX(last_pull_at, excluded.last_pull_at)
	`, t, ts.Millis())
	if err != nil {
		return fmt.Errorf("failed to store pull cursor for %s: %w", t, err)
	}
	return nil
}

// ResetPulls forgets every pull cursor so the next pull is a full one
func (s *Store) ResetPulls(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM _sync_state`); err != nil {
		return fmt.Errorf("failed to reset pull cursors: %w", err)
	}
	return nil
}

// Setting returns a stored value and whether it exists
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM _settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores a value
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes a value; deleting a missing key is not an error
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM _settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
