// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-boatsync/model"
)

// ReplaceID renames a locally created entity to its server-assigned ID.
//
// The rewrite runs in one transaction and cascades to every entity that
// references the old ID, to GPS points of a trip and to queued offline changes,
// so no foreign key is left dangling.
func (s *Store) ReplaceID(ctx context.Context, t model.EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Refuse to clobber an existing entity with the new ID
	if _, err := s.get(ctx, tx, t, newID); err == nil {
		return fmt.Errorf("cannot rename %s %s: %s already exists", t, oldID, newID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE entities SET id = ? WHERE entity_type = ? AND id = ?`, newID, t, oldID)
	if err != nil {
		return fmt.Errorf("failed to rename %s %s: %w", t, oldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", t, oldID, ErrNotFound)
	}

	// Keep the id inside the JSON payload aligned with the column
	renamed, err := s.get(ctx, tx, t, newID)
	if err != nil {
		return err
	}
	if err := s.put(ctx, tx, renamed); err != nil {
		return err
	}

	rewritten := 0
	for _, refType := range model.ReferencingTypes(t) {
		// Collect first: rows must be closed before writing on the same connection
		candidates, err := s.list(ctx, tx, refType, selectEntity+` WHERE entity_type = ? AND payload LIKE ?`, refType, "%"+oldID+"%")
		if err != nil {
			return err
		}
		for _, e := range candidates {
			r, ok := e.(model.Referencer)
			if !ok || !r.RewriteReference(t, oldID, newID) {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode %s %s: %w", refType, e.Base().ID, err)
			}
			// A row the server already holds carries the old reference there and
			// must be uploaded again
			if _, err := tx.ExecContext(ctx, `
				UPDATE entities SET payload = ?, synced = CASE WHEN acked = 1 THEN 0 ELSE synced END
				WHERE entity_type = ? AND id = ?`,
				string(payload), refType, e.Base().ID); err != nil {
				return fmt.Errorf("failed to rewrite reference in %s %s: %w", refType, e.Base().ID, err)
			}
			rewritten++
		}
	}

	if t == model.TypeTrip {
		if _, err := tx.ExecContext(ctx, `UPDATE gps_points SET trip_id = ? WHERE trip_id = ?`, newID, oldID); err != nil {
			return fmt.Errorf("failed to rewrite track of trip %s: %w", oldID, err)
		}
	}

	// The offline queue lives in the same database; its table may not exist yet
	var queueExists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = '_offline_changes')`).Scan(&queueExists); err != nil {
		return fmt.Errorf("failed to check offline queue table: %w", err)
	}
	if queueExists {
		if _, err := tx.ExecContext(ctx, `UPDATE _offline_changes SET entity_id = ? WHERE entity_type = ? AND entity_id = ?`,
			newID, t, oldID); err != nil {
			return fmt.Errorf("failed to rewrite queued changes of %s %s: %w", t, oldID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit id rewrite: %w", err)
	}

	s.logger.Debug("Reconciled local id with server id",
		"entity_type", t, "old_id", oldID, "new_id", newID, "references_rewritten", rewritten)
	return nil
}
