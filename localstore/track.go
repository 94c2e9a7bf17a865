// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-boatsync/model"
)

// AddTrackPoints appends (or replaces by sequence number) GPS points of a trip
func (s *Store) AddTrackPoints(ctx context.Context, points ...model.GPSPoint) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO gps_points (trip_id, seq, latitude, longitude, recorded_at)
			VALUES (?, ?, ?, ?, ?)
		`, p.TripID, p.Seq, p.Latitude, p.Longitude, p.RecordedAt.Millis()); err != nil {
			return fmt.Errorf("failed to store gps point %s/%d: %w", p.TripID, p.Seq, err)
		}
	}
	return tx.Commit()
}

// TrackPoints returns the GPS track of a trip ordered by sequence number
func (s *Store) TrackPoints(ctx context.Context, tripID string) ([]model.GPSPoint, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT trip_id, seq, latitude, longitude, recorded_at
		FROM gps_points WHERE trip_id = ? ORDER BY seq
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to query track of trip %s: %w", tripID, err)
	}
	defer rows.Close()

	var points []model.GPSPoint
	for rows.Next() {
		var p model.GPSPoint
		var recordedAt int64
		if err := rows.Scan(&p.TripID, &p.Seq, &p.Latitude, &p.Longitude, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gps point: %w", err)
		}
		p.RecordedAt = model.FromMillis(recordedAt)
		points = append(points, p)
	}
	return points, rows.Err()
}
