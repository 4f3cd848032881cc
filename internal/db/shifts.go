package db

import (
	"context"
	"fmt"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

// RecordShift stores a completed shift. Recording the same shift twice
// keeps the later summary.
func (db *DB) RecordShift(ctx context.Context, s tracking.ShiftSummary) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO shifts (
			shift_id, driver_id, started_at, ended_at, distance_km,
			top_speed_kmh, avg_speed_kmh, duration_minutes, violation_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ShiftID, s.DriverID, s.StartedAt.UnixMilli(), s.EndedAt.UnixMilli(), s.DistanceKm,
		s.TopSpeedKmh, s.AvgSpeedKmh, s.DurationMinutes, s.ViolationCount,
	)
	if err != nil {
		return fmt.Errorf("failed to record shift %s: %w", s.ShiftID, err)
	}
	return nil
}

// ListShifts returns up to limit of the driver's completed shifts, newest
// first.
func (db *DB) ListShifts(ctx context.Context, driverID string, limit int) ([]tracking.ShiftSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT shift_id, driver_id, started_at, ended_at, distance_km,
			top_speed_kmh, avg_speed_kmh, duration_minutes, violation_count
		FROM shifts WHERE driver_id = ?
		ORDER BY started_at DESC LIMIT ?`, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list shifts: %w", err)
	}
	defer rows.Close()

	var out []tracking.ShiftSummary
	for rows.Next() {
		var (
			s              tracking.ShiftSummary
			started, ended int64
		)
		if err := rows.Scan(&s.ShiftID, &s.DriverID, &started, &ended, &s.DistanceKm,
			&s.TopSpeedKmh, &s.AvgSpeedKmh, &s.DurationMinutes, &s.ViolationCount); err != nil {
			return nil, err
		}
		s.StartedAt = time.UnixMilli(started)
		s.EndedAt = time.UnixMilli(ended)
		out = append(out, s)
	}
	return out, rows.Err()
}
