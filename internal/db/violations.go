package db

import (
	"context"
	"fmt"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

// AppendViolation stores a violation record. Records are append-only apart
// from the confirmed flag.
func (db *DB) AppendViolation(ctx context.Context, driverID string, v tracking.Violation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO violations (
			violation_id, driver_id, kind, message, confirmed, issued_at, lat, lng,
			speed_kmh, top_speed_kmh, avg_speed_kmh, distance_km, duration_minutes,
			zone_id, zone_category, zone_speed_limit, global_default_limit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, driverID, v.Kind, v.Message, v.Confirmed, v.IssuedAt.UnixMilli(),
		v.DriverLocation.Lat, v.DriverLocation.Lng,
		v.SpeedKmh, v.TopSpeedKmh, v.AvgSpeedKmh, v.DistanceKm, v.DurationMinutes,
		v.ZoneID, v.ZoneCategory, v.ZoneSpeedLimit, v.GlobalDefaultLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to append violation %s: %w", v.ID, err)
	}
	return nil
}

// ListViolations returns up to limit of the driver's violations, newest
// first. A limit of zero or less returns them all.
func (db *DB) ListViolations(ctx context.Context, driverID string, limit int) ([]tracking.Violation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT violation_id, driver_id, kind, message, confirmed, issued_at, lat, lng,
			speed_kmh, top_speed_kmh, avg_speed_kmh, distance_km, duration_minutes,
			zone_id, zone_category, zone_speed_limit, global_default_limit
		FROM violations WHERE driver_id = ?
		ORDER BY issued_at DESC LIMIT ?`, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []tracking.Violation
	for rows.Next() {
		var (
			v        tracking.Violation
			issuedAt int64
		)
		if err := rows.Scan(
			&v.ID, &v.DriverID, &v.Kind, &v.Message, &v.Confirmed, &issuedAt,
			&v.DriverLocation.Lat, &v.DriverLocation.Lng,
			&v.SpeedKmh, &v.TopSpeedKmh, &v.AvgSpeedKmh, &v.DistanceKm, &v.DurationMinutes,
			&v.ZoneID, &v.ZoneCategory, &v.ZoneSpeedLimit, &v.GlobalDefaultLimit,
		); err != nil {
			return nil, err
		}
		v.IssuedAt = time.UnixMilli(issuedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// AcknowledgeViolation marks a violation as seen by the driver.
func (db *DB) AcknowledgeViolation(ctx context.Context, driverID, violationID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE violations SET confirmed = 1 WHERE driver_id = ? AND violation_id = ?`,
		driverID, violationID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge violation %s: %w", violationID, err)
	}
	return requireRow(res, "violation", violationID)
}
