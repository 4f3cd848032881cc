package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/s0uth-cloud/droptimize-driver/internal/geofence"
)

// Branch is a dispatch branch and the number of zones drawn for it.
type Branch struct {
	ID        string `json:"branch_id"`
	Name      string `json:"name"`
	ZoneCount int    `json:"zone_count"`
}

// UpsertBranchZones replaces a branch's zone list, preserving the given
// order, in a single transaction.
func (db *DB) UpsertBranchZones(ctx context.Context, branchID, name string, zones []geofence.RawZone) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO branches (branch_id, name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(branch_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		branchID, name, db.nowMillis()); err != nil {
		return fmt.Errorf("failed to upsert branch %s: %w", branchID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM zones WHERE branch_id = ?`, branchID); err != nil {
		return fmt.Errorf("failed to clear zones for branch %s: %w", branchID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO zones (branch_id, position, zone_id, category, lat, lng, radius_meters, speed_limit_kmh)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, z := range zones {
		if _, err := stmt.ExecContext(ctx, branchID, i, z.ID, z.Category,
			nullFloat(z.Lat), nullFloat(z.Lng), z.RadiusMeters, nullFloat(z.SpeedLimitKmh)); err != nil {
			return fmt.Errorf("failed to insert zone %d for branch %s: %w", i, branchID, err)
		}
	}
	return tx.Commit()
}

// BranchZones returns the branch's zones in the order they were drawn.
// Zones with missing centers are returned as-is; the geofence index skips
// them.
func (db *DB) BranchZones(ctx context.Context, branchID string) ([]geofence.RawZone, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM branches WHERE branch_id = ?`, branchID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT zone_id, category, lat, lng, radius_meters, speed_limit_kmh
		FROM zones WHERE branch_id = ? ORDER BY position`, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones for branch %s: %w", branchID, err)
	}
	defer rows.Close()

	zones := []geofence.RawZone{}
	for rows.Next() {
		var (
			z             geofence.RawZone
			lat, lng, lim sql.NullFloat64
		)
		if err := rows.Scan(&z.ID, &z.Category, &lat, &lng, &z.RadiusMeters, &lim); err != nil {
			return nil, err
		}
		z.Lat = floatPtr(lat)
		z.Lng = floatPtr(lng)
		z.SpeedLimitKmh = floatPtr(lim)
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// ListBranches returns every branch with its zone count.
func (db *DB) ListBranches(ctx context.Context) ([]Branch, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT b.branch_id, b.name, COUNT(z.position)
		FROM branches b LEFT JOIN zones z ON z.branch_id = b.branch_id
		GROUP BY b.branch_id ORDER BY b.branch_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.ZoneCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

var _ geofence.Source = (*DB)(nil)
