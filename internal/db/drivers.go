package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

// UpsertDriver creates or replaces a driver's status and branch. Watchers
// are notified when either changes.
func (db *DB) UpsertDriver(ctx context.Context, driverID string, status tracking.DriverStatus, branchID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO drivers (driver_id, status, branch_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(driver_id) DO UPDATE SET
			status = excluded.status,
			branch_id = excluded.branch_id,
			updated_at = excluded.updated_at`,
		driverID, status.String(), branchID, db.nowMillis())
	if err != nil {
		return fmt.Errorf("failed to upsert driver %s: %w", driverID, err)
	}
	db.notifyDriver(ctx, driverID)
	return nil
}

// SetDriverStatus changes a driver's status.
func (db *DB) SetDriverStatus(ctx context.Context, driverID string, status tracking.DriverStatus) error {
	res, err := db.ExecContext(ctx,
		`UPDATE drivers SET status = ?, updated_at = ? WHERE driver_id = ?`,
		status.String(), db.nowMillis(), driverID)
	if err != nil {
		return fmt.Errorf("failed to set status for driver %s: %w", driverID, err)
	}
	if err := requireRow(res, "driver", driverID); err != nil {
		return err
	}
	db.notifyDriver(ctx, driverID)
	return nil
}

// SetDriverBranch assigns a driver to a branch.
func (db *DB) SetDriverBranch(ctx context.Context, driverID, branchID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE drivers SET branch_id = ?, updated_at = ? WHERE driver_id = ?`,
		branchID, db.nowMillis(), driverID)
	if err != nil {
		return fmt.Errorf("failed to set branch for driver %s: %w", driverID, err)
	}
	if err := requireRow(res, "driver", driverID); err != nil {
		return err
	}
	db.notifyDriver(ctx, driverID)
	return nil
}

// ReadDriver returns the driver document, or ErrNotFound.
func (db *DB) ReadDriver(ctx context.Context, driverID string) (tracking.DriverDocument, error) {
	var (
		doc       tracking.DriverDocument
		status    string
		lat, lng  sql.NullFloat64
		updatedAt int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT driver_id, status, branch_id, lat, lng, updated_at FROM drivers WHERE driver_id = ?`,
		driverID).Scan(&doc.DriverID, &status, &doc.BranchID, &lat, &lng, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.DriverDocument{}, fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
	}
	if err != nil {
		return tracking.DriverDocument{}, fmt.Errorf("failed to read driver %s: %w", driverID, err)
	}
	if doc.Status, err = tracking.ParseDriverStatus(status); err != nil {
		logf("driver %s: %v, treating as offline", driverID, err)
	}
	if lat.Valid && lng.Valid {
		doc.Location = &geo.Coordinate{Lat: lat.Float64, Lng: lng.Float64}
	}
	doc.UpdatedAt = time.UnixMilli(updatedAt)
	return doc, nil
}

// UpdateDriverLocation stores the driver's latest position and speed. It
// does not notify watchers.
func (db *DB) UpdateDriverLocation(ctx context.Context, driverID string, loc geo.Coordinate, speedKmh int, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE drivers SET lat = ?, lng = ?, speed_kmh = ?, location_updated_at = ?
		WHERE driver_id = ? AND (location_updated_at IS NULL OR location_updated_at <= ?)`,
		loc.Lat, loc.Lng, speedKmh, at.UnixMilli(), driverID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update location for driver %s: %w", driverID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either the driver is unknown or a newer write already landed.
		var exists int
		if err := db.QueryRowContext(ctx, `SELECT 1 FROM drivers WHERE driver_id = ?`, driverID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
		}
	}
	return nil
}

// DriverLocation is the last stored position of a driver.
type DriverLocation struct {
	Location  geo.Coordinate `json:"location"`
	SpeedKmh  int            `json:"speed_kmh"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// LastLocation returns the driver's last stored position, or false if none
// has been written yet.
func (db *DB) LastLocation(ctx context.Context, driverID string) (DriverLocation, bool, error) {
	var (
		lat, lng sql.NullFloat64
		speed    int
		at       sql.NullInt64
	)
	err := db.QueryRowContext(ctx,
		`SELECT lat, lng, speed_kmh, location_updated_at FROM drivers WHERE driver_id = ?`,
		driverID).Scan(&lat, &lng, &speed, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return DriverLocation{}, false, fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
	}
	if err != nil {
		return DriverLocation{}, false, err
	}
	if !lat.Valid || !lng.Valid || !at.Valid {
		return DriverLocation{}, false, nil
	}
	return DriverLocation{
		Location:  geo.Coordinate{Lat: lat.Float64, Lng: lng.Float64},
		SpeedKmh:  speed,
		UpdatedAt: time.UnixMilli(at.Int64),
	}, true, nil
}

// WatchDriver streams the driver document whenever its status or branch
// changes through this DB. The channel is closed when ctx is done.
func (db *DB) WatchDriver(ctx context.Context, driverID string) (<-chan tracking.DriverDocument, error) {
	ch, cancel := db.watches.add(driverID)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, nil
}

func (db *DB) notifyDriver(ctx context.Context, driverID string) {
	if !db.watches.has(driverID) {
		return
	}
	doc, err := db.ReadDriver(ctx, driverID)
	if err != nil {
		logf("failed to reload driver %s for watchers: %v", driverID, err)
		return
	}
	db.watches.publish(doc)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// watchHub fans driver document changes out to WatchDriver callers. A slow
// watcher only ever sees the newest document.
type watchHub struct {
	mu       sync.Mutex
	nextID   int
	watchers map[string]map[int]chan tracking.DriverDocument
}

func newWatchHub() *watchHub {
	return &watchHub{watchers: make(map[string]map[int]chan tracking.DriverDocument)}
}

func (h *watchHub) add(driverID string) (<-chan tracking.DriverDocument, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan tracking.DriverDocument, 1)
	if h.watchers[driverID] == nil {
		h.watchers[driverID] = make(map[int]chan tracking.DriverDocument)
	}
	h.watchers[driverID][id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.watchers[driverID][id]; ok {
			close(c)
			delete(h.watchers[driverID], id)
		}
		if len(h.watchers[driverID]) == 0 {
			delete(h.watchers, driverID)
		}
	}
}

func (h *watchHub) has(driverID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[driverID]) > 0
}

func (h *watchHub) publish(doc tracking.DriverDocument) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers[doc.DriverID] {
		select {
		case ch <- doc:
		default:
			// Replace the stale pending document.
			select {
			case <-ch:
			default:
			}
			ch <- doc
		}
	}
}

var (
	_ tracking.DriverStore   = (*DB)(nil)
	_ tracking.KeyValueStore = (*DB)(nil)
)
