package db

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/geofence"
	"github.com/s0uth-cloud/droptimize-driver/internal/timeutil"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetClock(timeutil.NewMockClock(time.Unix(1_700_000_000, 0)))
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(f float64) *float64 { return &f }

func TestOpenDB_MigratesToLatest(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion(migrationsFS)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	entries, err := fs.ReadDir(MigrationsFS(), "migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.MigrateDown(migrationsFS))
	version, _, err := db.MigrateVersion(migrationsFS)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	require.NoError(t, db.MigrateUp(migrationsFS))
}

func TestDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	_, err := db.ReadDriver(ctx, "driver-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.UpsertDriver(ctx, "driver-1", tracking.StatusAvailable, "branch-1"))
	doc, err := db.ReadDriver(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusAvailable, doc.Status)
	assert.Equal(t, "branch-1", doc.BranchID)
	assert.Nil(t, doc.Location)

	require.NoError(t, db.SetDriverStatus(ctx, "driver-1", tracking.StatusDelivering))
	require.NoError(t, db.SetDriverBranch(ctx, "driver-1", "branch-2"))
	doc, err = db.ReadDriver(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusDelivering, doc.Status)
	assert.Equal(t, "branch-2", doc.BranchID)

	assert.ErrorIs(t, db.SetDriverStatus(ctx, "nobody", tracking.StatusOffline), ErrNotFound)
}

func TestUpdateDriverLocation_IgnoresOutOfOrderWrites(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	require.NoError(t, db.UpsertDriver(ctx, "driver-1", tracking.StatusDelivering, ""))

	t0 := time.Unix(1_700_000_000, 0)
	newer := geo.Coordinate{Lat: 14.001, Lng: 121.0}
	older := geo.Coordinate{Lat: 14.0, Lng: 121.0}
	require.NoError(t, db.UpdateDriverLocation(ctx, "driver-1", newer, 30, t0.Add(2*time.Second)))
	require.NoError(t, db.UpdateDriverLocation(ctx, "driver-1", older, 20, t0))

	loc, ok, err := db.LastLocation(ctx, "driver-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer, loc.Location)
	assert.Equal(t, 30, loc.SpeedKmh)

	assert.ErrorIs(t, db.UpdateDriverLocation(ctx, "nobody", newer, 1, t0), ErrNotFound)
}

func TestWatchDriver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := setupTestDB(t)
	require.NoError(t, db.UpsertDriver(ctx, "driver-1", tracking.StatusAvailable, "branch-1"))

	ch, err := db.WatchDriver(ctx, "driver-1")
	require.NoError(t, err)

	require.NoError(t, db.SetDriverStatus(ctx, "driver-1", tracking.StatusDelivering))
	select {
	case doc := <-ch:
		assert.Equal(t, tracking.StatusDelivering, doc.Status)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	// Two quick changes collapse to the latest.
	require.NoError(t, db.SetDriverBranch(ctx, "driver-1", "branch-2"))
	require.NoError(t, db.SetDriverBranch(ctx, "driver-1", "branch-3"))
	doc := <-ch
	assert.Equal(t, "branch-3", doc.BranchID)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestViolations(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	t0 := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"v1", "v2"} {
		require.NoError(t, db.AppendViolation(ctx, "driver-1", tracking.Violation{
			ID:                 id,
			DriverID:           "driver-1",
			Kind:               tracking.ViolationKindOverspeed,
			Message:            "Overspeeding",
			IssuedAt:           t0.Add(time.Duration(i) * time.Minute),
			DriverLocation:     geo.Coordinate{Lat: 14, Lng: 121},
			SpeedKmh:           35,
			ZoneID:             "school-1",
			ZoneCategory:       "School",
			ZoneSpeedLimit:     20,
			GlobalDefaultLimit: 60,
		}))
	}

	list, err := db.ListViolations(ctx, "driver-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v2", list[0].ID)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), list[0].IssuedAt.UnixMilli())
	assert.False(t, list[0].Confirmed)

	require.NoError(t, db.AcknowledgeViolation(ctx, "driver-1", "v1"))
	list, err = db.ListViolations(ctx, "driver-1", 1)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = db.ListViolations(ctx, "driver-1", 0)
	require.NoError(t, err)
	assert.True(t, list[1].Confirmed)

	assert.ErrorIs(t, db.AcknowledgeViolation(ctx, "driver-2", "v1"), ErrNotFound)
}

func TestShifts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	t0 := time.Unix(1_700_000_000, 0)

	s := tracking.ShiftSummary{
		ShiftID:         "shift-1",
		DriverID:        "driver-1",
		StartedAt:       t0,
		EndedAt:         t0.Add(time.Hour),
		DistanceKm:      12.5,
		TopSpeedKmh:     58,
		AvgSpeedKmh:     31,
		DurationMinutes: 60,
		ViolationCount:  2,
	}
	require.NoError(t, db.RecordShift(ctx, s))
	s.ViolationCount = 3
	require.NoError(t, db.RecordShift(ctx, s))

	shifts, err := db.ListShifts(ctx, "driver-1", 10)
	require.NoError(t, err)
	require.Len(t, shifts, 1)
	assert.Equal(t, 3, shifts[0].ViolationCount)
	assert.True(t, shifts[0].EndedAt.Equal(t0.Add(time.Hour)))
}

func TestBranchZones(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	_, err := db.BranchZones(ctx, "branch-1")
	assert.ErrorIs(t, err, ErrNotFound)

	zones := []geofence.RawZone{
		{ID: "b", Category: "School", Lat: ptr(14.0), Lng: ptr(121.0), RadiusMeters: 20},
		{ID: "a", Category: "church", Lat: ptr(14.1), Lng: ptr(121.1), SpeedLimitKmh: ptr(25)},
		{ID: "broken", Category: "curve"},
	}
	require.NoError(t, db.UpsertBranchZones(ctx, "branch-1", "North", zones))

	got, err := db.BranchZones(ctx, "branch-1")
	require.NoError(t, err)
	assert.Equal(t, zones, got)

	// Replacing keeps only the new list.
	require.NoError(t, db.UpsertBranchZones(ctx, "branch-1", "North", zones[:1]))
	got, err = db.BranchZones(ctx, "branch-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	branches, err := db.ListBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Branch{{ID: "branch-1", Name: "North", ZoneCount: 1}}, branches)

	// An existing branch with no zones is not an error.
	require.NoError(t, db.UpsertBranchZones(ctx, "branch-2", "", nil))
	got, err = db.BranchZones(ctx, "branch-2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKeyValue(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	_, ok, err := db.Get(ctx, "shift.active")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Set(ctx, "shift.active", []byte("driver-1")))
	require.NoError(t, db.Set(ctx, "shift.active", []byte("driver-2")))
	v, ok, err := db.Get(ctx, "shift.active")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "driver-2", string(v))

	require.NoError(t, db.Remove(ctx, "shift.active"))
	require.NoError(t, db.Remove(ctx, "shift.active"))
	_, ok, err = db.Get(ctx, "shift.active")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTripMetricsRecoverFromDB(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))

	m := tracking.NewTripMetrics(tracking.TripMetricsConfig{}, clock, db)
	m.Start("driver-1", &geo.Coordinate{Lat: 14, Lng: 121})
	m.OnFix(25, geo.Coordinate{Lat: 14.0005, Lng: 121})
	m.Wait()

	restored := tracking.NewTripMetrics(tracking.TripMetricsConfig{}, clock, db)
	ok, err := restored.Recover(ctx, "driver-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 25, restored.Snapshot().TopSpeedKmh)
}
