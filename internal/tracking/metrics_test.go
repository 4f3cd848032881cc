package tracking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/timeutil"
)

func newTestMetrics(kv KeyValueStore) (*TripMetrics, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	return NewTripMetrics(TripMetricsConfig{MinSegmentKm: 0.001, MaxSegmentKm: 0.5}, clock, kv), clock
}

func TestTripMetrics_DistanceFilter(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(nil)
	m.Start("driver-1", &origin)

	// 0.5 m: jitter, not counted.
	jitter := geo.Offset(origin, 0.5, 0)
	m.OnFix(10, jitter)
	assert.Zero(t, m.Snapshot().TotalDistanceKm)

	// 600 m: GPS jump, not counted, but becomes the new reference point.
	jump := geo.Offset(jitter, 600, 0)
	m.OnFix(10, jump)
	assert.Zero(t, m.Snapshot().TotalDistanceKm)

	// 50 m: counted.
	m.OnFix(10, geo.Offset(jump, 50, 0))
	assert.InDelta(t, 0.05, m.Snapshot().TotalDistanceKm, 1e-6)
}

func TestTripMetrics_SpeedAggregates(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(nil)
	m.Start("driver-1", nil)

	for _, s := range []int{0, 20, 0, 40} {
		m.OnFix(s, origin)
	}
	snap := m.Snapshot()
	assert.Equal(t, 30, snap.AvgSpeedKmh)
	assert.Equal(t, 40, snap.TopSpeedKmh)
	assert.Equal(t, []int{20, 40}, snap.SpeedReadings)
}

func TestTripMetrics_Duration(t *testing.T) {
	t.Parallel()
	m, clock := newTestMetrics(nil)
	m.Start("driver-1", nil)

	clock.Advance(89 * time.Second)
	assert.Equal(t, 1, m.Snapshot().DurationMinutes)
	clock.Advance(time.Second)
	assert.Equal(t, 2, m.Snapshot().DurationMinutes)

	final := m.Stop()
	assert.Equal(t, 2, final.DurationMinutes)
	assert.False(t, m.Active())
}

func TestTripMetrics_InactiveIgnoresFixes(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(nil)
	m.OnFix(50, origin)
	assert.Zero(t, m.Snapshot().TopSpeedKmh)
}

func TestTripMetrics_CrashRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := newMemKV()

	m, clock := newTestMetrics(kv)
	m.Start("driver-1", &origin)
	m.OnFix(20, geo.Offset(origin, 100, 0))
	m.OnFix(40, geo.Offset(origin, 200, 0))
	clock.Advance(5 * time.Minute)
	m.Persist()
	m.Wait()
	before := m.Snapshot()

	// A fresh process with the same clock and store picks up where the
	// previous one left off.
	restarted := NewTripMetrics(TripMetricsConfig{}, clock, kv)
	ok, err := restarted.Recover(ctx, "driver-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, restarted.Active())
	if diff := cmp.Diff(before, restarted.Snapshot()); diff != "" {
		t.Errorf("recovered snapshot mismatch (-want +got):\n%s", diff)
	}

	// Another driver's snapshot is never restored.
	other := NewTripMetrics(TripMetricsConfig{}, clock, kv)
	ok, err = other.Recover(ctx, "driver-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTripMetrics_StopClearsStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := newMemKV()
	m, _ := newTestMetrics(kv)

	m.Start("driver-1", &origin)
	m.OnFix(20, origin)
	m.Wait()
	raw, ok, err := kv.Get(ctx, KeyShiftSnapshot)
	require.NoError(t, err)
	require.True(t, ok)
	var stored ShiftSnapshot
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, 20, stored.TopSpeedKmh)

	m.Stop()
	m.Wait()
	_, ok, _ = kv.Get(ctx, KeyShiftSnapshot)
	assert.False(t, ok)
	_, ok, _ = kv.Get(ctx, KeyActiveShift)
	assert.False(t, ok)
}

func TestTripMetrics_PersistFailureIsAbsorbed(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	kv.failOn = KeyShiftSnapshot
	m, _ := newTestMetrics(kv)

	m.Start("driver-1", nil)
	m.OnFix(30, origin)
	m.Wait()
	assert.Equal(t, 30, m.Snapshot().TopSpeedKmh)
}
