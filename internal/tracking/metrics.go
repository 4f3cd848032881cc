package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/s0uth-cloud/droptimize-driver/internal/config"
	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/timeutil"
)

// Local storage keys used to survive a process restart mid-shift.
const (
	KeyActiveShift   = "shift.active"
	KeyShiftSnapshot = "shift.snapshot"
)

// TripMetricsConfig bounds the per-fix distance deltas that count toward
// the shift distance.
type TripMetricsConfig struct {
	MinSegmentKm float64 // deltas at or below this are GPS jitter
	MaxSegmentKm float64 // deltas at or above this are GPS jumps
}

// TripMetricsConfigFromTuning builds a TripMetricsConfig from a loaded TrackerConfig.
func TripMetricsConfigFromTuning(cfg *config.TrackerConfig) TripMetricsConfig {
	return TripMetricsConfig{
		MinSegmentKm: cfg.GetMinSegmentKm(),
		MaxSegmentKm: cfg.GetMaxSegmentKm(),
	}
}

// TripMetrics accumulates top speed, average speed, distance and duration
// for the current shift and mirrors them to local storage. It is owned by
// the tracking goroutine; persistence runs on a background writer.
type TripMetrics struct {
	cfg   TripMetricsConfig
	clock timeutil.Clock
	store KeyValueStore

	active   bool
	snapshot ShiftSnapshot

	writer snapshotWriter
}

// NewTripMetrics returns inactive metrics backed by store.
func NewTripMetrics(cfg TripMetricsConfig, clock timeutil.Clock, store KeyValueStore) *TripMetrics {
	if cfg.MinSegmentKm <= 0 {
		cfg.MinSegmentKm = 0.001
	}
	if cfg.MaxSegmentKm <= 0 {
		cfg.MaxSegmentKm = 0.5
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	m := &TripMetrics{cfg: cfg, clock: clock, store: store}
	m.writer.store = store
	return m
}

// Start begins a new shift, discarding any previous state.
func (m *TripMetrics) Start(driverID string, initial *geo.Coordinate) {
	m.active = true
	m.snapshot = ShiftSnapshot{
		ShiftID:        uuid.New().String(),
		DriverID:       driverID,
		ShiftStartedAt: m.clock.Now(),
		SpeedReadings:  []int{},
	}
	if initial != nil {
		loc := *initial
		m.snapshot.LastKnownLocation = &loc
	}
	m.writer.schedule(persistOp{driverID: driverID, snapshot: m.Snapshot()})
}

// Active reports whether a shift is running.
func (m *TripMetrics) Active() bool {
	return m.active
}

// OnFix folds one processed fix into the shift.
func (m *TripMetrics) OnFix(speedKmh int, loc geo.Coordinate) {
	if !m.active {
		return
	}
	s := &m.snapshot
	if speedKmh > s.TopSpeedKmh {
		s.TopSpeedKmh = speedKmh
	}
	if speedKmh > 0 {
		s.SpeedReadings = append(s.SpeedReadings, speedKmh)
	}
	if s.LastKnownLocation != nil {
		delta := geo.DistanceKm(*s.LastKnownLocation, loc)
		switch {
		case delta >= m.cfg.MaxSegmentKm:
			logf("shift %s: ignoring %.3f km GPS jump", s.ShiftID, delta)
		case delta > m.cfg.MinSegmentKm:
			s.TotalDistanceKm += delta
		}
	}
	l := loc
	s.LastKnownLocation = &l
	s.AvgSpeedKmh = averageKmh(s.SpeedReadings)
	m.writer.schedule(persistOp{driverID: s.DriverID, snapshot: m.Snapshot()})
}

// averageKmh is the rounded mean of the non-zero readings.
func averageKmh(readings []int) int {
	if len(readings) == 0 {
		return 0
	}
	xs := make([]float64, len(readings))
	for i, r := range readings {
		xs[i] = float64(r)
	}
	return int(math.Round(stat.Mean(xs, nil)))
}

// Snapshot returns a copy of the running shift with the duration computed
// at the current clock time.
func (m *TripMetrics) Snapshot() ShiftSnapshot {
	s := m.snapshot
	s.SpeedReadings = append([]int(nil), m.snapshot.SpeedReadings...)
	if m.snapshot.LastKnownLocation != nil {
		loc := *m.snapshot.LastKnownLocation
		s.LastKnownLocation = &loc
	}
	if m.active {
		elapsed := m.clock.Since(s.ShiftStartedAt)
		s.DurationMinutes = int(math.Round(elapsed.Minutes()))
	}
	return s
}

// Persist schedules a write of the current snapshot, if a shift is active.
func (m *TripMetrics) Persist() {
	if !m.active {
		return
	}
	m.writer.schedule(persistOp{driverID: m.snapshot.DriverID, snapshot: m.Snapshot()})
}

// Stop ends the shift, clears local storage and returns the final snapshot.
func (m *TripMetrics) Stop() ShiftSnapshot {
	final := m.Snapshot()
	m.active = false
	m.snapshot = ShiftSnapshot{}
	m.writer.schedule(persistOp{clear: true})
	return final
}

// Recover restores a shift persisted by a previous process. It reports
// false when nothing was stored for driverID.
func (m *TripMetrics) Recover(ctx context.Context, driverID string) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	active, ok, err := m.store.Get(ctx, KeyActiveShift)
	if err != nil {
		return false, fmt.Errorf("failed to read active shift: %w", err)
	}
	if !ok || string(active) != driverID {
		return false, nil
	}
	raw, ok, err := m.store.Get(ctx, KeyShiftSnapshot)
	if err != nil {
		return false, fmt.Errorf("failed to read shift snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}
	var snap ShiftSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return false, fmt.Errorf("failed to decode shift snapshot: %w", err)
	}
	if snap.SpeedReadings == nil {
		snap.SpeedReadings = []int{}
	}
	m.snapshot = snap
	m.active = true
	return true, nil
}

// Wait blocks until every write scheduled before the call has completed.
func (m *TripMetrics) Wait() {
	m.writer.wait()
}

type persistOp struct {
	driverID string
	snapshot ShiftSnapshot
	clear    bool
	seq      uint64
}

// snapshotWriter writes persistOps on a single background goroutine. Ops
// scheduled while a write is in flight collapse to the latest one.
type snapshotWriter struct {
	store KeyValueStore

	mu        sync.Mutex
	cond      *sync.Cond
	pending   *persistOp
	running   bool
	scheduled uint64 // seq of the newest scheduled op
	written   uint64 // seq of the newest op written or failed
}

func (w *snapshotWriter) schedule(op persistOp) {
	if w.store == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduled++
	op.seq = w.scheduled
	w.pending = &op
	if w.running {
		return
	}
	w.running = true
	go w.loop()
}

func (w *snapshotWriter) loop() {
	for {
		w.mu.Lock()
		op := w.pending
		w.pending = nil
		if op == nil {
			w.running = false
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
		if err := w.write(*op); err != nil {
			logf("failed to persist shift snapshot: %v", err)
		}
		w.mu.Lock()
		w.written = op.seq
		w.signalLocked()
		w.mu.Unlock()
	}
}

func (w *snapshotWriter) signalLocked() {
	if w.cond != nil {
		w.cond.Broadcast()
	}
}

func (w *snapshotWriter) write(op persistOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if op.clear {
		if err := w.store.Remove(ctx, KeyActiveShift); err != nil {
			return err
		}
		return w.store.Remove(ctx, KeyShiftSnapshot)
	}
	data, err := json.Marshal(op.snapshot)
	if err != nil {
		return err
	}
	if err := w.store.Set(ctx, KeyActiveShift, []byte(op.driverID)); err != nil {
		return err
	}
	return w.store.Set(ctx, KeyShiftSnapshot, data)
}

// wait blocks until every op scheduled before the call has been written.
// A superseded op counts as written once its replacement is.
func (w *snapshotWriter) wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cond == nil {
		w.cond = sync.NewCond(&w.mu)
	}
	target := w.scheduled
	for w.written < target {
		w.cond.Wait()
	}
}
