package tracking

import (
	"math"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/config"
	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/units"
)

// SpeedEstimatorConfig holds the calibration constants for speed estimation.
type SpeedEstimatorConfig struct {
	CorrectionFactor float64       // multiplier applied to device-reported speed
	MaxPlausibleKmh  float64       // readings at or above this are discarded
	DitherFloorKmh   float64       // readings below this snap to zero
	MinElapsed       time.Duration // floor on the time between two fixes
}

// SpeedEstimatorConfigFromTuning builds a SpeedEstimatorConfig from a loaded
// TrackerConfig.
func SpeedEstimatorConfigFromTuning(cfg *config.TrackerConfig) SpeedEstimatorConfig {
	return SpeedEstimatorConfig{
		CorrectionFactor: cfg.GetSpeedCorrectionFactor(),
		MaxPlausibleKmh:  cfg.GetMaxPlausibleSpeedKmh(),
		DitherFloorKmh:   cfg.GetDitherFloorKmh(),
		MinElapsed:       cfg.GetMinElapsed(),
	}
}

func (c SpeedEstimatorConfig) withDefaults() SpeedEstimatorConfig {
	if c.CorrectionFactor <= 0 {
		c.CorrectionFactor = 1.12
	}
	if c.MaxPlausibleKmh <= 0 {
		c.MaxPlausibleKmh = 200
	}
	if c.DitherFloorKmh <= 0 {
		c.DitherFloorKmh = 2
	}
	if c.MinElapsed <= 0 {
		c.MinElapsed = time.Second
	}
	return c
}

// EstimateSpeed returns the speed over ground at fix in whole km/h. A
// positive, finite device speed is preferred; otherwise the speed is derived
// from the haversine displacement since prev. prev may be nil.
func EstimateSpeed(cfg SpeedEstimatorConfig, prev *PositionFix, fix PositionFix) int {
	cfg = cfg.withDefaults()
	var kmh float64
	source := "derived"

	if s := fix.SpeedMPS; s != nil && *s > 0 && !math.IsInf(*s, 0) && !math.IsNaN(*s) {
		kmh = units.KmhFromMPS(*s) * cfg.CorrectionFactor
		source = "device"
	} else if prev != nil {
		meters := geo.DistanceMeters(prev.Coordinate(), fix.Coordinate())
		elapsed := fix.Time().Sub(prev.Time())
		if elapsed < cfg.MinElapsed {
			elapsed = cfg.MinElapsed
		}
		kmh = units.KmhFromDistance(meters, elapsed.Seconds())
	}

	if kmh >= cfg.MaxPlausibleKmh {
		logf("discarding implausible %s speed %.1f km/h", source, kmh)
		return 0
	}
	if kmh < cfg.DitherFloorKmh {
		return 0
	}
	return units.RoundKmh(kmh)
}

// SpeedEstimator remembers the previous fix of the current tracking session.
type SpeedEstimator struct {
	cfg  SpeedEstimatorConfig
	prev *PositionFix
}

// NewSpeedEstimator returns an estimator with no previous fix.
func NewSpeedEstimator(cfg SpeedEstimatorConfig) *SpeedEstimator {
	return &SpeedEstimator{cfg: cfg.withDefaults()}
}

// Estimate returns the speed at fix and records fix as the previous one.
func (e *SpeedEstimator) Estimate(fix PositionFix) int {
	kmh := EstimateSpeed(e.cfg, e.prev, fix)
	f := fix
	e.prev = &f
	return kmh
}

// Prime records fix as the previous one without producing an estimate.
func (e *SpeedEstimator) Prime(fix PositionFix) {
	f := fix
	e.prev = &f
}

// Reset forgets the previous fix. Called whenever tracking (re)starts.
func (e *SpeedEstimator) Reset() {
	e.prev = nil
}
