package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tracker defaults file.
const DefaultConfigPath = "config/tracker.defaults.json"

// TrackerConfig is the root tuning configuration for driver telemetry.
// Every field is optional; the Get* accessors supply the built-in default
// when a field is omitted, so partial files are safe.
type TrackerConfig struct {
	// Speed estimation
	SpeedCorrectionFactor *float64 `json:"speed_correction_factor,omitempty"`
	MaxPlausibleSpeedKmh  *float64 `json:"max_plausible_speed_kmh,omitempty"`
	DitherFloorKmh        *float64 `json:"dither_floor_kmh,omitempty"`
	MinElapsed            *string  `json:"min_elapsed,omitempty"` // duration string like "1s"

	// Zones and limits
	DefaultZoneRadiusMeters *float64       `json:"default_zone_radius_meters,omitempty"`
	GlobalSpeedLimitKmh     *int           `json:"global_speed_limit_kmh,omitempty"`
	CategorySpeedLimitsKmh  map[string]int `json:"category_speed_limits_kmh,omitempty"`

	// Violation detection
	MinViolationSpeedKmh *int    `json:"min_violation_speed_kmh,omitempty"`
	GracePeriod          *string `json:"grace_period,omitempty"`
	ViolationCooldown    *string `json:"violation_cooldown,omitempty"`
	AlertBusy            *string `json:"alert_busy,omitempty"`

	// Trip metrics
	MinSegmentKm *float64 `json:"min_segment_km,omitempty"`
	MaxSegmentKm *float64 `json:"max_segment_km,omitempty"`

	// Announcements
	AnnounceEnterBusy *string `json:"announce_enter_busy,omitempty"`
	AnnounceExitBusy  *string `json:"announce_exit_busy,omitempty"`

	// Orchestration
	LocationWriteInterval      *string  `json:"location_write_interval,omitempty"`
	SubscribeMinInterval       *string  `json:"subscribe_min_interval,omitempty"`
	SubscribeMinDistanceMeters *float64 `json:"subscribe_min_distance_meters,omitempty"`
	TrackInBackground          *bool    `json:"track_in_background,omitempty"`
}

// Default category limits in km/h, keyed by geofence category name.
var defaultCategoryLimits = map[string]int{
	"crosswalk": 15,
	"school":    20,
	"church":    30,
	"curve":     40,
	"slowdown":  40,
}

// EmptyTrackerConfig returns a TrackerConfig with all fields unset, which
// resolves to the built-in defaults.
func EmptyTrackerConfig() *TrackerConfig {
	return &TrackerConfig{}
}

// LoadTrackerConfig loads a TrackerConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTrackerConfig(path string) (*TrackerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrackerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded; intended for test setup.
func MustLoadDefaultConfig() *TrackerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *TrackerConfig) Validate() error {
	if c.SpeedCorrectionFactor != nil && *c.SpeedCorrectionFactor <= 0 {
		return fmt.Errorf("speed_correction_factor must be positive, got %f", *c.SpeedCorrectionFactor)
	}
	if c.MaxPlausibleSpeedKmh != nil && *c.MaxPlausibleSpeedKmh <= 0 {
		return fmt.Errorf("max_plausible_speed_kmh must be positive, got %f", *c.MaxPlausibleSpeedKmh)
	}
	if c.DitherFloorKmh != nil && *c.DitherFloorKmh < 0 {
		return fmt.Errorf("dither_floor_kmh must be non-negative, got %f", *c.DitherFloorKmh)
	}
	if c.DefaultZoneRadiusMeters != nil && *c.DefaultZoneRadiusMeters <= 0 {
		return fmt.Errorf("default_zone_radius_meters must be positive, got %f", *c.DefaultZoneRadiusMeters)
	}
	if c.GlobalSpeedLimitKmh != nil && *c.GlobalSpeedLimitKmh <= 0 {
		return fmt.Errorf("global_speed_limit_kmh must be positive, got %d", *c.GlobalSpeedLimitKmh)
	}
	for name, limit := range c.CategorySpeedLimitsKmh {
		if limit <= 0 {
			return fmt.Errorf("category_speed_limits_kmh[%s] must be positive, got %d", name, limit)
		}
	}
	if c.MinViolationSpeedKmh != nil && *c.MinViolationSpeedKmh < 0 {
		return fmt.Errorf("min_violation_speed_kmh must be non-negative, got %d", *c.MinViolationSpeedKmh)
	}
	if c.GetMinSegmentKm() >= c.GetMaxSegmentKm() {
		return fmt.Errorf("min_segment_km (%f) must be below max_segment_km (%f)", c.GetMinSegmentKm(), c.GetMaxSegmentKm())
	}

	durations := map[string]*string{
		"min_elapsed":             c.MinElapsed,
		"grace_period":            c.GracePeriod,
		"violation_cooldown":      c.ViolationCooldown,
		"alert_busy":              c.AlertBusy,
		"announce_enter_busy":     c.AnnounceEnterBusy,
		"announce_exit_busy":      c.AnnounceExitBusy,
		"location_write_interval": c.LocationWriteInterval,
		"subscribe_min_interval":  c.SubscribeMinInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetSpeedCorrectionFactor returns the device speed calibration factor.
func (c *TrackerConfig) GetSpeedCorrectionFactor() float64 {
	return floatOr(c.SpeedCorrectionFactor, 1.12)
}

// GetMaxPlausibleSpeedKmh returns the speed at or above which a reading is
// treated as a sensor glitch.
func (c *TrackerConfig) GetMaxPlausibleSpeedKmh() float64 {
	return floatOr(c.MaxPlausibleSpeedKmh, 200)
}

// GetDitherFloorKmh returns the speed below which readings snap to zero.
func (c *TrackerConfig) GetDitherFloorKmh() float64 {
	return floatOr(c.DitherFloorKmh, 2)
}

// GetMinElapsed returns the floor applied to the time between two fixes.
func (c *TrackerConfig) GetMinElapsed() time.Duration {
	return durationOr(c.MinElapsed, time.Second)
}

// GetDefaultZoneRadiusMeters returns the radius used for zones without one.
func (c *TrackerConfig) GetDefaultZoneRadiusMeters() float64 {
	return floatOr(c.DefaultZoneRadiusMeters, 15)
}

// GetGlobalSpeedLimitKmh returns the limit applied outside any zone.
func (c *TrackerConfig) GetGlobalSpeedLimitKmh() int {
	return intOr(c.GlobalSpeedLimitKmh, 60)
}

// GetCategorySpeedLimitsKmh returns the per-category defaults merged with
// any overrides from the file.
func (c *TrackerConfig) GetCategorySpeedLimitsKmh() map[string]int {
	out := make(map[string]int, len(defaultCategoryLimits))
	for k, v := range defaultCategoryLimits {
		out[k] = v
	}
	for k, v := range c.CategorySpeedLimitsKmh {
		out[k] = v
	}
	return out
}

// GetMinViolationSpeedKmh returns the speed below which no violation is tracked.
func (c *TrackerConfig) GetMinViolationSpeedKmh() int {
	return intOr(c.MinViolationSpeedKmh, 5)
}

// GetGracePeriod returns how long overspeeding must persist to be confirmed.
func (c *TrackerConfig) GetGracePeriod() time.Duration {
	return durationOr(c.GracePeriod, 10*time.Second)
}

// GetViolationCooldown returns the same-zone duplicate suppression window.
func (c *TrackerConfig) GetViolationCooldown() time.Duration {
	return durationOr(c.ViolationCooldown, 60*time.Second)
}

// GetAlertBusy returns how long a spoken violation alert blocks the next one.
func (c *TrackerConfig) GetAlertBusy() time.Duration {
	return durationOr(c.AlertBusy, 5*time.Second)
}

// GetMinSegmentKm returns the noise floor for a per-fix displacement.
func (c *TrackerConfig) GetMinSegmentKm() float64 {
	return floatOr(c.MinSegmentKm, 0.001)
}

// GetMaxSegmentKm returns the jump ceiling for a per-fix displacement.
func (c *TrackerConfig) GetMaxSegmentKm() float64 {
	return floatOr(c.MaxSegmentKm, 0.5)
}

// GetAnnounceEnterBusy returns the busy window after an "entering" announcement.
func (c *TrackerConfig) GetAnnounceEnterBusy() time.Duration {
	return durationOr(c.AnnounceEnterBusy, 4*time.Second)
}

// GetAnnounceExitBusy returns the busy window after a "leaving" announcement.
func (c *TrackerConfig) GetAnnounceExitBusy() time.Duration {
	return durationOr(c.AnnounceExitBusy, 2500*time.Millisecond)
}

// GetLocationWriteInterval returns the minimum spacing of remote location writes.
func (c *TrackerConfig) GetLocationWriteInterval() time.Duration {
	return durationOr(c.LocationWriteInterval, 2*time.Second)
}

// GetSubscribeMinInterval returns the position subscription interval.
func (c *TrackerConfig) GetSubscribeMinInterval() time.Duration {
	return durationOr(c.SubscribeMinInterval, time.Second)
}

// GetSubscribeMinDistanceMeters returns the position subscription distance filter.
func (c *TrackerConfig) GetSubscribeMinDistanceMeters() float64 {
	return floatOr(c.SubscribeMinDistanceMeters, 1)
}

// GetTrackInBackground reports whether a delivering driver keeps being
// tracked while the app is in the background.
func (c *TrackerConfig) GetTrackInBackground() bool {
	if c.TrackInBackground == nil {
		return true
	}
	return *c.TrackInBackground
}
