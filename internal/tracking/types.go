// Package tracking turns a stream of GPS fixes into speed estimates,
// geofence speeding violations, zone announcements and shift metrics for a
// single driver.
package tracking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
)

var (
	// ErrUnknownStatus is returned when a driver status string is not one of
	// the known values.
	ErrUnknownStatus = errors.New("unknown driver status")
	// ErrPermissionDenied is returned by a PositionSource when location
	// access is refused.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrNoFix is returned when no position fix is available yet.
	ErrNoFix = errors.New("no position fix available")
	// ErrStopped is returned by orchestrator calls made after Run has exited.
	ErrStopped = errors.New("tracking orchestrator stopped")
)

// DriverStatus is the closed set of states a driver document can be in.
type DriverStatus int

const (
	StatusOffline DriverStatus = iota
	StatusAvailable
	StatusDelivering
)

// String returns the canonical lower-case status name.
func (s DriverStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusDelivering:
		return "delivering"
	default:
		return "offline"
	}
}

// ParseDriverStatus accepts the status strings written by the dispatcher
// app, case-insensitively.
func ParseDriverStatus(s string) (DriverStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offline", "":
		return StatusOffline, nil
	case "available":
		return StatusAvailable, nil
	case "delivering":
		return StatusDelivering, nil
	default:
		return StatusOffline, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// MarshalText encodes the status by name.
func (s DriverStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *DriverStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseDriverStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PositionFix is one reading from the device location service.
type PositionFix struct {
	Latitude        float64  `json:"latitude"`
	Longitude       float64  `json:"longitude"`
	SpeedMPS        *float64 `json:"speed,omitempty"`
	HeadingDegrees  *float64 `json:"heading,omitempty"`
	AccuracyMeters  *float64 `json:"accuracy,omitempty"`
	TimestampMillis int64    `json:"timestamp"`
}

// Coordinate returns the fix position.
func (f PositionFix) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: f.Latitude, Lng: f.Longitude}
}

// Time returns the fix timestamp.
func (f PositionFix) Time() time.Time {
	return time.UnixMilli(f.TimestampMillis)
}

// Violation is an append-only speeding record stored on the driver document.
type Violation struct {
	ID                 string         `json:"id"`
	DriverID           string         `json:"driver_id"`
	Kind               string         `json:"kind"`
	Message            string         `json:"message"`
	Confirmed          bool           `json:"confirmed"` // set once the driver dismisses the notice
	IssuedAt           time.Time      `json:"issued_at"`
	DriverLocation     geo.Coordinate `json:"driver_location"`
	SpeedKmh           int            `json:"speed_kmh"`
	TopSpeedKmh        int            `json:"top_speed_kmh"`
	AvgSpeedKmh        int            `json:"avg_speed_kmh"`
	DistanceKm         float64        `json:"distance_km"`
	DurationMinutes    int            `json:"duration_minutes"`
	ZoneID             string         `json:"zone_id,omitempty"`
	ZoneCategory       string         `json:"zone_category"`
	ZoneSpeedLimit     int            `json:"zone_speed_limit"`
	GlobalDefaultLimit int            `json:"global_default_limit"`
}

// ViolationKindOverspeed is the only violation kind the detector produces.
const ViolationKindOverspeed = "overspeed"

// ShiftSnapshot is a point-in-time copy of the running trip metrics.
type ShiftSnapshot struct {
	ShiftID           string          `json:"shift_id"`
	DriverID          string          `json:"driver_id"`
	TopSpeedKmh       int             `json:"top_speed_kmh"`
	TotalDistanceKm   float64         `json:"total_distance_km"`
	AvgSpeedKmh       int             `json:"avg_speed_kmh"`
	ShiftStartedAt    time.Time       `json:"shift_started_at"`
	SpeedReadings     []int           `json:"speed_readings"`
	LastKnownLocation *geo.Coordinate `json:"last_known_location,omitempty"`
	DurationMinutes   int             `json:"duration_minutes"`
}

// ShiftSummary is written to the driver store when a shift ends.
type ShiftSummary struct {
	ShiftID         string    `json:"shift_id"`
	DriverID        string    `json:"driver_id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DistanceKm      float64   `json:"distance_km"`
	TopSpeedKmh     int       `json:"top_speed_kmh"`
	AvgSpeedKmh     int       `json:"avg_speed_kmh"`
	DurationMinutes int       `json:"duration_minutes"`
	ViolationCount  int       `json:"violation_count"`
}

// DriverDocument is the subset of the remote driver record this package
// reads.
type DriverDocument struct {
	DriverID  string          `json:"driver_id"`
	Status    DriverStatus    `json:"status"`
	BranchID  string          `json:"branch_id"`
	Location  *geo.Coordinate `json:"location,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}
