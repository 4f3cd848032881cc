package tracking

import (
	"fmt"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/config"
	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/geofence"
)

// DetectorState is the lifecycle state of the overspeed detector.
type DetectorState string

const (
	DetectorIdle          DetectorState = "idle"           // not overspeeding
	DetectorGraceTracking DetectorState = "grace_tracking" // overspeeding, waiting out the grace period
	DetectorConfirmed     DetectorState = "confirmed"      // transient; flushed on the same tick
)

// noZoneKey identifies "outside every zone" for cooldown comparisons.
const noZoneKey = "__global__"

// DetectorConfig holds the violation detection thresholds.
type DetectorConfig struct {
	MinSpeedKmh    int           // speeds below this never count, to ignore GPS jitter at a stop
	GracePeriod    time.Duration // overspeeding must persist this long to be confirmed
	Cooldown       time.Duration // same-zone violations inside this window are suppressed
	GlobalLimitKmh int           // recorded alongside every violation
}

// DetectorConfigFromTuning builds a DetectorConfig from a loaded TrackerConfig.
func DetectorConfigFromTuning(cfg *config.TrackerConfig) DetectorConfig {
	return DetectorConfig{
		MinSpeedKmh:    cfg.GetMinViolationSpeedKmh(),
		GracePeriod:    cfg.GetGracePeriod(),
		Cooldown:       cfg.GetViolationCooldown(),
		GlobalLimitKmh: cfg.GetGlobalSpeedLimitKmh(),
	}
}

// OverspeedSession is the detector's working state while a driver is over
// the limit.
type OverspeedSession struct {
	ZoneKey        string         `json:"zone_key"`
	Zone           *geofence.Zone `json:"zone,omitempty"`
	LimitKmh       int            `json:"limit_kmh"`
	GraceStartedAt time.Time      `json:"grace_started_at"`
	Confirmed      bool           `json:"confirmed"`
}

// Tick is one detector input: the driver's status and the speed and limit
// at the latest fix.
type Tick struct {
	Status     DriverStatus
	Coordinate geo.Coordinate
	SpeedKmh   int
	Zone       *geofence.Zone // nil when outside every zone
	LimitKmh   int            // the zone's limit, or the global default
	At         time.Time
}

// Confirmation describes an overspeed that survived the grace period.
type Confirmation struct {
	Session    OverspeedSession
	SpeedKmh   int
	Coordinate geo.Coordinate
	At         time.Time
}

// Outcome reports what a tick did to the detector.
type Outcome struct {
	State        DetectorState // state after the tick
	Started      bool          // a grace period began on this tick
	Reset        bool          // a grace period was abandoned on this tick
	Confirmation *Confirmation // set when the grace period elapsed on this tick
	Suppressed   bool          // the confirmation fell inside the cooldown window
}

// Emit reports whether the outcome should produce a violation record.
func (o Outcome) Emit() bool {
	return o.Confirmation != nil && !o.Suppressed
}

// ViolationDetector confirms speeding only after it has persisted for the
// grace period, and suppresses repeat records for the same zone during the
// cooldown. At most one session is live at a time.
type ViolationDetector struct {
	cfg     DetectorConfig
	session *OverspeedSession

	lastWriteAt time.Time
	lastZoneKey string
	written     bool
}

// NewViolationDetector returns an idle detector.
func NewViolationDetector(cfg DetectorConfig) *ViolationDetector {
	return &ViolationDetector{cfg: cfg}
}

func zoneKey(z *geofence.Zone) string {
	if z == nil {
		return noZoneKey
	}
	return z.ID
}

// Observe advances the state machine by one tick.
func (d *ViolationDetector) Observe(t Tick) Outcome {
	overspeeding := t.Status == StatusDelivering &&
		t.SpeedKmh >= d.cfg.MinSpeedKmh &&
		t.SpeedKmh > t.LimitKmh

	if !overspeeding {
		// Any dip at or under the limit discards the grace period silently.
		wasTracking := d.session != nil
		d.session = nil
		return Outcome{State: DetectorIdle, Reset: wasTracking}
	}

	if d.session == nil {
		var zone *geofence.Zone
		if t.Zone != nil {
			z := *t.Zone
			zone = &z
		}
		d.session = &OverspeedSession{
			ZoneKey:        zoneKey(t.Zone),
			Zone:           zone,
			LimitKmh:       t.LimitKmh,
			GraceStartedAt: t.At,
		}
		// A zero grace period confirms on the first tick.
		if d.cfg.GracePeriod > 0 {
			return Outcome{State: DetectorGraceTracking, Started: true}
		}
	}

	if t.At.Sub(d.session.GraceStartedAt) < d.cfg.GracePeriod {
		return Outcome{State: DetectorGraceTracking}
	}

	d.session.Confirmed = true
	conf := &Confirmation{
		Session:    *d.session,
		SpeedKmh:   t.SpeedKmh,
		Coordinate: t.Coordinate,
		At:         t.At,
	}
	d.session = nil

	out := Outcome{State: DetectorConfirmed, Confirmation: conf}
	if d.written && conf.Session.ZoneKey == d.lastZoneKey && t.At.Sub(d.lastWriteAt) < d.cfg.Cooldown {
		out.Suppressed = true
		return out
	}
	d.written = true
	d.lastWriteAt = t.At
	d.lastZoneKey = conf.Session.ZoneKey
	return out
}

// State returns the current detector state.
func (d *ViolationDetector) State() DetectorState {
	if d.session != nil {
		return DetectorGraceTracking
	}
	return DetectorIdle
}

// Session returns a copy of the live session, if any.
func (d *ViolationDetector) Session() (OverspeedSession, bool) {
	if d.session == nil {
		return OverspeedSession{}, false
	}
	return *d.session, true
}

// Reset abandons any pending grace period. Cooldown memory is kept so a
// restart of tracking cannot produce a duplicate record.
func (d *ViolationDetector) Reset() {
	d.session = nil
}

// NewViolation builds the record for a confirmation using the trip metrics
// at the time of confirmation.
func NewViolation(id, driverID string, c Confirmation, shift ShiftSnapshot, globalLimit int) Violation {
	category := "Default"
	zoneID := ""
	if c.Session.Zone != nil {
		category = c.Session.Zone.Category.String()
		zoneID = c.Session.Zone.ID
	}
	return Violation{
		ID:                 id,
		DriverID:           driverID,
		Kind:               ViolationKindOverspeed,
		Message:            fmt.Sprintf("Overspeeding at %d km/h in a %d km/h %s zone", c.SpeedKmh, c.Session.LimitKmh, category),
		IssuedAt:           c.At,
		DriverLocation:     c.Coordinate,
		SpeedKmh:           c.SpeedKmh,
		TopSpeedKmh:        max(shift.TopSpeedKmh, c.SpeedKmh),
		AvgSpeedKmh:        shift.AvgSpeedKmh,
		DistanceKm:         shift.TotalDistanceKm,
		DurationMinutes:    shift.DurationMinutes,
		ZoneID:             zoneID,
		ZoneCategory:       category,
		ZoneSpeedLimit:     c.Session.LimitKmh,
		GlobalDefaultLimit: globalLimit,
	}
}
