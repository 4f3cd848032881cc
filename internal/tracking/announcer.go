package tracking

import (
	"fmt"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/config"
	"github.com/s0uth-cloud/droptimize-driver/internal/geofence"
)

// AnnouncerConfig sets how long an enter or exit announcement holds the
// speech channel.
type AnnouncerConfig struct {
	EnterBusy time.Duration
	ExitBusy  time.Duration
}

// AnnouncerConfigFromTuning builds an AnnouncerConfig from a loaded TrackerConfig.
func AnnouncerConfigFromTuning(cfg *config.TrackerConfig) AnnouncerConfig {
	return AnnouncerConfig{
		EnterBusy: cfg.GetAnnounceEnterBusy(),
		ExitBusy:  cfg.GetAnnounceExitBusy(),
	}
}

// AnnouncementKind is the direction of a zone transition.
type AnnouncementKind string

const (
	AnnounceEnter AnnouncementKind = "enter"
	AnnounceExit  AnnouncementKind = "exit"
)

// Announcement is a zone transition. Spoken is false when the speech
// channel was busy; the transition is still reflected in the active zone.
type Announcement struct {
	Kind   AnnouncementKind `json:"kind"`
	Zone   geofence.Zone    `json:"zone"`
	Text   string           `json:"text"`
	Spoken bool             `json:"spoken"`
	At     time.Time        `json:"at"`
}

// ZoneAnnouncer detects zone enter and exit edges. Staying inside the same
// zone, or outside every zone, produces nothing.
type ZoneAnnouncer struct {
	cfg    AnnouncerConfig
	active *geofence.Zone
	guard  busyGuard
}

// NewZoneAnnouncer returns an announcer with no active zone.
func NewZoneAnnouncer(cfg AnnouncerConfig) *ZoneAnnouncer {
	return &ZoneAnnouncer{cfg: cfg}
}

// OnZone folds the zone resolved for the latest fix. zone is nil outside
// every zone.
func (a *ZoneAnnouncer) OnZone(zone *geofence.Zone, at time.Time) *Announcement {
	prev := a.active
	switch {
	case zone != nil && (prev == nil || prev.ID != zone.ID):
		z := *zone
		a.active = &z
		return &Announcement{
			Kind:   AnnounceEnter,
			Zone:   z,
			Text:   fmt.Sprintf("Entering %s zone, limit %d km/h", z.Category, z.SpeedLimitKmh),
			Spoken: a.guard.TryAcquire(at, a.cfg.EnterBusy),
			At:     at,
		}
	case zone == nil && prev != nil:
		a.active = nil
		return &Announcement{
			Kind:   AnnounceExit,
			Zone:   *prev,
			Text:   fmt.Sprintf("Leaving %s zone", prev.Category),
			Spoken: a.guard.TryAcquire(at, a.cfg.ExitBusy),
			At:     at,
		}
	}
	return nil
}

// Active returns the zone the driver is currently inside, if any.
func (a *ZoneAnnouncer) Active() *geofence.Zone {
	if a.active == nil {
		return nil
	}
	z := *a.active
	return &z
}

// Reset forgets the active zone so the next fix inside a zone announces it
// again.
func (a *ZoneAnnouncer) Reset() {
	a.active = nil
}
