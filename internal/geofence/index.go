package geofence

import (
	"context"
	"fmt"

	"github.com/s0uth-cloud/droptimize-driver/internal/config"
	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/monitoring"
)

var logf = monitoring.Component("geofence")

// Source loads the raw zone list attached to a branch document.
type Source interface {
	BranchZones(ctx context.Context, branchID string) ([]RawZone, error)
}

// IndexConfig holds the parameters used when building zones.
type IndexConfig struct {
	DefaultRadiusMeters float64
	Limits              Limits
}

// IndexConfigFromTuning builds an IndexConfig from a loaded TrackerConfig.
func IndexConfigFromTuning(cfg *config.TrackerConfig) IndexConfig {
	return IndexConfig{
		DefaultRadiusMeters: cfg.GetDefaultZoneRadiusMeters(),
		Limits:              LimitsFromTuning(cfg),
	}
}

// Index holds the zones of one branch in load order. It is owned by the
// tracking goroutine and is not safe for concurrent mutation.
type Index struct {
	cfg      IndexConfig
	branchID string
	zones    []Zone
}

// NewIndex returns an empty index; every lookup falls back to the global
// limit until Load or Replace succeeds.
func NewIndex(cfg IndexConfig) *Index {
	if cfg.DefaultRadiusMeters <= 0 {
		cfg.DefaultRadiusMeters = 15
	}
	if cfg.Limits.GlobalKmh <= 0 {
		cfg.Limits = DefaultLimits()
	}
	return &Index{cfg: cfg}
}

// Load fetches the branch's zones from src and replaces the index contents.
// On failure the index degrades to no zones and the error is returned for
// logging; callers keep tracking against the global limit.
func (ix *Index) Load(ctx context.Context, src Source, branchID string) error {
	ix.branchID = branchID
	if branchID == "" {
		ix.zones = nil
		return nil
	}
	raw, err := src.BranchZones(ctx, branchID)
	if err != nil {
		ix.zones = nil
		return fmt.Errorf("failed to load zones for branch %s: %w", branchID, err)
	}
	ix.Replace(branchID, raw)
	return nil
}

// Replace builds zones from raw entries, skipping entries without a usable
// center. Order is preserved.
func (ix *Index) Replace(branchID string, raw []RawZone) {
	ix.branchID = branchID
	zones := make([]Zone, 0, len(raw))
	for i, r := range raw {
		z, err := ix.build(i, r)
		if err != nil {
			logf("branch %s: skipping zone %d: %v", branchID, i, err)
			continue
		}
		zones = append(zones, z)
	}
	ix.zones = zones
	logf("branch %s: loaded %d of %d zones", branchID, len(zones), len(raw))
}

func (ix *Index) build(i int, r RawZone) (Zone, error) {
	if r.Lat == nil || r.Lng == nil {
		return Zone{}, fmt.Errorf("missing center")
	}
	center := geo.Coordinate{Lat: *r.Lat, Lng: *r.Lng}
	if !center.Valid() {
		return Zone{}, fmt.Errorf("invalid center %v", center)
	}
	category, err := ParseCategory(r.Category)
	if err != nil {
		logf("zone %q: %v, using default category", r.ID, err)
	}
	radius := r.RadiusMeters
	if radius <= 0 {
		radius = ix.cfg.DefaultRadiusMeters
	}
	id := r.ID
	if id == "" {
		id = fmt.Sprintf("zone-%d", i)
	}
	limit := ix.cfg.Limits.Resolve(r.SpeedLimitKmh, category)
	return Zone{
		ID:            id,
		Category:      category,
		Center:        center,
		RadiusMeters:  radius,
		SpeedLimitKmh: limit.Kmh,
		LimitSource:   limit.Source,
	}, nil
}

// Resolve returns the first zone in load order containing c. Overlapping
// zones are not arbitrated by distance or category.
func (ix *Index) Resolve(c geo.Coordinate) (Zone, bool) {
	if !c.Valid() {
		return Zone{}, false
	}
	for _, z := range ix.zones {
		if z.Contains(c) {
			return z, true
		}
	}
	return Zone{}, false
}

// LimitAt returns the speed limit that applies at c together with the zone
// that supplied it, if any.
func (ix *Index) LimitAt(c geo.Coordinate) (Limit, *Zone) {
	if z, ok := ix.Resolve(c); ok {
		return Limit{Kmh: z.SpeedLimitKmh, Source: z.LimitSource}, &z
	}
	return ix.cfg.Limits.Global(), nil
}

// GlobalLimit returns the limit that applies outside every zone.
func (ix *Index) GlobalLimit() int {
	return ix.cfg.Limits.GlobalKmh
}

// BranchID returns the branch the index was last loaded for.
func (ix *Index) BranchID() string {
	return ix.branchID
}

// Zones returns a copy of the loaded zones in load order.
func (ix *Index) Zones() []Zone {
	out := make([]Zone, len(ix.zones))
	copy(out, ix.zones)
	return out
}
