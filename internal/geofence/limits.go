package geofence

import (
	"math"

	"github.com/s0uth-cloud/droptimize-driver/internal/config"
)

// LimitSource tags which tier of the fallback chain supplied a speed limit.
type LimitSource string

const (
	LimitFromAdmin    LimitSource = "admin"
	LimitFromCategory LimitSource = "category"
	LimitFromGlobal   LimitSource = "global"
)

// Limit is a resolved speed limit together with where it came from.
type Limit struct {
	Kmh    int         `json:"kmh"`
	Source LimitSource `json:"source"`
}

// Limits holds the category table and global default used when a zone has
// no usable admin-set limit.
type Limits struct {
	GlobalKmh   int
	CategoryKmh map[Category]int
}

// DefaultLimits returns the built-in category table and global default.
func DefaultLimits() Limits {
	return LimitsFromTuning(config.EmptyTrackerConfig())
}

// LimitsFromTuning builds Limits from a loaded TrackerConfig.
func LimitsFromTuning(cfg *config.TrackerConfig) Limits {
	byKey := cfg.GetCategorySpeedLimitsKmh()
	table := make(map[Category]int, len(byKey))
	for _, c := range []Category{CategoryCrosswalk, CategorySchool, CategoryChurch, CategoryCurve, CategorySlowdown} {
		if v, ok := byKey[c.Key()]; ok {
			table[c] = v
		}
	}
	return Limits{GlobalKmh: cfg.GetGlobalSpeedLimitKmh(), CategoryKmh: table}
}

// Global returns the limit that applies outside every zone.
func (l Limits) Global() Limit {
	return Limit{Kmh: l.GlobalKmh, Source: LimitFromGlobal}
}

// Resolve picks the effective limit for a zone: a positive admin value wins,
// then the category default, then the global default. Zero, negative and
// non-finite admin values fall through rather than propagating.
func (l Limits) Resolve(admin *float64, category Category) Limit {
	if admin != nil && !math.IsInf(*admin, 0) && !math.IsNaN(*admin) {
		if kmh := int(math.Round(*admin)); kmh > 0 {
			return Limit{Kmh: kmh, Source: LimitFromAdmin}
		}
	}
	if v, ok := l.CategoryKmh[category]; ok && v > 0 {
		return Limit{Kmh: v, Source: LimitFromCategory}
	}
	return l.Global()
}
