// Package geofence models the circular slowdown zones attached to a branch
// and resolves which zone, if any, contains a coordinate.
package geofence

import (
	"fmt"
	"strings"

	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
)

// Category is the closed set of zone kinds an admin can draw.
type Category int

const (
	CategoryDefault Category = iota
	CategoryCrosswalk
	CategorySchool
	CategoryChurch
	CategoryCurve
	CategorySlowdown
)

// String returns the display name used in announcements and records.
func (c Category) String() string {
	switch c {
	case CategoryCrosswalk:
		return "Crosswalk"
	case CategorySchool:
		return "School"
	case CategoryChurch:
		return "Church"
	case CategoryCurve:
		return "Curve/Slippery"
	case CategorySlowdown:
		return "Slowdown"
	default:
		return "Default"
	}
}

// Key returns the lower-case config key for the category.
func (c Category) Key() string {
	switch c {
	case CategoryCrosswalk:
		return "crosswalk"
	case CategorySchool:
		return "school"
	case CategoryChurch:
		return "church"
	case CategoryCurve:
		return "curve"
	case CategorySlowdown:
		return "slowdown"
	default:
		return "default"
	}
}

// MarshalText encodes the category by its config key.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.Key()), nil
}

// UnmarshalText decodes any spelling accepted by ParseCategory.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory maps the free-form names found in branch documents onto a
// Category. The empty string is the default category.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return CategoryDefault, nil
	case "crosswalk", "pedestrian", "pedestrian crossing":
		return CategoryCrosswalk, nil
	case "school":
		return CategorySchool, nil
	case "church":
		return CategoryChurch, nil
	case "curve", "slippery", "curve/slippery", "slippery road":
		return CategoryCurve, nil
	case "slowdown", "slow down":
		return CategorySlowdown, nil
	default:
		return CategoryDefault, fmt.Errorf("unknown zone category %q", s)
	}
}

// RawZone is a zone entry as stored on the branch document. Fields are
// optional because admins edit them by hand.
type RawZone struct {
	ID            string   `json:"id" yaml:"id"`
	Category      string   `json:"category" yaml:"category"`
	Lat           *float64 `json:"lat,omitempty" yaml:"lat"`
	Lng           *float64 `json:"lng,omitempty" yaml:"lng"`
	RadiusMeters  float64  `json:"radius,omitempty" yaml:"radius"`
	SpeedLimitKmh *float64 `json:"speed_limit,omitempty" yaml:"speed_limit"`
}

// Zone is a resolved, validated zone ready for containment checks.
type Zone struct {
	ID            string         `json:"id"`
	Category      Category       `json:"category"`
	Center        geo.Coordinate `json:"center"`
	RadiusMeters  float64        `json:"radius_meters"`
	SpeedLimitKmh int            `json:"speed_limit_kmh"`
	LimitSource   LimitSource    `json:"limit_source"`
}

// Contains reports whether c lies within the zone's radius.
func (z Zone) Contains(c geo.Coordinate) bool {
	return geo.DistanceMeters(z.Center, c) <= z.RadiusMeters
}
