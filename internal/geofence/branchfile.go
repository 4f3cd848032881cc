package geofence

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BranchFile is the on-disk YAML layout used to seed a branch's zones.
type BranchFile struct {
	Branch string       `yaml:"branch" validate:"required"`
	Name   string       `yaml:"name"`
	Zones  []ZoneRecord `yaml:"zones" validate:"dive"`
}

// ZoneRecord is one zone entry in a BranchFile. Limits and radius are
// optional; a zero or missing value falls back at load time.
type ZoneRecord struct {
	ID            string   `yaml:"id" validate:"required"`
	Category      string   `yaml:"category" validate:"omitempty,oneof=default crosswalk school church curve slippery slowdown"`
	Lat           float64  `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng           float64  `yaml:"lng" validate:"gte=-180,lte=180"`
	RadiusMeters  float64  `yaml:"radius" validate:"gte=0"`
	SpeedLimitKmh *float64 `yaml:"speed_limit" validate:"omitempty,gte=0"`
}

var validate = validator.New()

// ParseBranchFile decodes and validates a YAML branch file.
func ParseBranchFile(data []byte) (*BranchFile, error) {
	var f BranchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse branch file: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid branch file: %w", err)
	}
	seen := make(map[string]bool, len(f.Zones))
	for _, z := range f.Zones {
		if seen[z.ID] {
			return nil, fmt.Errorf("invalid branch file: duplicate zone id %q", z.ID)
		}
		seen[z.ID] = true
	}
	return &f, nil
}

// RawZones converts the file's zone records into the stored representation,
// preserving file order.
func (f *BranchFile) RawZones() []RawZone {
	out := make([]RawZone, 0, len(f.Zones))
	for _, z := range f.Zones {
		lat, lng := z.Lat, z.Lng
		out = append(out, RawZone{
			ID:            z.ID,
			Category:      z.Category,
			Lat:           &lat,
			Lng:           &lng,
			RadiusMeters:  z.RadiusMeters,
			SpeedLimitKmh: z.SpeedLimitKmh,
		})
	}
	return out
}
