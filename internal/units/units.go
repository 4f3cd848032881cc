// Package units provides speed unit constants and conversions. Tracking
// works in km/h; device speeds arrive in m/s and the API may report mph.
package units

import "math"

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

const (
	kmhPerMPS = 3.6
	mphPerKmh = 0.621371192237334
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// KmhFromMPS converts metres per second to kilometres per hour.
func KmhFromMPS(mps float64) float64 {
	return mps * kmhPerMPS
}

// KmhFromDistance returns the speed in km/h implied by covering meters in
// seconds. Callers are responsible for guarding seconds against zero.
func KmhFromDistance(meters, seconds float64) float64 {
	return KmhFromMPS(meters / seconds)
}

// FromKmh converts a km/h speed into the target units. Unknown units are
// returned unchanged in km/h.
func FromKmh(kmh float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return kmh / kmhPerMPS
	case MPH:
		return kmh * mphPerKmh
	default:
		return kmh
	}
}

// RoundKmh rounds a speed to the nearest whole km/h, never returning a
// negative value.
func RoundKmh(kmh float64) int {
	if kmh <= 0 || math.IsNaN(kmh) {
		return 0
	}
	return int(math.Round(kmh))
}
