// Package geo provides great-circle distance helpers for WGS84 coordinates.
package geo

import "math"

// EarthRadiusMeters is the mean earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// Coordinate is a WGS84 latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is finite and within WGS84 bounds.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// DistanceMeters returns the haversine distance between a and b in metres.
func DistanceMeters(a, b Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// DistanceKm returns the haversine distance between a and b in kilometres.
func DistanceKm(a, b Coordinate) float64 {
	return DistanceMeters(a, b) / 1000
}

// Offset returns the coordinate reached by moving northMeters and eastMeters
// from c. It uses a local flat-earth approximation and is only accurate for
// short distances, which is all the tests and replay tooling need.
func Offset(c Coordinate, northMeters, eastMeters float64) Coordinate {
	dLat := northMeters / EarthRadiusMeters
	dLng := eastMeters / (EarthRadiusMeters * math.Cos(toRad(c.Lat)))
	return Coordinate{
		Lat: c.Lat + dLat*180/math.Pi,
		Lng: c.Lng + dLng*180/math.Pi,
	}
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
