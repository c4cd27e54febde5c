package geo

import "math"

// EarthRadiusM is the mean Earth radius used for every great-circle computation.
// Distance accumulation and speed validation must agree on it.
const EarthRadiusM = 6371000.0

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(lat1, lng1, lat2, lng2 float64) float64 {
	if lat1 == lat2 && lng1 == lng2 {
		return 0
	}

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// SpeedKmh converts a distance covered over a duration in seconds to km/h.
// Non-positive durations yield ok=false.
func SpeedKmh(distanceM, seconds float64) (float64, bool) {
	if seconds <= 0 {
		return 0, false
	}
	return distanceM / seconds * 3.6, true
}
