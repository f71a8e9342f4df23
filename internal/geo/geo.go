package geo

import "math"

const (
	EarthRadiusKm          = 6371.0
	DefaultWalkingSpeedKmh = 4.0
)

// DistanceKm is the haversine great-circle distance in kilometres.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// WalkingTimeMinutes converts a distance to minutes at the given speed.
func WalkingTimeMinutes(distanceKm, speedKmh float64) float64 {
	if distanceKm <= 0 {
		return 0
	}
	if speedKmh <= 0 {
		speedKmh = DefaultWalkingSpeedKmh
	}
	return distanceKm / speedKmh * 60
}

// Interpolate returns the point at fraction progress along the straight
// line between two coordinates. progress is clamped to [0,1].
func Interpolate(lat1, lon1, lat2, lon2, progress float64) (lat, lon float64) {
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	lat = lat1 + (lat2-lat1)*progress
	lon = lon1 + (lon2-lon1)*progress
	return lat, lon
}

// ValidCoordinates reports whether lat/lon are inside WGS84 bounds.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
