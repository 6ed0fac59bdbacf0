package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000

// Campus reference point and geofence radius.
const (
	CampusLat          = 22.3039
	CampusLng          = 73.3620
	CampusRadiusMeters = 2000
)

// Distance returns the great-circle distance in meters between two points
// given in degrees, using the haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	Δφ := (lat2 - lat1) * math.Pi / 180
	Δλ := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(Δφ/2)*math.Sin(Δφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Fence is a circular geofence around a reference point.
type Fence struct {
	Lat          float64
	Lng          float64
	RadiusMeters float64
}

// CampusFence returns the default campus boundary.
func CampusFence() Fence {
	return Fence{Lat: CampusLat, Lng: CampusLng, RadiusMeters: CampusRadiusMeters}
}

// Contains reports whether the point lies inside the fence. The boundary is inclusive.
func (f Fence) Contains(lat, lng float64) bool {
	return f.DistanceFrom(lat, lng) <= f.RadiusMeters
}

// DistanceFrom returns the distance between the point and the fence center.
func (f Fence) DistanceFrom(lat, lng float64) float64 {
	return Distance(lat, lng, f.Lat, f.Lng)
}

// ValidCoordinate reports whether lat/lng are finite and within range.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
