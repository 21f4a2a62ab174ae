// Package geo holds the distance and bearing math shared by fabrication and
// route playback. Small-scale offsets use a spherical equirectangular
// projection; navigation uses the WGS84 ellipsoid.
package geo

import (
	"math"

	"github.com/tidwall/geodesic"
)

// EarthRadius is the mean spherical radius in meters.
const EarthRadius = 6371000.0

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// NormalizeBearing maps any real bearing into [0,360). Non-finite input maps
// to 0 and the result is never negative zero.
func NormalizeBearing(b float64) float64 {
	if math.IsNaN(b) || math.IsInf(b, 0) {
		return 0
	}
	b = math.Mod(b, 360)
	if b < 0 {
		b += 360
	}
	if b >= 360 {
		b -= 360
	}
	return b + 0.0
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// InitialBearing returns the spherical forward azimuth in [0,360).
func InitialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dLon := toRad(lon2 - lon1)
	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)
	return NormalizeBearing(toDeg(math.Atan2(y, x)))
}

// Offset projects a displacement of distance meters along bearing degrees
// with the equirectangular approximation. Only valid for short distances.
func Offset(lat, lon, distance, bearing float64) (float64, float64) {
	theta := toRad(bearing)
	dLat := distance * math.Cos(theta) / EarthRadius
	dLon := distance * math.Sin(theta) / (EarthRadius * math.Cos(toRad(lat)))
	return ClampLat(lat + toDeg(dLat)), WrapLon(lon + toDeg(dLon))
}

// Inverse solves the WGS84 inverse problem: distance in meters and the
// initial azimuth at the first point, normalized into [0,360).
func Inverse(lat1, lon1, lat2, lon2 float64) (distance, azimuth float64) {
	var s12, azi1 float64
	geodesic.WGS84.Inverse(lat1, lon1, lat2, lon2, &s12, &azi1, nil)
	return s12, NormalizeBearing(azi1)
}

// Direct solves the WGS84 direct problem.
func Direct(lat, lon, azimuth, distance float64) (float64, float64) {
	var lat2, lon2 float64
	geodesic.WGS84.Direct(lat, lon, azimuth, distance, &lat2, &lon2, nil)
	return lat2, WrapLon(lon2)
}

func ClampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

// WrapLon folds a longitude back into [-180,180].
func WrapLon(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

// ValidCoordinate reports whether lat/lon are inside their ranges.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
