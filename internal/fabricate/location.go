// Package fabricate turns fabrication state into synthesized telemetry.
//
// The functions in this package are pure: they take a state snapshot, the
// current time and a random source and return a sample, so tests can pin the
// clock and seed the source. Engine wraps them with the store, a clock and a
// locked random source for live use.
package fabricate

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/g960059/portal/internal/geo"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
)

// Location fabricates a fix from in. An input that already sits on the
// configured coordinates is returned unchanged.
func Location(snap state.Snapshot, in model.Location, now time.Time, rng *rand.Rand) model.Location {
	if AlreadyFabricated(snap, in) {
		return in
	}
	return synthesize(snap, in, now, rng)
}

// AlreadyFabricated reports whether in carries the configured coordinates.
func AlreadyFabricated(snap state.Snapshot, in model.Location) bool {
	return in.Latitude == snap.Lat && in.Longitude == snap.Lon
}

// Synthesize builds a fix from state alone, without an input reading.
func Synthesize(snap state.Snapshot, now time.Time, rng *rand.Rand) model.Location {
	return synthesize(snap, model.Location{Provider: model.ProviderGPS}, now, rng)
}

func synthesize(snap state.Snapshot, in model.Location, now time.Time, rng *rand.Rand) model.Location {
	out := in
	if out.Provider == "" {
		out.Provider = model.ProviderGPS
	}
	out.Latitude, out.Longitude = Jitter(snap.Lat, snap.Lon, snap.Accuracy, snap.Bearing, rng)
	out.Accuracy = snap.Accuracy
	out.Altitude = snap.Altitude
	out.HasAltitude = true
	out.Speed = Speed(snap.TransportMode, snap.SpeedAmplitude, now, rng)
	out.HasSpeed = true
	out.Bearing = geo.NormalizeBearing(snap.Bearing)
	out.HasBearing = true
	out.Time = now

	out.Extras = make(map[string]float64, len(in.Extras)+3)
	for k, v := range in.Extras {
		out.Extras[k] = v
	}
	out.Extras[model.ExtraSatellites] = float64(SatelliteCount(snap.MinSatellites, now))
	out.Extras[model.ExtraMaxCn0] = uniform(rng, 35, 50)
	out.Extras[model.ExtraMeanCn0] = uniform(rng, 25, 35)
	return out
}

// Jitter offsets the center by a random distance in [0, accuracy) along the
// bearing rotated by ±45°.
func Jitter(lat, lon, accuracy, bearing float64, rng *rand.Rand) (float64, float64) {
	if accuracy <= 0 {
		return lat, lon
	}
	n := rng.Float64() * accuracy
	angle := bearing + 45
	if rng.IntN(2) == 0 {
		angle = bearing - 45
	}
	return geo.Offset(lat, lon, n, angle)
}

// Speed draws a speed inside the mode's range, perturbed by a slow sinusoid
// scaled by amplitude.
func Speed(mode model.TransportMode, amplitude float64, now time.Time, rng *rand.Rand) float64 {
	p := mode.Profile()
	v := uniform(rng, p.MinSpeed, p.MaxSpeed)
	v += math.Sin(float64(now.UnixMilli())/3000) * 0.2 * amplitude
	return fold(v, p.MinSpeed, p.MaxSpeed)
}

// SatelliteCount is the baseline plus a 30 s sinusoid plus a term that
// changes every 5 s, clamped to [4,35].
func SatelliteCount(baseline int, now time.Time) int {
	ms := now.UnixMilli()
	phase := float64(ms%30000) / 30000 * 2 * math.Pi
	wave := int(math.Sin(phase) * 2)
	bucket := uint64(ms / 5000)
	noise := int(splitmix(bucket)%3) - 1
	n := baseline + wave + noise
	if n < model.MinSatellites {
		return model.MinSatellites
	}
	if n > model.MaxSatellites {
		return model.MaxSatellites
	}
	return n
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}

// fold reflects v back into [lo,hi] and clamps whatever is left over.
func fold(v, lo, hi float64) float64 {
	if v > hi {
		v = hi - (v - hi)
	}
	if v < lo {
		v = lo + (lo - v)
	}
	return math.Max(lo, math.Min(hi, v))
}

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
