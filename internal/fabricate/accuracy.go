package fabricate

import (
	"math"
	"math/rand/v2"

	"github.com/g960059/portal/internal/model"
)

// Degrade lowers a fix to what a client asking for quality would get from
// the platform.
func Degrade(loc model.Location, quality model.AccuracyQuality, rng *rand.Rand) model.Location {
	switch quality {
	case model.QualityLowPower:
		loc.Latitude = math.Round(loc.Latitude*100) / 100
		loc.Longitude = math.Round(loc.Longitude*100) / 100
		loc.Accuracy = uniform(rng, 500, 2000)
		loc.Speed, loc.HasSpeed = 0, false
		loc.Bearing, loc.HasBearing = 0, false
		loc.Altitude, loc.HasAltitude = 0, false
		loc.Provider = model.ProviderNetwork
	case model.QualityBalanced:
		loc.Accuracy = math.Max(loc.Accuracy, uniform(rng, 20, 50))
	}
	return loc
}
