package fabricate

import (
	"math"
	"math/rand/v2"

	"github.com/g960059/portal/internal/model"
)

type orbitEnvelope struct {
	minCn0, maxCn0 float64
	minElev        float64
	maxElev        float64
}

var orbits = map[model.OrbitClass]orbitEnvelope{
	model.OrbitGEO:  {minCn0: 30, maxCn0: 45, minElev: 35, maxElev: 50},
	model.OrbitIGSO: {minCn0: 25, maxCn0: 42, minElev: 20, maxElev: 60},
	model.OrbitMEO:  {minCn0: 20, maxCn0: 40, minElev: 0, maxElev: 90},
}

// Carrier frequencies in MHz.
var carriers = map[model.Constellation][]float64{
	model.ConstellationGPS:     {1575.42, 1227.60, 1176.45},
	model.ConstellationGLONASS: {1602.0, 1246.0},
	model.ConstellationGalileo: {1575.42, 1176.45},
	model.ConstellationBeiDou:  {1561.098, 1207.140, 1268.520},
}

type catalogEntry struct {
	prn           int
	constellation model.Constellation
	orbit         model.OrbitClass
}

var catalog = buildCatalog()

func buildCatalog() []catalogEntry {
	var out []catalogEntry
	for prn := 1; prn <= 32; prn++ {
		if prn == 4 {
			continue
		}
		out = append(out, catalogEntry{prn, model.ConstellationGPS, model.OrbitMEO})
	}
	for prn := 1; prn <= 24; prn++ {
		out = append(out, catalogEntry{prn, model.ConstellationGLONASS, model.OrbitMEO})
	}
	for _, prn := range []int{1, 2, 3, 4, 5, 7, 8, 9, 11, 12, 13, 14, 15, 18, 19, 21, 22, 24, 25, 26, 27, 30, 31, 33} {
		out = append(out, catalogEntry{prn, model.ConstellationGalileo, model.OrbitMEO})
	}
	beidou := []struct {
		prn   int
		orbit model.OrbitClass
	}{
		{1, model.OrbitGEO}, {2, model.OrbitGEO}, {3, model.OrbitGEO}, {4, model.OrbitGEO}, {5, model.OrbitGEO},
		{6, model.OrbitIGSO}, {7, model.OrbitIGSO}, {8, model.OrbitIGSO}, {9, model.OrbitIGSO}, {10, model.OrbitIGSO},
		{11, model.OrbitMEO}, {12, model.OrbitMEO}, {13, model.OrbitIGSO}, {14, model.OrbitMEO},
		{19, model.OrbitMEO}, {20, model.OrbitMEO}, {21, model.OrbitMEO}, {22, model.OrbitMEO},
		{23, model.OrbitMEO}, {24, model.OrbitMEO}, {25, model.OrbitMEO}, {26, model.OrbitMEO},
		{27, model.OrbitMEO}, {28, model.OrbitMEO}, {29, model.OrbitMEO}, {30, model.OrbitMEO},
	}
	for _, b := range beidou {
		out = append(out, catalogEntry{b.prn, model.ConstellationBeiDou, b.orbit})
	}
	return out
}

// GnssStatus fabricates a satellite constellation view with between
// minSatellites and 35 satellites drawn without repetition.
func GnssStatus(minSatellites int, rng *rand.Rand) model.GnssStatus {
	if minSatellites < model.MinSatellites {
		minSatellites = model.MinSatellites
	}
	if minSatellites > model.MaxSatellites {
		minSatellites = model.MaxSatellites
	}
	count := minSatellites + rng.IntN(model.MaxSatellites-minSatellites+1)

	picks := rng.Perm(len(catalog))[:count]
	sats := make([]model.Satellite, 0, count)
	for _, idx := range picks {
		entry := catalog[idx]
		env := orbits[entry.orbit]
		flags := model.SvidFlagHasCarrier | model.SvidFlagHasBasebandCn0
		if rng.Float64() > 0.1 {
			flags |= model.SvidFlagHasEphemeris
		}
		if rng.Float64() > 0.05 {
			flags |= model.SvidFlagHasAlmanac
		}
		if rng.Float64() > 0.3 {
			flags |= model.SvidFlagUsedInFix
		}
		cn0 := uniform(rng, env.minCn0, env.maxCn0)
		freqs := carriers[entry.constellation]
		sats = append(sats, model.Satellite{
			Svid:             entry.prn,
			Constellation:    entry.constellation,
			Orbit:            entry.orbit,
			Cn0:              cn0,
			BasebandCn0:      cn0 - uniform(rng, 2, 5),
			Elevation:        uniform(rng, env.minElev, env.maxElev),
			Azimuth:          uniform(rng, 0, 360),
			CarrierFrequency: freqs[rng.IntN(len(freqs))],
			Flags:            flags,
		})
	}
	return model.GnssStatus{Count: count, Satellites: sats}
}

// SignalSummary returns the max and mean C/N0 over satellites used in fix.
func SignalSummary(status model.GnssStatus) (maxCn0, meanCn0 float64) {
	var sum float64
	var n int
	for _, s := range status.Satellites {
		if !s.UsedInFix() {
			continue
		}
		maxCn0 = math.Max(maxCn0, s.Cn0)
		sum += s.Cn0
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return maxCn0, sum / float64(n)
}
