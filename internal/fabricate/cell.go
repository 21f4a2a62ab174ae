package fabricate

import (
	"math"
	"math/rand/v2"

	"github.com/g960059/portal/internal/model"
)

// CellKey is a coordinate rounded to 3 decimals (about 100 m).
type CellKey struct {
	Lat int64
	Lon int64
}

func CellKeyFor(lat, lon float64) CellKey {
	return CellKey{Lat: int64(math.Round(lat * 1000)), Lon: int64(math.Round(lon * 1000))}
}

// CellTower derives a stable serving cell from the rounded coordinate, so
// the same spot always reports the same tower.
func CellTower(key CellKey) model.CellTower {
	rng := rand.New(rand.NewPCG(uint64(key.Lat), uint64(key.Lon)))
	return model.CellTower{
		MCC:    460,
		MNC:    rng.IntN(11),
		LAC:    1 + rng.IntN(65534),
		CID:    1 + rng.IntN(65534),
		PSC:    rng.IntN(511),
		Signal: -110 + rng.IntN(51),
	}
}
