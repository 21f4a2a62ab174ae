package pool

import (
	"math"

	"github.com/g960059/portal/internal/geo"
)

const DefaultDistanceCacheSize = 200

// distanceGrid is the coordinate quantum of the distance cache, about a
// meter at the equator.
const distanceGrid = 1e5

type distanceKey struct {
	lat1, lon1, lat2, lon2 int64
}

// Distances memoizes haversine distances between points snapped to a
// 1e-5 degree grid. Results are computed on the snapped points, so a hit
// and a miss for the same key agree.
type Distances struct {
	cache *Cache[distanceKey, float64]
}

func NewDistances(size int) (*Distances, error) {
	if size <= 0 {
		size = DefaultDistanceCacheSize
	}
	cache, err := NewCache[distanceKey, float64](size)
	if err != nil {
		return nil, err
	}
	return &Distances{cache: cache}, nil
}

func snap(v float64) int64 {
	return int64(math.Round(v * distanceGrid))
}

// Haversine returns the great-circle distance in meters.
func (d *Distances) Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	key := distanceKey{snap(lat1), snap(lon1), snap(lat2), snap(lon2)}
	if v, ok := d.cache.Get(key); ok {
		return v
	}
	v := geo.Haversine(
		float64(key.lat1)/distanceGrid, float64(key.lon1)/distanceGrid,
		float64(key.lat2)/distanceGrid, float64(key.lon2)/distanceGrid)
	d.cache.Add(key, v)
	return v
}

func (d *Distances) Len() int {
	return d.cache.Len()
}

func (d *Distances) Purge() {
	d.cache.Purge()
}
