// Package pool holds the bounded resources shared by the daemon: a reusable
// sample pool, LRU caches, the listener and geofence registries and the
// background throttle.
package pool

import (
	"sync"
	"time"

	"github.com/g960059/portal/internal/model"
)

const (
	DefaultSampleCapacity = 20
	DefaultSampleWarm     = 5
	DefaultMaxReuse       = 100
)

// Sample is a mutable location record handed out by SamplePool.
type Sample struct {
	model.Location
	reuse int
}

func (s *Sample) Reuses() int {
	return s.reuse
}

func (s *Sample) clearTransient() {
	s.Time = time.Time{}
	clear(s.Extras)
}

func (s *Sample) clearPosition() {
	s.Latitude, s.Longitude = 0, 0
	s.Altitude, s.HasAltitude = 0, false
	s.Accuracy = 0
	s.Speed, s.HasSpeed = 0, false
	s.Bearing, s.HasBearing = 0, false
	s.Provider = ""
}

type PoolStats struct {
	Obtained  uint64  `json:"obtained"`
	Recycled  uint64  `json:"recycled"`
	Created   uint64  `json:"created"`
	Hits      uint64  `json:"hits"`
	Discarded uint64  `json:"discarded"`
	Idle      int     `json:"idle"`
	HitRate   float64 `json:"hit_rate"`
}

// SamplePool reuses samples in FIFO order. A sample is dropped once it has
// been reused maxReuse times.
type SamplePool struct {
	idle     chan *Sample
	maxReuse int

	mu    sync.Mutex
	stats PoolStats
}

func NewSamplePool(capacity, warm, maxReuse int) *SamplePool {
	if capacity <= 0 {
		capacity = DefaultSampleCapacity
	}
	if maxReuse <= 0 {
		maxReuse = DefaultMaxReuse
	}
	warm = min(max(warm, 0), capacity)
	p := &SamplePool{
		idle:     make(chan *Sample, capacity),
		maxReuse: maxReuse,
	}
	for range warm {
		p.idle <- newSample()
		p.stats.Created++
	}
	return p
}

func newSample() *Sample {
	return &Sample{Location: model.Location{Extras: map[string]float64{}}}
}

// Obtain returns an idle sample with time and extras cleared, or a new one.
func (p *SamplePool) Obtain() *Sample {
	for {
		select {
		case s := <-p.idle:
			if s.reuse >= p.maxReuse {
				p.count(func(st *PoolStats) { st.Discarded++ })
				continue
			}
			s.reuse++
			s.clearTransient()
			p.count(func(st *PoolStats) {
				st.Obtained++
				st.Hits++
			})
			return s
		default:
			p.count(func(st *PoolStats) {
				st.Obtained++
				st.Created++
			})
			return newSample()
		}
	}
}

// Recycle clears the position fields and returns s to the pool. Worn-out
// samples and samples arriving at a full pool are dropped.
func (p *SamplePool) Recycle(s *Sample) {
	if s == nil {
		return
	}
	s.clearPosition()
	if s.reuse >= p.maxReuse {
		p.count(func(st *PoolStats) { st.Discarded++ })
		return
	}
	select {
	case p.idle <- s:
		p.count(func(st *PoolStats) { st.Recycled++ })
	default:
		p.count(func(st *PoolStats) { st.Discarded++ })
	}
}

func (p *SamplePool) Stats() PoolStats {
	p.mu.Lock()
	st := p.stats
	p.mu.Unlock()
	st.Idle = len(p.idle)
	if st.Obtained > 0 {
		st.HitRate = float64(st.Hits) / float64(st.Obtained)
	}
	return st
}

// Drain empties the pool.
func (p *SamplePool) Drain() int {
	n := 0
	for {
		select {
		case <-p.idle:
			n++
		default:
			return n
		}
	}
}

func (p *SamplePool) count(fn func(*PoolStats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}
