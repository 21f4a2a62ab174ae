package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/g960059/portal/internal/geo"
	"github.com/g960059/portal/internal/model"
)

const DefaultDwellDelay = 30 * time.Second

var ErrInvalidGeofence = errors.New("invalid geofence")

type fenceState struct {
	fence     model.Geofence
	known     bool
	inside    bool
	enteredAt time.Time
	dwelled   bool
}

// Geofences is an LRU-bounded set of circular fences. Evaluate refreshes
// recency, so fences nobody passes near are evicted first.
type Geofences struct {
	dwell     time.Duration
	distances *Distances

	mu     sync.Mutex
	fences *Cache[string, *fenceState]
}

func NewGeofences(capacity int, dwell time.Duration) (*Geofences, error) {
	if capacity <= 0 {
		capacity = DefaultGeofenceCap
	}
	if dwell <= 0 {
		dwell = DefaultDwellDelay
	}
	cache, err := NewCache[string, *fenceState](capacity)
	if err != nil {
		return nil, err
	}
	distances, err := NewDistances(DefaultDistanceCacheSize)
	if err != nil {
		return nil, err
	}
	return &Geofences{dwell: dwell, distances: distances, fences: cache}, nil
}

// Register adds or replaces a fence. Replacing resets its transition state.
func (g *Geofences) Register(f model.Geofence) error {
	if f.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidGeofence)
	}
	if !geo.ValidCoordinate(f.Lat, f.Lon) {
		return fmt.Errorf("%w: center %v,%v", ErrInvalidGeofence, f.Lat, f.Lon)
	}
	if f.Radius <= 0 {
		return fmt.Errorf("%w: radius %v", ErrInvalidGeofence, f.Radius)
	}
	mask := model.GeofenceEnter | model.GeofenceExit | model.GeofenceDwell
	if f.Transitions&^mask != 0 || f.Transitions == 0 {
		return fmt.Errorf("%w: transitions %d", ErrInvalidGeofence, f.Transitions)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fences.Add(f.ID, &fenceState{fence: f})
	return nil
}

func (g *Geofences) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fences.Remove(id)
}

// PurgeDistances drops memoized fence distances.
func (g *Geofences) PurgeDistances() {
	g.distances.Purge()
}

func (g *Geofences) Len() int {
	return g.fences.Len()
}

func (g *Geofences) Get(id string) (model.Geofence, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.fences.Peek(id)
	if !ok {
		return model.Geofence{}, false
	}
	return st.fence, true
}

// Evaluate moves every fence to the position (lat, lon) and returns the
// transitions their masks ask for, ordered by fence id. The first
// evaluation of a fence only reports enter.
func (g *Geofences) Evaluate(lat, lon float64, now time.Time) []model.GeofenceEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var events []model.GeofenceEvent
	emit := func(f model.Geofence, transition int) {
		if f.Transitions&transition == 0 {
			return
		}
		events = append(events, model.GeofenceEvent{FenceID: f.ID, Target: f.Target, Transition: transition, At: now})
	}
	for _, id := range g.fences.Keys() {
		st, ok := g.fences.Get(id)
		if !ok {
			continue
		}
		inside := g.distances.Haversine(lat, lon, st.fence.Lat, st.fence.Lon) <= st.fence.Radius
		switch {
		case inside && (!st.known || !st.inside):
			st.enteredAt = now
			st.dwelled = false
			emit(st.fence, model.GeofenceEnter)
		case !inside && st.known && st.inside:
			emit(st.fence, model.GeofenceExit)
		case inside && !st.dwelled && now.Sub(st.enteredAt) >= g.dwell:
			st.dwelled = true
			emit(st.fence, model.GeofenceDwell)
		}
		st.known = true
		st.inside = inside
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].FenceID == events[j].FenceID {
			return events[i].Transition < events[j].Transition
		}
		return events[i].FenceID < events[j].FenceID
	})
	return events
}
