package fabricate

import (
	"math/rand/v2"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
)

const defaultCellCacheSize = 100

// Engine binds the pure fabrication functions to a live store, a clock and
// a random source. It is safe for concurrent use.
type Engine struct {
	store *state.Store
	now   func() time.Time

	mu    sync.Mutex
	rng   *rand.Rand
	steps StepAnchor

	cells *lru.Cache[CellKey, model.CellTower]
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

func NewEngine(store *state.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		now:   time.Now,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(e)
	}
	cells, err := lru.New[CellKey, model.CellTower](defaultCellCacheSize)
	if err == nil {
		e.cells = cells
	}
	return e
}

func (e *Engine) Store() *state.Store {
	return e.store
}

// Location substitutes a fabricated fix for in while mock is enabled. The
// genuine reading is recorded first.
func (e *Engine) Location(in model.Location) model.Location {
	if !e.store.Enabled(state.FeatureMock) {
		return in
	}
	snap := e.store.Snapshot()
	if AlreadyFabricated(snap, in) {
		return in
	}
	e.store.RecordReal(in)
	snap.Bearing = e.store.NextBearing()
	e.mu.Lock()
	defer e.mu.Unlock()
	return synthesize(snap, in, e.now(), e.rng)
}

// Current fabricates a fix with no genuine input.
func (e *Engine) Current() model.Location {
	snap := e.store.Snapshot()
	snap.Bearing = e.store.NextBearing()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Synthesize(snap, e.now(), e.rng)
}

// Sensor fabricates a reading. ok is false when sensor simulation is off
// and raw is returned untouched.
func (e *Engine) Sensor(kind model.SensorKind, raw []float32) (values []float32, ok bool) {
	if !e.store.Enabled(state.FeatureSensorSimulation) {
		return raw, false
	}
	snap := e.store.Snapshot()
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind == model.SensorStepCounter {
		e.anchorSteps(snap, now, raw)
	}
	in := SensorInput{
		Snapshot: snap,
		Now:      now,
		Bearing:  snap.Bearing,
		Steps:    e.steps,
		Raw:      raw,
	}
	return Sensor(kind, in, e.rng), true
}

func (e *Engine) anchorSteps(snap state.Snapshot, now time.Time, raw []float32) {
	if !snap.TransportMode.IsPedestrian() {
		if !e.steps.Start.IsZero() {
			e.steps = StepAnchor{Base: StepCount(SensorInput{Snapshot: snap, Now: now, Steps: e.steps})}
		}
		return
	}
	if e.steps.Start.IsZero() {
		base := e.steps.Base
		if len(raw) > 0 && int64(raw[0]) > base {
			base = int64(raw[0])
		}
		e.steps = StepAnchor{Start: now, Base: base}
	}
}

// Gnss fabricates a constellation view.
func (e *Engine) Gnss() model.GnssStatus {
	baseline := e.store.MinSatellites()
	e.mu.Lock()
	defer e.mu.Unlock()
	return GnssStatus(baseline, e.rng)
}

// CellTower returns the synthesized serving cell for the current position.
func (e *Engine) CellTower() model.CellTower {
	c := e.store.Coordinate()
	key := CellKeyFor(c.Lat, c.Lon)
	if e.cells == nil {
		return CellTower(key)
	}
	if tower, ok := e.cells.Get(key); ok {
		return tower
	}
	tower := CellTower(key)
	e.cells.Add(key, tower)
	return tower
}

// NMEA renders sentences for a freshly fabricated fix.
func (e *Engine) NMEA() []string {
	loc := e.Current()
	return NMEA(loc, int(loc.Extras[model.ExtraSatellites]))
}

// Degrade applies request-quality coarsening with the engine's source.
func (e *Engine) Degrade(loc model.Location, quality model.AccuracyQuality) model.Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Degrade(loc, quality, e.rng)
}

// Now exposes the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}
