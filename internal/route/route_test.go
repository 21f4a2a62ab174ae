package route

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/geo"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

func sampleRoute() []model.Waypoint {
	a := model.Waypoint{Lat: 31.2304, Lon: 121.4737}
	bLat, bLon := geo.Direct(a.Lat, a.Lon, 0, 10.5)
	cLat, cLon := geo.Direct(bLat, bLon, 90, 7.3)
	return []model.Waypoint{a, {Lat: bLat, Lon: bLon}, {Lat: cLat, Lon: cLon}}
}

// simulate runs the machine against an ideal mover and returns the ticks
// taken and the snapped stages in order.
func simulate(t *testing.T, m *Machine, step float64, limit int) (int, []int) {
	t.Helper()
	first, err := m.Start()
	require.NoError(t, err)
	pos := first.To
	var stages []int
	for tick := 1; tick <= limit; tick++ {
		s := m.Plan(pos, step)
		switch s.Action {
		case ActionMove:
			pos.Lat, pos.Lon = geo.Direct(pos.Lat, pos.Lon, s.Bearing, s.Distance)
		case ActionSnap:
			pos = s.To
			stages = append(stages, s.Stage)
			m.Commit(s)
		}
		if m.Phase() == PhaseCompleted {
			return tick, stages
		}
	}
	return limit + 1, stages
}

func TestMachineCompletesWithinBound(t *testing.T) {
	wps := sampleRoute()
	m, err := NewMachine(wps, 1)
	require.NoError(t, err)
	bound := int(math.Ceil(PathLength(wps)/2)) + 3

	ticks, stages := simulate(t, m, 2, 1000)
	assert.LessOrEqual(t, ticks, bound)
	assert.Equal(t, []int{0, 1, 2}, stages)
	assert.Equal(t, PhaseCompleted, m.Phase())
	assert.Equal(t, 0, m.Stage())
}

func TestMachineBoundHoldsForRandomRoutes(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 29))
	for i := 0; i < 50; i++ {
		wps := []model.Waypoint{{Lat: -60 + 120*rng.Float64(), Lon: -170 + 340*rng.Float64()}}
		for j := 0; j < 1+rng.IntN(4); j++ {
			prev := wps[len(wps)-1]
			lat, lon := geo.Direct(prev.Lat, prev.Lon, 360*rng.Float64(), 1+60*rng.Float64())
			wps = append(wps, model.Waypoint{Lat: lat, Lon: lon})
		}
		m, err := NewMachine(wps, 1)
		require.NoError(t, err)
		// One snap per waypoint on top of the travel ticks.
		bound := int(math.Ceil(PathLength(wps)/2)) + len(wps)
		ticks, stages := simulate(t, m, 2, 10*bound)
		require.LessOrEqual(t, ticks, bound, "route %d: %v", i, wps)
		require.Len(t, stages, len(wps))
		for k, s := range stages {
			require.Equal(t, k, s)
		}
	}
}

func TestMachineSnapsWhenCloserThanStep(t *testing.T) {
	wps := sampleRoute()
	m, err := NewMachine(wps, 1)
	require.NoError(t, err)
	_, err = m.Start()
	require.NoError(t, err)
	m.Commit(m.Plan(wps[0], 2))
	require.Equal(t, 1, m.Stage())

	near := model.Waypoint{}
	near.Lat, near.Lon = geo.Direct(wps[1].Lat, wps[1].Lon, 180, 1.5)
	s := m.Plan(near, 2)
	assert.Equal(t, ActionSnap, s.Action, "1.5 m is under the 2 m step")
	assert.Equal(t, wps[1], s.To)

	s = m.Plan(near, 1)
	assert.Equal(t, ActionMove, s.Action)
	assert.InDelta(t, 0, math.Abs(geo.NormalizeBearing(s.Bearing+180)-180), 1e-6, "heads north")

	hold := m.Plan(near, 0)
	assert.Equal(t, ActionHold, hold.Action)

	// A stale plan does not advance the machine twice.
	snap := m.Plan(wps[1], 2)
	m.Commit(snap)
	m.Commit(snap)
	assert.Equal(t, 2, m.Stage())
}

func TestMachineRejectsBadInput(t *testing.T) {
	_, err := NewMachine(nil, 1)
	require.ErrorIs(t, err, ErrNoWaypoints)
	_, err = NewMachine([]model.Waypoint{{Lat: 91}}, 1)
	require.Error(t, err)

	m, err := NewMachine(sampleRoute(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultArrivalThreshold, m.Threshold())
	_, err = m.Start()
	require.NoError(t, err)
	_, err = m.Start()
	require.ErrorIs(t, err, ErrActive)
	m.Reset()
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Equal(t, ActionHold, m.Plan(model.Waypoint{}, 2).Action)
}

func newLocal(t *testing.T) (*dispatch.Dispatcher, *state.Store) {
	t.Helper()
	store := state.New(state.DefaultSettings())
	engine := fabricate.NewEngine(store, fabricate.WithRand(rand.New(rand.NewPCG(3, 4))))
	d, err := dispatch.New(dispatch.Options{Engine: engine})
	require.NoError(t, err)
	return d, store
}

func TestPlayerDrivesDispatcher(t *testing.T) {
	d, store := newLocal(t)
	wps := sampleRoute()
	ticks := make(chan time.Time)
	var stages []int
	p, err := NewPlayer(DispatcherCaller(d, ""), wps, Options{
		Threshold: 1,
		Step:      2,
		Ticks:     ticks,
		Logger:    slog.New(slog.DiscardHandler),
		OnStep: func(s Step) {
			if s.Action == ActionSnap {
				stages = append(stages, s.Stage)
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, model.LocationModeRoute, store.LocationMode())
	c := store.Coordinate()
	assert.Equal(t, [2]float64{wps[0].Lat, wps[0].Lon}, [2]float64{c.Lat, c.Lon})

	bound := int(math.Ceil(PathLength(wps)/2)) + 3
	sent := 0
loop:
	for sent < 10*bound {
		select {
		case ticks <- time.Now():
			sent++
		case <-p.Done():
			break loop
		}
	}
	require.NoError(t, p.Wait(context.Background()))
	assert.LessOrEqual(t, sent, bound)
	assert.Equal(t, []int{0, 1, 2}, stages)
	assert.Equal(t, PhaseCompleted, p.Phase())
	assert.Equal(t, 0, p.Stage())

	c = store.Coordinate()
	assert.Equal(t, [2]float64{wps[2].Lat, wps[2].Lon}, [2]float64{c.Lat, c.Lon})
	assert.Equal(t, model.LocationModeSinglePoint, store.LocationMode())
}

func TestPlayerPauseSkipsTicks(t *testing.T) {
	d, store := newLocal(t)
	wps := sampleRoute()
	ticks := make(chan time.Time)
	p, err := NewPlayer(DispatcherCaller(d, ""), wps, Options{Step: 2, Ticks: ticks, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	ticks <- time.Now() // snap onto stage 0
	ticks <- time.Now() // first move
	p.Pause()
	require.True(t, p.Paused())
	held := store.Coordinate()
	for i := 0; i < 5; i++ {
		ticks <- time.Now()
	}
	p.Pause()
	assert.Equal(t, held, store.Coordinate())
	assert.Equal(t, 1, p.Stage())

	p.Resume()
	ticks <- time.Now()
	p.Resume()
	assert.NotEqual(t, held, store.Coordinate())

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, PhaseIdle, p.Phase())
	assert.Equal(t, model.LocationModeSinglePoint, store.LocationMode())
}

func TestPlayerDerivesStepFromSpeed(t *testing.T) {
	d, store := newLocal(t)
	require.NoError(t, store.SetSpeed(4))
	wps := sampleRoute()
	ticks := make(chan time.Time)
	var moves []float64
	p, err := NewPlayer(DispatcherCaller(d, ""), wps, Options{
		Interval: 500 * time.Millisecond,
		Ticks:    ticks,
		Logger:   slog.New(slog.DiscardHandler),
		OnStep: func(s Step) {
			if s.Action == ActionMove {
				moves = append(moves, s.Distance)
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	ticks <- time.Now()
	ticks <- time.Now()
	p.Pause()
	require.Equal(t, []float64{2}, moves)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPlayerFollowsExternalRelocation(t *testing.T) {
	d, store := newLocal(t)
	wps := sampleRoute()
	ticks := make(chan time.Time)
	var steps []Step
	p, err := NewPlayer(DispatcherCaller(d, ""), wps, Options{
		Threshold: 1,
		Step:      2,
		Ticks:     ticks,
		Logger:    slog.New(slog.DiscardHandler),
		OnStep:    func(s Step) { steps = append(steps, s) },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	ticks <- time.Now()

	// Someone else drops the target a metre short of the next waypoint.
	lat, lon := geo.Direct(wps[1].Lat, wps[1].Lon, 180, 1)
	require.NoError(t, store.SetLocation(lat, lon))
	ticks <- time.Now()
	p.Pause()

	require.Len(t, steps, 2)
	assert.Equal(t, ActionSnap, steps[0].Action)
	assert.Equal(t, 0, steps[0].Stage)
	assert.Equal(t, ActionSnap, steps[1].Action)
	assert.Equal(t, 1, steps[1].Stage)
	assert.InDelta(t, 1, steps[1].Remaining, 0.01)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPlayerStartFailureResets(t *testing.T) {
	failing := CallerFunc(func(context.Context, *wire.Envelope) error {
		return wire.ErrTransportUnavailable
	})
	p, err := NewPlayer(failing, sampleRoute(), Options{Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	err = p.Start(context.Background())
	require.True(t, errors.Is(err, wire.ErrTransportUnavailable))
	assert.Equal(t, PhaseIdle, p.Phase())
	require.Error(t, p.Wait(context.Background()))
}
