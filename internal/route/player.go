package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/loop"
	"github.com/g960059/portal/internal/metrics"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/wire"
)

const DefaultTickInterval = time.Second

// Caller sends one command and leaves the reply in env.
type Caller interface {
	Call(ctx context.Context, env *wire.Envelope) error
}

type CallerFunc func(ctx context.Context, env *wire.Envelope) error

func (f CallerFunc) Call(ctx context.Context, env *wire.Envelope) error {
	return f(ctx, env)
}

// DispatcherCaller calls d in-process with token.
func DispatcherCaller(d *dispatch.Dispatcher, token string) Caller {
	return CallerFunc(func(ctx context.Context, env *wire.Envelope) error {
		return d.Dispatch(ctx, token, env)
	})
}

type Options struct {
	Threshold float64
	Interval  time.Duration
	// Step fixes the distance per tick in meters. Zero derives it from the
	// current speed and Interval on every tick.
	Step   float64
	Logger *slog.Logger
	// Ticks replaces the wall-clock ticker.
	Ticks  <-chan time.Time
	OnStep func(Step)
}

// Player drives a Machine through a Caller on a loop.Task.
type Player struct {
	caller Caller
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	machine *Machine
	pos     model.Waypoint
	task    *loop.Task
}

func NewPlayer(caller Caller, waypoints []model.Waypoint, opts Options) (*Player, error) {
	if caller == nil {
		return nil, fmt.Errorf("route: caller is required")
	}
	m, err := NewMachine(waypoints, opts.Threshold)
	if err != nil {
		return nil, err
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Player{caller: caller, opts: opts, machine: m, logger: opts.Logger}, nil
}

// Start switches the target to route mode, snaps to the first waypoint and
// starts ticking.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	first, err := p.machine.Start()
	if err != nil {
		return err
	}
	if err := p.call(ctx, wire.NewEnvelope(wire.CmdEnableRouteMode)); err != nil {
		p.machine.Reset()
		return err
	}
	if err := p.snap(ctx, first.To); err != nil {
		p.machine.Reset()
		return err
	}
	opts := []loop.Option{loop.WithLogger(p.logger)}
	if p.opts.Ticks != nil {
		opts = append(opts, loop.WithTicks(p.opts.Ticks))
	}
	p.task = loop.New("route", p.opts.Interval, p.tick, opts...)
	p.task.Start(ctx)
	p.logger.Info("route started", "waypoints", len(p.machine.waypoints), "length_m", PathLength(p.machine.waypoints))
	return nil
}

func (p *Player) tick(ctx context.Context, _ time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.machine.Phase() != PhaseNavigating {
		return true, nil
	}
	// Another controller may have moved the target since the last tick.
	if err := p.refresh(ctx); err != nil {
		return false, err
	}
	stepMeters, err := p.stepLength(ctx)
	if err != nil {
		return false, err
	}
	s := p.machine.Plan(p.pos, stepMeters)
	metrics.RouteTick(s.Action.String())
	switch s.Action {
	case ActionMove:
		env := wire.NewEnvelope(wire.CmdMove).
			Set(wire.FieldN, wire.Float64(s.Distance)).
			Set(wire.FieldBearing, wire.Float64(s.Bearing))
		if err := p.call(ctx, env); err != nil {
			return false, err
		}
		p.pos = positionOf(env, p.pos)
	case ActionSnap:
		if err := p.snap(ctx, s.To); err != nil {
			return false, err
		}
		p.machine.Commit(s)
	}
	if p.opts.OnStep != nil {
		p.opts.OnStep(s)
	}
	if p.machine.Phase() == PhaseCompleted {
		p.logger.Info("route completed")
		if err := p.call(ctx, wire.NewEnvelope(wire.CmdDisableRouteMode)); err != nil {
			p.logger.Warn("disable route mode failed", "err", err)
		}
		return true, nil
	}
	return false, nil
}

// refresh reads the target's configured position, without jitter.
func (p *Player) refresh(ctx context.Context) error {
	env := wire.NewEnvelope(wire.CmdGetLocation).Set(wire.FieldRaw, wire.Bool(true))
	if err := p.call(ctx, env); err != nil {
		return err
	}
	p.pos = positionOf(env, p.pos)
	return nil
}

func (p *Player) stepLength(ctx context.Context) (float64, error) {
	if p.opts.Step > 0 {
		return p.opts.Step, nil
	}
	env := wire.NewEnvelope(wire.CmdGetSpeed)
	if err := p.call(ctx, env); err != nil {
		return 0, err
	}
	v, _ := env.Get(wire.FieldSpeed)
	speed, ok := v.AsFloat64()
	if !ok {
		return 0, fmt.Errorf("%w: get_speed reply has no speed", wire.ErrCommandRejected)
	}
	return speed * p.opts.Interval.Seconds(), nil
}

func (p *Player) snap(ctx context.Context, to model.Waypoint) error {
	env := wire.NewEnvelope(wire.CmdUpdateLocation).
		Set(wire.FieldLat, wire.Float64(to.Lat)).
		Set(wire.FieldLon, wire.Float64(to.Lon)).
		Set(wire.FieldMode, wire.String(wire.ModeAbsolute))
	if err := p.call(ctx, env); err != nil {
		return err
	}
	p.pos = to
	return nil
}

func (p *Player) call(ctx context.Context, env *wire.Envelope) error {
	if err := p.caller.Call(ctx, env); err != nil {
		return fmt.Errorf("%s: %w", env.CommandID, err)
	}
	return nil
}

// positionOf reads the coordinate a move reply reports, or keeps fallback.
func positionOf(env *wire.Envelope, fallback model.Waypoint) model.Waypoint {
	latV, okLat := env.Get(wire.FieldLat)
	lonV, okLon := env.Get(wire.FieldLon)
	if !okLat || !okLon {
		return fallback
	}
	lat, ok1 := latV.AsFloat64()
	lon, ok2 := lonV.AsFloat64()
	if !ok1 || !ok2 {
		return fallback
	}
	return model.Waypoint{Lat: lat, Lon: lon}
}

func (p *Player) Pause() {
	if t := p.currentTask(); t != nil {
		t.Pause()
	}
}

func (p *Player) Resume() {
	if t := p.currentTask(); t != nil {
		t.Resume()
	}
}

func (p *Player) Paused() bool {
	t := p.currentTask()
	return t != nil && t.Paused()
}

// Stop cancels playback. A route still navigating is reset and route mode is
// turned off.
func (p *Player) Stop(ctx context.Context) error {
	if t := p.currentTask(); t != nil {
		t.Cancel()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	wasNavigating := p.machine.Phase() == PhaseNavigating
	p.machine.Reset()
	if !wasNavigating {
		return nil
	}
	return p.call(ctx, wire.NewEnvelope(wire.CmdDisableRouteMode))
}

// Wait blocks until playback ends or ctx is done.
func (p *Player) Wait(ctx context.Context) error {
	t := p.currentTask()
	if t == nil {
		return errors.New("route: not started")
	}
	select {
	case <-t.Done():
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the current playback ends.
func (p *Player) Done() <-chan struct{} {
	if t := p.currentTask(); t != nil {
		return t.Done()
	}
	return nil
}

func (p *Player) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Phase()
}

func (p *Player) Stage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Stage()
}

func (p *Player) Position() model.Waypoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *Player) currentTask() *loop.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task
}
