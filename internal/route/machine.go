// Package route plays a list of waypoints back as continuous simulated
// movement: a pure state machine decides each tick, a player turns the
// decisions into move and update_location commands.
package route

import (
	"errors"
	"fmt"
	"math"

	"github.com/g960059/portal/internal/geo"
	"github.com/g960059/portal/internal/model"
)

const DefaultArrivalThreshold = 1.0 // meters

var (
	ErrNoWaypoints = errors.New("route: no waypoints")
	ErrActive      = errors.New("route: already navigating")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNavigating
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNavigating:
		return "navigating"
	case PhaseCompleted:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type Action int

const (
	// ActionHold does nothing this tick.
	ActionHold Action = iota
	// ActionSnap sets the position exactly to To and advances the stage.
	ActionSnap
	// ActionMove travels Distance meters along Bearing.
	ActionMove
)

func (a Action) String() string {
	switch a {
	case ActionSnap:
		return "snap"
	case ActionMove:
		return "move"
	default:
		return "hold"
	}
}

// Step is one tick's decision.
type Step struct {
	Action   Action
	Stage    int
	To       model.Waypoint
	Distance float64
	Bearing  float64
	// Remaining is the geodesic distance to the stage waypoint before the
	// step is applied.
	Remaining float64
	// Last marks the snap onto the final waypoint.
	Last bool
}

// Machine is Idle, Navigating(stage) or Completed. It is not safe for
// concurrent use; the player owns it.
type Machine struct {
	waypoints []model.Waypoint
	threshold float64
	phase     Phase
	stage     int
}

func NewMachine(waypoints []model.Waypoint, threshold float64) (*Machine, error) {
	if len(waypoints) == 0 {
		return nil, ErrNoWaypoints
	}
	for i, w := range waypoints {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("waypoint %d: %w", i, err)
		}
	}
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultArrivalThreshold
	}
	return &Machine{
		waypoints: append([]model.Waypoint(nil), waypoints...),
		threshold: threshold,
	}, nil
}

func (m *Machine) Phase() Phase {
	return m.phase
}

func (m *Machine) Stage() int {
	return m.stage
}

func (m *Machine) Waypoints() []model.Waypoint {
	return append([]model.Waypoint(nil), m.waypoints...)
}

func (m *Machine) Threshold() float64 {
	return m.threshold
}

// Start enters Navigating(0). The returned step snaps to the first
// waypoint without advancing the stage.
func (m *Machine) Start() (Step, error) {
	if m.phase == PhaseNavigating {
		return Step{}, ErrActive
	}
	m.phase = PhaseNavigating
	m.stage = 0
	return Step{Action: ActionSnap, Stage: 0, To: m.waypoints[0]}, nil
}

// Plan decides the tick from pos with a per-tick travel distance of
// stepMeters. It does not change the machine; Commit does.
func (m *Machine) Plan(pos model.Waypoint, stepMeters float64) Step {
	if m.phase != PhaseNavigating {
		return Step{Action: ActionHold, Stage: m.stage}
	}
	target := m.waypoints[m.stage]
	dist, azimuth := geo.Inverse(pos.Lat, pos.Lon, target.Lat, target.Lon)
	if dist < m.threshold || dist < stepMeters {
		return Step{
			Action:    ActionSnap,
			Stage:     m.stage,
			To:        target,
			Remaining: dist,
			Last:      m.stage == len(m.waypoints)-1,
		}
	}
	if stepMeters <= 0 || math.IsNaN(stepMeters) {
		return Step{Action: ActionHold, Stage: m.stage, Remaining: dist}
	}
	return Step{
		Action:    ActionMove,
		Stage:     m.stage,
		Distance:  stepMeters,
		Bearing:   geo.NormalizeBearing(azimuth),
		Remaining: dist,
	}
}

// Commit applies a planned step once its command succeeded. A snap moves to
// the next stage, and past the last waypoint to Completed with the stage
// reset to 0.
func (m *Machine) Commit(s Step) {
	if m.phase != PhaseNavigating || s.Action != ActionSnap || s.Stage != m.stage {
		return
	}
	m.stage++
	if m.stage >= len(m.waypoints) {
		m.phase = PhaseCompleted
		m.stage = 0
	}
}

// Reset returns to Idle so the route can be re-armed.
func (m *Machine) Reset() {
	m.phase = PhaseIdle
	m.stage = 0
}

// PathLength is the geodesic length of the waypoint chain.
func PathLength(waypoints []model.Waypoint) float64 {
	var total float64
	for i := 1; i < len(waypoints); i++ {
		d, _ := geo.Inverse(waypoints[i-1].Lat, waypoints[i-1].Lon, waypoints[i].Lat, waypoints[i].Lon)
		total += d
	}
	return total
}
