package model

import (
	"fmt"
	"strconv"
	"strings"
)

// TransportMode is the coarse locomotion category that drives speed and
// sensor fabrication.
type TransportMode int

const (
	TransportStationary TransportMode = iota
	TransportWalking
	TransportRunning
	TransportCycling
	TransportDriving
	TransportHighSpeed
)

// TransportProfile holds the physical envelope of a transport mode.
// Speeds are in m/s, step frequency in Hz and acceleration in m/s².
type TransportProfile struct {
	Mode          TransportMode
	Name          string
	MinSpeed      float64
	MaxSpeed      float64
	StepFrequency float64
	MinAccel      float64
	MaxAccel      float64
}

var transportProfiles = [...]TransportProfile{
	{Mode: TransportStationary, Name: "stationary", MinSpeed: 0, MaxSpeed: 0.5, StepFrequency: 0, MinAccel: 0, MaxAccel: 0.2},
	{Mode: TransportWalking, Name: "walking", MinSpeed: 0.5, MaxSpeed: 2.0, StepFrequency: 1.8, MinAccel: 0.5, MaxAccel: 1.5},
	{Mode: TransportRunning, Name: "running", MinSpeed: 2.0, MaxSpeed: 5.0, StepFrequency: 2.5, MinAccel: 1.5, MaxAccel: 3.0},
	{Mode: TransportCycling, Name: "cycling", MinSpeed: 3.0, MaxSpeed: 8.0, StepFrequency: 0, MinAccel: 0.3, MaxAccel: 0.8},
	{Mode: TransportDriving, Name: "driving", MinSpeed: 5.0, MaxSpeed: 30.0, StepFrequency: 0, MinAccel: 0.2, MaxAccel: 0.5},
	{Mode: TransportHighSpeed, Name: "high_speed", MinSpeed: 30.0, MaxSpeed: 50.0, StepFrequency: 0, MinAccel: 0.1, MaxAccel: 0.3},
}

// TransportModes lists every mode in index order.
func TransportModes() []TransportMode {
	out := make([]TransportMode, 0, len(transportProfiles))
	for _, p := range transportProfiles {
		out = append(out, p.Mode)
	}
	return out
}

func (m TransportMode) Valid() bool {
	return m >= TransportStationary && int(m) < len(transportProfiles)
}

// Profile returns the envelope for m. Unknown modes fall back to walking.
func (m TransportMode) Profile() TransportProfile {
	if !m.Valid() {
		return transportProfiles[TransportWalking]
	}
	return transportProfiles[m]
}

func (m TransportMode) String() string {
	if !m.Valid() {
		return "unknown"
	}
	return transportProfiles[m].Name
}

// IsPedestrian reports whether the mode produces step events.
func (m TransportMode) IsPedestrian() bool {
	return m == TransportWalking || m == TransportRunning
}

// ParseTransportMode accepts either the mode name or its index.
func ParseTransportMode(raw string) (TransportMode, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range transportProfiles {
		if p.Name == value {
			return p.Mode, nil
		}
	}
	idx, err := strconv.Atoi(value)
	if err == nil && TransportMode(idx).Valid() {
		return TransportMode(idx), nil
	}
	return 0, fmt.Errorf("unknown transport mode %q", raw)
}

// DetectTransportMode derives the mode from a base speed in m/s.
func DetectTransportMode(speed float64) TransportMode {
	switch {
	case speed < 0.5:
		return TransportStationary
	case speed < 2.0:
		return TransportWalking
	case speed < 5.0:
		return TransportRunning
	case speed < 8.0:
		return TransportCycling
	case speed < 30.0:
		return TransportDriving
	default:
		return TransportHighSpeed
	}
}

// LocationMode selects how the simulated position is driven.
type LocationMode int

const (
	LocationModeDisabled LocationMode = iota
	LocationModeSinglePoint
	LocationModeRoute
)

func (m LocationMode) Valid() bool {
	return m >= LocationModeDisabled && m <= LocationModeRoute
}

func (m LocationMode) String() string {
	switch m {
	case LocationModeDisabled:
		return "disabled"
	case LocationModeSinglePoint:
		return "single_point"
	case LocationModeRoute:
		return "route"
	default:
		return "unknown"
	}
}

func ParseLocationMode(raw string) (LocationMode, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for m := LocationModeDisabled; m <= LocationModeRoute; m++ {
		if m.String() == value {
			return m, nil
		}
	}
	idx, err := strconv.Atoi(value)
	if err == nil && LocationMode(idx).Valid() {
		return LocationMode(idx), nil
	}
	return 0, fmt.Errorf("unknown location mode %q", raw)
}
