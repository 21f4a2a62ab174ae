// Package state holds the live fabrication configuration and simulated
// position. A Store is owned by whoever runs a session and is passed
// explicitly to the fabrication engine and the command dispatcher.
package state

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/g960059/portal/internal/geo"
	"github.com/g960059/portal/internal/model"
)

var (
	ErrOutOfRange = errors.New("value out of range")
	ErrDerived    = errors.New("value is derived")
)

// Coordinate is the atomically published position pair.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Settings seeds a new Store.
type Settings struct {
	Lat                     float64
	Lon                     float64
	Altitude                float64
	Accuracy                float64
	Speed                   float64
	SpeedAmplitude          float64
	TransportMode           model.TransportMode
	AutoDetectTransportMode bool
	StepFrequencyMultiplier float64
	MinSatellites           int
	Features                FeatureSet
}

func DefaultSettings() Settings {
	return Settings{
		Altitude:                80,
		Accuracy:                25,
		Speed:                   1.5,
		SpeedAmplitude:          1.0,
		TransportMode:           model.TransportWalking,
		AutoDetectTransportMode: true,
		StepFrequencyMultiplier: 1.0,
		MinSatellites:           model.DefaultSatelliteBaseline,
		Features: NewFeatureSet(
			FeatureSensorSimulation,
			FeatureRequestGeofence,
			FeatureDisableFusedProvider,
			FeatureDisableNetworkProvider,
			FeatureHookWifi,
			FeatureDowngradeTo2G,
		),
	}
}

// Snapshot is a consistent copy of the fabrication state.
type Snapshot struct {
	Lat                     float64
	Lon                     float64
	Altitude                float64
	Accuracy                float64
	Speed                   float64
	SpeedAmplitude          float64
	Bearing                 float64
	BearingPinned           bool
	TransportMode           model.TransportMode
	AutoDetectTransportMode bool
	StepFrequencyMultiplier float64
	MinSatellites           int
	LocationMode            model.LocationMode
	Features                FeatureSet
}

// StepFrequency is the effective step frequency in Hz.
func (s Snapshot) StepFrequency() float64 {
	return s.TransportMode.Profile().StepFrequency * s.StepFrequencyMultiplier
}

// Store is safe for concurrent use. The coordinate pair is swapped as one
// value, bearing has its own lock, feature toggles are atomics and every
// other field sits behind mu.
type Store struct {
	coord atomic.Pointer[Coordinate]

	bearingMu     sync.Mutex
	bearing       float64
	bearingPinned bool

	features atomic.Uint32

	mu             sync.RWMutex
	altitude       float64
	accuracy       float64
	speed          float64
	speedAmplitude float64
	transportMode  model.TransportMode
	stepMultiplier float64
	minSatellites  int
	locationMode   model.LocationMode
	lastReal       *model.Location
}

func New(s Settings) *Store {
	st := &Store{
		altitude:       math.Max(0, s.Altitude),
		accuracy:       math.Max(0, s.Accuracy),
		speed:          math.Max(0, s.Speed),
		speedAmplitude: math.Max(0, s.SpeedAmplitude),
		transportMode:  s.TransportMode,
		stepMultiplier: s.StepFrequencyMultiplier,
		minSatellites:  s.MinSatellites,
	}
	if !st.transportMode.Valid() {
		st.transportMode = model.TransportWalking
	}
	if st.stepMultiplier < 0.5 || st.stepMultiplier > 2.0 {
		st.stepMultiplier = 1.0
	}
	if st.minSatellites < model.MinSatellites || st.minSatellites > model.MaxSatellites {
		st.minSatellites = model.DefaultSatelliteBaseline
	}
	features := s.Features
	if s.AutoDetectTransportMode {
		features = features.With(FeatureAutoDetectTransport)
	}
	st.features.Store(uint32(features))
	st.coord.Store(&Coordinate{Lat: geo.ClampLat(s.Lat), Lon: geo.WrapLon(s.Lon)})
	return st
}

func (s *Store) Coordinate() Coordinate {
	return *s.coord.Load()
}

// SetLocation publishes a new coordinate pair.
func (s *Store) SetLocation(lat, lon float64) error {
	if !geo.ValidCoordinate(lat, lon) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrOutOfRange, lat, lon)
	}
	s.coord.Store(&Coordinate{Lat: lat, Lon: lon})
	return nil
}

// OffsetLocation adds a relative displacement in degrees.
func (s *Store) OffsetLocation(dLat, dLon float64) (Coordinate, error) {
	for {
		cur := s.coord.Load()
		next := &Coordinate{Lat: cur.Lat + dLat, Lon: cur.Lon + dLon}
		if !geo.ValidCoordinate(next.Lat, next.Lon) {
			return *cur, fmt.Errorf("%w: lat=%v lon=%v", ErrOutOfRange, next.Lat, next.Lon)
		}
		if s.coord.CompareAndSwap(cur, next) {
			return *next, nil
		}
	}
}

// Move advances the position along bearing by distance meters on the
// WGS84 ellipsoid.
func (s *Store) Move(distance, bearing float64) (Coordinate, error) {
	if distance < 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		return s.Coordinate(), fmt.Errorf("%w: distance=%v", ErrOutOfRange, distance)
	}
	bearing = geo.NormalizeBearing(bearing)
	for {
		cur := s.coord.Load()
		lat, lon := geo.Direct(cur.Lat, cur.Lon, bearing, distance)
		next := &Coordinate{Lat: lat, Lon: lon}
		if s.coord.CompareAndSwap(cur, next) {
			return *next, nil
		}
	}
}

// Bearing returns the stored bearing without advancing it.
func (s *Store) Bearing() float64 {
	s.bearingMu.Lock()
	defer s.bearingMu.Unlock()
	return s.bearing
}

func (s *Store) BearingPinned() bool {
	s.bearingMu.Lock()
	defer s.bearingMu.Unlock()
	return s.bearingPinned
}

// SetBearing pins the bearing to b, normalized into [0,360).
func (s *Store) SetBearing(b float64) error {
	if math.IsNaN(b) || math.IsInf(b, 0) {
		return fmt.Errorf("%w: bearing=%v", ErrOutOfRange, b)
	}
	s.bearingMu.Lock()
	s.bearing = geo.NormalizeBearing(b)
	s.bearingPinned = true
	s.bearingMu.Unlock()
	return nil
}

// SetBearingPinned toggles whether the bearing auto-advances.
func (s *Store) SetBearingPinned(pinned bool) {
	s.bearingMu.Lock()
	s.bearingPinned = pinned
	s.bearingMu.Unlock()
}

// NextBearing returns the bearing for one fabrication call. A pinned
// bearing is returned unchanged; otherwise it advances by 0.5° first.
func (s *Store) NextBearing() float64 {
	s.bearingMu.Lock()
	defer s.bearingMu.Unlock()
	if !s.bearingPinned {
		s.bearing = geo.NormalizeBearing(s.bearing + 0.5)
	}
	return s.bearing
}

func (s *Store) Altitude() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.altitude
}

func (s *Store) SetAltitude(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: altitude=%v", ErrOutOfRange, v)
	}
	s.mu.Lock()
	s.altitude = v
	s.mu.Unlock()
	return nil
}

func (s *Store) Accuracy() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accuracy
}

func (s *Store) SetAccuracy(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: accuracy=%v", ErrOutOfRange, v)
	}
	s.mu.Lock()
	s.accuracy = v
	s.mu.Unlock()
	return nil
}

// Speed is the configured base speed, not the fabricated one.
func (s *Store) Speed() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speed
}

func (s *Store) SetSpeed(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: speed=%v", ErrOutOfRange, v)
	}
	s.mu.Lock()
	s.speed = v
	s.mu.Unlock()
	return nil
}

func (s *Store) SpeedAmplitude() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speedAmplitude
}

func (s *Store) SetSpeedAmplitude(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: speed_amplitude=%v", ErrOutOfRange, v)
	}
	s.mu.Lock()
	s.speedAmplitude = v
	s.mu.Unlock()
	return nil
}

// TransportMode returns the effective mode. With auto-detect on it is
// derived from the base speed.
func (s *Store) TransportMode() model.TransportMode {
	if s.Features().Has(FeatureAutoDetectTransport) {
		return model.DetectTransportMode(s.Speed())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transportMode
}

// SetTransportMode fails with ErrDerived while auto-detect is on.
func (s *Store) SetTransportMode(m model.TransportMode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: transport_mode=%d", ErrOutOfRange, int(m))
	}
	if s.Features().Has(FeatureAutoDetectTransport) {
		return fmt.Errorf("%w: transport mode follows speed while auto-detect is on", ErrDerived)
	}
	s.mu.Lock()
	s.transportMode = m
	s.mu.Unlock()
	return nil
}

func (s *Store) StepFrequencyMultiplier() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepMultiplier
}

func (s *Store) SetStepFrequencyMultiplier(v float64) error {
	if v < 0.5 || v > 2.0 || math.IsNaN(v) {
		return fmt.Errorf("%w: step_frequency_multiplier=%v", ErrOutOfRange, v)
	}
	s.mu.Lock()
	s.stepMultiplier = v
	s.mu.Unlock()
	return nil
}

func (s *Store) MinSatellites() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minSatellites
}

func (s *Store) SetMinSatellites(v int) error {
	if v < model.MinSatellites || v > model.MaxSatellites {
		return fmt.Errorf("%w: min_satellites=%d", ErrOutOfRange, v)
	}
	s.mu.Lock()
	s.minSatellites = v
	s.mu.Unlock()
	return nil
}

func (s *Store) LocationMode() model.LocationMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locationMode
}

func (s *Store) SetLocationMode(m model.LocationMode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: location_mode=%d", ErrOutOfRange, int(m))
	}
	s.mu.Lock()
	s.locationMode = m
	s.mu.Unlock()
	return nil
}

// RecordReal keeps the most recent genuine fix.
func (s *Store) RecordReal(loc model.Location) {
	s.mu.Lock()
	s.lastReal = &loc
	s.mu.Unlock()
}

func (s *Store) LastReal() (model.Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastReal == nil {
		return model.Location{}, false
	}
	return *s.lastReal, true
}

func (s *Store) Features() FeatureSet {
	return FeatureSet(s.features.Load())
}

// SetFeature flips one toggle.
func (s *Store) SetFeature(f Feature, on bool) {
	for {
		cur := s.features.Load()
		next := uint32(FeatureSet(cur).Without(f))
		if on {
			next = uint32(FeatureSet(cur).With(f))
		}
		if s.features.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (s *Store) Enabled(f Feature) bool {
	return s.Features().Has(f)
}

// Snapshot copies the full state. The coordinate pair is read as one unit.
func (s *Store) Snapshot() Snapshot {
	coord := s.Coordinate()
	s.bearingMu.Lock()
	bearing, pinned := s.bearing, s.bearingPinned
	s.bearingMu.Unlock()
	features := s.Features()

	s.mu.RLock()
	snap := Snapshot{
		Lat:                     coord.Lat,
		Lon:                     coord.Lon,
		Altitude:                s.altitude,
		Accuracy:                s.accuracy,
		Speed:                   s.speed,
		SpeedAmplitude:          s.speedAmplitude,
		Bearing:                 bearing,
		BearingPinned:           pinned,
		TransportMode:           s.transportMode,
		AutoDetectTransportMode: features.Has(FeatureAutoDetectTransport),
		StepFrequencyMultiplier: s.stepMultiplier,
		MinSatellites:           s.minSatellites,
		LocationMode:            s.locationMode,
		Features:                features,
	}
	s.mu.RUnlock()
	if snap.AutoDetectTransportMode {
		snap.TransportMode = model.DetectTransportMode(snap.Speed)
	}
	return snap
}
