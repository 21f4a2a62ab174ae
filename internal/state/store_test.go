package state

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/portal/internal/geo"
	"github.com/g960059/portal/internal/model"
)

func TestNextBearingAdvancesHalfDegreeWhenUnpinned(t *testing.T) {
	s := New(DefaultSettings())
	prev := s.Bearing()
	for i := 0; i < 1000; i++ {
		got := s.NextBearing()
		require.InDelta(t, geo.NormalizeBearing(prev+0.5), got, 1e-9)
		require.GreaterOrEqual(t, got, 0.0)
		require.Less(t, got, 360.0)
		prev = got
	}
}

func TestNextBearingWrapsAt360(t *testing.T) {
	s := New(DefaultSettings())
	require.NoError(t, s.SetBearing(359.5))
	s.SetBearingPinned(false)
	assert.Equal(t, 0.0, s.NextBearing())
	assert.Equal(t, 0.5, s.NextBearing())
}

func TestPinnedBearingIsStable(t *testing.T) {
	s := New(DefaultSettings())
	require.NoError(t, s.SetBearing(-270))
	assert.True(t, s.BearingPinned())
	assert.Equal(t, 90.0, s.NextBearing())
	assert.Equal(t, 90.0, s.NextBearing())
}

func TestSettersRejectOutOfDomainWithoutMutation(t *testing.T) {
	s := New(DefaultSettings())
	require.NoError(t, s.SetLocation(31.2304, 121.4737))

	assert.ErrorIs(t, s.SetLocation(91, 0), ErrOutOfRange)
	assert.ErrorIs(t, s.SetAltitude(-1), ErrOutOfRange)
	assert.ErrorIs(t, s.SetSpeed(-0.1), ErrOutOfRange)
	assert.ErrorIs(t, s.SetStepFrequencyMultiplier(2.5), ErrOutOfRange)
	assert.ErrorIs(t, s.SetMinSatellites(3), ErrOutOfRange)

	snap := s.Snapshot()
	assert.Equal(t, 31.2304, snap.Lat)
	assert.Equal(t, 121.4737, snap.Lon)
	assert.Equal(t, 80.0, snap.Altitude)
	assert.Equal(t, 1.5, snap.Speed)
	assert.Equal(t, 1.0, snap.StepFrequencyMultiplier)
}

func TestTransportModeDerivedWhileAutoDetect(t *testing.T) {
	s := New(DefaultSettings())
	require.NoError(t, s.SetSpeed(12))
	assert.Equal(t, model.TransportDriving, s.TransportMode())

	err := s.SetTransportMode(model.TransportRunning)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDerived))

	s.SetFeature(FeatureAutoDetectTransport, false)
	require.NoError(t, s.SetTransportMode(model.TransportRunning))
	assert.Equal(t, model.TransportRunning, s.Snapshot().TransportMode)
}

func TestCoordinatePairNeverTorn(t *testing.T) {
	s := New(DefaultSettings())
	pairs := []Coordinate{{Lat: 10, Lon: 10}, {Lat: -20, Lon: -20}}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			p := pairs[i%2]
			_ = s.SetLocation(p.Lat, p.Lon)
		}
	}()
	for i := 0; i < 20000; i++ {
		c := s.Coordinate()
		if c.Lat != 0 || c.Lon != 0 {
			require.Equal(t, c.Lat, c.Lon, "torn read")
		}
	}
	close(stop)
	wg.Wait()
}

func TestMoveUsesEllipsoid(t *testing.T) {
	s := New(DefaultSettings())
	require.NoError(t, s.SetLocation(0, 0))
	c, err := s.Move(111319.49, 90)
	require.NoError(t, err)
	assert.InDelta(t, 0, c.Lat, 1e-9)
	assert.InDelta(t, 1, c.Lon, 1e-5)

	_, err = s.Move(-1, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestFeatureToggles(t *testing.T) {
	s := New(DefaultSettings())
	assert.False(t, s.Enabled(FeatureMock))
	s.SetFeature(FeatureMock, true)
	assert.True(t, s.Enabled(FeatureMock))
	s.SetFeature(FeatureMock, false)
	assert.False(t, s.Enabled(FeatureMock))

	f, ok := FeatureByName("enable_request_geofence")
	require.True(t, ok)
	assert.Equal(t, FeatureRequestGeofence, f)
	assert.True(t, s.Enabled(f))
}
