package fabricate

import (
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
)

type bound struct{ lo, hi float64 }

var sensorBounds = map[model.SensorKind]bound{
	model.SensorAccelerometer:      {-20, 20},
	model.SensorGyroscope:          {-1, 1},
	model.SensorLinearAcceleration: {-3, 3},
	model.SensorMagneticField:      {-65, 65},
	model.SensorRotationVector:     {-1, 1},
	model.SensorGameRotationVector: {-1, 1},
	model.SensorPressure:           {250, 1100},
	model.SensorLight:              {0, 120000},
	model.SensorAmbientTemperature: {-40, 60},
	model.SensorRelativeHumidity:   {0, 100},
	model.SensorStepDetector:       {0, 1},
	model.SensorProximity:          {0, 5},
	model.SensorGravity:            {0, 9.9},
}

var continuousSensors = []model.SensorKind{
	model.SensorAccelerometer,
	model.SensorGyroscope,
	model.SensorLinearAcceleration,
	model.SensorMagneticField,
	model.SensorRotationVector,
	model.SensorGameRotationVector,
	model.SensorPressure,
	model.SensorLight,
	model.SensorAmbientTemperature,
	model.SensorRelativeHumidity,
	model.SensorGravity,
}

func snapshotFor(mode model.TransportMode, speed float64) state.Snapshot {
	settings := state.DefaultSettings()
	settings.AutoDetectTransportMode = false
	settings.Features = settings.Features.Without(state.FeatureAutoDetectTransport)
	settings.TransportMode = mode
	settings.Speed = speed
	settings.Altitude = 120
	return state.New(settings).Snapshot()
}

func TestSensorsStayInPhysicalBounds(t *testing.T) {
	rng := seeded(9)
	for _, mode := range model.TransportModes() {
		p := mode.Profile()
		snap := snapshotFor(mode, (p.MinSpeed+p.MaxSpeed)/2)
		for i := 0; i < 48; i++ {
			now := fixedNow.Add(time.Duration(i) * 31 * time.Minute)
			for kind, b := range sensorBounds {
				values := Sensor(kind, SensorInput{Snapshot: snap, Now: now, Bearing: float64(i * 7)}, rng)
				require.NotEmpty(t, values, "kind=%s", kind)
				for _, v := range values {
					require.False(t, math.IsNaN(float64(v)), "kind=%s", kind)
					require.GreaterOrEqual(t, float64(v), b.lo, "kind=%s mode=%s", kind, mode)
					require.LessOrEqual(t, float64(v), b.hi, "kind=%s mode=%s", kind, mode)
				}
			}
		}
	}
}

func TestAccelerometerCarriesGravity(t *testing.T) {
	rng := seeded(10)
	for _, mode := range model.TransportModes() {
		snap := snapshotFor(mode, mode.Profile().MaxSpeed)
		v := Sensor(model.SensorAccelerometer, SensorInput{Snapshot: snap, Now: fixedNow}, rng)
		require.Len(t, v, 3)
		assert.InDelta(t, 9.8, float64(v[2]), 2.0, "mode=%s", mode)
	}
}

func TestContinuousChannelsNeverRepeat(t *testing.T) {
	rng := seeded(12)
	for _, mode := range []model.TransportMode{model.TransportStationary, model.TransportWalking, model.TransportDriving} {
		snap := snapshotFor(mode, mode.Profile().MinSpeed+0.1)
		for _, kind := range continuousSensors {
			prev := Sensor(kind, SensorInput{Snapshot: snap, Now: fixedNow, Bearing: 90}, rng)
			for i := 1; i < 50; i++ {
				now := fixedNow.Add(time.Duration(i) * 20 * time.Millisecond)
				cur := Sensor(kind, SensorInput{Snapshot: snap, Now: now, Bearing: 90}, rng)
				require.NotEqual(t, prev, cur, "kind=%s mode=%s tick=%d", kind, mode, i)
				prev = cur
			}
		}
	}
}

func TestRotationVectorIsUnitQuaternion(t *testing.T) {
	v := Sensor(model.SensorRotationVector, SensorInput{Snapshot: snapshotFor(model.TransportWalking, 1), Now: fixedNow, Bearing: 90}, seeded(1))
	require.Len(t, v, 4)
	var n float64
	for _, c := range v {
		n += float64(c) * float64(c)
	}
	assert.InDelta(t, 1, n, 1e-5)
	assert.InDelta(t, math.Sin(math.Pi/4), float64(v[2]), 1e-2)
}

func TestPressureFollowsAltitude(t *testing.T) {
	low := snapshotFor(model.TransportWalking, 1)
	high := low
	high.Altitude = 3000
	rng := seeded(2)
	p0 := Sensor(model.SensorPressure, SensorInput{Snapshot: low, Now: fixedNow}, rng)[0]
	p1 := Sensor(model.SensorPressure, SensorInput{Snapshot: high, Now: fixedNow}, rng)[0]
	assert.Greater(t, p0, p1)
	assert.InDelta(t, 1013.25*math.Exp(-120.0/8500), float64(p0), 0.3)
}

func TestStepCountGrowsWithFrequency(t *testing.T) {
	snap := snapshotFor(model.TransportWalking, 1.5)
	anchor := StepAnchor{Start: fixedNow, Base: 100}
	in := SensorInput{Snapshot: snap, Now: fixedNow.Add(10 * time.Second), Steps: anchor}
	assert.Equal(t, int64(118), StepCount(in))

	in.Snapshot = snapshotFor(model.TransportDriving, 10)
	assert.Equal(t, int64(100), StepCount(in))
}

func TestStepDetectorSilentWhenNotPedestrian(t *testing.T) {
	snap := snapshotFor(model.TransportCycling, 4)
	for i := 0; i < 100; i++ {
		v := Sensor(model.SensorStepDetector, SensorInput{Snapshot: snap, Now: fixedNow.Add(time.Duration(i) * 10 * time.Millisecond)}, seeded(1))
		require.Equal(t, float32(0), v[0])
	}
}

func TestProximityKeepsNearReadings(t *testing.T) {
	snap := snapshotFor(model.TransportWalking, 1)
	assert.Equal(t, []float32{5}, Sensor(model.SensorProximity, SensorInput{Snapshot: snap, Raw: []float32{0}}, seeded(1)))
	assert.Equal(t, []float32{3}, Sensor(model.SensorProximity, SensorInput{Snapshot: snap, Raw: []float32{3}}, seeded(1)))
}

func TestEngineSensorGatedByToggle(t *testing.T) {
	store := state.New(state.DefaultSettings())
	engine := NewEngine(store, WithRand(seeded(1)))
	raw := []float32{1, 2, 3}
	_, ok := engine.Sensor(model.SensorAccelerometer, raw)
	assert.True(t, ok)

	store.SetFeature(state.FeatureSensorSimulation, false)
	got, ok := engine.Sensor(model.SensorAccelerometer, raw)
	assert.False(t, ok)
	assert.Equal(t, raw, got)
}

func TestGnssStatusShape(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		status := GnssStatus(12, seeded(seed))
		require.GreaterOrEqual(t, status.Count, 12)
		require.LessOrEqual(t, status.Count, 35)
		require.Len(t, status.Satellites, status.Count)
		seen := map[int]bool{}
		for _, s := range status.Satellites {
			packed := s.PackedSvid()
			require.False(t, seen[packed&^0xff], "duplicate satellite %v", s)
			seen[packed&^0xff] = true
			require.NotZero(t, s.Flags&model.SvidFlagHasCarrier)
			require.NotZero(t, s.Flags&model.SvidFlagHasBasebandCn0)
			env := orbits[s.Orbit]
			require.GreaterOrEqual(t, s.Cn0, env.minCn0)
			require.LessOrEqual(t, s.Cn0, env.maxCn0)
			require.GreaterOrEqual(t, s.Elevation, env.minElev)
			require.LessOrEqual(t, s.Elevation, env.maxElev)
			require.Less(t, s.BasebandCn0, s.Cn0)
			require.Equal(t, s.Svid, packed>>model.SvidShiftWidth)
			require.Equal(t, int(s.Constellation), (packed>>model.ConstellationShiftWidth)&model.ConstellationTypeMask)
		}
	}
}

func TestNMEASentencesCarryValidChecksums(t *testing.T) {
	loc := Synthesize(shanghai(), fixedNow, seeded(3))
	sentences := NMEA(loc, 14)
	require.Len(t, sentences, 2)
	assert.True(t, strings.HasPrefix(sentences[0], "$GPGGA,103000.00,3113."))
	assert.True(t, strings.HasPrefix(sentences[1], "$GPRMC,103000.00,A,3113."))
	for _, s := range sentences {
		star := strings.LastIndexByte(s, '*')
		require.Positive(t, star)
		want, err := strconv.ParseUint(s[star+1:], 16, 8)
		require.NoError(t, err)
		assert.Equal(t, byte(want), Checksum(s[1:star]))
	}
	assert.Contains(t, sentences[0], ",N,12128.")
	assert.Contains(t, sentences[0], ",E,1,14,")
	assert.True(t, strings.HasSuffix(strings.Split(sentences[1], "*")[0], "140326,,,A"))
}
