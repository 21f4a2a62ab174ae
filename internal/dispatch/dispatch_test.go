package dispatch

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/geo"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

const testKey = "3f6c1f0e-key"

var fixedNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	recs []Record
}

func (r *recorder) RecordCommand(_ context.Context, rec Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

type fixedCounter int

func (c fixedCounter) Live() int { return int(c) }

func newDispatcher(t *testing.T, key string) (*Dispatcher, *state.Store, *recorder) {
	t.Helper()
	store := state.New(state.DefaultSettings())
	require.NoError(t, store.SetLocation(31.2304, 121.4737))
	engine := fabricate.NewEngine(store,
		fabricate.WithClock(func() time.Time { return fixedNow }),
		fabricate.WithRand(rand.New(rand.NewPCG(1, 2))))
	rec := &recorder{}
	d, err := New(Options{Key: key, Engine: engine, Listeners: fixedCounter(3), Recorders: []Recorder{rec}})
	require.NoError(t, err)
	return d, store, rec
}

func call(t *testing.T, d *Dispatcher, token, id string, fields map[string]wire.Value) (*wire.Envelope, error) {
	t.Helper()
	env := wire.NewEnvelope(id)
	for k, v := range fields {
		env.Set(k, v)
	}
	err := d.Dispatch(context.Background(), token, env)
	return env, err
}

type stuckLoader struct{ release chan struct{} }

// Load ignores ctx and only returns once released.
func (l stuckLoader) Load(_ context.Context, path string) (string, error) {
	<-l.release
	return "loaded " + path, nil
}

func TestHandlerTimeoutBoundsHandlersIgnoringContext(t *testing.T) {
	store := state.New(state.DefaultSettings())
	loader := stuckLoader{release: make(chan struct{})}
	d, err := New(Options{
		Engine:         fabricate.NewEngine(store),
		Libraries:      loader,
		HandlerTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	env, err := call(t, d, "", wire.CmdLoadLibrary, map[string]wire.Value{wire.FieldPath: wire.String("/data/hook.so")})
	require.ErrorIs(t, err, wire.ErrCommandRejected)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, env.Success)
	assert.Empty(t, env.Fields)
	close(loader.release)

	// A late finish must not block later mutations.
	_, err = call(t, d, "", wire.CmdSetSpeed, map[string]wire.Value{wire.FieldSpeed: wire.Float64(3)})
	require.NoError(t, err)
	assert.Equal(t, 3.0, store.Speed())
}

func TestExchangeKeyAndAuthorization(t *testing.T) {
	d, _, _ := newDispatcher(t, testKey)

	env, err := call(t, d, wire.HandshakeToken, wire.CmdExchangeKey, nil)
	require.NoError(t, err)
	key, _ := env.Fields[wire.FieldKey].AsString()
	assert.Equal(t, testKey, key)
	assert.True(t, env.Success)

	_, err = call(t, d, wire.HandshakeToken, wire.CmdGetSpeed, nil)
	require.ErrorIs(t, err, wire.ErrStaleSession)
	_, err = call(t, d, "old-key", wire.CmdGetSpeed, nil)
	require.ErrorIs(t, err, wire.ErrStaleSession)
	_, err = call(t, d, "", wire.CmdExchangeKey, nil)
	require.ErrorIs(t, err, wire.ErrHandshakeFailed)

	env, err = call(t, d, testKey, wire.CmdGetSpeed, nil)
	require.NoError(t, err)
	speed, _ := env.Fields[wire.FieldSpeed].AsFloat64()
	assert.Equal(t, 1.5, speed)
}

func TestUnknownCommandFailsWithoutPanic(t *testing.T) {
	d, _, rec := newDispatcher(t, "")
	env, err := call(t, d, "", "self_destruct", map[string]wire.Value{"x": wire.Int32(1)})
	require.ErrorIs(t, err, wire.ErrUnknownCommand)
	assert.False(t, env.Success)
	assert.Empty(t, env.Fields)
	require.Len(t, rec.recs, 1)
	assert.Equal(t, wire.CodeUnknownCommand, rec.recs[0].Code)
	assert.False(t, d.Handles("self_destruct"))
	assert.True(t, d.Handles(wire.CmdSetLocation))
}

func TestSettersRejectOutOfDomainWithoutMutation(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	before := store.Snapshot()
	cases := []struct {
		id    string
		field string
		value wire.Value
	}{
		{wire.CmdSetAltitude, wire.FieldAltitude, wire.Float64(10001)},
		{wire.CmdSetAltitude, wire.FieldAltitude, wire.Float64(-1)},
		{wire.CmdSetSpeed, wire.FieldSpeed, wire.Float64(1000.5)},
		{wire.CmdSetSpeed, wire.FieldSpeed, wire.String("fast")},
		{wire.CmdSetStepMult, wire.FieldStepMult, wire.Float64(2.5)},
		{wire.CmdSetStepMult, wire.FieldStepMult, wire.Float64(0.49)},
		{wire.CmdSetSpeedAmp, wire.FieldSpeedAmplitude, wire.Float64(-0.1)},
		{wire.CmdMove, wire.FieldN, wire.Float64(-3)},
		{wire.CmdUpdateLocation, wire.FieldLat, wire.Float64(91)},
	}
	for _, tc := range cases {
		fields := map[string]wire.Value{tc.field: tc.value}
		if tc.id == wire.CmdMove {
			fields[wire.FieldBearing] = wire.Float64(0)
		}
		if tc.id == wire.CmdUpdateLocation {
			fields[wire.FieldLon] = wire.Float64(0)
		}
		_, err := call(t, d, "", tc.id, fields)
		require.ErrorIs(t, err, wire.ErrInvalidArgument, "%s %v", tc.id, tc.value)
	}
	assert.Equal(t, before, store.Snapshot())
}

func TestStartValidatesEveryFieldBeforeApplying(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	_, err := call(t, d, "", wire.CmdStart, map[string]wire.Value{
		wire.FieldSpeed:    wire.Float64(3),
		wire.FieldAltitude: wire.Float64(20000),
	})
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
	assert.Equal(t, 1.5, store.Speed())
	assert.False(t, store.Enabled(state.FeatureMock))

	env, err := call(t, d, "", wire.CmdStart, map[string]wire.Value{
		wire.FieldSpeed:    wire.Float64(3),
		wire.FieldAltitude: wire.Float64(120),
		wire.FieldAccuracy: wire.Float64(5),
	})
	require.NoError(t, err)
	on, _ := env.Fields[wire.FieldValue].AsBool()
	assert.True(t, on)
	assert.Equal(t, 3.0, store.Speed())
	assert.Equal(t, 120.0, store.Altitude())
	assert.Equal(t, 5.0, store.Accuracy())

	env, err = call(t, d, "", wire.CmdIsStart, nil)
	require.NoError(t, err)
	on, _ = env.Fields[wire.FieldValue].AsBool()
	assert.True(t, on)

	_, err = call(t, d, "", wire.CmdStop, nil)
	require.NoError(t, err)
	assert.False(t, store.Enabled(state.FeatureMock))
	assert.Equal(t, model.LocationModeSinglePoint, store.LocationMode())
}

func TestTransportModeDerivedWhileAutoDetect(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	_, err := call(t, d, "", wire.CmdSetTransportMode, map[string]wire.Value{wire.FieldTransportMode: wire.Int32(4)})
	require.ErrorIs(t, err, wire.ErrCommandRejected)
	assert.Equal(t, model.TransportWalking, store.TransportMode())

	_, err = call(t, d, "", wire.CmdSetAutoDetect, map[string]wire.Value{wire.FieldValue: wire.Bool(false)})
	require.NoError(t, err)
	_, err = call(t, d, "", wire.CmdSetTransportMode, map[string]wire.Value{wire.FieldValue: wire.String("driving")})
	require.NoError(t, err)
	assert.Equal(t, model.TransportDriving, store.TransportMode())

	_, err = call(t, d, "", wire.CmdSetTransportMode, map[string]wire.Value{wire.FieldTransportMode: wire.Int32(6)})
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
	assert.Equal(t, model.TransportDriving, store.TransportMode())
}

func TestBearingAndMove(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	env, err := call(t, d, "", wire.CmdSetBearing, map[string]wire.Value{wire.FieldValue: wire.Float64(-90)})
	require.NoError(t, err)
	b, _ := env.Fields[wire.FieldBearing].AsFloat64()
	assert.Equal(t, 270.0, b)
	assert.True(t, store.BearingPinned())

	start := store.Coordinate()
	env, err = call(t, d, "", wire.CmdMove, map[string]wire.Value{
		wire.FieldDistance: wire.Float64(100),
		wire.FieldBearing:  wire.Float64(0),
	})
	require.NoError(t, err)
	lat, _ := env.Fields[wire.FieldLat].AsFloat64()
	dist, _ := geo.Inverse(start.Lat, start.Lon, lat, start.Lon)
	assert.InDelta(t, 100, dist, 1e-6)
}

func TestMoveRejectsSingleUnnamedField(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	start := store.Coordinate()
	_, err := call(t, d, "", wire.CmdMove, map[string]wire.Value{"foo": wire.Float64(5)})
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
	assert.Equal(t, start, store.Coordinate())
}

func TestUpdateLocationModes(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	require.Equal(t, model.LocationModeDisabled, store.LocationMode())
	_, err := call(t, d, "", wire.CmdSetLocation, map[string]wire.Value{
		wire.FieldLat: wire.Float64(10), wire.FieldLon: wire.Float64(20),
	})
	require.NoError(t, err)
	assert.Equal(t, state.Coordinate{Lat: 10, Lon: 20}, store.Coordinate())
	assert.Equal(t, model.LocationModeSinglePoint, store.LocationMode())

	_, err = call(t, d, "", wire.CmdUpdateLocation, map[string]wire.Value{
		wire.FieldLat: wire.Float64(0.5), wire.FieldLon: wire.Float64(-1), wire.FieldMode: wire.String(wire.ModeOffset),
	})
	require.NoError(t, err)
	c := store.Coordinate()
	assert.InDelta(t, 10.5, c.Lat, 1e-12)
	assert.InDelta(t, 19, c.Lon, 1e-12)

	_, err = call(t, d, "", wire.CmdUpdateLocation, map[string]wire.Value{
		wire.FieldLat: wire.Float64(80), wire.FieldLon: wire.Float64(0), wire.FieldMode: wire.String(wire.ModeOffset),
	})
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
	assert.Equal(t, c, store.Coordinate())

	_, err = call(t, d, "", wire.CmdUpdateLocation, map[string]wire.Value{
		wire.FieldLat: wire.Float64(1), wire.FieldLon: wire.Float64(1), wire.FieldMode: wire.String("*"),
	})
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
}

func TestRouteModeCommands(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	env, err := call(t, d, "", wire.CmdEnableRouteMode, nil)
	require.NoError(t, err)
	mode, _ := env.Fields[wire.FieldMode].AsString()
	assert.Equal(t, "route", mode)
	assert.Equal(t, model.LocationModeRoute, store.LocationMode())

	_, err = call(t, d, "", wire.CmdDisableRouteMode, nil)
	require.NoError(t, err)
	env, err = call(t, d, "", wire.CmdGetLocationMode, nil)
	require.NoError(t, err)
	mode, _ = env.Fields[wire.FieldMode].AsString()
	assert.Equal(t, "single_point", mode)
}

func TestConfigSyncRoundTrip(t *testing.T) {
	host, hostStore, _ := newDispatcher(t, testKey)
	require.NoError(t, hostStore.SetAltitude(250))
	require.NoError(t, hostStore.SetBearing(45))
	hostStore.SetFeature(state.FeatureAutoDetectTransport, false)
	require.NoError(t, hostStore.SetTransportMode(model.TransportCycling))
	hostStore.SetFeature(state.FeatureNMEA, true)

	synced, err := call(t, host, testKey, wire.CmdSyncConfig, nil)
	require.NoError(t, err)

	local, localStore, _ := newDispatcher(t, "")
	put := synced.Clone()
	put.CommandID = wire.CmdPutConfig
	require.NoError(t, local.Dispatch(context.Background(), "", put))

	want := hostStore.Snapshot()
	got := localStore.Snapshot()
	assert.Equal(t, want.Altitude, got.Altitude)
	assert.Equal(t, want.Bearing, got.Bearing)
	assert.Equal(t, model.TransportCycling, got.TransportMode)
	assert.Equal(t, want.Features, got.Features)
	assert.Equal(t, want.Lat, got.Lat)
}

func TestPutConfigRejectsWholeSnapshotOnBadField(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	before := store.Snapshot()
	_, err := call(t, d, "", wire.CmdPutConfig, map[string]wire.Value{
		wire.FieldAltitude:      wire.Float64(300),
		wire.FieldMinSatellites: wire.Int32(40),
	})
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
	assert.Equal(t, before, store.Snapshot())

	_, err = call(t, d, "", wire.CmdPutConfig, map[string]wire.Value{
		wire.FieldAltitude:      wire.Float64(300),
		wire.FieldMinSatellites: wire.Int32(20),
		"enable_agps":           wire.Bool(true),
	})
	require.NoError(t, err)
	assert.Equal(t, 300.0, store.Altitude())
	assert.Equal(t, 20, store.MinSatellites())
	assert.True(t, store.Enabled(state.FeatureAGPS))
}

func TestGetLocationFabricatesWhileStarted(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	require.NoError(t, store.SetAccuracy(10))
	env, err := call(t, d, "", wire.CmdGetLocation, nil)
	require.NoError(t, err)
	lat, _ := env.Fields[wire.FieldLat].AsFloat64()
	assert.Equal(t, 31.2304, lat)

	store.SetFeature(state.FeatureMock, true)
	env, err = call(t, d, "", wire.CmdGetLocation, nil)
	require.NoError(t, err)
	lat, _ = env.Fields[wire.FieldLat].AsFloat64()
	lon, _ := env.Fields[wire.FieldLon].AsFloat64()
	assert.LessOrEqual(t, geo.Haversine(31.2304, 121.4737, lat, lon), 10.0+1e-6)
	_, hasSats := env.Fields[wire.FieldSatellites]
	assert.True(t, hasSats)

	env, err = call(t, d, "", wire.CmdGetLocation, map[string]wire.Value{"quality": wire.String("coarse")})
	require.NoError(t, err)
	acc, _ := env.Fields[wire.FieldAccuracy].AsFloat64()
	assert.GreaterOrEqual(t, acc, 500.0)
	assert.Greater(t, d.Samples().Stats().Hits, uint64(0))
}

func TestGetLocationRawSkipsFabrication(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	require.NoError(t, store.SetAccuracy(50))
	store.SetFeature(state.FeatureMock, true)
	require.NoError(t, store.SetLocation(10.5, 20.25))

	env, err := call(t, d, "", wire.CmdGetLocation, map[string]wire.Value{wire.FieldRaw: wire.Bool(true)})
	require.NoError(t, err)
	lat, _ := env.Fields[wire.FieldLat].AsFloat64()
	lon, _ := env.Fields[wire.FieldLon].AsFloat64()
	assert.Equal(t, 10.5, lat)
	assert.Equal(t, 20.25, lon)

	_, err = call(t, d, "", wire.CmdGetLocation, map[string]wire.Value{wire.FieldRaw: wire.String("yes")})
	assert.ErrorIs(t, err, wire.ErrInvalidArgument)
}

func TestGetLocationThrottlesBackgroundCallers(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	store.SetFeature(state.FeatureMock, true)
	first, err := call(t, d, "", wire.CmdGetLocation, map[string]wire.Value{wire.FieldUID: wire.Int32(10050)})
	require.NoError(t, err)
	_, ok := first.Fields[wire.FieldLat]
	assert.True(t, ok)

	second, err := call(t, d, "", wire.CmdGetLocation, map[string]wire.Value{wire.FieldUID: wire.Int32(10050)})
	require.NoError(t, err)
	throttled, _ := second.Fields["throttled"].AsBool()
	assert.True(t, throttled)

	_, err = call(t, d, "", wire.CmdMarkForeground, map[string]wire.Value{wire.FieldUID: wire.Int32(10050)})
	require.NoError(t, err)
	third, err := call(t, d, "", wire.CmdGetLocation, map[string]wire.Value{wire.FieldUID: wire.Int32(10050)})
	require.NoError(t, err)
	_, ok = third.Fields[wire.FieldLat]
	assert.True(t, ok)

	system, err := call(t, d, "", wire.CmdGetLocation, map[string]wire.Value{wire.FieldUID: wire.Int32(1000)})
	require.NoError(t, err)
	_, ok = system.Fields[wire.FieldLat]
	assert.True(t, ok)
}

func TestQueriesAndSupplementaryCommands(t *testing.T) {
	d, store, _ := newDispatcher(t, "")

	env, err := call(t, d, "", wire.CmdGetListenerSize, nil)
	require.NoError(t, err)
	size, _ := env.Fields[wire.FieldSize].AsInt64()
	assert.Equal(t, int64(3), size)

	env, err = call(t, d, "", wire.CmdGetSensor, map[string]wire.Value{wire.FieldSensor: wire.String("accelerometer")})
	require.NoError(t, err)
	raw, _ := env.Fields[wire.FieldValues].AsBinary()
	values, err := DecodeFloats(raw)
	require.NoError(t, err)
	assert.Len(t, values, 3)

	env, err = call(t, d, "", wire.CmdGetGnssStatus, nil)
	require.NoError(t, err)
	count, _ := env.Fields[wire.FieldCount].AsInt64()
	body, _ := env.Fields[wire.FieldSatellites].AsBinary()
	var sats []model.Satellite
	require.NoError(t, json.Unmarshal(body, &sats))
	assert.Len(t, sats, int(count))

	env, err = call(t, d, "", wire.CmdGetCellInfo, nil)
	require.NoError(t, err)
	mcc, _ := env.Fields[wire.FieldMCC].AsInt64()
	assert.Equal(t, int64(460), mcc)

	_, err = call(t, d, "", wire.CmdGetNMEA, nil)
	require.ErrorIs(t, err, wire.ErrCommandRejected)
	store.SetFeature(state.FeatureNMEA, true)
	env, err = call(t, d, "", wire.CmdGetNMEA, nil)
	require.NoError(t, err)
	sentences, _ := env.Fields[wire.FieldSentences].AsString()
	assert.Contains(t, sentences, "$GPGGA")

	_, err = call(t, d, "", wire.CmdLoadLibrary, map[string]wire.Value{wire.FieldPath: wire.String("/tmp/x.so")})
	require.ErrorIs(t, err, wire.ErrCommandRejected)

	env, err = call(t, d, "", wire.CmdGetPoolStats, nil)
	require.NoError(t, err)
	_, ok := env.Fields[wire.FieldPoolHitRate]
	assert.True(t, ok)
}

func TestGeofenceCommandsHonorToggle(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	fence := map[string]wire.Value{
		wire.FieldID:     wire.String("home"),
		wire.FieldLat:    wire.Float64(31.2304),
		wire.FieldLon:    wire.Float64(121.4737),
		wire.FieldRadius: wire.Float64(50),
	}
	_, err := call(t, d, "", wire.CmdRegisterGeofence, fence)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Geofences().Len())

	store.SetFeature(state.FeatureRequestGeofence, false)
	fence[wire.FieldID] = wire.String("work")
	_, err = call(t, d, "", wire.CmdRegisterGeofence, fence)
	require.ErrorIs(t, err, wire.ErrCommandRejected)

	env, err := call(t, d, "", wire.CmdRemoveGeofence, map[string]wire.Value{wire.FieldValue: wire.String("home")})
	require.NoError(t, err)
	removed, _ := env.Fields[wire.FieldValue].AsBool()
	assert.True(t, removed)
}

func TestGeofenceRequestsAllowedWithAGPS(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	store.SetFeature(state.FeatureRequestGeofence, false)
	store.SetFeature(state.FeatureAGPS, true)
	_, err := call(t, d, "", wire.CmdRegisterGeofence, map[string]wire.Value{
		wire.FieldID:     wire.String("depot"),
		wire.FieldLat:    wire.Float64(31.2304),
		wire.FieldLon:    wire.Float64(121.4737),
		wire.FieldRadius: wire.Float64(80),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Geofences().Len())
}

func TestSensorSimulationToggle(t *testing.T) {
	d, _, _ := newDispatcher(t, "")
	_, err := call(t, d, "", wire.CmdSetSensorSim, map[string]wire.Value{wire.FieldValue: wire.Bool(false)})
	require.NoError(t, err)
	_, err = call(t, d, "", wire.CmdGetSensor, map[string]wire.Value{wire.FieldSensor: wire.String("gyroscope")})
	require.ErrorIs(t, err, wire.ErrCommandRejected)
	_, err = call(t, d, "", wire.CmdGetSensor, map[string]wire.Value{wire.FieldSensor: wire.String("sonar")})
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
}

func TestConcurrentDispatchKeepsCoordinatePairConsistent(t *testing.T) {
	d, store, _ := newDispatcher(t, "")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				v := float64(g*10 + i%10)
				env := wire.NewEnvelope(wire.CmdSetLocation).
					Set(wire.FieldLat, wire.Float64(v)).
					Set(wire.FieldLon, wire.Float64(2*v))
				_ = d.Dispatch(context.Background(), "", env)
				c := store.Coordinate()
				if c.Lon != 2*c.Lat {
					t.Errorf("torn coordinate %+v", c)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}
