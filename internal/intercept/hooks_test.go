package intercept

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

	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
)

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestInvokeOrderAndSkip(t *testing.T) {
	h := New(quiet())
	var order []string
	h.Register("p", func(context.Context, *Call) { order = append(order, "b1") }, func(_ context.Context, c *Call) {
		order = append(order, "a1")
		c.Result = c.Result.(int) * 10
	})
	h.Register("p", func(context.Context, *Call) { order = append(order, "b2") }, nil)

	calls := 0
	orig := func(_ context.Context, args []any) (any, error) {
		calls++
		return args[0].(int) + 1, nil
	}
	got, err := h.Invoke(context.Background(), "p", []any{4}, orig)
	require.NoError(t, err)
	assert.Equal(t, 50, got)
	assert.Equal(t, []string{"b1", "b2", "a1"}, order)
	assert.Equal(t, 1, calls)

	unregister := h.Register("p", func(_ context.Context, c *Call) {
		c.Result, c.Skip = 7, true
	}, nil)
	got, err = h.Invoke(context.Background(), "p", []any{4}, orig)
	require.NoError(t, err)
	assert.Equal(t, 70, got, "after hooks still see a skipped call")
	assert.Equal(t, 1, calls)

	unregister()
	unregister()
	got, _ = h.Invoke(context.Background(), "p", []any{4}, orig)
	assert.Equal(t, 50, got)
}

func TestInvokeWithoutHooksPassesThrough(t *testing.T) {
	h := New(quiet())
	boom := errors.New("boom")
	_, err := h.Invoke(context.Background(), "none", nil, func(context.Context, []any) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Empty(t, h.Points())
}

func TestPanickingHookIsContained(t *testing.T) {
	h := New(quiet())
	h.Register("p", func(context.Context, *Call) { panic("bad glue") }, nil)
	got, err := h.Invoke(context.Background(), "p", nil, func(context.Context, []any) (any, error) { return "real", nil })
	require.NoError(t, err)
	assert.Equal(t, "real", got)
}

func newEngine(t *testing.T) (*fabricate.Engine, *state.Store) {
	t.Helper()
	store := state.New(state.DefaultSettings())
	require.NoError(t, store.SetLocation(31.2304, 121.4737))
	engine := fabricate.NewEngine(store,
		fabricate.WithRand(rand.New(rand.NewPCG(5, 6))),
		fabricate.WithClock(func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }),
	)
	return engine, store
}

func TestInstallLocationHook(t *testing.T) {
	engine, store := newEngine(t)
	h := New(quiet())
	uninstall := Install(h, engine)

	real := model.Location{Provider: model.ProviderGPS, Latitude: 48.85, Longitude: 2.35, Accuracy: 5}
	orig := func(context.Context, []any) (any, error) { return real, nil }

	got, err := h.Invoke(context.Background(), PointLocation, nil, orig)
	require.NoError(t, err)
	assert.Equal(t, real, got, "mock off leaves the real fix")

	store.SetFeature(state.FeatureMock, true)
	got, err = h.Invoke(context.Background(), PointLocation, nil, orig)
	require.NoError(t, err)
	loc := got.(model.Location)
	assert.Less(t, math.Abs(loc.Latitude-31.2304), 0.01)
	assert.Less(t, math.Abs(loc.Longitude-121.4737), 0.01)

	got, err = h.Invoke(context.Background(), PointLocation, nil, func(context.Context, []any) (any, error) {
		return nil, errors.New("no fix yet")
	})
	require.NoError(t, err, "a failed real read is replaced by a fabricated one")
	assert.IsType(t, model.Location{}, got)

	uninstall()
	assert.Empty(t, h.Points())
}

func TestInstallSubsystemHooks(t *testing.T) {
	engine, store := newEngine(t)
	h := New(quiet())
	Install(h, engine)
	ctx := context.Background()

	fused, err := h.Invoke(ctx, PointProviderEnabled, []any{model.ProviderFused}, func(context.Context, []any) (any, error) { return true, nil })
	require.NoError(t, err)
	assert.Equal(t, false, fused)
	gps, _ := h.Invoke(ctx, PointProviderEnabled, []any{model.ProviderGPS}, func(context.Context, []any) (any, error) { return true, nil })
	assert.Equal(t, true, gps)

	scanned := false
	scan := func(context.Context, []any) (any, error) {
		scanned = true
		return []string{"aa:bb"}, nil
	}
	got, _ := h.Invoke(ctx, PointWifiScan, nil, scan)
	assert.Equal(t, []string{"aa:bb"}, got)
	store.SetFeature(state.FeatureWifiMock, true)
	scanned = false
	got, _ = h.Invoke(ctx, PointWifiScan, nil, scan)
	assert.Equal(t, []string{}, got)
	assert.False(t, scanned)

	store.SetFeature(state.FeatureGnssMock, true)
	got, _ = h.Invoke(ctx, PointGnss, nil, nil)
	status := got.(model.GnssStatus)
	assert.GreaterOrEqual(t, status.Count, store.MinSatellites())

	raw := []float32{0.1, 9.7, 0.2}
	got, _ = h.Invoke(ctx, PointSensor, []any{model.SensorAccelerometer}, func(context.Context, []any) (any, error) { return raw, nil })
	assert.Len(t, got, 3)

	store.SetFeature(state.FeatureSensorSimulation, false)
	got, _ = h.Invoke(ctx, PointSensor, []any{model.SensorAccelerometer}, func(context.Context, []any) (any, error) { return raw, nil })
	assert.Equal(t, raw, got)

	store.SetFeature(state.FeatureMock, true)
	got, _ = h.Invoke(ctx, PointCell, nil, nil)
	assert.Equal(t, 460, got.(model.CellTower).MCC)

	got, _ = h.Invoke(ctx, PointNMEA, nil, func(context.Context, []any) (any, error) { return []string(nil), nil })
	assert.Nil(t, got)
	store.SetFeature(state.FeatureNMEA, true)
	got, _ = h.Invoke(ctx, PointNMEA, nil, nil)
	assert.NotEmpty(t, got)
}

func TestGeocodeAndGeofenceHonorAGPS(t *testing.T) {
	engine, store := newEngine(t)
	h := New(quiet())
	Install(h, engine)
	ctx := context.Background()
	lookup := func(context.Context, []any) (any, error) { return []string{"1 Bund Rd"}, nil }
	request := func(context.Context, []any) (any, error) { return errors.New("real request"), nil }

	got, _ := h.Invoke(ctx, PointGeocode, nil, lookup)
	assert.Equal(t, []string{"1 Bund Rd"}, got)

	store.SetFeature(state.FeatureDisableGetFromLocation, true)
	got, _ = h.Invoke(ctx, PointGeocode, nil, lookup)
	assert.Equal(t, []string{}, got)

	store.SetFeature(state.FeatureAGPS, true)
	got, _ = h.Invoke(ctx, PointGeocode, nil, lookup)
	assert.Equal(t, []string{"1 Bund Rd"}, got, "agps lets geocoding through")

	store.SetFeature(state.FeatureRequestGeofence, false)
	got, _ = h.Invoke(ctx, PointGeofenceRequest, nil, request)
	assert.NotNil(t, got)
	store.SetFeature(state.FeatureAGPS, false)
	got, _ = h.Invoke(ctx, PointGeofenceRequest, nil, request)
	assert.Nil(t, got)
}

func TestPhoneTypeAndWifiHookToggles(t *testing.T) {
	engine, store := newEngine(t)
	h := New(quiet())
	Install(h, engine)
	ctx := context.Background()
	phone := func(context.Context, []any) (any, error) { return PhoneTypeGSM, nil }

	got, _ := h.Invoke(ctx, PointPhoneType, nil, phone)
	assert.Equal(t, PhoneTypeGSM, got, "mock off")
	store.SetFeature(state.FeatureMock, true)
	got, _ = h.Invoke(ctx, PointPhoneType, nil, phone)
	assert.Equal(t, PhoneTypeCDMA, got)
	store.SetFeature(state.FeatureDowngradeTo2G, false)
	got, _ = h.Invoke(ctx, PointPhoneType, nil, phone)
	assert.Equal(t, PhoneTypeGSM, got)

	scan := func(context.Context, []any) (any, error) { return []string{"aa:bb"}, nil }
	store.SetFeature(state.FeatureWifiMock, true)
	store.SetFeature(state.FeatureHookWifi, false)
	got, _ = h.Invoke(ctx, PointWifiScan, nil, scan)
	assert.Equal(t, []string{"aa:bb"}, got, "wifi hook off leaves scans alone")
}
