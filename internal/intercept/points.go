package intercept

import (
	"context"

	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
)

// Interception points the host glue wraps.
const (
	// Result model.Location.
	PointLocation = "location.fix"
	// Args[0] model.SensorKind; Result []float32.
	PointSensor = "sensor.read"
	// Result model.GnssStatus.
	PointGnss = "gnss.status"
	// Result []string.
	PointNMEA = "gnss.nmea"
	// Result model.CellTower.
	PointCell = "telephony.cell"
	// Result []string of access point ids.
	PointWifiScan = "wifi.scan"
	// Args[0] provider name; Result bool.
	PointProviderEnabled = "location.provider_enabled"
	// Forward and reverse geocoding. Result []string of address lines.
	PointGeocode = "location.geocode"
	// Args[0] model.Geofence; Result error.
	PointGeofenceRequest = "location.request_geofence"
	// Result int, one of the PhoneType values.
	PointPhoneType = "telephony.phone_type"
)

// Phone types reported at PointPhoneType.
const (
	PhoneTypeGSM  = 1
	PhoneTypeCDMA = 2
)

// Install registers the fabrication hooks on h and returns a func that
// removes all of them.
func Install(h *Hooks, engine *fabricate.Engine) (uninstall func()) {
	store := engine.Store()
	var undo []func()
	add := func(point string, before Before, after After) {
		undo = append(undo, h.Register(point, before, after))
	}

	add(PointLocation, nil, func(_ context.Context, c *Call) {
		if !store.Enabled(state.FeatureMock) {
			return
		}
		if loc, ok := c.Result.(model.Location); ok && c.Err == nil {
			c.Result = engine.Location(loc)
			return
		}
		c.Result, c.Err = engine.Current(), nil
	})

	add(PointSensor, nil, func(_ context.Context, c *Call) {
		if len(c.Args) == 0 {
			return
		}
		kind, ok := c.Args[0].(model.SensorKind)
		if !ok {
			return
		}
		raw, _ := c.Result.([]float32)
		if values, ok := engine.Sensor(kind, raw); ok {
			c.Result, c.Err = values, nil
		}
	})

	add(PointGnss, nil, func(_ context.Context, c *Call) {
		if store.Enabled(state.FeatureGnssMock) {
			c.Result, c.Err = engine.Gnss(), nil
		}
	})

	add(PointNMEA, nil, func(_ context.Context, c *Call) {
		if store.Enabled(state.FeatureNMEA) && store.Enabled(state.FeatureMock) {
			c.Result, c.Err = engine.NMEA(), nil
		}
	})

	add(PointCell, nil, func(_ context.Context, c *Call) {
		if store.Enabled(state.FeatureMock) {
			c.Result, c.Err = engine.CellTower(), nil
		}
	})

	// A mocked scan sees no access points.
	add(PointWifiScan, func(_ context.Context, c *Call) {
		if store.Enabled(state.FeatureHookWifi) && store.Enabled(state.FeatureWifiMock) {
			c.Result, c.Skip = []string{}, true
		}
	}, nil)

	add(PointProviderEnabled, func(_ context.Context, c *Call) {
		if len(c.Args) == 0 {
			return
		}
		provider, _ := c.Args[0].(string)
		if (provider == model.ProviderFused && store.Enabled(state.FeatureDisableFusedProvider)) ||
			(provider == model.ProviderNetwork && store.Enabled(state.FeatureDisableNetworkProvider)) {
			c.Result, c.Skip = false, true
		}
	}, nil)

	// With AGPS assistance on, geocoding and geofencing reach the network
	// as usual.
	add(PointGeocode, func(_ context.Context, c *Call) {
		if store.Enabled(state.FeatureDisableGetFromLocation) && !store.Enabled(state.FeatureAGPS) {
			c.Result, c.Skip = []string{}, true
		}
	}, nil)

	add(PointGeofenceRequest, func(_ context.Context, c *Call) {
		if !store.Enabled(state.FeatureRequestGeofence) && !store.Enabled(state.FeatureAGPS) {
			c.Result, c.Skip = nil, true
		}
	}, nil)

	add(PointPhoneType, func(_ context.Context, c *Call) {
		if store.Enabled(state.FeatureDowngradeTo2G) && store.Enabled(state.FeatureMock) {
			c.Result, c.Skip = PhoneTypeCDMA, true
		}
	}, nil)

	return func() {
		for _, fn := range undo {
			fn()
		}
	}
}
