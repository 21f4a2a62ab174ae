package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

// Argument domains.
const (
	MaxAltitude       = 10000.0
	MaxSpeed          = 1000.0
	MaxAccuracy       = 1000.0
	MaxSpeedAmplitude = 100.0
	MinStepMultiplier = 0.5
	MaxStepMultiplier = 2.0
)

func (d *Dispatcher) routes() map[string]Handler {
	h := map[string]Handler{
		wire.CmdExchangeKey: d.exchangeKey,
		wire.CmdSyncConfig:  d.syncConfig,
		wire.CmdPutConfig:   d.putConfig,

		wire.CmdIsStart:         d.isEnabled(state.FeatureMock),
		wire.CmdIsGnssStart:     d.isEnabled(state.FeatureGnssMock),
		wire.CmdIsWifiMockStart: d.isEnabled(state.FeatureWifiMock),
		wire.CmdStart:           d.toggleMock(state.FeatureMock, true),
		wire.CmdStop:            d.toggleMock(state.FeatureMock, false),
		wire.CmdStartGnssMock:   d.toggleMock(state.FeatureGnssMock, true),
		wire.CmdStopGnssMock:    d.toggleMock(state.FeatureGnssMock, false),
		wire.CmdStartWifiMock:   d.toggleMock(state.FeatureWifiMock, true),
		wire.CmdStopWifiMock:    d.toggleMock(state.FeatureWifiMock, false),

		wire.CmdMove:           d.move,
		wire.CmdUpdateLocation: d.updateLocation,
		wire.CmdSetBearing:     d.setBearing,
		wire.CmdSetSpeed:       d.setFloat(wire.FieldSpeed, 0, MaxSpeed, d.store.SetSpeed),
		wire.CmdSetAltitude:    d.setFloat(wire.FieldAltitude, 0, MaxAltitude, d.store.SetAltitude),
		wire.CmdSetSpeedAmp:    d.setFloat(wire.FieldSpeedAmplitude, 0, MaxSpeedAmplitude, d.store.SetSpeedAmplitude),
		wire.CmdSetStepMult:    d.setFloat(wire.FieldStepMult, MinStepMultiplier, MaxStepMultiplier, d.store.SetStepFrequencyMultiplier),

		wire.CmdSetTransportMode: d.setTransportMode,
		wire.CmdSetAutoDetect:    d.setFeature(wire.FieldAutoDetect, state.FeatureAutoDetectTransport),
		wire.CmdSetSensorSim:     d.setFeature(state.FeatureSensorSimulation.Name(), state.FeatureSensorSimulation),
		wire.CmdSetDisableGet:    d.setFeature(state.FeatureDisableGetFromLocation.Name(), state.FeatureDisableGetFromLocation),
		wire.CmdSetGeofenceReq:   d.setFeature(state.FeatureRequestGeofence.Name(), state.FeatureRequestGeofence),

		wire.CmdEnableRouteMode:  d.setLocationMode(model.LocationModeRoute),
		wire.CmdDisableRouteMode: d.setLocationMode(model.LocationModeSinglePoint),
		wire.CmdGetLocationMode:  d.getLocationMode,

		wire.CmdGetLocation:     d.getLocation,
		wire.CmdGetListenerSize: d.getListenerSize,
		wire.CmdGetSpeed:        d.getFloat(wire.FieldSpeed, d.store.Speed),
		wire.CmdGetBearing:      d.getFloat(wire.FieldBearing, d.store.Bearing),
		wire.CmdGetAltitude:     d.getFloat(wire.FieldAltitude, d.store.Altitude),
		wire.CmdLoadLibrary:     d.loadLibrary,

		wire.CmdBroadcastLocation: d.broadcastLocation,
		wire.CmdSetProxy:          d.setProxy,
		wire.CmdGetGnssStatus:     d.getGnssStatus,
		wire.CmdGetCellInfo:       d.getCellInfo,
		wire.CmdGetNMEA:           d.getNMEA,
		wire.CmdRegisterGeofence:  d.registerGeofence,
		wire.CmdRemoveGeofence:    d.removeGeofence,
		wire.CmdMarkForeground:    d.markCaller(true),
		wire.CmdMarkBackground:    d.markCaller(false),
		wire.CmdResetThrottle:     d.resetThrottle,
		wire.CmdGetSensor:         d.getSensor,
		wire.CmdGetPoolStats:      d.getPoolStats,
	}
	return h
}

func (d *Dispatcher) exchangeKey(_ context.Context, _, reply *wire.Envelope) error {
	reply.Set(wire.FieldKey, wire.String(d.opts.Key))
	return nil
}

func (d *Dispatcher) syncConfig(_ context.Context, _, reply *wire.Envelope) error {
	EncodeSnapshot(d.store.Snapshot(), reply)
	return nil
}

func (d *Dispatcher) putConfig(_ context.Context, req, reply *wire.Envelope) error {
	snap, err := DecodeSnapshot(req, d.store.Snapshot())
	if err != nil {
		return err
	}
	if err := ApplySnapshot(d.store, snap); err != nil {
		return storeErr(err)
	}
	EncodeSnapshot(d.store.Snapshot(), reply)
	return nil
}

func (d *Dispatcher) isEnabled(f state.Feature) Handler {
	return func(_ context.Context, _, reply *wire.Envelope) error {
		reply.Set(wire.FieldValue, wire.Bool(d.store.Enabled(f)))
		return nil
	}
}

// toggleMock applies the optional motion fields, all validated first, then
// flips the toggle.
func (d *Dispatcher) toggleMock(f state.Feature, on bool) Handler {
	return func(_ context.Context, req, reply *wire.Envelope) error {
		type setter struct {
			field   string
			max     float64
			apply   func(float64) error
			value   float64
			present bool
		}
		setters := []*setter{
			{field: wire.FieldSpeed, max: MaxSpeed, apply: d.store.SetSpeed},
			{field: wire.FieldAltitude, max: MaxAltitude, apply: d.store.SetAltitude},
			{field: wire.FieldAccuracy, max: MaxAccuracy, apply: d.store.SetAccuracy},
		}
		for _, s := range setters {
			v, ok, err := d.schema.Float(req, s.field)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := inRange(s.field, v, 0, s.max); err != nil {
				return err
			}
			s.value, s.present = v, true
		}
		for _, s := range setters {
			if !s.present {
				continue
			}
			if err := s.apply(s.value); err != nil {
				return storeErr(err)
			}
		}
		d.store.SetFeature(f, on)
		if on && f == state.FeatureMock && d.store.LocationMode() == model.LocationModeDisabled {
			_ = d.store.SetLocationMode(model.LocationModeSinglePoint)
		}
		reply.Set(wire.FieldValue, wire.Bool(on))
		return nil
	}
}

func (d *Dispatcher) move(_ context.Context, req, reply *wire.Envelope) error {
	n, err := d.schema.RequireFloat(req, wire.FieldN)
	if err != nil {
		return err
	}
	if n < 0 || !finite(n) {
		return fmt.Errorf("%w: distance must be a finite value >= 0, got %v", wire.ErrInvalidArgument, n)
	}
	bearing, err := d.schema.RequireFloat(req, wire.FieldBearing)
	if err != nil {
		return err
	}
	if !finite(bearing) {
		return fmt.Errorf("%w: bearing must be finite", wire.ErrInvalidArgument)
	}
	c, err := d.store.Move(n, bearing)
	if err != nil {
		return storeErr(err)
	}
	reply.Set(wire.FieldLat, wire.Float64(c.Lat)).Set(wire.FieldLon, wire.Float64(c.Lon))
	return nil
}

func (d *Dispatcher) updateLocation(_ context.Context, req, reply *wire.Envelope) error {
	lat, err := d.schema.RequireFloat(req, wire.FieldLat)
	if err != nil {
		return err
	}
	lon, err := d.schema.RequireFloat(req, wire.FieldLon)
	if err != nil {
		return err
	}
	mode, _, err := d.schema.Text(req, wire.FieldMode)
	if err != nil {
		return err
	}
	var c state.Coordinate
	switch strings.TrimSpace(mode) {
	case "", wire.ModeAbsolute:
		if err := inRange(wire.FieldLat, lat, -90, 90); err != nil {
			return err
		}
		if err := inRange(wire.FieldLon, lon, -180, 180); err != nil {
			return err
		}
		if err := d.store.SetLocation(lat, lon); err != nil {
			return storeErr(err)
		}
		c = d.store.Coordinate()
	case wire.ModeOffset:
		if !finite(lat) || !finite(lon) {
			return fmt.Errorf("%w: offset must be finite", wire.ErrInvalidArgument)
		}
		c, err = d.store.OffsetLocation(lat, lon)
		if err != nil {
			return storeErr(err)
		}
	default:
		return fmt.Errorf("%w: mode must be %q or %q, got %q", wire.ErrInvalidArgument, wire.ModeAbsolute, wire.ModeOffset, mode)
	}
	if d.store.LocationMode() == model.LocationModeDisabled {
		_ = d.store.SetLocationMode(model.LocationModeSinglePoint)
	}
	reply.Set(wire.FieldLat, wire.Float64(c.Lat)).Set(wire.FieldLon, wire.Float64(c.Lon))
	return nil
}

func (d *Dispatcher) setBearing(_ context.Context, req, reply *wire.Envelope) error {
	b, err := d.schema.RequireFloat(req, wire.FieldBearing)
	if err != nil {
		return err
	}
	if err := d.store.SetBearing(b); err != nil {
		return storeErr(err)
	}
	reply.Set(wire.FieldBearing, wire.Float64(d.store.Bearing()))
	return nil
}

func (d *Dispatcher) setFloat(field string, lo, hi float64, apply func(float64) error) Handler {
	return func(_ context.Context, req, reply *wire.Envelope) error {
		v, err := d.schema.RequireFloat(req, field)
		if err != nil {
			return err
		}
		if err := inRange(field, v, lo, hi); err != nil {
			return err
		}
		if err := apply(v); err != nil {
			return storeErr(err)
		}
		reply.Set(field, wire.Float64(v))
		return nil
	}
}

func (d *Dispatcher) getFloat(field string, read func() float64) Handler {
	return func(_ context.Context, _, reply *wire.Envelope) error {
		reply.Set(field, wire.Float64(read()))
		return nil
	}
}

func (d *Dispatcher) setTransportMode(_ context.Context, req, reply *wire.Envelope) error {
	v, ok := d.schema.Lookup(req, wire.FieldTransportMode)
	if !ok {
		return fmt.Errorf("%w: %s is required", wire.ErrInvalidArgument, wire.FieldTransportMode)
	}
	m, err := transportModeOf(v)
	if err != nil {
		return fmt.Errorf("%w: %w", wire.ErrInvalidArgument, err)
	}
	if err := d.store.SetTransportMode(m); err != nil {
		return storeErr(err)
	}
	reply.Set(wire.FieldTransportMode, wire.Int32(int32(m)))
	return nil
}

func (d *Dispatcher) setFeature(field string, f state.Feature) Handler {
	return func(_ context.Context, req, reply *wire.Envelope) error {
		on, err := d.schema.RequireBool(req, field)
		if err != nil {
			return err
		}
		d.store.SetFeature(f, on)
		reply.Set(field, wire.Bool(on))
		return nil
	}
}

func (d *Dispatcher) setLocationMode(m model.LocationMode) Handler {
	return func(_ context.Context, _, reply *wire.Envelope) error {
		if err := d.store.SetLocationMode(m); err != nil {
			return storeErr(err)
		}
		reply.Set(wire.FieldMode, wire.String(m.String()))
		return nil
	}
}

func (d *Dispatcher) getLocationMode(_ context.Context, _, reply *wire.Envelope) error {
	reply.Set(wire.FieldMode, wire.String(d.store.LocationMode().String()))
	return nil
}

// getLocation answers with a fabricated fix while mock is on and with the
// configured coordinate otherwise or when raw is set. Background callers
// over their budget get throttled=true and no coordinates.
func (d *Dispatcher) getLocation(_ context.Context, req, reply *wire.Envelope) error {
	if uid, ok, err := d.schema.Int(req, wire.FieldUID); err != nil {
		return err
	} else if ok && !d.opts.Throttle.Allow(int(uid), d.opts.Engine.Now()) {
		reply.Set("throttled", wire.Bool(true))
		return nil
	}
	quality := model.QualityHighAccuracy
	if raw, ok, err := d.schema.Text(req, wire.FieldQuality); err != nil {
		return err
	} else if ok {
		q, err := model.ParseAccuracyQuality(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", wire.ErrInvalidArgument, err)
		}
		quality = q
	}

	raw, _, err := d.schema.Bool(req, wire.FieldRaw)
	if err != nil {
		return err
	}

	sample := d.opts.Samples.Obtain()
	defer d.opts.Samples.Recycle(sample)
	if d.store.Enabled(state.FeatureMock) && !raw {
		sample.Location = d.opts.Engine.Degrade(d.opts.Engine.Current(), quality)
	} else {
		snap := d.store.Snapshot()
		sample.Provider = model.ProviderGPS
		sample.Latitude, sample.Longitude = snap.Lat, snap.Lon
		sample.Accuracy = snap.Accuracy
		sample.Altitude, sample.HasAltitude = snap.Altitude, true
		sample.Time = d.opts.Engine.Now()
	}
	EncodeLocation(sample.Location, reply)
	return nil
}

// EncodeLocation writes a fix into env.
func EncodeLocation(loc model.Location, env *wire.Envelope) {
	env.Set(wire.FieldLat, wire.Float64(loc.Latitude)).
		Set(wire.FieldLon, wire.Float64(loc.Longitude)).
		Set(wire.FieldAccuracy, wire.Float64(loc.Accuracy)).
		Set("provider", wire.String(loc.Provider)).
		Set("time", wire.Int64(loc.Time.UnixMilli()))
	if loc.HasAltitude {
		env.Set(wire.FieldAltitude, wire.Float64(loc.Altitude))
	}
	if loc.HasSpeed {
		env.Set(wire.FieldSpeed, wire.Float64(loc.Speed))
	}
	if loc.HasBearing {
		env.Set(wire.FieldBearing, wire.Float64(loc.Bearing))
	}
	if n, ok := loc.Extras[model.ExtraSatellites]; ok {
		env.Set(wire.FieldSatellites, wire.Int32(int32(n)))
	}
}

func (d *Dispatcher) getListenerSize(_ context.Context, _, reply *wire.Envelope) error {
	n := 0
	if d.opts.Listeners != nil {
		n = d.opts.Listeners.Live()
	}
	reply.Set(wire.FieldSize, wire.Int32(int32(n)))
	return nil
}

func (d *Dispatcher) loadLibrary(ctx context.Context, req, reply *wire.Envelope) error {
	path, err := d.schema.RequireText(req, wire.FieldPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: path is empty", wire.ErrInvalidArgument)
	}
	if d.opts.Libraries == nil {
		return fmt.Errorf("%w: library loading is not available", wire.ErrCommandRejected)
	}
	status, err := d.opts.Libraries.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", wire.ErrCommandRejected, path, err)
	}
	reply.Set(wire.FieldResult, wire.String(status))
	return nil
}

func (d *Dispatcher) broadcastLocation(ctx context.Context, _, reply *wire.Envelope) error {
	if d.opts.Broadcaster == nil {
		return fmt.Errorf("%w: no broadcaster", wire.ErrCommandRejected)
	}
	n, err := d.opts.Broadcaster.Broadcast(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", wire.ErrCommandRejected, err)
	}
	reply.Set(wire.FieldDelivered, wire.Int32(int32(n)))
	return nil
}

// setProxy reports the reverse channels; the connection itself is
// registered by the transport that received the command.
func (d *Dispatcher) setProxy(_ context.Context, _, reply *wire.Envelope) error {
	n := 0
	if d.opts.Proxies != nil {
		n = d.opts.Proxies.Live()
	}
	reply.Set(wire.FieldRegistered, wire.Int32(int32(n)))
	return nil
}

func (d *Dispatcher) getGnssStatus(_ context.Context, _, reply *wire.Envelope) error {
	status := d.opts.Engine.Gnss()
	body, err := json.Marshal(status.Satellites)
	if err != nil {
		return fmt.Errorf("%w: encode satellites: %w", wire.ErrCommandRejected, err)
	}
	reply.Set(wire.FieldCount, wire.Int32(int32(status.Count))).
		Set(wire.FieldSatellites, wire.Binary(body))
	return nil
}

func (d *Dispatcher) getCellInfo(_ context.Context, _, reply *wire.Envelope) error {
	cell := d.opts.Engine.CellTower()
	reply.Set(wire.FieldMCC, wire.Int32(int32(cell.MCC))).
		Set(wire.FieldMNC, wire.Int32(int32(cell.MNC))).
		Set(wire.FieldLAC, wire.Int32(int32(cell.LAC))).
		Set(wire.FieldCID, wire.Int32(int32(cell.CID))).
		Set(wire.FieldPSC, wire.Int32(int32(cell.PSC))).
		Set(wire.FieldSignal, wire.Int32(int32(cell.Signal)))
	return nil
}

func (d *Dispatcher) getNMEA(_ context.Context, _, reply *wire.Envelope) error {
	if !d.store.Enabled(state.FeatureNMEA) {
		return fmt.Errorf("%w: nmea output is disabled", wire.ErrCommandRejected)
	}
	sentences := d.opts.Engine.NMEA()
	reply.Set(wire.FieldSentences, wire.String(strings.Join(sentences, "\r\n"))).
		Set(wire.FieldCount, wire.Int32(int32(len(sentences))))
	return nil
}

func (d *Dispatcher) registerGeofence(_ context.Context, req, reply *wire.Envelope) error {
	if !d.store.Enabled(state.FeatureRequestGeofence) && !d.store.Enabled(state.FeatureAGPS) {
		return fmt.Errorf("%w: geofence requests are disabled", wire.ErrCommandRejected)
	}
	id, err := d.schema.RequireText(req, wire.FieldID)
	if err != nil {
		return err
	}
	lat, err := d.schema.RequireFloat(req, wire.FieldLat)
	if err != nil {
		return err
	}
	lon, err := d.schema.RequireFloat(req, wire.FieldLon)
	if err != nil {
		return err
	}
	radius, err := d.schema.RequireFloat(req, wire.FieldRadius)
	if err != nil {
		return err
	}
	transitions := int64(model.GeofenceEnter | model.GeofenceExit)
	if v, ok, err := d.schema.Int(req, wire.FieldTransitions); err != nil {
		return err
	} else if ok {
		transitions = v
	}
	target, _, err := d.schema.Text(req, wire.FieldTarget)
	if err != nil {
		return err
	}
	fence := model.Geofence{ID: id, Lat: lat, Lon: lon, Radius: radius, Transitions: int(transitions), Target: target}
	if err := d.opts.Geofences.Register(fence); err != nil {
		return fmt.Errorf("%w: %w", wire.ErrInvalidArgument, err)
	}
	reply.Set(wire.FieldID, wire.String(id)).Set(wire.FieldSize, wire.Int32(int32(d.opts.Geofences.Len())))
	return nil
}

func (d *Dispatcher) removeGeofence(_ context.Context, req, reply *wire.Envelope) error {
	id, err := d.schema.RequireText(req, wire.FieldID)
	if err != nil {
		return err
	}
	reply.Set(wire.FieldValue, wire.Bool(d.opts.Geofences.Remove(id)))
	return nil
}

func (d *Dispatcher) markCaller(foreground bool) Handler {
	return func(_ context.Context, req, reply *wire.Envelope) error {
		uid, err := d.uid(req)
		if err != nil {
			return err
		}
		d.opts.Throttle.Mark(uid, foreground, d.opts.Engine.Now())
		reply.Set(wire.FieldUID, wire.Int32(int32(uid))).Set("foreground", wire.Bool(foreground))
		return nil
	}
}

func (d *Dispatcher) resetThrottle(_ context.Context, req, reply *wire.Envelope) error {
	uid, err := d.uid(req)
	if err != nil {
		return err
	}
	d.opts.Throttle.Reset(uid)
	reply.Set(wire.FieldUID, wire.Int32(int32(uid)))
	return nil
}

func (d *Dispatcher) uid(req *wire.Envelope) (int, error) {
	n, err := d.schema.RequireInt(req, wire.FieldUID)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: uid %d out of range", wire.ErrInvalidArgument, n)
	}
	return int(n), nil
}

func (d *Dispatcher) getSensor(_ context.Context, req, reply *wire.Envelope) error {
	name, err := d.schema.RequireText(req, wire.FieldSensor)
	if err != nil {
		return err
	}
	kind, err := model.ParseSensorKind(name)
	if err != nil {
		return fmt.Errorf("%w: %w", wire.ErrInvalidArgument, err)
	}
	values, ok := d.opts.Engine.Sensor(kind, nil)
	if !ok {
		return fmt.Errorf("%w: sensor simulation is disabled", wire.ErrCommandRejected)
	}
	reply.Set(wire.FieldSensor, wire.String(string(kind))).
		Set(wire.FieldValues, wire.Binary(EncodeFloats(values))).
		Set(wire.FieldCount, wire.Int32(int32(len(values))))
	return nil
}

func (d *Dispatcher) getPoolStats(_ context.Context, _, reply *wire.Envelope) error {
	st := d.opts.Samples.Stats()
	reply.Set(wire.FieldPoolObtained, wire.Int64(int64(st.Obtained))).
		Set(wire.FieldPoolRecycled, wire.Int64(int64(st.Recycled))).
		Set(wire.FieldPoolCreated, wire.Int64(int64(st.Created))).
		Set(wire.FieldPoolHits, wire.Int64(int64(st.Hits))).
		Set(wire.FieldPoolDiscarded, wire.Int64(int64(st.Discarded))).
		Set(wire.FieldPoolIdle, wire.Int32(int32(st.Idle))).
		Set(wire.FieldPoolHitRate, wire.Float64(st.HitRate))
	return nil
}

// EncodeFloats packs values as little-endian float32.
func EncodeFloats(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func DecodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: float vector has %d bytes", wire.ErrInvalidArgument, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

func transportModeOf(v wire.Value) (model.TransportMode, error) {
	if n, ok := v.AsInt64(); ok {
		m := model.TransportMode(n)
		if n < 0 || n > math.MaxInt32 || !m.Valid() {
			return 0, fmt.Errorf("transport_mode index %d out of range", n)
		}
		return m, nil
	}
	if s, ok := v.AsString(); ok {
		return model.ParseTransportMode(s)
	}
	return 0, fmt.Errorf("transport_mode must be an index or a name, got %s", v.Kind)
}

func inRange(field string, v, lo, hi float64) error {
	if !finite(v) || v < lo || v > hi {
		return fmt.Errorf("%w: %s must be in [%g,%g], got %v", wire.ErrInvalidArgument, field, lo, hi, v)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func storeErr(err error) error {
	switch {
	case errors.Is(err, state.ErrOutOfRange):
		return fmt.Errorf("%w: %w", wire.ErrInvalidArgument, err)
	case errors.Is(err, state.ErrDerived):
		return fmt.Errorf("%w: %w", wire.ErrCommandRejected, err)
	default:
		return err
	}
}
