package dispatch

import (
	"errors"
	"fmt"

	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

const fieldLocationMode = "location_mode"

// EncodeSnapshot writes the full configuration into env.
func EncodeSnapshot(snap state.Snapshot, env *wire.Envelope) {
	env.Set(wire.FieldLat, wire.Float64(snap.Lat)).
		Set(wire.FieldLon, wire.Float64(snap.Lon)).
		Set(wire.FieldAltitude, wire.Float64(snap.Altitude)).
		Set(wire.FieldAccuracy, wire.Float64(snap.Accuracy)).
		Set(wire.FieldSpeed, wire.Float64(snap.Speed)).
		Set(wire.FieldSpeedAmplitude, wire.Float64(snap.SpeedAmplitude)).
		Set(wire.FieldBearing, wire.Float64(snap.Bearing)).
		Set(wire.FieldTransportMode, wire.Int32(int32(snap.TransportMode))).
		Set(wire.FieldStepMult, wire.Float64(snap.StepFrequencyMultiplier)).
		Set(wire.FieldMinSatellites, wire.Int32(int32(snap.MinSatellites))).
		Set(fieldLocationMode, wire.String(snap.LocationMode.String()))
	for _, f := range state.Features() {
		env.Set(f.Name(), wire.Bool(snap.Features.Has(f)))
	}
}

// DecodeSnapshot overlays the fields present in env onto base. Every
// field is checked against its domain before anything is returned.
func DecodeSnapshot(env *wire.Envelope, base state.Snapshot) (state.Snapshot, error) {
	out := base
	var errs []error
	float := func(name string, dst *float64, lo, hi float64) {
		v, ok := env.Get(name)
		if !ok {
			return
		}
		f, ok := v.AsFloat64()
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be numeric", name))
			return
		}
		if err := inRange(name, f, lo, hi); err != nil {
			errs = append(errs, err)
			return
		}
		*dst = f
	}
	float(wire.FieldLat, &out.Lat, -90, 90)
	float(wire.FieldLon, &out.Lon, -180, 180)
	float(wire.FieldAltitude, &out.Altitude, 0, MaxAltitude)
	float(wire.FieldAccuracy, &out.Accuracy, 0, MaxAccuracy)
	float(wire.FieldSpeed, &out.Speed, 0, MaxSpeed)
	float(wire.FieldSpeedAmplitude, &out.SpeedAmplitude, 0, MaxSpeedAmplitude)
	float(wire.FieldStepMult, &out.StepFrequencyMultiplier, MinStepMultiplier, MaxStepMultiplier)

	if v, ok := env.Get(wire.FieldBearing); ok {
		if f, ok := v.AsFloat64(); ok && finite(f) {
			out.Bearing = f
		} else {
			errs = append(errs, fmt.Errorf("bearing must be a finite number"))
		}
	}
	if v, ok := env.Get(wire.FieldTransportMode); ok {
		m, err := transportModeOf(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			out.TransportMode = m
		}
	}
	if v, ok := env.Get(wire.FieldMinSatellites); ok {
		n, ok := v.AsInt64()
		if !ok || n < model.MinSatellites || n > model.MaxSatellites {
			errs = append(errs, fmt.Errorf("min_satellites must be an integer in [%d,%d]", model.MinSatellites, model.MaxSatellites))
		} else {
			out.MinSatellites = int(n)
		}
	}
	if v, ok := env.Get(fieldLocationMode); ok {
		s, _ := v.AsString()
		m, err := model.ParseLocationMode(s)
		if err != nil {
			errs = append(errs, err)
		} else {
			out.LocationMode = m
		}
	}
	for _, f := range state.Features() {
		v, ok := env.Get(f.Name())
		if !ok {
			continue
		}
		b, ok := v.AsBool()
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be a bool", f.Name()))
			continue
		}
		if b {
			out.Features = out.Features.With(f)
		} else {
			out.Features = out.Features.Without(f)
		}
	}
	out.AutoDetectTransportMode = out.Features.Has(state.FeatureAutoDetectTransport)
	if err := errors.Join(errs...); err != nil {
		return base, fmt.Errorf("%w: %w", wire.ErrInvalidArgument, err)
	}
	return out, nil
}

// ApplySnapshot writes snap into store. The bearing stays pinned only if it
// already was.
func ApplySnapshot(store *state.Store, snap state.Snapshot) error {
	cur := store.Snapshot()
	if err := store.SetLocation(snap.Lat, snap.Lon); err != nil {
		return err
	}
	for _, set := range []func() error{
		func() error { return store.SetAltitude(snap.Altitude) },
		func() error { return store.SetAccuracy(snap.Accuracy) },
		func() error { return store.SetSpeed(snap.Speed) },
		func() error { return store.SetSpeedAmplitude(snap.SpeedAmplitude) },
		func() error { return store.SetStepFrequencyMultiplier(snap.StepFrequencyMultiplier) },
		func() error { return store.SetMinSatellites(snap.MinSatellites) },
		func() error { return store.SetLocationMode(snap.LocationMode) },
	} {
		if err := set(); err != nil {
			return err
		}
	}
	if snap.Bearing != cur.Bearing {
		if err := store.SetBearing(snap.Bearing); err != nil {
			return err
		}
		store.SetBearingPinned(cur.BearingPinned)
	}
	// Auto-detect must be off before an explicit mode can land.
	store.SetFeature(state.FeatureAutoDetectTransport, false)
	if err := store.SetTransportMode(snap.TransportMode); err != nil {
		return err
	}
	for _, f := range state.Features() {
		store.SetFeature(f, snap.Features.Has(f))
	}
	return nil
}
