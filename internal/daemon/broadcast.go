package daemon

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/metrics"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

// noUID marks a listener that is never throttled.
const noUID = -1

// listener receives fabricated samples. Socket streams and websocket
// clients both register one.
type listener struct {
	quality model.AccuracyQuality
	uid     int
	// target filters geofence events; empty receives all of them.
	target  string
	deliver func(wire.Frame) error
}

func (l *listener) wants(ev model.GeofenceEvent) bool {
	return l.target == "" || l.target == ev.Target
}

// newListener reads quality, uid and target from a get_location envelope.
func (s *Server) newListener(env *wire.Envelope, deliver func(wire.Frame) error) (*listener, error) {
	schema := s.dispatcher.Schema()
	l := &listener{quality: model.QualityHighAccuracy, uid: noUID, deliver: deliver}
	if raw, ok, err := schema.Text(env, wire.FieldQuality); err != nil {
		return nil, err
	} else if ok {
		q, err := model.ParseAccuracyQuality(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", wire.ErrInvalidArgument, err)
		}
		l.quality = q
	}
	if uid, ok, err := schema.Int(env, wire.FieldUID); err != nil {
		return nil, err
	} else if ok {
		l.uid = int(uid)
	}
	target, _, err := schema.Text(env, wire.FieldTarget)
	if err != nil {
		return nil, err
	}
	l.target = target
	return l, nil
}

// serveListener answers the listen frame with a current fix and then
// streams samples on the connection until the peer hangs up.
func (s *Server) serveListener(ctx context.Context, fc *frameConn, f wire.Frame) {
	env := f.Envelope
	if env == nil {
		env = wire.NewEnvelope(wire.CmdGetLocation)
	}
	l, err := s.newListener(env, fc.write)
	if err == nil {
		err = s.dispatcher.Dispatch(ctx, f.Token, env)
	}
	if werr := fc.write(wire.ReplyTo(f, wire.FrameReply, env, err)); werr != nil || err != nil {
		return
	}
	handle := s.listeners.Register(l, s.engine.Now())
	defer handle.Release()
	metrics.SetListeners(s.listeners.Live())
	s.logger.Debug("listener registered", "id", handle.ID, "quality", int(l.quality))

	s.drain(fc.conn, nil)
	// The registry holds l weakly; it must outlive the stream.
	runtime.KeepAlive(l)
	handle.Release()
	metrics.SetListeners(s.listeners.Live())
}

// Broadcast fabricates one sample and delivers it to every live listener,
// degraded to each listener's quality. Geofence transitions for the sample
// follow on the same streams. It returns the number of samples delivered.
func (s *Server) Broadcast(ctx context.Context) (int, error) {
	now := s.engine.Now()
	samples := s.dispatcher.Samples()
	sample := samples.Obtain()
	defer samples.Recycle(sample)
	sample.Location = s.engine.Current()

	throttle := s.dispatcher.Throttle()
	delivered := 0
	s.listeners.Each(func(id string, l *listener) bool {
		if ctx.Err() != nil {
			return false
		}
		if l.uid != noUID && !throttle.Allow(l.uid, now) {
			return true
		}
		env := wire.NewEnvelope(wire.CmdGetLocation)
		dispatch.EncodeLocation(s.engine.Degrade(sample.Location, l.quality), env)
		frame := wire.NewFrame(wire.FrameSample, 0)
		frame.Provider = s.cfg.Provider
		frame.Envelope = env
		err := l.deliver(frame)
		s.listeners.Report(id, err == nil, now)
		if err != nil {
			s.logger.Debug("sample delivery failed", "listener", id, "err", err)
			return true
		}
		delivered++
		return true
	})
	if err := ctx.Err(); err != nil {
		return delivered, err
	}

	for _, ev := range s.dispatcher.Geofences().Evaluate(sample.Latitude, sample.Longitude, now) {
		s.deliverGeofence(ev, now)
	}
	metrics.BroadcastTick(delivered)
	return delivered, nil
}

func (s *Server) deliverGeofence(ev model.GeofenceEvent, now time.Time) {
	env := wire.NewEnvelope("geofence")
	env.Set(wire.FieldID, wire.String(ev.FenceID)).
		Set(wire.FieldTarget, wire.String(ev.Target)).
		Set(wire.FieldTransition, wire.Int32(int32(ev.Transition))).
		Set("time", wire.Int64(ev.At.UnixMilli()))
	frame := wire.NewFrame(wire.FrameGeofence, 0)
	frame.Provider = s.cfg.Provider
	frame.Envelope = env
	s.listeners.Each(func(id string, l *listener) bool {
		if !l.wants(ev) {
			return true
		}
		err := l.deliver(frame)
		s.listeners.Report(id, err == nil, now)
		return true
	})
}

// broadcastTick runs while mock is started and someone is listening.
func (s *Server) broadcastTick(ctx context.Context, _ time.Time) (bool, error) {
	if !s.engine.Store().Enabled(state.FeatureMock) || s.listeners.Live() == 0 {
		return false, nil
	}
	_, err := s.Broadcast(ctx)
	return false, err
}

// RunBroadcaster blocks, broadcasting every BroadcastInterval.
func (s *Server) RunBroadcaster(ctx context.Context) error {
	return s.broadcaster.Run(ctx)
}

func (s *Server) SetBroadcastInterval(d time.Duration) {
	s.broadcaster.SetInterval(d)
}
