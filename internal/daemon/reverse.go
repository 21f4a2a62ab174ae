package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/g960059/portal/internal/metrics"
	"github.com/g960059/portal/internal/wire"
)

const (
	pushTimeout = 2 * time.Second
	outboxSize  = 64
)

var errPushTimeout = errors.New("push not acknowledged")

// reverseChannel is a control process connection the daemon pushes
// mutations over. Pushes go out in order, one outstanding at a time.
type reverseChannel struct {
	id     string
	fc     *frameConn
	outbox chan *wire.Envelope
	acks   chan wire.Frame
	done   chan struct{}
	seq    uint64
}

func newReverseChannel(fc *frameConn) *reverseChannel {
	return &reverseChannel{
		fc:     fc,
		outbox: make(chan *wire.Envelope, outboxSize),
		acks:   make(chan wire.Frame, outboxSize),
		done:   make(chan struct{}),
	}
}

// enqueue never blocks. A full outbox counts as a failed delivery.
func (r *reverseChannel) enqueue(env *wire.Envelope) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.outbox <- env:
		return true
	default:
		return false
	}
}

func (r *reverseChannel) push(env *wire.Envelope) error {
	r.seq++
	f := wire.NewFrame(wire.FramePush, r.seq)
	f.Envelope = env
	if err := r.fc.write(f); err != nil {
		return err
	}
	timer := time.NewTimer(pushTimeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-r.acks:
			if ack.Seq != r.seq {
				continue
			}
			return ack.Err()
		case <-timer.C:
			return fmt.Errorf("%w: seq %d", errPushTimeout, r.seq)
		case <-r.done:
			return net.ErrClosed
		}
	}
}

// serveReverse registers the connection as a reverse channel, answers the
// registering frame with set_proxy and then routes acks until the peer
// hangs up.
func (s *Server) serveReverse(ctx context.Context, fc *frameConn, f wire.Frame) {
	env := f.Envelope
	if env == nil {
		env = wire.NewEnvelope(wire.CmdSetProxy)
	}
	if err := s.dispatcher.Authorize(f.Token, env.CommandID); err != nil {
		fc.write(wire.ReplyTo(f, wire.FrameReply, nil, err)) //nolint:errcheck
		return
	}
	rc := newReverseChannel(fc)
	handle := s.proxies.Register(rc, s.engine.Now())
	defer handle.Release()
	rc.id = handle.ID

	err := s.dispatcher.Dispatch(ctx, f.Token, env)
	if werr := fc.write(wire.ReplyTo(f, wire.FrameReply, env, err)); werr != nil || err != nil {
		return
	}
	metrics.SetReverseChannels(s.proxies.Live())
	s.logger.Debug("reverse channel registered", "id", rc.id)

	go s.pushLoop(ctx, rc)
	s.drain(fc.conn, func(ack wire.Frame) {
		if ack.Type != wire.FramePushAck {
			return
		}
		select {
		case rc.acks <- ack:
		default:
		}
	})
	close(rc.done)
	handle.Release()
	metrics.SetReverseChannels(s.proxies.Live())
	s.logger.Debug("reverse channel closed", "id", rc.id)
}

func (s *Server) pushLoop(ctx context.Context, rc *reverseChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rc.done:
			return
		case env := <-rc.outbox:
			err := rc.push(env)
			metrics.Push(err)
			s.proxies.Report(rc.id, err == nil, s.engine.Now())
			if err != nil {
				s.logger.Debug("push failed", "id", rc.id, "command", env.CommandID, "err", err)
			}
		}
	}
}

// publish queues env for every live reverse channel and returns how many
// accepted it.
func (s *Server) publish(env *wire.Envelope) int {
	now := s.engine.Now()
	queued := 0
	s.proxies.Each(func(id string, rc *reverseChannel) bool {
		if rc.enqueue(env) {
			queued++
			return true
		}
		metrics.Push(errors.New("outbox full"))
		s.proxies.Report(id, false, now)
		return true
	})
	return queued
}
