package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/g960059/portal/internal/wire"
)

const writeTimeout = 2 * time.Second

// frameConn serializes writes on one socket connection.
type frameConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *frameConn) write(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	return wire.WriteFrame(c.conn, f)
}

// handleConn serves request/reply frames until the peer hangs up. A proxy
// or listen frame hands the connection over to a stream for the rest of
// its life.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	fc := &frameConn{conn: conn}
	for {
		f, err := wire.ReadFrame(conn, s.cfg.MaxFrameBytes)
		if err != nil {
			if !recoverable(err) {
				if !closedErr(err) {
					s.logger.Debug("connection dropped", "err", err)
				}
				return
			}
			// The body was consumed; answer and keep the connection. f
			// carries the seq when the header decoded.
			if werr := fc.write(wire.ReplyTo(f, wire.FrameReply, nil, err)); werr != nil {
				return
			}
			continue
		}
		if err := s.checkProvider(f.Provider); err != nil {
			if werr := fc.write(wire.ReplyTo(f, wire.FrameReply, nil, err)); werr != nil {
				return
			}
			continue
		}
		switch f.Type {
		case wire.FrameProviderStatus:
			err = fc.write(wire.ReplyTo(f, wire.FrameReply, nil, nil))
		case wire.FrameCommand:
			err = s.serveCommand(ctx, fc, f)
		case wire.FrameProxy:
			s.serveReverse(ctx, fc, f)
			return
		case wire.FrameListen:
			s.serveListener(ctx, fc, f)
			return
		default:
			err = fc.write(wire.ReplyTo(f, wire.FrameReply, nil,
				fmt.Errorf("%w: unexpected frame type %q", wire.ErrInvalidFrame, f.Type)))
		}
		if err != nil {
			s.logger.Debug("reply failed", "type", f.Type, "err", err)
			return
		}
	}
}

func (s *Server) checkProvider(provider string) error {
	if provider != s.cfg.Provider {
		return fmt.Errorf("%w: unknown provider %q", wire.ErrProviderDisabled, provider)
	}
	if !s.ProviderEnabled() {
		return fmt.Errorf("%w: %s", wire.ErrProviderDisabled, provider)
	}
	return nil
}

// serveCommand dispatches one command and, once the reply is written,
// queues successful mutations for every reverse channel.
func (s *Server) serveCommand(ctx context.Context, fc *frameConn, f wire.Frame) error {
	request := f.Envelope.Clone()
	env := f.Envelope
	err := s.dispatcher.Dispatch(ctx, f.Token, env)
	mutated := err == nil && wire.Mutating(s.dispatcher.Schema().Canonical(request.CommandID))
	if mutated {
		s.syncLogLevel()
	}
	if werr := fc.write(wire.ReplyTo(f, wire.FrameReply, env, err)); werr != nil {
		return werr
	}
	if mutated {
		s.publish(request)
	}
	return nil
}

// recoverable reports codec errors that leave the stream aligned on the
// next frame.
func recoverable(err error) bool {
	return errors.Is(err, wire.ErrInvalidFrame) || errors.Is(err, wire.ErrUnsupportedVers)
}

func closedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

// drain blocks until the peer closes conn, handing frames to fn.
func (s *Server) drain(conn net.Conn, fn func(wire.Frame)) {
	for {
		f, err := wire.ReadFrame(conn, s.cfg.MaxFrameBytes)
		if err != nil {
			if recoverable(err) {
				continue
			}
			return
		}
		if fn != nil {
			fn(f)
		}
	}
}
