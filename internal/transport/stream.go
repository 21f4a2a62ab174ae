package transport

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

// Reverse is a registered reverse channel. The daemon pushes mutating
// envelopes over it and waits for an ack per push.
type Reverse struct {
	conn    net.Conn
	handler PushHandler
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	err       error
}

// RegisterProxy opens a second connection, registers it as a reverse
// channel and starts serving pushes with h.
func (c *Client) RegisterProxy(ctx context.Context, provider, token string, h PushHandler) (io.Closer, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil push handler", wire.ErrInvalidArgument)
	}
	conn, _, err := c.openStream(ctx, wire.FrameProxy, provider, token, wire.NewEnvelope(wire.CmdSetProxy))
	if err != nil {
		return nil, err
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	r := &Reverse{
		conn:    conn,
		handler: h,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.serve(serveCtx)
	return r, nil
}

func (r *Reverse) serve(ctx context.Context) {
	defer close(r.done)
	for {
		f, err := wire.ReadFrame(r.conn, wire.DefaultMaxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				r.err = err
			}
			return
		}
		if f.Type != wire.FramePush || f.Envelope == nil {
			continue
		}
		herr := r.handler(ctx, f.Envelope)
		ack := wire.ReplyTo(f, wire.FramePushAck, nil, herr)
		r.writeMu.Lock()
		err = wire.WriteFrame(r.conn, ack)
		r.writeMu.Unlock()
		if err != nil {
			r.err = err
			return
		}
	}
}

// Done is closed once the daemon drops the channel or Close is called.
func (r *Reverse) Done() <-chan struct{} {
	return r.done
}

// Err reports why serving stopped, nil for a clean close.
func (r *Reverse) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Reverse) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		err = r.conn.Close()
		<-r.done
	})
	return err
}

// Listen registers a location listener on a dedicated connection and calls
// fn with every sample and geofence frame until ctx ends, the daemon closes
// the stream or fn returns an error.
func (c *Client) Listen(ctx context.Context, provider, token, quality string, fn func(wire.Frame) error) error {
	env := wire.NewEnvelope(wire.CmdGetLocation)
	if quality != "" {
		env.Set(wire.FieldQuality, wire.String(quality))
	}
	conn, _, err := c.openStream(ctx, wire.FrameListen, provider, token, env)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	for {
		f, err := wire.ReadFrame(conn, c.maxFrame)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return transportErr(ctx, err)
		}
		switch f.Type {
		case wire.FrameSample, wire.FrameGeofence:
			if err := fn(f); err != nil {
				return err
			}
		}
	}
}

// openStream dials a fresh connection and performs the registering round
// trip on it.
func (c *Client) openStream(ctx context.Context, frameType wire.FrameType, provider, token string, env *wire.Envelope) (net.Conn, wire.Frame, error) {
	conn, err := dialUnix(ctx, c.socketPath)
	if err != nil {
		return nil, wire.Frame{}, err
	}
	stop := bindDeadline(ctx, conn)
	req := wire.NewFrame(frameType, 1)
	req.Provider = provider
	req.Token = token
	req.Envelope = env
	if err := wire.WriteFrame(conn, req); err != nil {
		stop()
		conn.Close() //nolint:errcheck
		return nil, wire.Frame{}, transportErr(ctx, err)
	}
	var reply wire.Frame
	for {
		reply, err = wire.ReadFrame(conn, c.maxFrame)
		if err != nil {
			stop()
			conn.Close() //nolint:errcheck
			return nil, wire.Frame{}, transportErr(ctx, err)
		}
		if reply.Type == wire.FrameReply && reply.Seq == req.Seq {
			break
		}
	}
	stop()
	_ = conn.SetDeadline(time.Time{})
	if err := reply.Err(); err != nil {
		conn.Close() //nolint:errcheck
		return nil, wire.Frame{}, err
	}
	return conn, reply, nil
}
