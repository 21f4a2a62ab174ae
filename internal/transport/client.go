// Package transport is the control-side end of the daemon socket: a
// request/reply channel for provider checks and commands, plus dedicated
// connections for the reverse channel and listener streams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/g960059/portal/internal/wire"
)

const defaultCallTimeout = 10 * time.Second

// PushHandler applies an envelope pushed by the daemon.
type PushHandler func(ctx context.Context, env *wire.Envelope) error

// Client is one request/reply connection. Calls are serialized.
type Client struct {
	socketPath  string
	conn        net.Conn
	maxFrame    int
	callTimeout time.Duration

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// Dial connects to the daemon socket. Failures wrap ErrTransportUnavailable.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	conn, err := dialUnix(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		socketPath:  socketPath,
		conn:        conn,
		maxFrame:    wire.DefaultMaxFrame,
		callTimeout: defaultCallTimeout,
	}, nil
}

func dialUnix(ctx context.Context, socketPath string) (net.Conn, error) {
	if strings.TrimSpace(socketPath) == "" {
		return nil, fmt.Errorf("%w: socket path is empty", wire.ErrTransportUnavailable)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", wire.ErrTransportUnavailable, socketPath, err)
	}
	return conn, nil
}

func (c *Client) WithCallTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callTimeout = timeout
	return c
}

func (c *Client) SocketPath() string {
	return c.socketPath
}

// ProviderStatus reports whether the daemon serves provider.
func (c *Client) ProviderStatus(ctx context.Context, provider string) (bool, error) {
	req := wire.NewFrame(wire.FrameProviderStatus, 0)
	req.Provider = provider
	reply, err := c.roundTrip(ctx, req)
	if err != nil {
		return false, err
	}
	if err := reply.Err(); err != nil {
		if errors.Is(err, wire.ErrProviderDisabled) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SendExtraCommand sends env and replaces its fields with the reply in
// place. The bool mirrors env.Success.
func (c *Client) SendExtraCommand(ctx context.Context, provider, token string, env *wire.Envelope) (bool, error) {
	if env == nil {
		return false, fmt.Errorf("%w: nil envelope", wire.ErrInvalidArgument)
	}
	req := wire.NewFrame(wire.FrameCommand, 0)
	req.Provider = provider
	req.Token = token
	req.Envelope = env
	reply, err := c.roundTrip(ctx, req)
	if err != nil {
		env.Success = false
		return false, err
	}
	if reply.Envelope != nil {
		env.Replace(reply.Envelope)
	} else {
		env.Fields = map[string]wire.Value{}
	}
	env.Success = reply.OK
	return reply.OK, reply.Err()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, req wire.Frame) (wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wire.Frame{}, fmt.Errorf("%w: client closed", wire.ErrTransportUnavailable)
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	stop := bindDeadline(ctx, c.conn)
	defer stop()

	c.seq++
	req.Seq = c.seq
	if err := wire.WriteFrame(c.conn, req); err != nil {
		return wire.Frame{}, transportErr(ctx, err)
	}
	for {
		reply, err := wire.ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			return wire.Frame{}, transportErr(ctx, err)
		}
		if reply.Type != wire.FrameReply {
			continue
		}
		// Seq 0 answers a frame the daemon could not decode; requests
		// start at 1 and this client has one call in flight.
		if reply.Seq != req.Seq && (reply.Seq != 0 || reply.OK) {
			continue
		}
		return reply, nil
	}
}

// bindDeadline mirrors ctx onto conn so blocked reads and writes return
// when ctx ends.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
	}
}

func transportErr(ctx context.Context, err error) error {
	if errors.Is(err, wire.ErrInvalidFrame) || errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrUnsupportedVers) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", wire.ErrTransportUnavailable, ctxErr)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: connection closed", wire.ErrTransportUnavailable)
	}
	return fmt.Errorf("%w: %w", wire.ErrTransportUnavailable, err)
}
