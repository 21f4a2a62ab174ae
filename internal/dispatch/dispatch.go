// Package dispatch routes command envelopes to handlers that read and
// mutate the fabrication state.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/pool"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

const DefaultHandlerTimeout = 2 * time.Second

// Handler reads req and writes its results into reply.
type Handler func(ctx context.Context, req, reply *wire.Envelope) error

// Record describes one dispatched command.
type Record struct {
	CommandID string
	Request   *wire.Envelope
	Code      string
	Err       error
	At        time.Time
	Elapsed   time.Duration
}

type Recorder interface {
	RecordCommand(ctx context.Context, rec Record)
}

type Counter interface {
	Live() int
}

type Broadcaster interface {
	Broadcast(ctx context.Context) (int, error)
}

type LibraryLoader interface {
	Load(ctx context.Context, path string) (string, error)
}

type Options struct {
	// Key authorizes every command but exchange_key. Empty disables the
	// check, which is how the control side runs its local dispatcher.
	Key         string
	Schema      *wire.Schema
	Engine      *fabricate.Engine
	Samples     *pool.SamplePool
	Geofences   *pool.Geofences
	Throttle    *pool.Throttle
	Listeners   Counter
	Proxies     Counter
	Broadcaster Broadcaster
	Libraries   LibraryLoader
	Recorders   []Recorder
	Logger      *slog.Logger
	// HandlerTimeout bounds every handler, including ones that ignore ctx.
	HandlerTimeout time.Duration
}

// Dispatcher is safe for concurrent use. Mutating commands are serialized
// so multi-field updates land together.
type Dispatcher struct {
	opts     Options
	store    *state.Store
	schema   *wire.Schema
	logger   *slog.Logger
	handlers map[string]Handler

	mutate sync.Mutex
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("dispatch: engine is required")
	}
	if opts.Schema == nil {
		schema, err := wire.NewV1Schema(wire.DefaultSchemaCacheSize)
		if err != nil {
			return nil, err
		}
		opts.Schema = schema
	}
	if opts.Samples == nil {
		opts.Samples = pool.NewSamplePool(pool.DefaultSampleCapacity, pool.DefaultSampleWarm, pool.DefaultMaxReuse)
	}
	if opts.Geofences == nil {
		fences, err := pool.NewGeofences(pool.DefaultGeofenceCap, pool.DefaultDwellDelay)
		if err != nil {
			return nil, err
		}
		opts.Geofences = fences
	}
	if opts.Throttle == nil {
		opts.Throttle = pool.NewThrottle(pool.DefaultThrottleInterval, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	d := &Dispatcher{
		opts:   opts,
		store:  opts.Engine.Store(),
		schema: opts.Schema,
		logger: opts.Logger,
	}
	d.handlers = d.routes()
	return d, nil
}

func (d *Dispatcher) Store() *state.Store {
	return d.store
}

func (d *Dispatcher) Schema() *wire.Schema {
	return d.schema
}

func (d *Dispatcher) Geofences() *pool.Geofences {
	return d.opts.Geofences
}

func (d *Dispatcher) Throttle() *pool.Throttle {
	return d.opts.Throttle
}

func (d *Dispatcher) Samples() *pool.SamplePool {
	return d.opts.Samples
}

// Handles reports whether commandID has a handler.
func (d *Dispatcher) Handles(commandID string) bool {
	_, ok := d.handlers[d.schema.Canonical(commandID)]
	return ok
}

// Authorize checks token against the session key.
func (d *Dispatcher) Authorize(token, commandID string) error {
	if d.opts.Key == "" {
		return nil
	}
	if d.schema.Canonical(commandID) == wire.CmdExchangeKey {
		if token == wire.HandshakeToken || token == d.opts.Key {
			return nil
		}
		return fmt.Errorf("%w: exchange_key requires the handshake token", wire.ErrHandshakeFailed)
	}
	if token != d.opts.Key {
		return fmt.Errorf("%w: session key mismatch", wire.ErrStaleSession)
	}
	return nil
}

// Dispatch authorizes and runs env in place: on return env holds the reply
// fields and Success reflects the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, token string, env *wire.Envelope) error {
	started := time.Now()
	if err := env.Validate(); err != nil {
		return err
	}
	request := env.Clone()
	err := d.run(ctx, token, env)
	env.Success = err == nil
	if !env.Success {
		env.Fields = map[string]wire.Value{}
	}
	rec := Record{
		CommandID: request.CommandID,
		Request:   request,
		Code:      wire.Code(err),
		Err:       err,
		At:        started.UTC(),
		Elapsed:   time.Since(started),
	}
	for _, r := range d.opts.Recorders {
		r.RecordCommand(ctx, rec)
	}
	if err != nil {
		d.logger.Debug("command failed", "command", request.CommandID, "code", rec.Code, "err", err)
	}
	return err
}

func (d *Dispatcher) run(ctx context.Context, token string, env *wire.Envelope) error {
	if err := d.Authorize(token, env.CommandID); err != nil {
		return err
	}
	id := d.schema.Canonical(env.CommandID)
	h, ok := d.handlers[id]
	if !ok {
		return fmt.Errorf("%w: %s", wire.ErrUnknownCommand, env.CommandID)
	}
	mutating := wire.Mutating(id)
	if mutating {
		d.mutate.Lock()
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	// The handler owns req and reply until done closes. A handler that
	// outlives the deadline keeps the mutation lock until it returns.
	req, reply := env.Clone(), wire.NewEnvelope(env.CommandID)
	done := make(chan error, 1)
	go func() {
		if mutating {
			defer d.mutate.Unlock()
		}
		done <- d.invoke(ctx, h, req, reply)
	}()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %s did not finish within %s: %w",
			wire.ErrCommandRejected, env.CommandID, d.opts.HandlerTimeout, ctx.Err())
	}
	env.Replace(reply)
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req, reply *wire.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "command", req.CommandID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: handler panic: %v", wire.ErrCommandRejected, r)
		}
	}()
	return h(ctx, req, reply)
}
