// Package loop runs a function on a fixed interval as a task that accepts
// pause, resume and cancel messages between ticks.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc does one iteration. Returning done=true ends the task cleanly.
// Errors are logged and the task keeps ticking.
type TickFunc func(ctx context.Context, now time.Time) (done bool, err error)

type control int

const (
	ctrlPause control = iota
	ctrlResume
	ctrlCancel
	ctrlInterval
)

type message struct {
	kind     control
	interval time.Duration
}

type Option func(*Task)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Task) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTicks drives the task from ticks instead of a wall-clock ticker.
func WithTicks(ticks <-chan time.Time) Option {
	return func(t *Task) {
		t.ticks = ticks
	}
}

// WithImmediate runs one tick as soon as the task starts.
func WithImmediate() Option {
	return func(t *Task) {
		t.immediate = true
	}
}

func StartPaused() Option {
	return func(t *Task) {
		t.paused.Store(true)
	}
}

// Task is a cooperative ticking loop. Control messages are handled between
// ticks, so a tick in progress always finishes before a pause or cancel
// takes effect.
type Task struct {
	name      string
	interval  time.Duration
	tick      TickFunc
	logger    *slog.Logger
	ticks     <-chan time.Time
	immediate bool

	ctrl    chan message
	done    chan struct{}
	started atomic.Bool
	paused  atomic.Bool
	count   atomic.Int64
	skipped atomic.Int64

	mu  sync.Mutex
	err error
}

func New(name string, interval time.Duration, tick TickFunc, opts ...Option) *Task {
	t := &Task{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   slog.Default(),
		ctrl:     make(chan message),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("scope", name)
	return t
}

func (t *Task) Name() string {
	return t.name
}

// Start runs the task on its own goroutine. It is a no-op after the first
// call.
func (t *Task) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		_ = t.run(ctx)
	}()
}

// Run blocks until the task finishes. Cancellation, by message or by ctx,
// is a clean exit and returns nil.
func (t *Task) Run(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("loop: task already started")
	}
	return t.run(ctx)
}

func (t *Task) run(ctx context.Context) (err error) {
	defer func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	}()
	ticks := t.ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(positive(t.Interval()))
		defer ticker.Stop()
		ticks = ticker.C
	}
	if t.immediate && !t.paused.Load() {
		if t.step(ctx, time.Now()) {
			return nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case m := <-t.ctrl:
			switch m.kind {
			case ctrlPause:
				t.paused.Store(true)
			case ctrlResume:
				t.paused.Store(false)
			case ctrlCancel:
				return nil
			case ctrlInterval:
				if ticker != nil {
					ticker.Reset(positive(m.interval))
				}
			}
		case now, ok := <-ticks:
			if !ok {
				return nil
			}
			if t.paused.Load() {
				t.skipped.Add(1)
				continue
			}
			if t.step(ctx, now) {
				return nil
			}
		}
	}
}

func (t *Task) step(ctx context.Context, now time.Time) bool {
	t.count.Add(1)
	done, err := t.tick(ctx, now)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Warn("tick failed", "err", err)
	}
	return done
}

func (t *Task) send(m message) {
	select {
	case t.ctrl <- m:
	case <-t.done:
	}
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}

// Pause returns once the task has seen the message; later ticks are skipped.
func (t *Task) Pause() {
	if !t.started.Load() {
		t.paused.Store(true)
		return
	}
	t.send(message{kind: ctrlPause})
}

func (t *Task) Resume() {
	if !t.started.Load() {
		t.paused.Store(false)
		return
	}
	t.send(message{kind: ctrlResume})
}

// Cancel stops the task and waits for it to exit.
func (t *Task) Cancel() {
	if !t.started.Load() {
		return
	}
	t.send(message{kind: ctrlCancel})
	<-t.done
}

// SetInterval retimes the wall-clock ticker. It has no effect on a task
// driven by WithTicks.
func (t *Task) SetInterval(interval time.Duration) {
	t.mu.Lock()
	t.interval = interval
	t.mu.Unlock()
	if !t.started.Load() {
		return
	}
	t.send(message{kind: ctrlInterval, interval: interval})
}

func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *Task) Paused() bool {
	return t.paused.Load()
}

// Ticks counts the iterations that ran.
func (t *Task) Ticks() int64 {
	return t.count.Load()
}

// Skipped counts the ticks dropped while paused.
func (t *Task) Skipped() int64 {
	return t.skipped.Load()
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
