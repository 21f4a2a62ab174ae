// Package session establishes and keeps the authorized channel from the
// control process to the daemon: acquire the socket, confirm the provider,
// exchange the session key, register the reverse channel and pull the
// daemon's configuration into the local store.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/transport"
	"github.com/g960059/portal/internal/wire"
)

type Stage string

const (
	StageAcquire    Stage = "acquire"
	StageProvider   Stage = "provider"
	StageExchange   Stage = "exchange_key"
	StageProxy      Stage = "proxy"
	StageConfigSync Stage = "config_sync"
)

// StageError reports a stage that ran out of attempts.
type StageError struct {
	Stage    Stage
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("session %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Channel is the transport the manager drives. *transport.Client satisfies it.
type Channel interface {
	ProviderStatus(ctx context.Context, provider string) (bool, error)
	SendExtraCommand(ctx context.Context, provider, token string, env *wire.Envelope) (bool, error)
	RegisterProxy(ctx context.Context, provider, token string, h transport.PushHandler) (io.Closer, error)
	Close() error
}

type Dialer func(ctx context.Context) (Channel, error)

// SocketDialer dials the daemon socket at path.
func SocketDialer(path string) Dialer {
	return func(ctx context.Context) (Channel, error) {
		c, err := transport.Dial(ctx, path)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Options struct {
	Provider string
	Dial     Dialer
	// Local receives the synced configuration and every reverse-channel
	// push. Nil skips both.
	Local *dispatch.Dispatcher
	// SkipProxy leaves the reverse channel unregistered, for one-shot
	// callers that exit after a single command.
	SkipProxy bool

	Acquire  Schedule
	Provide  Schedule
	Exchange Schedule

	Logger    *slog.Logger
	Sleep     SleepFunc
	Now       func() time.Time
	OnAttempt func(stage Stage, attempt int, err error)
}

// Session is the handshake outcome.
type Session struct {
	Key           string
	Established   bool
	StartedAt     time.Time
	EstablishedAt time.Time
}

// Manager is safe for concurrent use; Establish runs at most once at a time.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	ch      Channel
	proxy   io.Closer
	current Session
}

func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Provider) == "" {
		return nil, fmt.Errorf("session: provider is required")
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if opts.Acquire.Attempts == 0 {
		opts.Acquire = DefaultAcquireSchedule()
	}
	if opts.Provide.Attempts == 0 {
		opts.Provide = DefaultProviderSchedule()
	}
	if opts.Exchange.Attempts == 0 {
		opts.Exchange = DefaultExchangeSchedule()
	}
	for _, s := range []Schedule{opts.Acquire, opts.Provide, opts.Exchange} {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepWithContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts, logger: opts.Logger.With("provider", opts.Provider)}, nil
}

// Session returns a copy of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Establish runs the handshake unless a session is already up. Each stage
// gives up after its schedule; the whole sequence can be retried later.
func (m *Manager) Establish(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Established {
		return m.current, nil
	}
	return m.establishLocked(ctx)
}

func (m *Manager) establishLocked(ctx context.Context) (Session, error) {
	m.teardownLocked()
	sess := Session{StartedAt: m.opts.Now()}

	ch, err := retry(ctx, m, StageAcquire, m.opts.Acquire, func(ctx context.Context) (Channel, error) {
		return m.opts.Dial(ctx)
	})
	if err != nil {
		return sess, m.fail(StageAcquire, err)
	}
	m.ch = ch

	_, err = retry(ctx, m, StageProvider, m.opts.Provide, func(ctx context.Context) (struct{}, error) {
		enabled, err := ch.ProviderStatus(ctx, m.opts.Provider)
		if err != nil {
			return struct{}{}, err
		}
		if !enabled {
			return struct{}{}, fmt.Errorf("%w: %s", wire.ErrProviderDisabled, m.opts.Provider)
		}
		return struct{}{}, nil
	})
	if err != nil {
		m.teardownLocked()
		return sess, m.fail(StageProvider, err)
	}

	key, err := retry(ctx, m, StageExchange, m.opts.Exchange, func(ctx context.Context) (string, error) {
		return m.exchangeKey(ctx, ch)
	})
	if err != nil {
		m.teardownLocked()
		return sess, m.fail(StageExchange, err)
	}
	sess.Key = key

	if !m.opts.SkipProxy {
		proxy, err := ch.RegisterProxy(ctx, m.opts.Provider, key, m.applyPush)
		m.observe(StageProxy, 1, err)
		if err != nil {
			m.teardownLocked()
			return sess, m.fail(StageProxy, &StageError{Stage: StageProxy, Attempts: 1, Err: err})
		}
		m.proxy = proxy
	}

	if err := m.syncConfig(ctx, ch, key); err != nil {
		m.observe(StageConfigSync, 1, err)
		m.teardownLocked()
		return sess, m.fail(StageConfigSync, &StageError{Stage: StageConfigSync, Attempts: 1, Err: err})
	}
	m.observe(StageConfigSync, 1, nil)

	sess.Established = true
	sess.EstablishedAt = m.opts.Now()
	m.current = sess
	m.logger.Info("session established", "elapsed", sess.EstablishedAt.Sub(sess.StartedAt))
	return sess, nil
}

func (m *Manager) exchangeKey(ctx context.Context, ch Channel) (string, error) {
	env := wire.NewEnvelope(wire.CmdExchangeKey)
	ok, err := ch.SendExtraCommand(ctx, m.opts.Provider, wire.HandshakeToken, env)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: exchange_key reply failed", wire.ErrHandshakeFailed)
	}
	v, present := env.Get(wire.FieldKey)
	key, _ := v.AsString()
	if !present || strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty key in reply", wire.ErrHandshakeFailed)
	}
	return key, nil
}

// syncConfig pulls the daemon snapshot and applies it to the local store
// through the local dispatcher.
func (m *Manager) syncConfig(ctx context.Context, ch Channel, key string) error {
	env := wire.NewEnvelope(wire.CmdSyncConfig)
	if _, err := ch.SendExtraCommand(ctx, m.opts.Provider, key, env); err != nil {
		return err
	}
	if m.opts.Local == nil {
		return nil
	}
	env.CommandID = wire.CmdPutConfig
	return m.opts.Local.Dispatch(ctx, "", env)
}

// applyPush mirrors a daemon-side mutation into the local store.
func (m *Manager) applyPush(ctx context.Context, env *wire.Envelope) error {
	if m.opts.Local == nil {
		return nil
	}
	if !m.opts.Local.Handles(env.CommandID) {
		return fmt.Errorf("%w: %s", wire.ErrUnknownCommand, env.CommandID)
	}
	err := m.opts.Local.Dispatch(ctx, "", env.Clone())
	if err != nil {
		m.logger.Warn("push apply failed", "command", env.CommandID, "err", err)
	}
	return err
}

// Call sends env with the session key, establishing the session first if
// needed. A stale-session reply invalidates the key and retries once on a
// fresh handshake.
func (m *Manager) Call(ctx context.Context, env *wire.Envelope) error {
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if !m.current.Established {
			if _, err := m.establishLocked(ctx); err != nil {
				m.mu.Unlock()
				return err
			}
		}
		ch, key := m.ch, m.current.Key
		m.mu.Unlock()

		req := env.Clone()
		_, err := ch.SendExtraCommand(ctx, m.opts.Provider, key, req)
		if errors.Is(err, wire.ErrStaleSession) && attempt == 0 {
			m.logger.Warn("session key rejected, re-establishing")
			m.invalidate(key)
			continue
		}
		if errors.Is(err, wire.ErrTransportUnavailable) {
			m.invalidate(key)
		}
		env.Replace(req)
		env.Success = req.Success
		return err
	}
}

// Invalidate drops the current session; the next Call re-establishes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Key == key {
		m.teardownLocked()
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked()
}

func (m *Manager) teardownLocked() error {
	var errs []error
	if m.proxy != nil {
		errs = append(errs, m.proxy.Close())
		m.proxy = nil
	}
	if m.ch != nil {
		errs = append(errs, m.ch.Close())
		m.ch = nil
	}
	m.current = Session{}
	return errors.Join(errs...)
}

func (m *Manager) fail(stage Stage, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		m.logger.Error("session stage failed", "stage", string(se.Stage), "attempts", se.Attempts, "err", se.Err)
	} else {
		m.logger.Error("session stage failed", "stage", string(stage), "err", err)
	}
	return err
}

func (m *Manager) observe(stage Stage, attempt int, err error) {
	if m.opts.OnAttempt != nil {
		m.opts.OnAttempt(stage, attempt, err)
	}
}

// stageSentinel is the taxonomy error a stage reports once exhausted.
func stageSentinel(stage Stage) error {
	switch stage {
	case StageAcquire:
		return wire.ErrTransportUnavailable
	case StageProvider:
		return wire.ErrProviderDisabled
	default:
		return wire.ErrHandshakeFailed
	}
}

// retry runs op until it succeeds or the schedule is spent. Context
// cancellation stops the loop early and is reported as-is.
func retry[T any](ctx context.Context, m *Manager, stage Stage, s Schedule, op func(context.Context) (T, error)) (T, error) {
	b := s.BackOff()
	var zero T
	var last error
	for attempt := 1; attempt <= s.Attempts; attempt++ {
		v, err := op(ctx)
		m.observe(stage, attempt, err)
		if err == nil {
			if attempt > 1 {
				m.logger.Info("session stage recovered", "stage", string(stage), "attempts", attempt)
			}
			return v, nil
		}
		last = err
		m.logger.Debug("session stage attempt failed", "stage", string(stage), "attempt", attempt, "err", err)
		if attempt == s.Attempts {
			break
		}
		if err := m.opts.Sleep(ctx, b.NextBackOff()); err != nil {
			return zero, &StageError{Stage: stage, Attempts: attempt, Err: err}
		}
	}
	sentinel := stageSentinel(stage)
	if !errors.Is(last, sentinel) {
		last = fmt.Errorf("%w: %w", sentinel, last)
	}
	return zero, &StageError{Stage: stage, Attempts: s.Attempts, Err: last}
}
