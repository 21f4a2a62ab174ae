// Package daemon is the privileged side of the portal: it owns the
// fabrication state, serves command frames on a unix socket, and streams
// fabricated samples to registered listeners.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/g960059/portal/internal/config"
	"github.com/g960059/portal/internal/db"
	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/intercept"
	"github.com/g960059/portal/internal/loop"
	"github.com/g960059/portal/internal/pool"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

const defaultShutdownTimeout = 5 * time.Second

// Deps are the collaborators a Server is built from. Only Engine is
// required.
type Deps struct {
	Engine *fabricate.Engine
	// Journal enables retention purges in the sweep. Recording itself is
	// wired through Recorders.
	Journal   *db.Store
	Libraries dispatch.LibraryLoader
	Recorders []dispatch.Recorder
	Logger    *slog.Logger
	// Level is adjusted when a reloaded config changes log_level.
	Level *slog.LevelVar
	// Hooks are reported on /v1/status. The host glue installs them.
	Hooks *intercept.Hooks
	// Key overrides the minted session key. Tests only.
	Key string
}

type Server struct {
	cfg        config.Config
	key        string
	logger     *slog.Logger
	level      *slog.LevelVar
	baseLevel  atomic.Int64
	engine     *fabricate.Engine
	journal    *db.Store
	hooks      *intercept.Hooks
	dispatcher *dispatch.Dispatcher

	listeners *pool.Registry[listener]
	proxies   *pool.Registry[reverseChannel]

	broadcaster *loop.Task
	sweeper     *loop.Task
	enabled     atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	lockFile *os.File
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	shutdown    sync.Once
	shutdownErr error
}

// NewServer mints the session key for this daemon lifetime and builds the
// dispatcher around deps.Engine.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("daemon: engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Key == "" {
		deps.Key = uuid.NewString()
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = wire.DefaultMaxFrame
	}
	s := &Server{
		cfg:       cfg,
		key:       deps.Key,
		logger:    deps.Logger,
		level:     deps.Level,
		engine:    deps.Engine,
		journal:   deps.Journal,
		hooks:     deps.Hooks,
		listeners: pool.NewRegistry[listener](pool.DefaultLivenessPolicy()),
		proxies:   pool.NewRegistry[reverseChannel](pool.DefaultLivenessPolicy()),
		conns:     map[net.Conn]struct{}{},
	}
	s.baseLevel.Store(int64(cfg.SlogLevel()))

	schema, err := wire.NewV1Schema(wire.DefaultSchemaCacheSize)
	if err != nil {
		return nil, err
	}
	fences, err := pool.NewGeofences(cfg.GeofenceCap, pool.DefaultDwellDelay)
	if err != nil {
		return nil, err
	}
	d, err := dispatch.New(dispatch.Options{
		Key:            s.key,
		Schema:         schema,
		Engine:         deps.Engine,
		Samples:        pool.NewSamplePool(cfg.PoolCapacity, cfg.PoolWarm, cfg.PoolMaxReuse),
		Geofences:      fences,
		Throttle:       pool.NewThrottle(cfg.ThrottleInterval, nil),
		Listeners:      s.listeners,
		Proxies:        s.proxies,
		Broadcaster:    s,
		Libraries:      deps.Libraries,
		Recorders:      deps.Recorders,
		Logger:         deps.Logger,
		HandlerTimeout: cfg.HandlerTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher = d
	s.broadcaster = loop.New("broadcast", cfg.BroadcastInterval, s.broadcastTick, loop.WithLogger(deps.Logger))
	s.sweeper = loop.New("sweep", cfg.SweepInterval, s.sweepTick, loop.WithLogger(deps.Logger))
	return s, nil
}

// syncLogLevel holds the daemon at debug while enable_debug_log is on and
// at the configured level otherwise.
func (s *Server) syncLogLevel() {
	if s.level == nil {
		return
	}
	want := slog.Level(s.baseLevel.Load())
	if s.engine.Store().Enabled(state.FeatureDebugLog) && want > slog.LevelDebug {
		want = slog.LevelDebug
	}
	if s.level.Level() != want {
		s.level.Set(want)
		s.logger.Info("log level changed", "level", want.String())
	}
}

// Key is the session key handed out by exchange_key.
func (s *Server) Key() string {
	return s.key
}

func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// SetProviderEnabled controls what provider_status answers.
func (s *Server) SetProviderEnabled(on bool) {
	s.enabled.Store(on)
}

func (s *Server) ProviderEnabled() bool {
	return s.enabled.Load()
}

// Start listens on the socket and serves until ctx ends or serving fails.
// A second daemon on the same socket path fails on the lock file.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()
	s.SetProviderEnabled(true)
	s.logger.Info("daemon listening", "socket", s.cfg.SocketPath, "provider", s.cfg.Provider)

	errCh := make(chan error, 1)
	go func() {
		if err := s.serve(baseCtx, ln); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close() //nolint:errcheck
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// track records conn unless the server is shutting down.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close() //nolint:errcheck
}

// Shutdown stops accepting, drops every connection and releases the socket
// and lock. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.SetProviderEnabled(false)
		var errs []error
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		cancel := s.cancel
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if cancel != nil {
			cancel()
		}
		for _, c := range conns {
			c.Close() //nolint:errcheck
		}
		s.broadcaster.Cancel()
		s.sweeper.Cancel()

		drained := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("drain connections: %w", ctx.Err()))
		}

		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
