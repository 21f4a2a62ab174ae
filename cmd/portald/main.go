package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/portal/internal/config"
	"github.com/g960059/portal/internal/daemon"
	"github.com/g960059/portal/internal/db"
	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/intercept"
	"github.com/g960059/portal/internal/metrics"
	"github.com/g960059/portal/internal/state"
)

// options are the command-line overrides; they win over file and env.
type options struct {
	configPath string
	socket     string
	provider   string
	debugAddr  string
	journal    string
	logLevel   string
	logFormat  string
}

func main() {
	var opts options
	fs := flag.NewFlagSet("portald", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "YAML config file, watched for runtime changes")
	fs.StringVar(&opts.socket, "socket", "", "UDS path for portald")
	fs.StringVar(&opts.provider, "provider", "", "provider name answered by provider_status")
	fs.StringVar(&opts.debugAddr, "debug-addr", "", "debug listener address (/metrics, /v1/status, /v1/stream)")
	fs.StringVar(&opts.journal, "journal", "", "SQLite command journal path")
	fs.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&opts.logFormat, "log-format", "", "text or json")
	_ = fs.Parse(os.Args[1:])

	cfg, err := loadConfig(fs, opts)
	if err != nil {
		fatal(err)
	}
	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	logger := newLogger(os.Stderr, cfg.LogFormat, level)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, opts.configPath, logger, level); err != nil {
		fatal(err)
	}
}

// loadConfig applies the flags the user set on top of config.Load.
func loadConfig(fs *flag.FlagSet, opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "socket":
			cfg.SocketPath = opts.socket
		case "provider":
			cfg.Provider = opts.provider
		case "debug-addr":
			cfg.DebugAddr = opts.debugAddr
		case "journal":
			cfg.JournalPath = opts.journal
		case "log-level":
			cfg.LogLevel = opts.logLevel
		case "log-format":
			cfg.LogFormat = opts.logFormat
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// run owns the daemon lifetime: it returns when ctx ends or any loop fails.
func run(ctx context.Context, cfg config.Config, configPath string, logger *slog.Logger, level *slog.LevelVar) error {
	store := state.New(state.DefaultSettings())
	engine := fabricate.NewEngine(store)

	hooks := intercept.New(logger)
	uninstall := intercept.Install(hooks, engine)
	defer uninstall()

	deps := daemon.Deps{
		Engine:    engine,
		Recorders: []dispatch.Recorder{metrics.CommandRecorder{}},
		Logger:    logger,
		Level:     level,
		Hooks:     hooks,
	}
	if cfg.JournalPath != "" {
		journal, err := openJournal(ctx, cfg.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close() //nolint:errcheck
		deps.Journal = journal
		deps.Recorders = append(deps.Recorders, db.NewJournalRecorder(journal, logger, cfg.JournalSkip...))
	}
	libraries, err := daemon.NewLibraryLoader(cfg.LibraryDirs, cfg.LibraryCacheCap, nil)
	if err != nil {
		return err
	}
	deps.Libraries = libraries

	srv, err := daemon.NewServer(cfg, deps)
	if err != nil {
		return err
	}
	if err := metrics.RegisterSamplePool(prometheus.DefaultRegisterer, "samples", srv.Dispatcher().Samples()); err != nil {
		logErr(logger, "register pool metrics", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.RunBroadcaster(gctx) })
	g.Go(func() error { return srv.RunSweeper(gctx) })
	if cfg.DebugAddr != "" {
		g.Go(func() error {
			if err := srv.ServeDebug(gctx, cfg.DebugAddr); err != nil {
				return fmt.Errorf("debug listener: %w", err)
			}
			return nil
		})
	}
	if configPath != "" {
		g.Go(func() error { return srv.WatchConfig(gctx, configPath) })
	}
	err = g.Wait()
	logger.Info("daemon stopped")
	return err
}

func openJournal(ctx context.Context, path string) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return db.OpenMigrated(ctx, path)
}

func logErr(logger *slog.Logger, scope string, err error) {
	logger.Error(scope, "scope", scope, "err", err)
}

func fatal(err error) {
	slog.Error("portald: fatal", "err", err)
	os.Exit(1)
}
