// Package cli implements portalctl, the control side of the portal. Every
// command reaches the daemon through a session.Manager.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/portal/internal/config"
	"github.com/g960059/portal/internal/metrics"
	"github.com/g960059/portal/internal/session"
	"github.com/g960059/portal/internal/wire"
)

type Runner struct {
	cfg    config.Config
	out    io.Writer
	errOut io.Writer
	dial   session.Dialer
	client *http.Client
	logger *slog.Logger

	jsonOut bool
}

func NewRunner(cfg config.Config, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		cfg:    cfg,
		out:    out,
		errOut: errOut,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}

// WithDialer replaces the unix socket dialer.
func (r *Runner) WithDialer(d session.Dialer) *Runner {
	r.dial = d
	return r
}

// WithHTTPClient replaces the client used for the daemon debug listener.
func (r *Runner) WithHTTPClient(c *http.Client) *Runner {
	r.client = c
	return r
}

// usageError marks bad invocations; Run exits 2 for them.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// Run executes one portalctl invocation and returns the exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func (r *Runner) rootCommand() *cobra.Command {
	var (
		configPath string
		socketPath string
		provider   string
		routesDB   string
		journal    string
		debugAddr  string
		logLevel   string
	)
	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Control the portal location daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				r.cfg = cfg
			}
			flags := cmd.Flags()
			if flags.Changed("socket") {
				r.cfg.SocketPath = socketPath
			}
			if flags.Changed("provider") {
				r.cfg.Provider = provider
			}
			if flags.Changed("routes-db") {
				r.cfg.RoutesDBPath = routesDB
			}
			if flags.Changed("journal") {
				r.cfg.JournalPath = journal
			}
			if flags.Changed("debug-addr") {
				r.cfg.DebugAddr = debugAddr
			}
			if flags.Changed("log-level") {
				r.cfg.LogLevel = logLevel
				r.logger = slog.New(slog.NewTextHandler(r.errOut, &slog.HandlerOptions{Level: r.cfg.SlogLevel()}))
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (YAML)")
	pf.StringVar(&socketPath, "socket", r.cfg.SocketPath, "daemon socket path")
	pf.StringVar(&provider, "provider", r.cfg.Provider, "provider name")
	pf.StringVar(&routesDB, "routes-db", r.cfg.RoutesDBPath, "saved routes database")
	pf.StringVar(&journal, "journal", r.cfg.JournalPath, "daemon command journal database")
	pf.StringVar(&debugAddr, "debug-addr", r.cfg.DebugAddr, "daemon debug listener address")
	pf.StringVar(&logLevel, "log-level", "warn", "log level")
	pf.BoolVar(&r.jsonOut, "json", false, "output JSON")

	root.AddCommand(
		r.statusCommand(),
		r.callCommand(),
		r.getCommand(),
		r.setCommand(),
		r.startCommand(),
		r.stopCommand(),
		r.moveCommand(),
		r.routeCommand(),
		r.watchCommand(),
		r.journalCommand(),
	)
	return root
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("usage: %s", cmd.UseLine())
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usagef("usage: %s", cmd.UseLine())
		}
		return nil
	}
}

// manager builds a one-shot session: no reverse channel and no local state.
func (r *Runner) manager() (*session.Manager, error) {
	dial := r.dial
	if dial == nil {
		dial = session.SocketDialer(r.cfg.SocketPath)
	}
	return session.NewManager(session.Options{
		Provider:  r.cfg.Provider,
		Dial:      dial,
		SkipProxy: true,
		Acquire:   r.cfg.Acquire,
		Provide:   r.cfg.Provide,
		Exchange:  r.cfg.Exchange,
		Logger:    r.logger,
		OnAttempt: func(stage session.Stage, attempt int, err error) {
			metrics.HandshakeAttempt(string(stage), attempt, err)
		},
	})
}

// call sends each envelope on one session, stopping at the first failure.
func (r *Runner) call(ctx context.Context, envs ...*wire.Envelope) error {
	m, err := r.manager()
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck
	for _, env := range envs {
		if err := m.Call(ctx, env); err != nil {
			return fmt.Errorf("%s: %w", env.CommandID, err)
		}
	}
	return nil
}

func (r *Runner) printEnvelope(env *wire.Envelope) error {
	if r.jsonOut {
		return r.printJSON(env)
	}
	for _, name := range env.Names() {
		v, _ := env.Get(name)
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", name, v)
	}
	return nil
}

func (r *Runner) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
