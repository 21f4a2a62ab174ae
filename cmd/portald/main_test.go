package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/portal/internal/db"
	"github.com/g960059/portal/internal/session"
	"github.com/g960059/portal/internal/wire"
)

func parseFlags(t *testing.T, args ...string) (*flag.FlagSet, options) {
	t.Helper()
	var opts options
	fs := flag.NewFlagSet("portald", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "")
	fs.StringVar(&opts.socket, "socket", "", "")
	fs.StringVar(&opts.provider, "provider", "", "")
	fs.StringVar(&opts.debugAddr, "debug-addr", "", "")
	fs.StringVar(&opts.journal, "journal", "", "")
	fs.StringVar(&opts.logLevel, "log-level", "", "")
	fs.StringVar(&opts.logFormat, "log-format", "", "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs, opts
}

func TestLoadConfigFlagsWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portald.yaml")
	body := "provider: from-file\nlog_level: warn\nsocket_path: " + filepath.Join(dir, "file.sock") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs, opts := parseFlags(t, "--config", path, "--provider", "from-flag", "--debug-addr", "")
	cfg, err := loadConfig(fs, opts)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Provider != "from-flag" {
		t.Fatalf("expected flag provider, got %q", cfg.Provider)
	}
	if cfg.LogLevel != "warn" || cfg.SocketPath != filepath.Join(dir, "file.sock") {
		t.Fatalf("expected file values to survive, got %+v", cfg)
	}
	if cfg.DebugAddr != "" {
		t.Fatalf("an explicitly empty flag disables the debug listener, got %q", cfg.DebugAddr)
	}

	fs, opts = parseFlags(t, "--log-format", "xml")
	if _, err := loadConfig(fs, opts); err == nil {
		t.Fatalf("expected invalid log format to be rejected")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	newLogger(&buf, "json", level).Info("hello", "k", "v")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q", buf.String())
	}
	if line["msg"] != "hello" || line["k"] != "v" {
		t.Fatalf("unexpected log line: %v", line)
	}

	buf.Reset()
	level.Set(slog.LevelWarn)
	logger := newLogger(&buf, "text", level)
	logger.Info("quiet")
	logger.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "msg=loud") {
		t.Fatalf("unexpected text output: %q", buf.String())
	}
}

func TestRunServesAndJournals(t *testing.T) {
	dir := t.TempDir()
	fs, opts := parseFlags(t,
		"--socket", filepath.Join(dir, "portald.sock"),
		"--journal", filepath.Join(dir, "state", "journal.db"),
		"--debug-addr", "")
	cfg, err := loadConfig(fs, opts)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, "", logger, new(slog.LevelVar))
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if st, err := os.Stat(cfg.SocketPath); err == nil && st.Mode()&os.ModeSocket != 0 {
			break
		}
		select {
		case err := <-done:
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "operation not permitted") {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("daemon exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket was not created")
		}
		time.Sleep(20 * time.Millisecond)
	}

	m, err := session.NewManager(session.Options{
		Provider:  cfg.Provider,
		Dial:      session.SocketDialer(cfg.SocketPath),
		SkipProxy: true,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	env := wire.NewEnvelope(wire.CmdSetAltitude).Set(wire.FieldAltitude, wire.Float64(42))
	if err := m.Call(ctx, env); err != nil {
		t.Fatalf("set altitude: %v", err)
	}
	m.Close() //nolint:errcheck

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}

	store, err := db.Open(context.Background(), cfg.JournalPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer store.Close() //nolint:errcheck
	entries, err := store.ListJournal(context.Background(), db.JournalFilter{CommandID: wire.CmdSetAltitude})
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(entries) != 1 || !entries[0].OK() {
		t.Fatalf("expected one successful set_altitude entry, got %+v", entries)
	}
}
