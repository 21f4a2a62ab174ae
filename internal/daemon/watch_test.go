package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRuntimeRetunesLoops(t *testing.T) {
	level := new(slog.LevelVar)
	cfg := testConfig(t)
	srv := newServer(t, cfg, Deps{Level: level})

	next := cfg
	next.BroadcastInterval = 250 * time.Millisecond
	next.ThrottleInterval = time.Minute
	next.LogLevel = "debug"
	srv.ApplyRuntime(next)

	assert.Equal(t, 250*time.Millisecond, srv.broadcaster.Interval())
	assert.Equal(t, time.Minute, srv.Dispatcher().Throttle().Interval())
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	level := new(slog.LevelVar)
	cfg := testConfig(t)
	srv := newServer(t, cfg, Deps{Level: level})
	path := filepath.Join(t.TempDir(), "portald.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.WatchConfig(ctx, path)
	}()

	body := []byte("broadcast_interval: 300ms\nlog_level: warn\n")
	// Rewrite until the watcher, which starts asynchronously, has seen it.
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, body, 0o600); err != nil {
			return false
		}
		return srv.broadcaster.Interval() == 300*time.Millisecond
	}, 5*time.Second, 500*time.Millisecond)
	assert.Equal(t, slog.LevelWarn, level.Level())

	// An invalid file leaves the running values alone.
	require.NoError(t, os.WriteFile(path, []byte("broadcast_interval: 1ms\n"), 0o600))
	time.Sleep(2 * reloadDebounce)
	assert.Equal(t, 300*time.Millisecond, srv.broadcaster.Interval())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
