package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/g960059/portal/internal/config"
)

const reloadDebounce = 200 * time.Millisecond

// ApplyRuntime hot-applies the tunables that may change without a restart.
func (s *Server) ApplyRuntime(cfg config.Config) {
	if cfg.BroadcastInterval > 0 && cfg.BroadcastInterval != s.broadcaster.Interval() {
		s.SetBroadcastInterval(cfg.BroadcastInterval)
		s.logger.Info("broadcast interval changed", "interval", cfg.BroadcastInterval)
	}
	throttle := s.dispatcher.Throttle()
	if cfg.ThrottleInterval > 0 && cfg.ThrottleInterval != throttle.Interval() {
		throttle.SetInterval(cfg.ThrottleInterval, s.engine.Now())
		s.logger.Info("throttle interval changed", "interval", cfg.ThrottleInterval)
	}
	s.baseLevel.Store(int64(cfg.SlogLevel()))
	s.syncLogLevel()
}

// WatchConfig reloads path whenever it is written and applies the runtime
// tunables. Editors that replace the file are covered by watching its
// directory. An invalid file is logged and ignored. It blocks until ctx
// ends.
func (s *Server) WatchConfig(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			cfg, err := config.Load(path)
			if err != nil {
				s.logger.Warn("config reload rejected", "path", path, "err", err)
				continue
			}
			s.ApplyRuntime(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "err", err)
		}
	}
}
