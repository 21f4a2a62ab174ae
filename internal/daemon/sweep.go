package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/g960059/portal/internal/metrics"
	"github.com/g960059/portal/internal/pool"
)

// SweepResult counts what one cleanup pass removed.
type SweepResult struct {
	Listeners pool.PruneResult
	Proxies   pool.PruneResult
	Callers   int
	Journal   int64
}

// Sweep drops released or dead listeners and reverse channels, forgets
// idle throttle callers, clears the fence distance cache and purges
// journal rows older than JournalTTL.
func (s *Server) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.engine.Now()
	res := SweepResult{
		Listeners: s.listeners.Prune(),
		Proxies:   s.proxies.Prune(),
		Callers:   s.dispatcher.Throttle().Sweep(now, pool.DefaultThrottleIdle),
	}
	s.dispatcher.Geofences().PurgeDistances()
	metrics.SweepPruned("listener_released", res.Listeners.Released)
	metrics.SweepPruned("listener_dead", res.Listeners.Dead)
	metrics.SweepPruned("proxy_released", res.Proxies.Released)
	metrics.SweepPruned("proxy_dead", res.Proxies.Dead)
	metrics.SweepPruned("throttle_caller", res.Callers)
	metrics.SetListeners(s.listeners.Live())
	metrics.SetReverseChannels(s.proxies.Live())

	if s.journal != nil && s.cfg.JournalTTL > 0 {
		n, err := s.journal.PurgeJournal(ctx, now.Add(-s.cfg.JournalTTL))
		if err != nil {
			return res, fmt.Errorf("purge journal: %w", err)
		}
		res.Journal = n
		metrics.SweepPruned("journal", int(n))
	}
	if res.Listeners.Total()+res.Proxies.Total()+res.Callers > 0 || res.Journal > 0 {
		s.logger.Debug("sweep",
			"listeners", res.Listeners.Total(),
			"proxies", res.Proxies.Total(),
			"callers", res.Callers,
			"journal", res.Journal)
	}
	return res, nil
}

func (s *Server) sweepTick(ctx context.Context, _ time.Time) (bool, error) {
	_, err := s.Sweep(ctx)
	return false, err
}

// RunSweeper blocks, sweeping every SweepInterval.
func (s *Server) RunSweeper(ctx context.Context) error {
	return s.sweeper.Run(ctx)
}
