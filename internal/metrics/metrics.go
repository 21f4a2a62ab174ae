// Package metrics holds the prometheus collectors shared by the daemon and
// the control CLI.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/pool"
	"github.com/g960059/portal/internal/wire"
)

const namespace = "portal"

var (
	// Labels: command, code ("ok" on success).
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Dispatched commands by id and result code",
	}, []string{"command", "code"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "command_duration_seconds",
		Help:      "Handler latency in seconds",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	}, []string{"command"})

	// Labels: stage, result (ok, error).
	handshakeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "attempts_total",
		Help:      "Handshake stage attempts by result",
	}, []string{"stage", "result"})

	broadcastTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "broadcast_ticks_total",
		Help:      "Broadcaster iterations that fabricated a sample",
	})

	samplesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "samples_delivered_total",
		Help:      "Samples written to location listeners",
	})

	pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "pushes_total",
		Help:      "Envelopes pushed to reverse channels by result",
	}, []string{"result"})

	listeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "listeners",
		Help:      "Live location listeners",
	})

	reverseChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "reverse_channels",
		Help:      "Registered reverse channels",
	})

	// Labels: kind (released, dead, throttle, journal).
	sweepPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "sweep_pruned_total",
		Help:      "Entries removed by the cleanup sweep",
	}, []string{"kind"})

	// Labels: action (move, snap, hold).
	routeTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "route",
		Name:      "ticks_total",
		Help:      "Route playback ticks by action",
	}, []string{"action"})
)

// CommandRecorder feeds dispatch records into the command collectors.
type CommandRecorder struct{}

func (CommandRecorder) RecordCommand(_ context.Context, rec dispatch.Record) {
	command := rec.CommandID
	code := rec.Code
	if code == "" {
		code = "ok"
	}
	if code == wire.CodeUnknownCommand {
		// Unknown ids come from callers; keep them out of the label set.
		command = "unknown"
	}
	commandsTotal.WithLabelValues(command, code).Inc()
	commandDuration.WithLabelValues(command).Observe(rec.Elapsed.Seconds())
}

// HandshakeAttempt matches session.Options.OnAttempt once the stage is
// converted to a string.
func HandshakeAttempt(stage string, _ int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	handshakeAttempts.WithLabelValues(stage, result).Inc()
}

func BroadcastTick(delivered int) {
	broadcastTicks.Inc()
	samplesDelivered.Add(float64(delivered))
}

func Push(err error) {
	if err != nil {
		pushesTotal.WithLabelValues("error").Inc()
		return
	}
	pushesTotal.WithLabelValues("ok").Inc()
}

func SetListeners(n int) {
	listeners.Set(float64(n))
}

func SetReverseChannels(n int) {
	reverseChannels.Set(float64(n))
}

func SweepPruned(kind string, n int) {
	if n > 0 {
		sweepPruned.WithLabelValues(kind).Add(float64(n))
	}
}

func RouteTick(action string) {
	routeTicks.WithLabelValues(action).Inc()
}

// RegisterSamplePool exposes the pool counters on reg.
func RegisterSamplePool(reg prometheus.Registerer, name string, samples *pool.SamplePool) error {
	labels := prometheus.Labels{"pool": name}
	stat := func(read func(pool.PoolStats) float64) func() float64 {
		return func() float64 { return read(samples.Stats()) }
	}
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "obtained_total",
			Help: "Samples handed out", ConstLabels: labels,
		}, stat(func(s pool.PoolStats) float64 { return float64(s.Obtained) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "created_total",
			Help: "Samples allocated because the pool was empty", ConstLabels: labels,
		}, stat(func(s pool.PoolStats) float64 { return float64(s.Created) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "discarded_total",
			Help: "Samples dropped after reaching the reuse cap", ConstLabels: labels,
		}, stat(func(s pool.PoolStats) float64 { return float64(s.Discarded) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "idle",
			Help: "Samples waiting in the pool", ConstLabels: labels,
		}, stat(func(s pool.PoolStats) float64 { return float64(s.Idle) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "hit_rate",
			Help: "Share of obtains served from the pool", ConstLabels: labels,
		}, stat(func(s pool.PoolStats) float64 { return s.HitRate })),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
