package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Schedule bounds the retries of one handshake stage. A Multiplier above 1
// grows the interval exponentially up to MaxInterval; otherwise the spacing
// is constant.
type Schedule struct {
	Attempts    int           `yaml:"attempts" env:"ATTEMPTS" validate:"min=1"`
	Interval    time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`
	Multiplier  float64       `yaml:"multiplier" env:"MULTIPLIER" validate:"gte=0"`
	MaxInterval time.Duration `yaml:"max_interval" env:"MAX_INTERVAL" validate:"gte=0"`
}

// DefaultAcquireSchedule waits 100ms, growing by 1.3x up to 2s, for at most
// 30 attempts.
func DefaultAcquireSchedule() Schedule {
	return Schedule{Attempts: 30, Interval: 100 * time.Millisecond, Multiplier: 1.3, MaxInterval: 2 * time.Second}
}

func DefaultProviderSchedule() Schedule {
	return Schedule{Attempts: 20, Interval: 200 * time.Millisecond}
}

func DefaultExchangeSchedule() Schedule {
	return Schedule{Attempts: 5, Interval: 500 * time.Millisecond}
}

func (s Schedule) Validate() error {
	if s.Attempts < 1 {
		return fmt.Errorf("schedule attempts must be >= 1, got %d", s.Attempts)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("schedule interval must be positive, got %s", s.Interval)
	}
	return nil
}

// BackOff returns a fresh interval generator with no randomization.
func (s Schedule) BackOff() backoff.BackOff {
	if s.Multiplier <= 1 {
		return backoff.NewConstantBackOff(s.Interval)
	}
	maxInterval := s.MaxInterval
	if maxInterval <= 0 {
		maxInterval = s.Interval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.Interval,
		RandomizationFactor: 0,
		Multiplier:          s.Multiplier,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}

// Waits lists the sleeps between attempts: Attempts-1 entries.
func (s Schedule) Waits() []time.Duration {
	if s.Attempts <= 1 {
		return nil
	}
	b := s.BackOff()
	out := make([]time.Duration, 0, s.Attempts-1)
	for i := 1; i < s.Attempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Ceiling is the total sleep time before the last attempt.
func (s Schedule) Ceiling() time.Duration {
	var total time.Duration
	for _, w := range s.Waits() {
		total += w
	}
	return total
}

// SleepFunc blocks for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
