package pool

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	SystemUIDLimit          = 10000
	DefaultForegroundTTL    = 5 * time.Second
	DefaultThrottleInterval = 30 * time.Second
	DefaultThrottleIdle     = time.Hour
)

// ForegroundResolver reports whether uid currently runs in the foreground.
type ForegroundResolver func(uid int) bool

type callerState struct {
	limiter    *rate.Limiter
	foreground bool
	checkedAt  time.Time
	marked     bool
	lastSeen   time.Time
}

// Throttle gates update delivery for background callers to one per
// interval. Callers below SystemUIDLimit are never throttled.
type Throttle struct {
	resolve ForegroundResolver
	ttl     time.Duration

	mu       sync.Mutex
	interval time.Duration
	callers  map[int]*callerState
}

func NewThrottle(interval time.Duration, resolve ForegroundResolver) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	if resolve == nil {
		resolve = func(int) bool { return false }
	}
	return &Throttle{
		resolve:  resolve,
		ttl:      DefaultForegroundTTL,
		interval: interval,
		callers:  map[int]*callerState{},
	}
}

func IsSystemCaller(uid int) bool {
	return uid >= 0 && uid < SystemUIDLimit
}

// Allow reports whether an update may be delivered to uid at now.
func (t *Throttle) Allow(uid int, now time.Time) bool {
	if IsSystemCaller(uid) {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.caller(uid, now)
	c.lastSeen = now
	if t.foregroundLocked(uid, c, now) {
		return true
	}
	return c.limiter.AllowN(now, 1)
}

// Foreground returns the cached status for uid, resolving it at most once
// per TTL unless it was explicitly marked.
func (t *Throttle) Foreground(uid int, now time.Time) bool {
	if IsSystemCaller(uid) {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.foregroundLocked(uid, t.caller(uid, now), now)
}

func (t *Throttle) foregroundLocked(uid int, c *callerState, now time.Time) bool {
	if c.marked || (!c.checkedAt.IsZero() && now.Sub(c.checkedAt) < t.ttl) {
		return c.foreground
	}
	c.foreground = t.resolve(uid)
	c.checkedAt = now
	return c.foreground
}

// Mark pins uid's status until Reset.
func (t *Throttle) Mark(uid int, foreground bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.caller(uid, now)
	c.foreground = foreground
	c.marked = true
	c.checkedAt = now
	c.lastSeen = now
}

// Reset forgets everything about uid.
func (t *Throttle) Reset(uid int) {
	t.mu.Lock()
	delete(t.callers, uid)
	t.mu.Unlock()
}

// SetInterval changes the background cadence for existing and new callers.
func (t *Throttle) SetInterval(interval time.Duration, now time.Time) {
	if interval <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
	for _, c := range t.callers {
		c.limiter.SetLimitAt(now, rate.Every(interval))
	}
}

func (t *Throttle) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Sweep drops callers idle for longer than idle and returns how many.
func (t *Throttle) Sweep(now time.Time, idle time.Duration) int {
	if idle <= 0 {
		idle = DefaultThrottleIdle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for uid, c := range t.callers {
		if now.Sub(c.lastSeen) > idle {
			delete(t.callers, uid)
			n++
		}
	}
	return n
}

func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callers)
}

func (t *Throttle) caller(uid int, now time.Time) *callerState {
	c, ok := t.callers[uid]
	if !ok {
		c = &callerState{limiter: rate.NewLimiter(rate.Every(t.interval), 1), lastSeen: now}
		t.callers[uid] = c
	}
	return c
}
