package pool

import (
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"
)

type entry[T any] struct {
	id           string
	ref          weak.Pointer[T]
	released     atomic.Bool
	live         LivenessState
	registeredAt time.Time
}

// isReleased reports an explicit release or a collected endpoint.
func (e *entry[T]) isReleased() bool {
	return e.released.Load() || e.ref.Value() == nil
}

func (e *entry[T]) isDead() bool {
	return e.live.Current == LivenessDead
}

// Handle unregisters its endpoint exactly once.
type Handle struct {
	ID      string
	once    sync.Once
	release func()
}

func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(h.release)
}

type PruneResult struct {
	Released int
	Dead     int
}

func (r PruneResult) Total() int {
	return r.Released + r.Dead
}

// Registry tracks endpoints through weak references. An entry goes away when
// its handle is released, when the endpoint is garbage collected, or when
// delivery reports drive its liveness to dead.
type Registry[T any] struct {
	policy LivenessPolicy

	mu      sync.Mutex
	entries map[string]*entry[T]
}

func NewRegistry[T any](policy LivenessPolicy) *Registry[T] {
	return &Registry[T]{
		policy:  policy,
		entries: map[string]*entry[T]{},
	}
}

// Register keeps only a weak reference to endpoint; the caller owns it and
// should defer Release on the returned handle.
func (r *Registry[T]) Register(endpoint *T, now time.Time) *Handle {
	e := &entry[T]{
		id:           uuid.NewString(),
		ref:          weak.Make(endpoint),
		live:         LivenessState{Current: LivenessOK, LastTransitionAt: now},
		registeredAt: now,
	}
	r.mu.Lock()
	r.entries[e.id] = e
	r.mu.Unlock()
	return &Handle{ID: e.id, release: func() {
		e.released.Store(true)
		r.mu.Lock()
		delete(r.entries, e.id)
		r.mu.Unlock()
	}}
}

// Report records a delivery outcome for id.
func (r *Registry[T]) Report(id string, success bool, now time.Time) Liveness {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return LivenessDead
	}
	e.live = NextLiveness(r.policy, e.live, success, now)
	return e.live.Current
}

// Each calls fn for every endpoint that is neither released nor dead.
// Iteration stops when fn returns false. fn runs without the registry lock.
func (r *Registry[T]) Each(fn func(id string, endpoint *T) bool) {
	type live struct {
		id string
		ep *T
	}
	r.mu.Lock()
	targets := make([]live, 0, len(r.entries))
	for id, e := range r.entries {
		if e.released.Load() || e.isDead() {
			continue
		}
		if ep := e.ref.Value(); ep != nil {
			targets = append(targets, live{id, ep})
		}
	}
	r.mu.Unlock()
	for _, t := range targets {
		if !fn(t.id, t.ep) {
			return
		}
	}
}

// Prune drops released and dead entries.
func (r *Registry[T]) Prune() PruneResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res PruneResult
	for id, e := range r.entries {
		switch {
		case e.isReleased():
			res.Released++
		case e.isDead():
			res.Dead++
		default:
			continue
		}
		delete(r.entries, id)
	}
	return res
}

// Len counts entries still registered, including ones awaiting Prune.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Live counts entries that Each would visit.
func (r *Registry[T]) Live() int {
	n := 0
	r.Each(func(string, *T) bool {
		n++
		return true
	})
	return n
}
