// Package intercept is the boundary the host glue calls through. Glue code
// wraps a subsystem method with Invoke; registered before/after hooks may
// short-circuit the call or rewrite its result.
package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Call is one intercepted invocation. Before hooks may set Result and Skip to
// answer without running the original; after hooks may rewrite Result.
type Call struct {
	Point  string
	Args   []any
	Result any
	Err    error
	Skip   bool
}

type (
	Before func(ctx context.Context, c *Call)
	After  func(ctx context.Context, c *Call)
)

// Original runs the real method.
type Original func(ctx context.Context, args []any) (any, error)

type hook struct {
	id     uint64
	before Before
	after  After
}

// Hooks is safe for concurrent use. Hooks for one point run in registration
// order; a panicking hook is logged and skipped.
type Hooks struct {
	logger *slog.Logger
	nextID atomic.Uint64

	mu    sync.RWMutex
	hooks map[string][]hook
}

func New(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{logger: logger, hooks: map[string][]hook{}}
}

// Register adds a hook pair for point. Either side may be nil. The returned
// func removes it.
func (h *Hooks) Register(point string, before Before, after After) (unregister func()) {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.hooks[point] = append(h.hooks[point], hook{id: id, before: before, after: after})
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.hooks[point] = slices.DeleteFunc(h.hooks[point], func(x hook) bool { return x.id == id })
			if len(h.hooks[point]) == 0 {
				delete(h.hooks, point)
			}
		})
	}
}

// Points lists points with at least one hook, sorted.
func (h *Hooks) Points() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.hooks))
	for p := range h.hooks {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Invoke runs the before hooks, orig unless a hook skipped it, then the
// after hooks.
func (h *Hooks) Invoke(ctx context.Context, point string, args []any, orig Original) (any, error) {
	h.mu.RLock()
	hooks := slices.Clone(h.hooks[point])
	h.mu.RUnlock()

	c := &Call{Point: point, Args: args}
	for _, hk := range hooks {
		if hk.before != nil {
			h.guard(point, "before", func() { hk.before(ctx, c) })
			if c.Skip {
				break
			}
		}
	}
	if !c.Skip && orig != nil {
		c.Result, c.Err = orig(ctx, args)
	}
	for _, hk := range hooks {
		if hk.after != nil {
			h.guard(point, "after", func() { hk.after(ctx, c) })
		}
	}
	return c.Result, c.Err
}

func (h *Hooks) guard(point, side string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook panicked", "point", point, "side", side, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
