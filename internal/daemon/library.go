package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"plugin"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/g960059/portal/internal/pool"
)

// InitSymbol is looked up in a loaded plugin. A func() string under this
// name runs once and its result becomes the load status.
const InitSymbol = "PortalInit"

var ErrLibraryDenied = errors.New("library path not allowed")

// Opener loads the shared object at path and returns a status string.
type Opener func(path string) (string, error)

// LibraryLoader serves load_library. Each path is opened at most once;
// concurrent loads of the same path share one open.
type LibraryLoader struct {
	dirs  []string
	open  Opener
	group singleflight.Group
	cache *pool.Cache[string, string]
}

// NewLibraryLoader restricts loads to dirs; empty dirs allows any absolute
// path. A nil open uses the Go plugin loader.
func NewLibraryLoader(dirs []string, capacity int, open Opener) (*LibraryLoader, error) {
	if open == nil {
		open = openPlugin
	}
	cache, err := pool.NewCache[string, string](capacity)
	if err != nil {
		return nil, err
	}
	clean := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		clean = append(clean, filepath.Clean(d))
	}
	return &LibraryLoader{dirs: clean, open: open, cache: cache}, nil
}

func (l *LibraryLoader) Load(ctx context.Context, path string) (string, error) {
	path, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if status, ok := l.cache.Get(path); ok {
		return status, nil
	}
	ch := l.group.DoChan(path, func() (any, error) {
		return l.cache.GetOrLoad(path, func(p string) (string, error) {
			return l.open(p)
		})
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Loaded lists the cached paths, least recently used first.
func (l *LibraryLoader) Loaded() []string {
	return l.cache.Keys()
}

func (l *LibraryLoader) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s is not absolute", ErrLibraryDenied, path)
	}
	path = filepath.Clean(path)
	if len(l.dirs) == 0 {
		return path, nil
	}
	for _, dir := range l.dirs {
		rel, err := filepath.Rel(dir, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrLibraryDenied, path)
}

func openPlugin(path string) (string, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return "", err
	}
	sym, err := p.Lookup(InitSymbol)
	if err != nil {
		return "loaded", nil
	}
	if fn, ok := sym.(func() string); ok {
		return fn(), nil
	}
	return "loaded", nil
}
