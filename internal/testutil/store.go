package testutil

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/g960059/portal/internal/db"
	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/state"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "portal-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// NewDispatcher builds a dispatcher over a fresh state store with a seeded
// random source. opts.Engine is always replaced.
func NewDispatcher(t *testing.T, opts dispatch.Options) (*dispatch.Dispatcher, *state.Store) {
	t.Helper()
	st := state.New(state.DefaultSettings())
	opts.Engine = fabricate.NewEngine(st, fabricate.WithRand(rand.New(rand.NewPCG(1, 2))))
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	d, err := dispatch.New(opts)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, st
}
