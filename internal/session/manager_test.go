package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/fabricate"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/transport"
	"github.com/g960059/portal/internal/wire"
)

// fakeChannel forwards commands to an in-process daemon-side dispatcher.
type fakeChannel struct {
	h *harness
}

func (c *fakeChannel) ProviderStatus(_ context.Context, provider string) (bool, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	c.h.providerCalls++
	if c.h.providerCalls <= c.h.providerFails {
		return false, nil
	}
	return provider == "gps", nil
}

func (c *fakeChannel) SendExtraCommand(ctx context.Context, _, token string, env *wire.Envelope) (bool, error) {
	c.h.mu.Lock()
	if env.CommandID == wire.CmdExchangeKey {
		c.h.exchangeCalls++
		if c.h.exchangeCalls <= c.h.exchangeFails {
			c.h.mu.Unlock()
			return false, errors.New("reply lost")
		}
	}
	remote := c.h.remote
	c.h.mu.Unlock()
	err := remote.Dispatch(ctx, token, env)
	return env.Success, err
}

func (c *fakeChannel) RegisterProxy(_ context.Context, _, token string, h transport.PushHandler) (io.Closer, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if err := c.h.remote.Authorize(token, wire.CmdSetProxy); err != nil {
		return nil, err
	}
	c.h.push = h
	return io.NopCloser(nil), nil
}

func (c *fakeChannel) Close() error {
	c.h.mu.Lock()
	c.h.closed++
	c.h.mu.Unlock()
	return nil
}

type harness struct {
	mu            sync.Mutex
	remote        *dispatch.Dispatcher
	remoteStore   *state.Store
	dialFails     int
	dials         int
	providerFails int
	providerCalls int
	exchangeFails int
	exchangeCalls int
	push          transport.PushHandler
	closed        int
	sleeps        []time.Duration
}

func newDispatcher(t *testing.T, key string) (*dispatch.Dispatcher, *state.Store) {
	t.Helper()
	store := state.New(state.DefaultSettings())
	engine := fabricate.NewEngine(store, fabricate.WithRand(rand.New(rand.NewPCG(7, 9))))
	d, err := dispatch.New(dispatch.Options{Key: key, Engine: engine})
	require.NoError(t, err)
	return d, store
}

func newHarness(t *testing.T, key string) *harness {
	t.Helper()
	remote, store := newDispatcher(t, key)
	return &harness{remote: remote, remoteStore: store}
}

func (h *harness) options(local *dispatch.Dispatcher) Options {
	return Options{
		Provider: "gps",
		Local:    local,
		Logger:   slog.New(slog.DiscardHandler),
		Dial: func(context.Context) (Channel, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.dials++
			if h.dials <= h.dialFails {
				return nil, wire.ErrTransportUnavailable
			}
			return &fakeChannel{h: h}, nil
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		},
	}
}

func (h *harness) slept() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total time.Duration
	for _, d := range h.sleeps {
		total += d
	}
	return total
}

func TestAcquireScheduleShape(t *testing.T) {
	waits := DefaultAcquireSchedule().Waits()
	require.Len(t, waits, 29)
	assert.Equal(t, 100*time.Millisecond, waits[0])
	assert.Equal(t, 130*time.Millisecond, waits[1])
	assert.Equal(t, 169*time.Millisecond, waits[2])
	for i := 1; i < len(waits); i++ {
		assert.GreaterOrEqual(t, waits[i], waits[i-1])
		assert.LessOrEqual(t, waits[i], 2*time.Second)
	}
	assert.Equal(t, 2*time.Second, waits[len(waits)-1])

	assert.Equal(t, 19*200*time.Millisecond, DefaultProviderSchedule().Ceiling())
	assert.Equal(t, 4*500*time.Millisecond, DefaultExchangeSchedule().Ceiling())
}

func TestEstablishSucceedsAfterTransientFailures(t *testing.T) {
	for _, k := range []int{0, 1, 5, 29} {
		h := newHarness(t, "server-key")
		h.dialFails = k
		m, err := NewManager(h.options(nil))
		require.NoError(t, err)

		sess, err := m.Establish(context.Background())
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, "server-key", sess.Key)
		assert.True(t, sess.Established)
		assert.Equal(t, k+1, h.dials)

		var want time.Duration
		for _, w := range DefaultAcquireSchedule().Waits()[:k] {
			want += w
		}
		assert.Equal(t, want, h.slept(), "k=%d", k)
	}
}

func TestEstablishGivesUpAtAcquireCeiling(t *testing.T) {
	h := newHarness(t, "server-key")
	h.dialFails = 1000
	m, err := NewManager(h.options(nil))
	require.NoError(t, err)

	_, err = m.Establish(context.Background())
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageAcquire, se.Stage)
	assert.Equal(t, 30, se.Attempts)
	assert.ErrorIs(t, err, wire.ErrTransportUnavailable)
	assert.Equal(t, 30, h.dials)
	assert.InDelta(t, DefaultAcquireSchedule().Ceiling().Seconds(), h.slept().Seconds(), 0.001)
	assert.False(t, m.Session().Established)
}

func TestProviderStageRetriesAtFixedSpacing(t *testing.T) {
	h := newHarness(t, "server-key")
	h.providerFails = 3
	m, err := NewManager(h.options(nil))
	require.NoError(t, err)
	_, err = m.Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, h.providerCalls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond}, h.sleeps)

	h2 := newHarness(t, "server-key")
	h2.providerFails = 1000
	m2, err := NewManager(h2.options(nil))
	require.NoError(t, err)
	_, err = m2.Establish(context.Background())
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageProvider, se.Stage)
	assert.Equal(t, 20, se.Attempts)
	assert.ErrorIs(t, err, wire.ErrProviderDisabled)
	assert.Equal(t, 1, h2.closed, "channel is released on failure")
}

func TestExchangeStage(t *testing.T) {
	h := newHarness(t, "server-key")
	h.exchangeFails = 4
	m, err := NewManager(h.options(nil))
	require.NoError(t, err)
	sess, err := m.Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "server-key", sess.Key)
	assert.Equal(t, 5, h.exchangeCalls)

	h2 := newHarness(t, "server-key")
	h2.exchangeFails = 5
	m2, err := NewManager(h2.options(nil))
	require.NoError(t, err)
	_, err = m2.Establish(context.Background())
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageExchange, se.Stage)
	assert.Equal(t, 5, se.Attempts)
	assert.ErrorIs(t, err, wire.ErrHandshakeFailed)
	assert.Equal(t, 4*500*time.Millisecond, h2.slept())
}

func TestEmptyKeyIsHandshakeFailure(t *testing.T) {
	h := newHarness(t, "")
	m, err := NewManager(h.options(nil))
	require.NoError(t, err)
	_, err = m.Establish(context.Background())
	require.ErrorIs(t, err, wire.ErrHandshakeFailed)
}

func TestConfigSyncAndPushesReachLocalStore(t *testing.T) {
	h := newHarness(t, "server-key")
	require.NoError(t, h.remoteStore.SetLocation(31.2304, 121.4737))
	require.NoError(t, h.remoteStore.SetSpeed(7))
	require.NoError(t, h.remoteStore.SetLocationMode(model.LocationModeRoute))
	h.remoteStore.SetFeature(state.FeatureNMEA, true)

	local, localStore := newDispatcher(t, "")
	m, err := NewManager(h.options(local))
	require.NoError(t, err)
	_, err = m.Establish(context.Background())
	require.NoError(t, err)

	snap := localStore.Snapshot()
	assert.Equal(t, 31.2304, snap.Lat)
	assert.Equal(t, 121.4737, snap.Lon)
	assert.Equal(t, 7.0, snap.Speed)
	assert.Equal(t, model.LocationModeRoute, snap.LocationMode)
	assert.True(t, localStore.Enabled(state.FeatureNMEA))

	require.NotNil(t, h.push)
	push := wire.NewEnvelope(wire.CmdSetAltitude).Set(wire.FieldAltitude, wire.Float64(120))
	require.NoError(t, h.push(context.Background(), push))
	assert.Equal(t, 120.0, localStore.Altitude())

	require.ErrorIs(t, h.push(context.Background(), wire.NewEnvelope("self_destruct")), wire.ErrUnknownCommand)
}

func TestCallReestablishesOnStaleSession(t *testing.T) {
	h := newHarness(t, "key-1")
	m, err := NewManager(h.options(nil))
	require.NoError(t, err)
	_, err = m.Establish(context.Background())
	require.NoError(t, err)

	// The daemon restarts with a new key.
	remote, store := newDispatcher(t, "key-2")
	h.mu.Lock()
	h.remote, h.remoteStore = remote, store
	h.mu.Unlock()

	env := wire.NewEnvelope(wire.CmdSetSpeed).Set(wire.FieldSpeed, wire.Float64(9))
	require.NoError(t, m.Call(context.Background(), env))
	assert.True(t, env.Success)
	assert.Equal(t, "key-2", m.Session().Key)
	assert.Equal(t, 9.0, store.Speed())
	assert.Equal(t, 2, h.dials)
}

func TestCallReportsValidationFailures(t *testing.T) {
	h := newHarness(t, "key-1")
	m, err := NewManager(h.options(nil))
	require.NoError(t, err)

	env := wire.NewEnvelope(wire.CmdSetSpeed).Set(wire.FieldSpeed, wire.Float64(5000))
	err = m.Call(context.Background(), env)
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
	assert.False(t, env.Success)
	assert.True(t, m.Session().Established, "a rejected command keeps the session")
}

func TestEstablishStopsOnCancel(t *testing.T) {
	h := newHarness(t, "server-key")
	h.dialFails = 1000
	opts := h.options(nil)
	ctx, cancel := context.WithCancel(context.Background())
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		n := len(h.sleeps)
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		if n == 2 {
			cancel()
		}
		return ctx.Err()
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	_, err = m.Establish(ctx)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstablishIsIdempotent(t *testing.T) {
	h := newHarness(t, "server-key")
	m, err := NewManager(h.options(nil))
	require.NoError(t, err)
	first, err := m.Establish(context.Background())
	require.NoError(t, err)
	second, err := m.Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.dials)

	require.NoError(t, m.Close())
	assert.False(t, m.Session().Established)
}
