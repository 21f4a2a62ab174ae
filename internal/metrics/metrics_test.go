package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/pool"
	"github.com/g960059/portal/internal/wire"
)

func TestCommandRecorderLabels(t *testing.T) {
	before := testutil.ToFloat64(commandsTotal.WithLabelValues(wire.CmdSetSpeed, "ok"))
	rejected := testutil.ToFloat64(commandsTotal.WithLabelValues(wire.CmdSetSpeed, wire.CodeInvalidArgument))
	unknown := testutil.ToFloat64(commandsTotal.WithLabelValues("unknown", wire.CodeUnknownCommand))

	var r CommandRecorder
	r.RecordCommand(context.Background(), dispatch.Record{CommandID: wire.CmdSetSpeed, Elapsed: time.Millisecond})
	r.RecordCommand(context.Background(), dispatch.Record{CommandID: wire.CmdSetSpeed, Code: wire.CodeInvalidArgument})
	r.RecordCommand(context.Background(), dispatch.Record{CommandID: "x-1f3a", Code: wire.CodeUnknownCommand})

	assert.Equal(t, before+1, testutil.ToFloat64(commandsTotal.WithLabelValues(wire.CmdSetSpeed, "ok")))
	assert.Equal(t, rejected+1, testutil.ToFloat64(commandsTotal.WithLabelValues(wire.CmdSetSpeed, wire.CodeInvalidArgument)))
	assert.Equal(t, unknown+1, testutil.ToFloat64(commandsTotal.WithLabelValues("unknown", wire.CodeUnknownCommand)))
}

func TestHandshakeAndSweepCounters(t *testing.T) {
	okBefore := testutil.ToFloat64(handshakeAttempts.WithLabelValues("acquire", "ok"))
	errBefore := testutil.ToFloat64(handshakeAttempts.WithLabelValues("acquire", "error"))
	HandshakeAttempt("acquire", 1, errors.New("refused"))
	HandshakeAttempt("acquire", 2, nil)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(handshakeAttempts.WithLabelValues("acquire", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(handshakeAttempts.WithLabelValues("acquire", "error")))

	pruned := testutil.ToFloat64(sweepPruned.WithLabelValues("dead"))
	SweepPruned("dead", 0)
	SweepPruned("dead", 3)
	assert.Equal(t, pruned+3, testutil.ToFloat64(sweepPruned.WithLabelValues("dead")))
}

func TestRegisterSamplePool(t *testing.T) {
	reg := prometheus.NewRegistry()
	samples := pool.NewSamplePool(4, 2, 10)
	s := samples.Obtain()
	samples.Recycle(s)
	require.NoError(t, RegisterSamplePool(reg, "location", samples))
	require.Error(t, RegisterSamplePool(reg, "location", samples), "duplicate registration")

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP portal_pool_obtained_total Samples handed out
# TYPE portal_pool_obtained_total counter
portal_pool_obtained_total{pool="location"} 1
`), "portal_pool_obtained_total")
	require.NoError(t, err)
}

func TestHandlerServesDefaultRegistry(t *testing.T) {
	BroadcastTick(2)
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
