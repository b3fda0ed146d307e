package pool_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainer/pkg/channel"
	"trainer/pkg/metrics"
	"trainer/pkg/pool"
	"trainer/pkg/proto"
	"trainer/pkg/testkit"
	"trainer/pkg/worker"
)

func startScripted(t *testing.T, n int) ([]*testkit.ScriptedWorker, *pool.Pool) {
	t.Helper()

	workers, spawn := testkit.NewScriptedPool(n, channel.Options{Timeout: 5 * time.Second})
	p, err := pool.StartWith(context.Background(), pool.Config{Workers: n}, spawn)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return workers, p
}

func TestStartHandshakesEveryWorker(t *testing.T) {
	workers, p := startScripted(t, 3)

	assert.Equal(t, 3, p.Size())
	assert.True(t, p.Alive())
	for i, w := range workers {
		assert.Equal(t, 1, w.CountType(proto.MsgTypeHandshake), "worker %d", i)
	}
}

func TestStartWiresMetricsToEveryHandle(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	_, spawn := testkit.NewScriptedPool(2, channel.Options{Timeout: 5 * time.Second})
	p, err := pool.StartWith(context.Background(), pool.Config{Workers: 2, Metrics: rec}, spawn)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	// The startup handshake itself is recorded, once per worker.
	expected := `
# HELP trainer_exchanges_total Total number of protocol exchanges by type, worker, and status
# TYPE trainer_exchanges_total counter
trainer_exchanges_total{status="ok",type="handshake",worker="0"} 1
trainer_exchanges_total{status="ok",type="handshake",worker="1"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "trainer_exchanges_total"))
}

func TestStartRejectsZeroWorkers(t *testing.T) {
	_, err := pool.StartWith(context.Background(), pool.Config{Workers: 0}, nil)
	assert.Error(t, err)
}

func TestStartFailsWhenSpawnFails(t *testing.T) {
	workers, spawn := testkit.NewScriptedPool(2, channel.Options{Timeout: 5 * time.Second})
	failing := func(ctx context.Context, index int) (*worker.Handle, error) {
		if index == 1 {
			return nil, fmt.Errorf("spawn denied")
		}
		return spawn(ctx, index)
	}

	_, err := pool.StartWith(context.Background(), pool.Config{Workers: 2}, failing)
	require.Error(t, err)

	// No partial pool is left: worker 0 was spawned and must be torn down
	// before it ever handshakes.
	assert.Equal(t, 0, workers[0].CountType(proto.MsgTypeHandshake))
}

func TestStartFailsWhenHandshakeFails(t *testing.T) {
	workers, spawn := testkit.NewScriptedPool(3, channel.Options{Timeout: 5 * time.Second})
	workers[2].FailOn = map[proto.MsgType]bool{proto.MsgTypeHandshake: true}

	_, err := pool.StartWith(context.Background(), pool.Config{Workers: 3}, spawn)
	assert.Error(t, err)
}

func TestResetReachesEveryWorker(t *testing.T) {
	workers, p := startScripted(t, 3)

	require.NoError(t, p.Reset(context.Background()))
	for i, w := range workers {
		assert.Equal(t, 1, w.ParamResets(), "worker %d", i)
	}
}

func TestResetAllOrNothing(t *testing.T) {
	workers, spawn := testkit.NewScriptedPool(2, channel.Options{Timeout: 5 * time.Second})
	workers[1].FailOn = map[proto.MsgType]bool{proto.MsgTypeReset: true}

	p, err := pool.StartWith(context.Background(), pool.Config{Workers: 2}, spawn)
	require.NoError(t, err)
	defer p.Stop()

	err = p.Reset(context.Background())
	require.Error(t, err)

	// The healthy worker still received (and completed) its reset; only the
	// aggregate operation fails.
	assert.Equal(t, 1, workers[0].ParamResets())
}

func TestBroadcastJoinsAllWorkers(t *testing.T) {
	workers, p := startScripted(t, 4)

	err := p.Broadcast(context.Background(), func(i int) *proto.Msg {
		return proto.NewMsg(proto.MsgTypeStore).
			SetPayload(proto.KeyID, "obj").
			SetPayload(proto.KeyInput, i).
			SetPayload(proto.KeyOutput, i)
	})
	require.NoError(t, err)

	for i, w := range workers {
		assert.Equal(t, 1, w.CountType(proto.MsgTypeStore), "worker %d", i)
	}
}

func TestWorkerIndexBounds(t *testing.T) {
	_, p := startScripted(t, 2)

	h, err := p.Worker(0)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Index())

	_, err = p.Worker(2)
	assert.Error(t, err)
	_, err = p.Worker(-1)
	assert.Error(t, err)
}

func TestStopTerminatesEveryWorker(t *testing.T) {
	_, p := startScripted(t, 3)

	p.Stop()
	assert.False(t, p.Alive())
	for _, h := range p.Workers() {
		assert.False(t, h.Alive())
	}
}
