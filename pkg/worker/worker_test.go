package worker_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainer/pkg/channel"
	"trainer/pkg/metrics"
	"trainer/pkg/proto"
	"trainer/pkg/testkit"
	"trainer/pkg/worker"
)

func TestExchangePairsRequestWithReplyType(t *testing.T) {
	w := &testkit.ScriptedWorker{}
	h := testkit.SpawnScripted(0, w, channel.Options{Timeout: 5 * time.Second})
	defer h.Terminate()

	req := proto.NewMsg(proto.MsgTypeStore).
		SetPayload(proto.KeyID, "a").
		SetPayload(proto.KeyInput, map[string]any{"x": 1.0}).
		SetPayload(proto.KeyOutput, map[string]any{"y": 2.0})

	reply, err := h.Exchange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, proto.MsgTypeStored, reply.Type)
	assert.Equal(t, []string{"a"}, w.ObjectIDs())
}

func TestExchangeRejectsUnpairableType(t *testing.T) {
	w := &testkit.ScriptedWorker{}
	h := testkit.SpawnScripted(0, w, channel.Options{Timeout: time.Second})
	defer h.Terminate()

	_, err := h.Exchange(context.Background(), proto.NewMsg(proto.MsgTypeLog))
	assert.Error(t, err)
}

func TestAliveFlipsOnWorkerDeath(t *testing.T) {
	w := &testkit.ScriptedWorker{DieOn: proto.MsgTypeSave}
	h := testkit.SpawnScripted(0, w, channel.Options{Timeout: 5 * time.Second})
	defer h.Terminate()

	require.True(t, h.Alive())

	_, err := h.Exchange(context.Background(), proto.NewMsg(proto.MsgTypeSave))
	require.Error(t, err)

	select {
	case <-h.Exited():
	case <-time.After(time.Second):
		t.Fatal("worker did not report exit")
	}

	// The watcher flips liveness shortly after the channel closes.
	require.Eventually(t, func() bool { return !h.Alive() }, time.Second, 10*time.Millisecond)
}

func TestTerminateIsImmediate(t *testing.T) {
	w := &testkit.ScriptedWorker{
		Delay: map[proto.MsgType]time.Duration{proto.MsgTypeSave: 10 * time.Second},
	}
	h := testkit.SpawnScripted(0, w, channel.Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Exchange(context.Background(), proto.NewMsg(proto.MsgTypeSave))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.Terminate()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Terminate blocked on in-flight exchange")
	}

	// The abandoned exchange fails rather than completing.
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight exchange never resolved after Terminate")
	}
	assert.False(t, h.Alive())
}

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterValue(mf *dto.MetricFamily, labels map[string]string) float64 {
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		match := true
		for _, l := range m.GetLabel() {
			if want, ok := labels[l.GetName()]; ok && want != l.GetValue() {
				match = false
				break
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestExchangeRecordsOutcomeAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	w := &testkit.ScriptedWorker{FailOn: map[proto.MsgType]bool{proto.MsgTypeSave: true}}
	h := testkit.SpawnScripted(0, w, channel.Options{Timeout: 5 * time.Second}).WithMetrics(rec)
	defer h.Terminate()

	req := proto.NewMsg(proto.MsgTypeStore).SetPayload(proto.KeyID, "a")
	_, err := h.Exchange(context.Background(), req)
	require.NoError(t, err)

	_, err = h.Exchange(context.Background(), proto.NewMsg(proto.MsgTypeSave))
	require.Error(t, err)

	exchanges := gatherFamily(t, reg, "trainer_exchanges_total")
	require.NotNil(t, exchanges)
	assert.Equal(t, 1.0, counterValue(exchanges, map[string]string{"type": "store", "worker": "0", "status": "ok"}))
	assert.Equal(t, 1.0, counterValue(exchanges, map[string]string{"type": "save", "worker": "0", "status": "error"}))

	// Both outcomes observe a real (non-zero) elapsed time.
	durations := gatherFamily(t, reg, "trainer_exchange_duration_seconds")
	require.NotNil(t, durations)
	var count uint64
	var sum float64
	for _, m := range durations.GetMetric() {
		count += m.GetHistogram().GetSampleCount()
		sum += m.GetHistogram().GetSampleSum()
	}
	assert.Equal(t, uint64(2), count)
	assert.Greater(t, sum, 0.0)
}

func TestWorkerExitsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	dying := &testkit.ScriptedWorker{DieOn: proto.MsgTypeSave}
	h := testkit.SpawnScripted(0, dying, channel.Options{Timeout: 5 * time.Second}).WithMetrics(rec)
	defer h.Terminate()

	_, err := h.Exchange(context.Background(), proto.NewMsg(proto.MsgTypeSave))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		exits := gatherFamily(t, reg, "trainer_worker_exits_total")
		return counterValue(exits, map[string]string{"reason": "unexpected"}) == 1.0
	}, 2*time.Second, 10*time.Millisecond)

	h2 := testkit.SpawnScripted(1, &testkit.ScriptedWorker{}, channel.Options{Timeout: 5 * time.Second}).WithMetrics(rec)
	h2.Terminate()

	require.Eventually(t, func() bool {
		exits := gatherFamily(t, reg, "trainer_worker_exits_total")
		return counterValue(exits, map[string]string{"reason": "terminated"}) == 1.0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSpawnRealProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	// A minimal real worker: answers every line with a handshake reply.
	script := `while read line; do echo '{"type":"handshake","name":"sh-worker","version":"0.0.1"}'; done`

	h, err := worker.Spawn(context.Background(), 0, []string{"sh", "-c", script}, t.TempDir(), channel.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer h.Terminate()

	reply, err := h.Exchange(context.Background(), proto.NewMsg(proto.MsgTypeHandshake))
	require.NoError(t, err)

	name, ok := reply.GetString(proto.KeyName)
	require.True(t, ok)
	assert.Equal(t, "sh-worker", name)
}

func TestSpawnFailsForMissingBinary(t *testing.T) {
	_, err := worker.Spawn(context.Background(), 0, []string{"definitely-not-a-binary-xyz"}, t.TempDir(), channel.Options{})
	assert.Error(t, err)
}

func TestSpawnRejectsEmptyCommand(t *testing.T) {
	_, err := worker.Spawn(context.Background(), 0, nil, t.TempDir(), channel.Options{})
	assert.Error(t, err)
}
