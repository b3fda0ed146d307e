package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainer/pkg/channel"
	"trainer/pkg/eventlog"
	"trainer/pkg/pool"
	"trainer/pkg/proto"
	"trainer/pkg/testkit"
	"trainer/pkg/worker"
)

func TestWriteAndReadEvents(t *testing.T) {
	dir := t.TempDir()

	w, err := eventlog.NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	req := proto.NewMsg(proto.MsgTypeStore).SetPayload(proto.KeyID, "obj-1")
	require.NoError(t, w.WriteEvent(&eventlog.Event{
		Timestamp: time.Now().UTC(),
		Worker:    2,
		Direction: "sent",
		Record:    req,
	}))

	events, err := eventlog.ReadEvents(w.CurrentFile())
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, 2, events[0].Worker)
	assert.Equal(t, "sent", events[0].Direction)
	assert.Equal(t, proto.MsgTypeStore, events[0].Record.Type)
	assert.Equal(t, req.RequestID, events[0].Record.RequestID)

	id, ok := events[0].Record.GetString(proto.KeyID)
	require.True(t, ok)
	assert.Equal(t, "obj-1", id)
}

func TestFileNameCarriesDate(t *testing.T) {
	dir := t.TempDir()

	w, err := eventlog.NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	want := filepath.Join(dir, "trace-"+time.Now().Format("2006-01-02")+".jsonl")
	assert.Equal(t, want, w.CurrentFile())

	files, err := eventlog.ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, want, files[0])
}

func TestObserverTracesPoolTraffic(t *testing.T) {
	dir := t.TempDir()

	w, err := eventlog.NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()
	observer := w.Observer()

	scripted := []*testkit.ScriptedWorker{{Name: "w0"}, {Name: "w1"}}
	spawn := func(_ context.Context, index int) (*worker.Handle, error) {
		idx := index
		opts := channel.Options{
			Timeout: 5 * time.Second,
			Observer: func(d channel.Direction, msg *proto.Msg) {
				observer(idx, d, msg)
			},
		}
		return testkit.SpawnScripted(index, scripted[index], opts), nil
	}

	p, err := pool.StartWith(context.Background(), pool.Config{Workers: 2}, spawn)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	// The handshake produces one sent and one received record per worker.
	// Received records are observed on the read loop, so allow a moment.
	require.Eventually(t, func() bool {
		events, err := eventlog.ReadEvents(w.CurrentFile())
		return err == nil && len(events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	events, err := eventlog.ReadEvents(w.CurrentFile())
	require.NoError(t, err)

	perWorker := map[int]map[string]int{}
	for _, ev := range events {
		if perWorker[ev.Worker] == nil {
			perWorker[ev.Worker] = map[string]int{}
		}
		perWorker[ev.Worker][ev.Direction]++
		assert.Equal(t, proto.MsgTypeHandshake, ev.Record.Type)
	}
	for i := 0; i < 2; i++ {
		assert.Equal(t, 1, perWorker[i]["sent"], "worker %d sent", i)
		assert.Equal(t, 1, perWorker[i]["received"], "worker %d received", i)
	}
}
