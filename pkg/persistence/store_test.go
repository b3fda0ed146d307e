package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGetRun(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.CreateRun("run-1", 3, "/tmp/scripts-x"))

	run, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, 3, run.Workers)
	assert.Equal(t, "/tmp/scripts-x", run.ScriptDir)
	assert.Nil(t, run.EndedAt)
	assert.WithinDuration(t, time.Now().UTC(), run.StartedAt, time.Minute)
}

func TestFinishRun(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.CreateRun("run-1", 1, "/tmp/s"))
	require.NoError(t, store.FinishRun("run-1"))

	run, err := store.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, run.EndedAt)

	assert.Error(t, store.FinishRun("no-such-run"))
}

func TestDuplicateRunIDRejected(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.CreateRun("run-1", 1, "/tmp/s"))
	assert.Error(t, store.CreateRun("run-1", 1, "/tmp/s"))
}

func TestRecordIterationsSequenced(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateRun("run-1", 2, "/tmp/s"))

	loss := 0.42
	require.NoError(t, store.RecordIteration("run-1", "batch-1.bin", 120*time.Millisecond, &loss))
	require.NoError(t, store.RecordIteration("run-1", "batch-1.bin", 110*time.Millisecond, nil))

	iterations, err := store.RunIterations("run-1")
	require.NoError(t, err)
	require.Len(t, iterations, 2)

	assert.Equal(t, 1, iterations[0].Seq)
	assert.Equal(t, 2, iterations[1].Seq)
	assert.Equal(t, 120*time.Millisecond, iterations[0].Duration)
	require.NotNil(t, iterations[0].Loss)
	assert.InDelta(t, 0.42, *iterations[0].Loss, 1e-9)
	assert.Nil(t, iterations[1].Loss)
}

func TestRunIterationsEmptyRun(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateRun("run-1", 1, "/tmp/s"))

	iterations, err := store.RunIterations("run-1")
	require.NoError(t, err)
	assert.Empty(t, iterations)
}
