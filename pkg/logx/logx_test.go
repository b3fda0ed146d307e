package logx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferCapturesEntries(t *testing.T) {
	logger := NewLogger("channel-test")
	logger.Info("worker %d handshake complete", 2)

	entries := GetRecentLogEntries("channel-test", time.Time{})
	require.NotEmpty(t, entries)

	last := entries[len(entries)-1]
	assert.Equal(t, "channel-test", last.Component)
	assert.Equal(t, "INFO", last.Level)
	assert.Equal(t, "worker 2 handshake complete", last.Message)
}

func TestBufferBounded(t *testing.T) {
	buf := &InMemoryLogBuffer{maxSize: 3}
	for i := 0; i < 10; i++ {
		buf.AddLogEntry(&LogEntry{Component: "x", Message: "m"})
	}
	assert.Len(t, buf.GetLogEntries("", time.Time{}), 3)
}

func TestDebugDomainFiltering(t *testing.T) {
	SetDebug(true, []string{"dispatch"})
	defer SetDebug(false, nil)

	assert.True(t, IsDebugEnabledForDomain("dispatch"))
	assert.False(t, IsDebugEnabledForDomain("pool"))

	SetDebug(true, nil)
	assert.True(t, IsDebugEnabledForDomain("pool"))
}

func TestWrap(t *testing.T) {
	base := errors.New("pipe closed")
	wrapped := Wrap(base, "channel send")

	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "channel send")

	assert.NoError(t, Wrap(nil, "ignored"))
}

func TestErrorf(t *testing.T) {
	base := errors.New("exit status 1")
	err := Errorf("worker 0: %w", base)

	require.Error(t, err)
	assert.ErrorIs(t, err, base)
}
