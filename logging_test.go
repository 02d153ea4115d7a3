package taskpool

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLogger_RespectsLevel(t *testing.T) {
	l := NewDefaultLogger(LevelWarn)
	require.False(t, l.IsEnabled(LevelInfo))
	require.True(t, l.IsEnabled(LevelWarn))
	require.True(t, l.IsEnabled(LevelError))
}

func TestDefaultLogger_WritesEntry(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "taskpool-log-*")
	require.NoError(t, err)
	defer tmp.Close()

	l := NewDefaultLogger(LevelDebug)
	l.Out = tmp
	l.Log(LogEntry{Level: LevelInfo, Category: "pool", PoolID: 1, Message: "hello"})

	data, err := os.ReadFile(tmp.Name())
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), "pool")
}

func TestNoOpLogger_NeverEnabled(t *testing.T) {
	l := NewNoOpLogger()
	require.False(t, l.IsEnabled(LevelError))
	l.Log(LogEntry{Level: LevelError, Message: "ignored"}) // must not panic
}

func TestGlobalLogger_DefaultsToNoOp(t *testing.T) {
	SetStructuredLogger(nil)
	require.False(t, getGlobalLogger().IsEnabled(LevelDebug))
}

func TestGlobalLogger_SetStructuredLogger(t *testing.T) {
	defer SetStructuredLogger(nil)
	l := NewDefaultLogger(LevelDebug)
	SetStructuredLogger(l)
	require.Same(t, Logger(l), getGlobalLogger())
}
