package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetLogLevels restores the default level after a test changes it.
func resetLogLevels(t *testing.T) {
	t.Cleanup(func() { setLogLevels("info") })
}

func TestSupportedSubsystems(t *testing.T) {
	assert.Equal(t, []string{"NETW", "SESS", "SPVC", "SPVD"}, supportedSubsystems())
}

func TestSetLogLevels(t *testing.T) {
	resetLogLevels(t)

	setLogLevels("DEBUG")
	for id, logger := range subsystemLoggers {
		assert.Equal(t, slog.LevelDebug, logger.Level(), id)
	}

	// Unknown subsystems are ignored.
	setLogLevel("NOPE", "trace")
	assert.Equal(t, slog.LevelDebug, spvcLog.Level())
}

func TestParseAndSetDebugLevels(t *testing.T) {
	resetLogLevels(t)

	require.NoError(t, parseAndSetDebugLevels("warn"))
	assert.Equal(t, slog.LevelWarn, netwLog.Level())

	require.NoError(t, parseAndSetDebugLevels("SPVC=trace,SESS=error"))
	assert.Equal(t, slog.LevelTrace, spvcLog.Level())
	assert.Equal(t, slog.LevelError, sessLog.Level())
	assert.Equal(t, slog.LevelWarn, netwLog.Level(), "untouched")

	tests := []struct {
		name  string
		level string
	}{
		{"bad level", "loud"},
		{"bad pair level", "SPVC=loud"},
		{"bad subsystem", "WALLET=debug"},
		{"missing pair", "SPVC=debug,info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, parseAndSetDebugLevels(tt.level))
		})
	}
}

func TestInitLogRotator(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "spvd.log")
	require.NoError(t, initLogRotator(logFile))
	t.Cleanup(func() { logRotator = nil })

	_, err := logWriter{}.Write([]byte("hello rotator\n"))
	require.NoError(t, err)
	require.NoError(t, logRotator.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello rotator")
}
