package logging

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	logger, err := New(&Config{
		LogDir:     t.TempDir(),
		Level:      "debug",
		Console:    false,
		MaxHistory: 10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestNew_WritesLogFile(t *testing.T) {
	logger := newTestLogger(t)

	chLog := logger.Component("channel")
	chLog.Info().Msg("hello")

	data, err := os.ReadFile(logger.GetLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"channel"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestGetHistory_CapturesComponentEntries(t *testing.T) {
	logger := newTestLogger(t)

	capLog := logger.Component("capture")
	capLog.Warn().Msg("device gone")
	chLog := logger.Component("channel")
	chLog.Info().Msg("connected")

	entries := logger.GetHistory(0)
	require.GreaterOrEqual(t, len(entries), 2)

	last := entries[len(entries)-1]
	assert.Equal(t, "channel", last.Component)
	assert.Equal(t, "info", last.Level)
	assert.Equal(t, "connected", last.Message)
}

func TestGetHistory_HonorsLimitAndCap(t *testing.T) {
	logger := newTestLogger(t)

	for i := 0; i < 25; i++ {
		zl := logger.Zerolog()
		zl.Info().Int("n", i).Msg("tick")
	}

	// The ring keeps only the newest MaxHistory entries.
	all := logger.GetHistory(0)
	assert.Len(t, all, 10)

	recent := logger.GetHistory(3)
	require.Len(t, recent, 3)
	assert.Equal(t, all[len(all)-1], recent[2])
}

func TestSetOnLog_StreamsEntries(t *testing.T) {
	logger := newTestLogger(t)

	var mu sync.Mutex
	var seen []LogEntry
	logger.SetOnLog(func(e LogEntry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	cmdLog := logger.Component("command")
	cmdLog.Error().Msg("timed out")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range seen {
			if e.Message == "timed out" && e.Level == "error" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestParseLevel_Defaults(t *testing.T) {
	assert.Equal(t, "debug", ParseLevel("debug").String())
	assert.Equal(t, "warn", ParseLevel("warn").String())
	assert.Equal(t, "info", ParseLevel("bogus").String())
}
