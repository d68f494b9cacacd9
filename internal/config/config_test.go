package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_FirstRunWritesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "http://localhost:8765", cfg.Server.URL)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)

	_, err = os.Stat(ConfigPath(dir))
	assert.NoError(t, err, "first load should create config.yaml")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Server.URL = "https://cortex.example.com"
	cfg.Server.Token = "secret"
	cfg.Channel.Rooms = []string{"ops", "agents"}
	cfg.Channel.MaxReconnects = 9
	cfg.Audio.Device = "pipe"
	cfg.Audio.ChunkDuration = 250 * time.Millisecond
	cfg.Journal.Enabled = false

	require.NoError(t, SaveTo(cfg, dir))

	loaded, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "https://cortex.example.com", loaded.Server.URL)
	assert.Equal(t, "secret", loaded.Server.Token)
	assert.Equal(t, []string{"ops", "agents"}, loaded.Channel.Rooms)
	assert.Equal(t, 9, loaded.Channel.MaxReconnects)
	assert.Equal(t, "pipe", loaded.Audio.Device)
	assert.Equal(t, 250*time.Millisecond, loaded.Audio.ChunkDuration)
	assert.False(t, loaded.Journal.Enabled)
}

func TestEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveTo(DefaultConfig(), dir))

	t.Setenv("CORTEXLINK_SERVER_URL", "http://10.0.0.2:9000")
	t.Setenv("CORTEXLINK_CHANNEL_MAX_RECONNECTS", "3")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.2:9000", cfg.Server.URL)
	assert.Equal(t, 3, cfg.Channel.MaxReconnects)
}

func TestPathHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, filepath.Join("/tmp/c", "journal.db"), cfg.JournalPath("/tmp/c"))
	assert.Equal(t, filepath.Join("/tmp/c", "logs"), cfg.LogDir("/tmp/c"))

	cfg.Journal.Path = "/var/lib/cortexlink/journal.db"
	cfg.Logging.Dir = "/var/log/cortexlink"
	assert.Equal(t, "/var/lib/cortexlink/journal.db", cfg.JournalPath("/tmp/c"))
	assert.Equal(t, "/var/log/cortexlink", cfg.LogDir("/tmp/c"))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveTo(DefaultConfig(), dir))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(dir, zerolog.Nop(), func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Close()

	updated := DefaultConfig()
	updated.Server.URL = "http://edited.local:8765"
	require.NoError(t, SaveTo(updated, dir))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "http://edited.local:8765", cfg.Server.URL)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload after config write")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveTo(DefaultConfig(), dir))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(dir, zerolog.Nop(), func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("unrelated file should not trigger a reload")
	case <-time.After(600 * time.Millisecond):
	}
}
