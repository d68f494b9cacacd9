// Package config loads and persists CortexLink settings.
//
// Settings live in ~/.cortexlink/config.yaml and every key can be
// overridden through the environment with a CORTEXLINK_ prefix, for
// example CORTEXLINK_SERVER_URL or CORTEXLINK_LOGGING_LEVEL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all CortexLink settings.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Channel ChannelConfig `mapstructure:"channel"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Journal JournalConfig `mapstructure:"journal"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig identifies the backend the bridge connects to.
type ServerConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// ChannelConfig tunes the realtime channel and its reconnect policy.
type ChannelConfig struct {
	Path           string        `mapstructure:"path"`
	Rooms          []string      `mapstructure:"rooms"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// AudioConfig tunes capture and chunking.
type AudioConfig struct {
	// Device selects the capture source: "tone" generates a test tone,
	// "pipe" accepts frames pushed by the embedding process.
	Device         string        `mapstructure:"device"`
	SampleRate     int           `mapstructure:"sample_rate"`
	Channels       int           `mapstructure:"channels"`
	ChunkDuration  time.Duration `mapstructure:"chunk_duration"`
	VolumeInterval time.Duration `mapstructure:"volume_interval"`
	MeterWindow    int           `mapstructure:"meter_window"`
	// Streaming sends chunks live over the channel; when false a
	// recording is buffered and posted to the upload endpoint on stop.
	Streaming bool `mapstructure:"streaming"`
}

// UploadConfig controls the HTTP fallback for buffered recordings.
type UploadConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// JournalConfig controls the local event journal.
type JournalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
	MaxEvents int           `mapstructure:"max_events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	Dir    string `mapstructure:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:   "http://localhost:8765",
			Token: "",
		},
		Channel: ChannelConfig{
			Path:           "/ws",
			Rooms:          nil,
			DialTimeout:    5 * time.Second,
			ReconnectDelay: 2 * time.Second,
			MaxReconnects:  5,
			WriteTimeout:   5 * time.Second,
			PollInterval:   time.Second,
		},
		Audio: AudioConfig{
			Device:         "tone",
			SampleRate:     16000,
			Channels:       1,
			ChunkDuration:  100 * time.Millisecond,
			VolumeInterval: 16 * time.Millisecond,
			MeterWindow:    5,
			Streaming:      true,
		},
		Upload: UploadConfig{
			Enabled: true,
			Timeout: 30 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "",
			Retention: 7 * 24 * time.Hour,
			MaxEvents: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9091",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
			Dir:    "",
		},
	}
}

// Load reads the configuration from ~/.cortexlink/config.yaml, creating
// it with defaults when missing.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return LoadFrom(configDir)
}

// LoadFrom reads the configuration from the given directory.
func LoadFrom(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix("CORTEXLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// First run: write the defaults so the user has a file to edit.
			cfg := DefaultConfig()
			if saveErr := SaveTo(cfg, configDir); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to ~/.cortexlink/config.yaml.
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	return SaveTo(cfg, configDir)
}

// SaveTo writes the configuration to config.yaml in the given directory.
func SaveTo(cfg *Config, configDir string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	path := filepath.Join(configDir, "config.yaml")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GetConfigDir returns the CortexLink configuration directory.
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".cortexlink"), nil
}

// ConfigPath returns the path of the configuration file under dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// JournalPath resolves the journal database path, defaulting to
// journal.db inside the config directory.
func (c *Config) JournalPath(configDir string) string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(configDir, "journal.db")
}

// LogDir resolves the log directory, defaulting to logs/ inside the
// config directory.
func (c *Config) LogDir(configDir string) string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(configDir, "logs")
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.url", cfg.Server.URL)
	v.SetDefault("server.token", cfg.Server.Token)

	v.SetDefault("channel.path", cfg.Channel.Path)
	v.SetDefault("channel.rooms", cfg.Channel.Rooms)
	v.SetDefault("channel.dial_timeout", cfg.Channel.DialTimeout)
	v.SetDefault("channel.reconnect_delay", cfg.Channel.ReconnectDelay)
	v.SetDefault("channel.max_reconnects", cfg.Channel.MaxReconnects)
	v.SetDefault("channel.write_timeout", cfg.Channel.WriteTimeout)
	v.SetDefault("channel.poll_interval", cfg.Channel.PollInterval)

	v.SetDefault("audio.device", cfg.Audio.Device)
	v.SetDefault("audio.sample_rate", cfg.Audio.SampleRate)
	v.SetDefault("audio.channels", cfg.Audio.Channels)
	v.SetDefault("audio.chunk_duration", cfg.Audio.ChunkDuration)
	v.SetDefault("audio.volume_interval", cfg.Audio.VolumeInterval)
	v.SetDefault("audio.meter_window", cfg.Audio.MeterWindow)
	v.SetDefault("audio.streaming", cfg.Audio.Streaming)

	v.SetDefault("upload.enabled", cfg.Upload.Enabled)
	v.SetDefault("upload.timeout", cfg.Upload.Timeout)

	v.SetDefault("journal.enabled", cfg.Journal.Enabled)
	v.SetDefault("journal.path", cfg.Journal.Path)
	v.SetDefault("journal.retention", cfg.Journal.Retention)
	v.SetDefault("journal.max_events", cfg.Journal.MaxEvents)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
}
