// CortexLink - realtime bridge between an operator console and the agent backend
package main

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	stdlog "log"

	"github.com/normanking/cortexlink/internal/bridge"
	"github.com/normanking/cortexlink/internal/capture"
	"github.com/normanking/cortexlink/internal/channel"
	"github.com/normanking/cortexlink/internal/command"
	"github.com/normanking/cortexlink/internal/config"
	"github.com/normanking/cortexlink/internal/discovery"
	"github.com/normanking/cortexlink/internal/events"
	"github.com/normanking/cortexlink/internal/journal"
	"github.com/normanking/cortexlink/internal/logging"
	"github.com/normanking/cortexlink/internal/metrics"
	"github.com/normanking/cortexlink/internal/state"
)

// Global logger instance
var syslog *logging.Logger

// loadEnvFile loads tokens from .env files into the process environment.
// Checks both ~/.cortex/.env (shared with the backend) and ~/.cortexlink/.env
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		zl := syslog.Zerolog()
		zl.Warn().Err(err).Msg("Could not get home directory")
		return
	}

	envPaths := []string{
		filepath.Join(home, ".cortex", ".env"),
		filepath.Join(home, ".cortexlink", ".env"),
	}

	for _, envPath := range envPaths {
		file, err := os.Open(envPath)
		if err != nil {
			continue // File doesn't exist, skip
		}

		scanner := bufio.NewScanner(file)
		loadedCount := 0
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")

			// Only set if not already in environment
			if os.Getenv(key) == "" {
				os.Setenv(key, value)
				loadedCount++
			}
		}
		file.Close()

		if loadedCount > 0 {
			zl := syslog.Zerolog()
			zl.Info().
				Str("source", filepath.Base(filepath.Dir(envPath))).
				Int("count", loadedCount).
				Msg("Loaded environment variables")
		}
	}
}

func main() {
	// Initialize structured logger FIRST
	var err error
	syslog, err = logging.New(nil) // Uses default config
	if err != nil {
		stdlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()

	zlogger := syslog.Zerolog()
	zlogger.Info().Msg("========================================")
	zlogger.Info().Msg("CortexLink starting...")
	zlogger.Info().Msg("========================================")

	loadEnvFile()

	configDir, err := config.GetConfigDir()
	if err != nil {
		zlogger.Warn().Err(err).Msg("Could not resolve config directory, using working directory")
		configDir = "."
	}

	cfg, err := config.Load()
	if err != nil {
		zlogger.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.DefaultConfig()
	}

	// Rebuild the logger from the loaded config so level, directory and
	// console format follow the file settings.
	if rebuilt, err := logging.New(&logging.Config{
		LogDir:  cfg.LogDir(configDir),
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Pretty,
	}); err != nil {
		zlogger.Warn().Err(err).Msg("Could not apply logging config, keeping defaults")
	} else {
		syslog.Close()
		syslog = rebuilt
		zlogger = syslog.Zerolog()
	}
	zlogger.Info().
		Str("server", cfg.Server.URL).
		Str("device", cfg.Audio.Device).
		Msg("Configuration loaded")

	registry := events.NewRegistry()
	m := metrics.New()
	store := state.NewStore(zlogger)

	// The journal rehydrates before the store attaches, so restored
	// notifications precede anything recorded live this session.
	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Open(context.Background(), journal.Options{
			Path:      cfg.JournalPath(configDir),
			Retention: cfg.Journal.Retention,
			MaxEvents: cfg.Journal.MaxEvents,
		}, zlogger)
		if err != nil {
			zlogger.Warn().Err(err).Msg("Journal unavailable, continuing without history")
			j = nil
		} else {
			rehydrate(j, store)
			j.Attach(registry)
		}
	}
	store.Attach(registry)

	chManager := channel.NewManager(&channel.Config{
		URL:            cfg.Server.URL,
		Path:           cfg.Channel.Path,
		Token:          cfg.Server.Token,
		Rooms:          cfg.Channel.Rooms,
		DialTimeout:    cfg.Channel.DialTimeout,
		ReconnectDelay: cfg.Channel.ReconnectDelay,
		MaxReconnects:  cfg.Channel.MaxReconnects,
		WriteTimeout:   cfg.Channel.WriteTimeout,
	}, registry, m, zlogger)

	cmdBridge := command.NewBridge(chManager, registry, m, zlogger)
	cmdBridge.Start()

	var device capture.Device
	switch cfg.Audio.Device {
	case "pipe":
		device = capture.NewPipeDevice()
	case "tone", "":
		device = capture.NewToneDevice()
	default:
		zlogger.Warn().Str("device", cfg.Audio.Device).Msg("Unknown audio device, using tone generator")
		device = capture.NewToneDevice()
	}

	captureMgr := capture.NewManager(&capture.Config{
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       cfg.Audio.Channels,
		ChunkDuration:  cfg.Audio.ChunkDuration,
		VolumeInterval: cfg.Audio.VolumeInterval,
		MeterWindow:    cfg.Audio.MeterWindow,
	}, device, zlogger)
	if err := captureMgr.Initialize(); err != nil {
		zlogger.Warn().Err(err).Msg("Audio capture unavailable")
	}

	var uploader bridge.RecordingUploader
	if cfg.Upload.Enabled {
		up := command.NewUploader(cfg.Server.URL, cfg.Audio.SampleRate, cfg.Audio.Channels, zlogger)
		up.SetTimeout(cfg.Upload.Timeout)
		uploader = up
	}

	audioBridge := bridge.NewAudioBridge(captureMgr, chManager, uploader, store, registry, m, zlogger)
	connBridge := bridge.NewConnectionBridge(chManager, store, cfg.Channel.PollInterval, zlogger)
	discoveryService := discovery.NewService(nil, zlogger)

	watcher, err := config.NewWatcher(configDir, zlogger, func(next *config.Config) {
		zerolog.SetGlobalLevel(logging.ParseLevel(next.Logging.Level))
		zlogger.Info().Msg("Config reloaded; connection settings apply on restart")
	})
	if err != nil {
		zlogger.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		defer watcher.Close()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			zlogger.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlogger.Warn().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connBridge.Start(ctx)

	con := &console{
		cfg:        cfg,
		store:      store,
		channel:    chManager,
		commands:   cmdBridge,
		audio:      audioBridge,
		capture:    captureMgr,
		connection: connBridge,
		discovery:  discoveryService,
		journal:    j,
		logger:     syslog,
		out:        os.Stdout,
	}
	con.run(ctx)

	zlogger.Info().Msg("Shutting down...")
	captureMgr.Cleanup()
	connBridge.Stop()
	cmdBridge.Stop()
	if j != nil {
		j.Close()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	zlogger.Info().Msg("CortexLink shutdown complete")
}

// rehydrate replays journaled events into the notification history so the
// console shows what happened in previous sessions.
func rehydrate(j *journal.Journal, store *state.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := j.Recent(ctx, "", 200)
	if err != nil {
		return
	}

	var notes []events.Notification
	for _, entry := range entries {
		ev, ok := journal.DecodeEvent(entry)
		if !ok {
			continue
		}
		level, message, ok := state.NotificationFromEvent(ev)
		if !ok {
			continue
		}
		notes = append(notes, events.Notification{
			Level:   level,
			Message: message,
			Time:    entry.CreatedAt,
		})
	}
	store.RestoreNotifications(notes)
}
