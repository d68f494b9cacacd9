// Package logging provides structured logging with file and console output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	LogDir     string // Directory for log files (default: ~/.cortexlink/logs)
	Level      string // Minimum log level (default: info)
	Console    bool   // Also log to console with pretty formatting
	MaxHistory int    // Max entries to keep in memory (default: 1000)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".cortexlink", "logs"),
		Level:      "info",
		Console:    true,
		MaxHistory: 1000,
	}
}

// LogEntry is one captured log line, kept for history readers.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Logger owns the log file and the root zerolog.Logger derived from it.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string
	history *historyWriter
}

// New creates a Logger writing to a date-named file under cfg.LogDir,
// and to the console when cfg.Console is set.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFileName := fmt.Sprintf("cortexlink_%s.log", time.Now().Format("2006-01-02"))
	logPath := filepath.Join(cfg.LogDir, logFileName)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	maxHist := cfg.MaxHistory
	if maxHist <= 0 {
		maxHist = DefaultConfig().MaxHistory
	}
	history := &historyWriter{max: maxHist}

	writers := []io.Writer{file, history}

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	multi := io.MultiWriter(writers...)

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	zlog := zerolog.New(multi).With().
		Timestamp().
		Str("app", "cortexlink").
		Logger()

	logger := &Logger{
		zlog:    zlog,
		file:    file,
		logPath: logPath,
		history: history,
	}

	zlog.Info().Str("component", "logging").
		Str("logFile", logPath).
		Str("level", cfg.Level).
		Msg("Logger initialized")

	return logger, nil
}

// ParseLevel maps a config level string onto a zerolog level,
// defaulting to info for unknown values.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a zerolog.Logger with the component field set.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the root zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// GetHistory returns the most recent captured entries, oldest first.
func (l *Logger) GetHistory(limit int) []LogEntry {
	return l.history.recent(limit)
}

// SetOnLog sets a callback invoked for every captured entry.
func (l *Logger) SetOnLog(fn func(LogEntry)) {
	l.history.setOnLog(fn)
}

// GetLogPath returns the current log file path.
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.zlog.Info().Str("component", "logging").Msg("Logger shutting down")
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// historyWriter sits on the zerolog writer path and keeps a bounded ring of
// parsed entries, so history captures every component without wrapping the
// call sites.
type historyWriter struct {
	mu      sync.RWMutex
	entries []LogEntry
	max     int
	onLog   func(LogEntry)
}

func (h *historyWriter) Write(p []byte) (int, error) {
	var line struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	// A line that does not parse is still written to the other sinks.
	if err := json.Unmarshal(p, &line); err != nil {
		return len(p), nil
	}

	entry := LogEntry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     line.Level,
		Component: line.Component,
		Message:   line.Message,
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	onLog := h.onLog
	h.mu.Unlock()

	if onLog != nil {
		go onLog(entry)
	}
	return len(p), nil
}

func (h *historyWriter) recent(limit int) []LogEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	result := make([]LogEntry, limit)
	copy(result, h.entries[len(h.entries)-limit:])
	return result
}

func (h *historyWriter) setOnLog(fn func(LogEntry)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLog = fn
}
