package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces the burst of filesystem events an editor or
// atomic save produces into a single reload.
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the configuration when config.yaml changes on disk.
type Watcher struct {
	watcher   *fsnotify.Watcher
	configDir string
	logger    zerolog.Logger

	mu       sync.RWMutex
	onChange func(*Config)

	done chan struct{}
}

// NewWatcher watches configDir for changes to config.yaml. onChange is
// invoked with the freshly loaded configuration after each change.
func NewWatcher(configDir string, logger zerolog.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory rather than the file: atomic saves replace
	// the file and would silently detach a file-level watch.
	if err := fw.Add(configDir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:   fw,
		configDir: configDir,
		logger:    logger.With().Str("component", "config").Logger(),
		onChange:  onChange,
		done:      make(chan struct{}),
	}

	go w.watchLoop()

	return w, nil
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	target := ConfigPath(w.configDir)

	for {
		select {
		case <-w.done:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFrom(w.configDir)
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed")
		return
	}

	w.logger.Info().Msg("Configuration reloaded")

	w.mu.RLock()
	cb := w.onChange
	w.mu.RUnlock()
	if cb != nil {
		cb(cfg)
	}
}

// OnChange replaces the change callback.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
