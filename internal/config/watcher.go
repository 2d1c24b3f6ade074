package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and the config revisions directory,
// invoking callbacks when either changes on disk.
type Watcher struct {
	config      *Config
	envPath     string
	revDir      string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	mu          sync.RWMutex
	onEnvReload func()
	onRevision  func(path string)
}

// NewWatcher creates a watcher for the given configuration.
func NewWatcher(cfg *Config) (*Watcher, error) {
	envPath := filepath.Join(cfg.DataDir, ".env")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:   cfg,
		envPath:  envPath,
		revDir:   cfg.RevisionsDir(),
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}

	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// SetEnvReloadCallback registers the callback fired after .env changes.
func (w *Watcher) SetEnvReloadCallback(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onEnvReload = callback
}

// SetRevisionCallback registers the callback fired when a config revision
// file appears or changes.
func (w *Watcher) SetRevisionCallback(callback func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRevision = callback
}

// Start begins watching. Watch failures are logged, not fatal: a missing
// directory only means changes require a restart.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		log.Warn().Err(err).Str("path", filepath.Dir(w.envPath)).Msg("Failed to watch config directory")
	}
	if err := os.MkdirAll(w.revDir, 0o700); err == nil {
		if err := w.watcher.Add(w.revDir); err != nil {
			log.Warn().Err(err).Str("path", w.revDir).Msg("Failed to watch revisions directory")
		}
	}

	go w.run()
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.watcher.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing fsnotify watcher")
		}
	})
}

// ReloadEnv re-reads the .env file into the process environment.
func (w *Watcher) ReloadEnv() {
	if err := godotenv.Overload(w.envPath); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to reload .env")
		}
		return
	}
	log.Info().Str("path", w.envPath).Msg("Reloaded environment from .env")
}

func (w *Watcher) run() {
	// Editors rewrite files with bursts of events; debounce with mod times.
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	if filepath.Clean(event.Name) == filepath.Clean(w.envPath) {
		stat, err := os.Stat(w.envPath)
		if err != nil {
			return
		}
		w.mu.Lock()
		changed := stat.ModTime().After(w.lastModTime)
		if changed {
			w.lastModTime = stat.ModTime()
		}
		callback := w.onEnvReload
		w.mu.Unlock()

		if changed {
			w.ReloadEnv()
			if callback != nil {
				callback()
			}
		}
		return
	}

	if filepath.Dir(event.Name) == filepath.Clean(w.revDir) && filepath.Ext(event.Name) == ".json" {
		w.mu.RLock()
		callback := w.onRevision
		w.mu.RUnlock()
		if callback != nil {
			callback(event.Name)
		}
	}
}
