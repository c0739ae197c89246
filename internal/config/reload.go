package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// fileOverlay is the subset of Config that may be hot-reloaded from
// ConfigFile at runtime: tier limits and the static node list. Everything
// else (listen address, Oracle URL, timeouts) is process-lifetime and read
// once by Load.
type fileOverlay struct {
	StaticNodeURLs []string `yaml:"staticNodeURLs"`
	Tiers          *struct {
		FreeMaxTokens         int `yaml:"freeMaxTokens"`
		ProMaxTokens          int `yaml:"proMaxTokens"`
		FreeRequestsPerWindow int `yaml:"freeRequestsPerWindow"`
	} `yaml:"tiers"`
}

// Watcher hot-reloads the subset of Config backed by ConfigFile. Its
// stop-channel-plus-WaitGroup lifecycle matches internal/health and
// internal/oracle, but it is driven by fsnotify events instead of a ticker.
// A Watcher with no ConfigFile configured is inert: Start returns
// immediately and Current always returns the snapshot taken at
// construction.
type Watcher struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current Config

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher seeded with cfg. Call Start to begin
// watching cfg.ConfigFile, if set.
func NewWatcher(log zerolog.Logger, cfg Config) *Watcher {
	return &Watcher{
		path:    cfg.ConfigFile,
		log:     log.With().Str("component", "config").Logger(),
		current: cfg,
	}
}

// Current returns the most recently loaded Config, safe for concurrent use.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching ConfigFile for changes. It applies the file's
// contents once immediately (if the file exists) and again on every
// subsequent write. It is a no-op if no ConfigFile was configured.
func (w *Watcher) Start() error {
	if w.path == "" {
		return nil
	}
	if err := w.reload(); err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("initial config file load failed")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop ends the watch goroutine and releases the underlying fsnotify
// watcher. It is a no-op if Start was never called or ConfigFile was
// empty.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	w.watcher.Close()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	// Editors commonly replace rather than truncate-in-place on save,
	// which fsnotify reports as Remove followed by Create; debounce
	// bursts of either before reloading.
	var debounce *time.Timer
	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(50*time.Millisecond, func() {
				if err := w.reload(); err != nil {
					w.log.Warn().Err(err).Str("path", w.path).Msg("config file reload failed")
				} else {
					w.log.Info().Str("path", w.path).Msg("config file reloaded")
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(overlay.StaticNodeURLs) > 0 {
		w.current.StaticNodeURLs = overlay.StaticNodeURLs
	}
	if overlay.Tiers != nil {
		if overlay.Tiers.FreeMaxTokens > 0 {
			w.current.Tiers.FreeMaxTokens = overlay.Tiers.FreeMaxTokens
		}
		if overlay.Tiers.ProMaxTokens > 0 {
			w.current.Tiers.ProMaxTokens = overlay.Tiers.ProMaxTokens
		}
		if overlay.Tiers.FreeRequestsPerWindow > 0 {
			w.current.Tiers.FreeRequestsPerWindow = overlay.Tiers.FreeRequestsPerWindow
		}
	}
	return nil
}
