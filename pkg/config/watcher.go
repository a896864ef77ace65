package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hookline/hookline/pkg/log"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads team config files when they change on disk
type Watcher struct {
	registry *Registry
	dir      string
	logger   zerolog.Logger
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}

	// debounce coalesces editor write bursts into one reload per file
	debounce time.Duration
}

// NewWatcher creates a config directory watcher
func NewWatcher(registry *Registry, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		registry: registry,
		dir:      dir,
		logger:   log.WithComponent("config-watcher"),
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		debounce: 250 * time.Millisecond,
	}, nil
}

// Start begins watching for config changes
func (w *Watcher) Start() {
	go w.run()
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsw.Close()
}

func (w *Watcher) run() {
	pending := make(map[string]*time.Timer)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			path := event.Name
			if t, ok := pending[path]; ok {
				t.Stop()
			}
			pending[path] = time.AfterFunc(w.debounce, func() {
				w.reload(path)
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")
		case <-w.stopCh:
			for _, t := range pending {
				t.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload(path string) {
	cfg, err := LoadFile(path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Failed to reload config file")
		return
	}
	_, result, err := w.registry.Update(cfg.TeamID, cfg, "reload:"+filepath.Base(path))
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Failed to commit reloaded config")
		return
	}
	if result != nil && !result.OK() {
		w.logger.Error().Strs("errors", result.Errors).Str("path", path).Msg("Reloaded config failed validation; keeping prior snapshot")
		return
	}
	w.logger.Info().Str("team_id", cfg.TeamID).Str("path", path).Msg("Hot-reloaded team config")
}
