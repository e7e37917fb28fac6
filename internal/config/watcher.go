package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads config.yaml when it changes on disk and hands the new
// config to a callback. Editors replace files with rename+create, so the
// watch is on the directory, filtered by name.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(Config)
	logger   *slog.Logger
	lastFp   string
}

// NewWatcher starts watching the config file in homeDir. onChange runs on
// the watcher goroutine; it fires only when the loaded fingerprint differs
// from the previous one.
func NewWatcher(ctx context.Context, homeDir string, current Config, onChange func(Config), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(homeDir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		path:     ConfigPath(homeDir),
		onChange: onChange,
		logger:   logger,
		lastFp:   current.Fingerprint(),
	}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	// Debounce bursts of write events from editors.
	var timer *time.Timer
	reload := func() {
		cfg, err := Load()
		if err != nil {
			w.logger.Warn("config reload failed", "error", err)
			return
		}
		fp := cfg.Fingerprint()
		if fp == w.lastFp {
			return
		}
		w.lastFp = fp
		w.logger.Info("config reloaded", "fingerprint", fp)
		w.onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
