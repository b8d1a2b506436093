package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file path and emits a freshly-loaded Config on
// every write, per SPEC_FULL.md's "core only consumes a reload channel,
// never touches the filesystem watcher directly" carve-out (spec.md §1).
// A reload that fails validation is logged and dropped; the previous valid
// Config is left in place (spec.md §7.1's Configuration error kind).
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	reload  chan *Config
}

// NewWatcher starts watching path's containing directory (editors typically
// replace a file by rename, which a direct file watch would miss).
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	return &Watcher{path: path, watcher: fsw, reload: make(chan *Config, 1)}, nil
}

// Reload is the channel Run publishes freshly-validated configs on.
func (w *Watcher) Reload() <-chan *Config { return w.reload }

// Run consumes fsnotify events until ctx is cancelled, reloading and
// publishing on every Write/Create event that targets the watched path.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
				continue
			}
			select {
			case w.reload <- cfg:
			case <-ctx.Done():
				return nil
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}
