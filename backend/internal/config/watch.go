package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a project's policy-relevant config (trusted hosts,
// package-manager allowlist) whenever the on-disk file changes, so an
// operator can tighten or loosen the allowlist without restarting the
// server. Grounded on the watch-the-parent-directory pattern used for
// credential-file reloading: watching the directory, not the file, also
// catches editors that write via a temp file and rename.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	onLoad  func(*Config)
}

// NewWatcher starts watching path's parent directory and invokes onLoad
// with the freshly parsed config on every create/write/rename event
// touching path. The watcher goroutine exits when ctx is canceled.
func NewWatcher(ctx context.Context, path string, onLoad func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	cw := &Watcher{watcher: w, path: path, onLoad: onLoad}
	go cw.run(ctx)
	return cw, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg := defaults()
			if home, err := os.UserHomeDir(); err == nil {
				if err := mergeFile(cfg, filepath.Join(home, ".chatrun", "config.yaml")); err != nil {
					slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
					continue
				}
			}
			if err := mergeFile(cfg, w.path); err != nil {
				slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
				continue
			}
			slog.Info("config reloaded", "path", w.path)
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}
