package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads cfg in place whenever the file at path changes on disk.
// Best-effort: a reload that fails to parse is logged and the previous
// config is kept. The returned stop function closes the watcher.
func Watch(path string, cfg *Config) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Load(path)
				if err != nil {
					slog.Error("config.reload_failed", "path", path, "error", err)
					continue
				}
				cfg.ReplaceFrom(reloaded)
				slog.Info("config.reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config.watch_error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
