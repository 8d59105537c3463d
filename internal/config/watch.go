// v0
// internal/config/watch.go
package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration whenever the properties file changes and
// hands the result to onChange. The parent directory is watched because
// editors usually replace the file rather than write it in place. Watch
// returns once the watcher is armed; events are handled until ctx ends.
func Watch(ctx context.Context, path string, lg *slog.Logger, onChange func(Config)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config watcher: %w", err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load()
				if err != nil {
					lg.Warn("config_reload_failed", "path", abs, "error", err)
					continue
				}
				lg.Info("config_reloaded", "path", abs)
				onChange(cfg)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				lg.Warn("config_watch_error", "error", err)
			}
		}
	}()
	return nil
}
