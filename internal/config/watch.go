package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval is how long to wait after a filesystem event before
// reloading, so editors that write in several steps trigger one reload.
const debounceInterval = 200 * time.Millisecond

// WatchSettings reloads the settings file on change and hands the result to
// onChange. The parent directory is watched because editors typically
// replace the file. Blocks until ctx is done.
func WatchSettings(ctx context.Context, path string, onChange func(Settings), log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("settings watcher error", "error", err)
		case <-reload:
			settings, err := LoadSettings(path)
			if err != nil {
				log.Warn("failed to reload settings", "error", err)
				continue
			}
			log.Debug("settings reloaded", "poll_interval_ms", settings.PollIntervalMS)
			onChange(settings)
		}
	}
}
