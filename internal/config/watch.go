package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// debounceDelay lets editors finish writing before the file is re-read.
const debounceDelay = 250 * time.Millisecond

// Watch calls onChange with the re-read file every time path is written or
// replaced, until ctx is done. Files that fail to parse are logged and
// skipped. The parent directory is watched so atomic renames are seen.
func Watch(ctx context.Context, path string, onChange func(File)) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}

	logger := logr.FromContextOrDiscard(ctx).WithName("config-watcher").WithValues("path", path)

	go func() {
		defer w.Close()
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case ev := <-w.Events:
				if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				logger.V(2).Info("Config changed", "event", ev.String())
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					f, err := ReadFile(path)
					if err != nil {
						logger.Error(err, "Failed to reload config")
						return
					}
					onChange(f)
				})
			case err := <-w.Errors:
				if err != nil {
					logger.Error(err, "Config watcher failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
