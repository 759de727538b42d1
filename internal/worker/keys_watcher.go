package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const keysDebounce = 500 * time.Millisecond

// ReloadFunc applies a keys-file reload. It is the same path POST /reload
// takes, so a watcher-triggered reload and an operator-triggered one behave
// identically.
type ReloadFunc func(ctx context.Context) error

// KeysWatcher watches the keys file and triggers a debounced reload when it
// changes. The parent directory is watched rather than the file itself so
// atomic rename-over-write (the way editors and config management tools save)
// is still observed.
type KeysWatcher struct {
	path     string
	reload   ReloadFunc
	debounce time.Duration
}

// NewKeysWatcher creates a KeysWatcher for the file at path.
func NewKeysWatcher(path string, reload ReloadFunc) *KeysWatcher {
	return &KeysWatcher{
		path:     filepath.Clean(path),
		reload:   reload,
		debounce: keysDebounce,
	}
}

// Name returns the worker identifier.
func (w *KeysWatcher) Name() string { return "keys_watcher" }

// Run watches until ctx is cancelled.
func (w *KeysWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Restart the debounce window on every burst of events.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			if err := w.reload(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "keys reload failed",
					slog.String("path", w.path),
					slog.String("error", err.Error()),
				)
			} else {
				slog.Info("keys file reloaded", "path", w.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "keys watcher error",
				slog.String("error", err.Error()),
			)

		case <-ctx.Done():
			return nil
		}
	}
}
