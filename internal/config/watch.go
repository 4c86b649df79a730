package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchSettle = 500 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and hands the
// fresh copy to onChange. Editors replace files by rename, so the watch is
// on the parent directory filtered by base name. Returns a stop func.
func Watch(ctx context.Context, path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)
	lastHash := ""
	if cfg, err := Load(path); err == nil {
		lastHash = cfg.Hash()
	}

	go func() {
		defer watcher.Close()

		var (
			settle  *time.Timer
			settleC <-chan time.Time
		)

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				// Editors fire several events per save; let them settle.
				if settle == nil {
					settle = time.NewTimer(watchSettle)
					settleC = settle.C
				} else {
					if !settle.Stop() {
						select {
						case <-settleC:
						default:
						}
					}
					settle.Reset(watchSettle)
				}

			case <-settleC:
				settle = nil
				settleC = nil
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "path", path, "error", err)
					continue
				}
				h := cfg.Hash()
				if h == lastHash {
					continue
				}
				lastHash = h
				slog.Info("config reloaded", "path", path, "hash", h)
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
