package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the config file whenever it changes and invokes onChange
// with the parsed result. Selector chains are the usual reason to edit the
// file mid-run: the target site ships markup changes without notice.
//
// Editors replace files with rename+create, so the parent directory is
// watched rather than the file itself. Events are debounced because a single
// save often produces several.
func Watch(ctx context.Context, path string, log *zap.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var pending *time.Timer
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload failed, keeping previous", zap.String("path", path), zap.Error(err))
				return
			}
			log.Info("config reloaded", zap.String("path", path))
			onChange(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
