package template

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the file layer whenever a template file changes on disk.
// It blocks until ctx is cancelled and is intended to run in a goroutine.
func (e *Engine) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(e.dir); err != nil {
		// Directory may not exist yet; nothing to watch.
		slog.Debug("template watch disabled", "dir", e.dir, "error", err)
		<-ctx.Done()
		return nil
	}
	slog.Info("watching templates", "dir", e.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !hasTemplateExt(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := e.Reload(); err != nil {
				slog.Warn("template reload", "error", err)
			} else {
				slog.Debug("templates reloaded", "trigger", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("template watcher", "error", err)
		}
	}
}
