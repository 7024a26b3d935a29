package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/ligustah/gulp/internal/logging"
)

// WatchDir publishes to feed whenever a file in dir accepted by match is
// written, created, renamed or removed. It lets a long-running process notice
// changes made by other processes sharing the same store. WatchDir blocks
// until ctx is done.
func WatchDir(ctx context.Context, dir string, match func(name string) bool, feed *Feed) error {
	log := logging.FromContext(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Debug().Str("dir", dir).Msg("watching store for external changes")

	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&ops == 0 {
				continue
			}
			if match != nil && !match(filepath.Base(ev.Name)) {
				continue
			}
			log.Trace().Str("op", ev.Op.String()).Str("file", ev.Name).Msg("store change detected")
			feed.Publish()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("store watcher error")
		}
	}
}
