package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRemoval returns a channel that is closed when path is removed or
// renamed. A reader holding the old inode would otherwise wait forever on a
// pipe nobody can reach. The watch ends when ctx is cancelled.
func WatchRemoval(ctx context.Context, path string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ipc: create watcher: %w", err)
	}
	target := filepath.Clean(path)
	// Watch the directory: fsnotify cannot follow a single removed file.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("ipc: watch %s: %w", filepath.Dir(target), err)
	}

	gone := make(chan struct{})
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					slog.Warn("ipc: fifo removed", "path", target, "op", event.Op.String())
					close(gone)
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Debug("ipc: watcher error", "path", target, "error", err)
			}
		}
	}()
	return gone, nil
}
