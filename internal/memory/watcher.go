package memory

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/switchboard/internal/debounce"
)

// watchDebounce is the per-path quiet period before reindexing.
const watchDebounce = 500 * time.Millisecond

// Watch reindexes individual files as they change under the memory root.
// Events for one path are debounced so editor write bursts index once.
// Blocks until ctx is done.
func (ix *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the root and every existing subdirectory; new subdirectories
	// are added as their create events arrive.
	err = filepath.WalkDir(ix.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	reindex := debounce.New(watchDebounce, func(path string, _ []struct{}) {
		if err := ix.SyncFile(ctx, path); err != nil {
			ix.logger.Warn("reindex failed", "path", path, "error", err)
		}
	})
	defer reindex.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				reindex.Enqueue(event.Name, struct{}{})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ix.logger.Warn("watch error", "error", err)
		}
	}
}
