package workflow

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates cache entries when workflow definitions change on disk,
// so edits take effect before the TTL would expire.
type Watcher struct {
	root   string
	cache  *Cache
	logger *slog.Logger
}

func NewWatcher(root string, cache *Cache, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:   root,
		cache:  cache,
		logger: logger,
	}
}

// Start watches the workflows directory until ctx is cancelled. A missing
// directory is not an error: the watcher simply has nothing to do.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	workflowsDir := filepath.Join(w.root, "workflows")
	_ = fsw.Add(workflowsDir)
	if entries, err := os.ReadDir(workflowsDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fsw.Add(filepath.Join(workflowsDir, entry.Name()))
			}
		}
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
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = fsw.Add(ev.Name)
						continue
					}
				}
				id := workflowIDFromPath(workflowsDir, ev.Name)
				if id == "" {
					continue
				}
				w.cache.Invalidate(id)
				w.logger.Info("workflow definition changed", "workflow", id, "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("workflow watcher error", "error", err)
			}
		}
	}()
	return nil
}

// workflowIDFromPath maps <root>/workflows/<id>/... to <id>.
func workflowIDFromPath(workflowsDir, path string) string {
	rel, err := filepath.Rel(workflowsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || parts[0] == "." {
		return ""
	}
	return parts[0]
}
