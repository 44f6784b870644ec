package composition

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the index in step with the compositions tree: created
// and modified files are re-indexed, removed files deindexed. Rapid
// bursts (editor save dances, git checkouts) are coalesced per path.
type Watcher struct {
	watcher  *fsnotify.Watcher
	index    *Index
	root     string
	debounce time.Duration

	mu       sync.Mutex
	watching bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher builds a watcher over the index's compositions root.
func NewWatcher(index *Index, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		watcher:  fsw,
		index:    index,
		root:     index.loader.Root(),
		debounce: debounce,
	}, nil
}

// Start watches the tree until Stop or ctx cancellation. A missing
// root directory is not an error; the watcher just has nothing to do
// until a rebuild recreates it.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}

	if _, err := os.Stat(w.root); os.IsNotExist(err) {
		slog.Info("compositions root absent, watcher idle", "root", w.root)
		return nil
	}
	if err := w.addTree(w.root); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.watching = true
	go w.run(runCtx)

	slog.Info("watching compositions tree", "root", w.root)
	return nil
}

// Stop halts the watcher and closes the underlying fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		_ = w.watcher.Close()
		return
	}
	w.cancel()
	_ = w.watcher.Close()
	<-w.done
	w.watching = false
}

// addTree registers the directory and all subdirectories.
func (w *Watcher) addTree(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				slog.Warn("failed to watch directory", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	pending := make(map[string]fsnotify.Op)
	var pendingMu sync.Mutex
	var timer *time.Timer

	flush := func() {
		pendingMu.Lock()
		batch := pending
		pending = make(map[string]fsnotify.Op)
		pendingMu.Unlock()

		for path, op := range batch {
			w.apply(ctx, path, op)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			// New subdirectories need their own watch before files
			// appear inside them.
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						slog.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !indexableFile(ev.Name) {
				continue
			}

			pendingMu.Lock()
			pending[ev.Name] |= ev.Op
			pendingMu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, flush)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("composition watcher error", "root", w.root, "error", err)
		}
	}
}

func (w *Watcher) apply(ctx context.Context, path string, op fsnotify.Op) {
	if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// A rename may have landed the file elsewhere in the tree; the
		// create event for the new path re-indexes it.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := w.index.Deindex(ctx, path); err != nil {
				slog.Warn("deindex failed", "path", path, "error", err)
			}
			return
		}
	}
	if _, err := w.index.IndexFile(ctx, path); err != nil {
		slog.Warn("reindex failed", "path", path, "error", err)
	}
}
