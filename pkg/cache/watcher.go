package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher invalidates cached observations when files under a root change.
//
// It bounds staleness for long-lived processes that serve repeated runs
// against the same tree: a change is reflected on the next read even when
// the affected entry is still inside its TTL.
type Watcher struct {
	cache   *Cache
	root    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	skip    map[string]bool

	mu      sync.Mutex
	done    chan struct{}
	onEvent func(path string, removed int)
}

// NewWatcher creates a watcher for root. Directories named in skip are not watched.
func NewWatcher(c *Cache, root string, logger zerolog.Logger, skip ...string) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch root: %w", err)
	}

	skipSet := map[string]bool{".git": true}
	for _, s := range skip {
		skipSet[s] = true
	}

	return &Watcher{
		cache:  c,
		root:   abs,
		logger: logger.With().Str("component", "cache-watcher").Logger(),
		skip:   skipSet,
	}, nil
}

// OnEvent registers a callback invoked after each processed change. Used by tests.
func (w *Watcher) OnEvent(fn func(path string, removed int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onEvent = fn
}

// Start begins watching. It returns once the initial watches are installed.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	if err := w.watchTree(w.root); err != nil {
		_ = watcher.Close()
		return err
	}

	w.done = make(chan struct{})
	go w.processEvents(ctx)

	w.logger.Debug().Str("root", w.root).Msg("Watching tree for cache invalidation")
	return nil
}

// watchTree adds every directory below dir to the watcher.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped; they cannot be cached either.
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.skip[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
		}
		return nil
	})
}

// processEvents invalidates cache entries for each filesystem event.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.skip[info.Name()] {
					if err := w.watchTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}

			removed := w.cache.InvalidatePath(event.Name)
			w.logger.Trace().
				Str("path", event.Name).
				Str("op", event.Op.String()).
				Int("removed", removed).
				Msg("Invalidated cached observations")

			w.mu.Lock()
			fn := w.onEvent
			w.mu.Unlock()
			if fn != nil {
				fn(event.Name, removed)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	if w.done != nil {
		<-w.done
	}
	return err
}
