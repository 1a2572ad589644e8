// Package watcher streams debounced filesystem change events for the
// configured watched paths, built on fsnotify.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher implements domain.Watcher. fsnotify has no recursive-watch
// primitive, so it watches the parent directory of every configured
// path and filters events down to the ones that matter, mirroring the
// per-directory grouping the original Python monitor used.
type Watcher struct {
	logger   *zap.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu       sync.Mutex
	tracked  map[string]string // path -> category
	suppress map[string]time.Time
	timers   map[string]*time.Timer
	degraded bool

	out chan domain.ChangeEvent
}

var _ domain.Watcher = (*Watcher)(nil)

// New creates a Watcher for the given path-to-category set.
func New(logger *zap.Logger, tracked []domain.WatchedPath) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		logger:   logger,
		debounce: defaultDebounce,
		fsw:      fsw,
		tracked:  make(map[string]string, len(tracked)),
		suppress: make(map[string]time.Time),
		timers:   make(map[string]*time.Timer),
		out:      make(chan domain.ChangeEvent, 64),
	}

	dirs := make(map[string]struct{})
	for _, wp := range tracked {
		w.tracked[wp.Path] = wp.Category
		dirs[filepath.Dir(wp.Path)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			logger.Warn("failed to watch directory, entering degraded mode for it", zap.String("dir", dir), zap.Error(err))
			w.degraded = true
		}
	}

	return w, nil
}

// Run consumes fsnotify events until ctx is cancelled, debouncing per
// path and emitting a coalesced event once the quiet window elapses.
func (w *Watcher) Run(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	go func() {
		defer close(w.out)
		defer w.fsw.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					w.markDegraded("fsnotify events channel closed")
					return
				}
				w.handleEvent(ctx, ev)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					w.markDegraded("fsnotify errors channel closed")
					return
				}
				w.logger.Error("fsnotify reported an error", zap.Error(err))
				w.markDegraded(err.Error())
			}
		}
	}()
	return w.out, nil
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	w.mu.Lock()
	category, tracked := w.tracked[ev.Name]
	if until, suppressed := w.suppress[ev.Name]; suppressed {
		if time.Now().Before(until) {
			w.mu.Unlock()
			return
		}
		delete(w.suppress, ev.Name)
	}
	w.mu.Unlock()

	if !tracked {
		return
	}

	kind := "write"
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = "create"
	case ev.Op&fsnotify.Remove != 0:
		kind = "remove"
	case ev.Op&fsnotify.Rename != 0:
		// a rename-over-a-watched-path is reported by editors as
		// remove+create on the target; treat it as a modification.
		kind = "write"
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, exists := w.timers[ev.Name]; exists {
		timer.Stop()
	}
	w.timers[ev.Name] = time.AfterFunc(w.debounce, func() {
		w.emit(ctx, ev.Name, category, kind)
	})
}

func (w *Watcher) emit(ctx context.Context, path, category, kind string) {
	digest := digestOf(path)
	select {
	case w.out <- domain.ChangeEvent{Path: path, Category: category, Kind: kind, Digest: digest, Observed: time.Now()}:
	case <-ctx.Done():
	}
}

func digestOf(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Suppress marks path as self-inflicted for d, so the Revert Engine's
// restore writes do not re-trigger a change event.
func (w *Watcher) Suppress(path string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suppress[path] = time.Now().Add(d)
}

func (w *Watcher) markDegraded(reason string) {
	w.mu.Lock()
	w.degraded = true
	w.mu.Unlock()
	w.logger.Error("watcher entering degraded mode", zap.String("reason", reason))
}

// Degraded reports whether event delivery can no longer be
// guaranteed for at least one watched directory.
func (w *Watcher) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}
