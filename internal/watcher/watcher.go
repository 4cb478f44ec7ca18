// Package watcher surfaces filesystem events for directories that
// collection configs cover. It reports raw path events; resolving an
// event to a config happens in the consumer loop, which owns the
// matcher.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/flowtail/agent/internal/logger"
)

// EventKind classifies a filesystem event.
type EventKind int

const (
	EventCreate EventKind = iota
	EventModify
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one filesystem change under a watched directory.
type Event struct {
	Path string
	Kind EventKind
}

// Watcher wraps fsnotify and tracks which directories are covered and
// to what depth, so newly created subdirectories get picked up.
type Watcher struct {
	fs     *fsnotify.Watcher
	events chan Event

	// mu guards roots and watched. Register runs on the consumer
	// goroutine while the event loop extends watches into new
	// subdirectories.
	mu sync.Mutex

	// roots maps a registered base directory to its watch settings.
	roots map[string]rootWatch

	// watched tracks directories currently under an fsnotify watch.
	watched map[string]struct{}
}

// rootWatch tracks how deep a registered root is watched and how many
// registrations hold it.
type rootWatch struct {
	depth int
	refs  int
}

// New creates a watcher. Call Start to begin receiving events.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	return &Watcher{
		fs:      fsw,
		events:  make(chan Event, 256),
		roots:   make(map[string]rootWatch),
		watched: make(map[string]struct{}),
	}, nil
}

// Register adds a base directory and its subdirectories up to depth
// levels below it. Registering the same directory again widens the
// depth if needed; each registration must be released with Unregister.
func (w *Watcher) Register(dir string, depth int) error {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	r, held := w.roots[dir]
	r.refs++
	if held && r.depth >= depth {
		w.roots[dir] = r
		w.mu.Unlock()
		return nil
	}
	r.depth = depth
	w.roots[dir] = r
	w.mu.Unlock()

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if relDepth(dir, path) > depth {
			return fs.SkipDir
		}
		return w.watch(path)
	})
}

// Unregister releases one registration of a base directory. When the
// last registration is released, watches under the directory that no
// other root covers are dropped.
func (w *Watcher) Unregister(dir string) {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.roots[dir]
	if !ok {
		return
	}
	if r.refs--; r.refs > 0 {
		w.roots[dir] = r
		return
	}
	delete(w.roots, dir)

	for d := range w.watched {
		if !within(dir, d) || w.coveredLocked(d) {
			continue
		}
		if err := w.fs.Remove(d); err != nil {
			logger.Debugw("failed to remove watch", "dir", d, "error", err)
		}
		delete(w.watched, d)
		logger.Debugw("stopped watching directory", "dir", d)
	}
}

// coveredLocked reports whether any registered root still reaches dir.
func (w *Watcher) coveredLocked(dir string) bool {
	for root, r := range w.roots {
		if within(root, dir) && relDepth(root, dir) <= r.depth {
			return true
		}
	}
	return false
}

// Events delivers filesystem events. The channel is closed when the
// watcher shuts down.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start pumps fsnotify events until the context is canceled. It
// blocks.
func (w *Watcher) Start(ctx context.Context) error {
	defer close(w.events)
	defer func() {
		if err := w.fs.Close(); err != nil {
			logger.Warnw("failed to close filesystem watcher", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	kind, ok := classify(ev.Op)
	if !ok {
		return
	}

	if kind == EventCreate {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.coverNewDir(ev.Name)
			return
		}
	}
	if kind == EventRemove {
		cleaned := filepath.Clean(ev.Name)
		w.mu.Lock()
		_, wasDir := w.watched[cleaned]
		delete(w.watched, cleaned)
		w.mu.Unlock()
		if wasDir {
			return
		}
	}

	select {
	case w.events <- Event{Path: ev.Name, Kind: kind}:
	default:
		logger.Warnw("dropping filesystem event, consumer too slow", "path", ev.Name)
	}
}

// coverNewDir extends watches into a directory created under a
// registered root, staying within that root's depth.
func (w *Watcher) coverNewDir(dir string) {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	for root, r := range w.roots {
		if !within(root, dir) {
			continue
		}
		if relDepth(root, dir) > r.depth {
			continue
		}
		if err := w.watchLocked(dir); err != nil {
			logger.Warnw("failed to watch new directory", "dir", dir, "error", err)
		}
		return
	}
}

func (w *Watcher) watch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watchLocked(dir)
}

func (w *Watcher) watchLocked(dir string) error {
	if _, ok := w.watched[dir]; ok {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watched[dir] = struct{}{}
	logger.Debugw("watching directory", "dir", dir)
	return nil
}

func classify(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventCreate, true
	case op.Has(fsnotify.Write):
		return EventModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventRemove, true
	default:
		return 0, false
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func relDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
