// Package watch turns fsnotify events into the engine's add/modify/delete
// deliveries for non-hidden project files.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/argusmon/argus/internal/debug"
	coreerrors "github.com/argusmon/argus/internal/errors"
	"github.com/argusmon/argus/pkg/pathutil"
)

// EventKind classifies a delivered filesystem event.
type EventKind int

const (
	Added EventKind = iota
	Deleted
	Modified
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	}
	return "unknown"
}

// Event is one filesystem change, with a repo-relative "./…" path.
type Event struct {
	Path string
	Kind EventKind
}

// Watcher monitors the project tree and delivers debounce-free, idempotent
// events. Hidden paths are excluded both from deliveries and from watch
// subscriptions, so hidden directories are never watched at all.
type Watcher struct {
	root    string
	exclude []string // extra doublestar globs from configuration
	settle  time.Duration
	watcher *fsnotify.Watcher
	events  chan Event
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for the project root. onError receives
// WatcherFailure values; the watcher keeps running after errors.
func New(root string, exclude []string, settle time.Duration, onError func(error)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, coreerrors.NewWatcherFailure(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:    root,
		exclude: exclude,
		settle:  settle,
		watcher: fsWatcher,
		events:  make(chan Event, 256),
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Events is the delivery channel. It closes when the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start subscribes to every non-excluded directory and begins delivering
// events.
func (w *Watcher) Start() error {
	if err := w.addWatches(w.root); err != nil {
		return coreerrors.NewWatcherFailure(err)
	}
	w.wg.Add(1)
	go w.processEvents()
	debug.LogWatch("watching %s\n", w.root)
	return nil
}

// Stop shuts the watcher down and closes the event channel.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
	w.wg.Wait()
	close(w.events)
}

// addWatches recursively subscribes to directories, skipping excluded ones
// and guarding against symlink cycles.
func (w *Watcher) addWatches(root string) error {
	visited := make(map[string]bool)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // keep walking despite unreadable entries
		}
		if !info.IsDir() {
			return nil
		}
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if visited[realPath] {
			return filepath.SkipDir
		}
		visited[realPath] = true

		if path != root && w.excluded(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.reportError(err)
		}
		return nil
	})
}

// excluded applies the hidden-component rule and the configured globs to
// an absolute path.
func (w *Watcher) excluded(absPath string) bool {
	rel, err := pathutil.Rel(w.root, absPath)
	if err != nil {
		return true
	}
	if pathutil.IsHidden(rel) {
		return true
	}
	for _, pattern := range w.exclude {
		if matched, _ := doublestar.Match(pattern, filepath.ToSlash(rel[2:])); matched {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

// handleEvent maps one native event. Create and rename-in become Added,
// remove and rename-out become Deleted, write and attribute changes become
// Modified; everything else is ignored.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.excluded(event.Name) {
		return
	}
	debug.LogWatch("event %v %s\n", event.Op, event.Name)

	switch {
	case event.Op&fsnotify.Create != 0:
		// A short settle lets a burst of events around the create finish
		// before the matrix sees the file.
		time.Sleep(w.settle)
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.watchNewDirectory(event.Name)
			return
		}
		w.deliver(event.Name, Added)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.deliver(event.Name, Deleted)
	case event.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		w.deliver(event.Name, Modified)
	}
}

// watchNewDirectory subscribes to a directory that appeared after startup
// and delivers Added for anything already inside it: files moved in as a
// directory produce no per-file events of their own.
func (w *Watcher) watchNewDirectory(dir string) {
	if err := w.addWatches(dir); err != nil {
		w.reportError(err)
		return
	}
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != dir && w.excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.excluded(path) {
			w.deliver(path, Added)
		}
		return nil
	})
}

func (w *Watcher) deliver(absPath string, kind EventKind) {
	rel, err := pathutil.Rel(w.root, absPath)
	if err != nil {
		return
	}
	select {
	case w.events <- Event{Path: rel, Kind: kind}:
	case <-w.ctx.Done():
	}
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(coreerrors.NewWatcherFailure(err))
	}
}
