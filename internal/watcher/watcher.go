// Package watcher reports debounced batches of file changes under a project
// directory.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
)

// DefaultIgnore lists patterns, relative to the watched root, that never
// trigger a rebuild.
var DefaultIgnore = []string{
	"**/node_modules/**",
	"**/.git/**",
	".assetpipe/**",
	"dist/**",
	"**/*~",
	"**/*.swp",
	"**/.#*",
}

// FileWatcher watches a directory tree with debouncing.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	root      string
	ignore    []string
	debouncer *Debouncer
	handlers  []ChangeHandler
	logger    logging.Logger
	mutex     sync.RWMutex
	stopOnce  sync.Once
}

// ChangeEvent represents a file change event.
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change.
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType.
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeHandler handles one debounced batch.
type ChangeHandler func(events []ChangeEvent) error

// Paths returns the paths of a batch.
func Paths(events []ChangeEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Path
	}
	return out
}

// Debouncer groups rapid file changes together. Only the last event per
// path survives a quiet period.
type Debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	output  chan []ChangeEvent
	timer   *time.Timer
	pending map[string]ChangeEvent
	mutex   sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

func newDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		events:  make(chan ChangeEvent, 256),
		output:  make(chan []ChangeEvent, 1),
		pending: map[string]ChangeEvent{},
		done:    make(chan struct{}),
	}
}

// New creates a watcher for root. Paths matching ignore, relative to root,
// are dropped; nil means DefaultIgnore.
func New(root string, debounce time.Duration, ignore []string, logger logging.Logger) (*FileWatcher, error) {
	if ignore == nil {
		ignore = DefaultIgnore
	}
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, perrors.NewConfigError("INVALID_WATCH_PATTERN", "invalid ignore pattern "+p)
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, perrors.NewIOError(root, "cannot resolve watch root", err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, perrors.NewIOError(root, "cannot create file watcher", err)
	}
	return &FileWatcher{
		watcher:   w,
		root:      abs,
		ignore:    ignore,
		debouncer: newDebouncer(debounce),
		logger:    logger.WithComponent("watcher"),
	}, nil
}

// AddHandler adds a change handler.
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// Ignored reports whether path, absolute or relative to the root, is
// filtered out.
func (fw *FileWatcher) Ignored(path string) bool {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(fw.root, path)
		if err != nil {
			return true
		}
		rel = r
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false
	}
	if rel == ".." || len(rel) > 2 && rel[:3] == "../" {
		return true
	}
	for _, p := range fw.ignore {
		if doublestar.MatchUnvalidated(p, rel) {
			return true
		}
	}
	return false
}

// ignoredDir also matches directory patterns that only cover the contents.
func (fw *FileWatcher) ignoredDir(path string) bool {
	return fw.Ignored(path) || fw.Ignored(filepath.Join(path, "_"))
}

// AddRecursive watches dir, relative to the root unless absolute, and all of
// its subdirectories that are not ignored.
func (fw *FileWatcher) AddRecursive(dir string) error {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(fw.root, dir)
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && fw.ignoredDir(path) {
			return fs.SkipDir
		}
		return fw.watcher.Add(path)
	})
	if err != nil {
		return perrors.NewIOError(dir, "cannot watch directory", err)
	}
	return nil
}

// Start starts the watcher goroutines. They stop with ctx or Stop.
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.debouncer.start(ctx)
	go fw.processEvents(ctx)
	go fw.watchLoop(ctx)
	return nil
}

// Stop stops the file watcher and cleans up resources.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.debouncer.stop()
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "file watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod || fw.Ignored(event.Name) {
		return
	}

	info, err := os.Stat(event.Name)
	var modTime time.Time
	var size int64
	if err == nil {
		if info.IsDir() {
			// New directories are watched; the files inside arrive as
			// their own events.
			if event.Op.Has(fsnotify.Create) && !fw.ignoredDir(event.Name) {
				if err := fw.AddRecursive(event.Name); err != nil {
					fw.logger.Warn(ctx, err, "cannot watch new directory", "path", event.Name)
				}
			}
			return
		}
		modTime = info.ModTime()
		size = info.Size()
	}

	var eventType EventType
	switch {
	case event.Op.Has(fsnotify.Create):
		eventType = EventTypeCreated
	case event.Op.Has(fsnotify.Write):
		eventType = EventTypeModified
	case event.Op.Has(fsnotify.Remove):
		eventType = EventTypeDeleted
	case event.Op.Has(fsnotify.Rename):
		eventType = EventTypeRenamed
	default:
		eventType = EventTypeModified
	}

	change := ChangeEvent{Type: eventType, Path: event.Name, ModTime: modTime, Size: size}
	select {
	case fw.debouncer.events <- change:
	case <-ctx.Done():
	}
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.debouncer.output:
			fw.mutex.RLock()
			handlers := fw.handlers
			fw.mutex.RUnlock()

			for _, handler := range handlers {
				if err := handler(events); err != nil {
					fw.logger.Error(ctx, err, "change handler failed", "files", len(events))
				}
			}
		}
	}
}

func (d *Debouncer) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.stop()
			return
		case <-d.done:
			return
		case event := <-d.events:
			d.addEvent(event)
		}
	}
}

func (d *Debouncer) stop() {
	d.doneOnce.Do(func() {
		d.mutex.Lock()
		if d.timer != nil {
			d.timer.Stop()
		}
		d.mutex.Unlock()
		close(d.done)
	})
}

func (d *Debouncer) addEvent(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending[event.Path] = event
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

// flush hands the pending batch, sorted by path, to the output. It blocks
// until the batch is taken so no change is lost.
func (d *Debouncer) flush() {
	d.mutex.Lock()
	if len(d.pending) == 0 {
		d.mutex.Unlock()
		return
	}
	events := make([]ChangeEvent, 0, len(d.pending))
	for _, event := range d.pending {
		events = append(events, event)
	}
	d.pending = map[string]ChangeEvent{}
	d.mutex.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	select {
	case d.output <- events:
	case <-d.done:
	}
}
