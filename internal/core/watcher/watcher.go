package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"devloop/internal/shared/observability"

	"github.com/fsnotify/fsnotify"
)

// Filter decides which directories are descended into and which files are
// reported.
type Filter interface {
	SkipDir(path string) bool
	Track(path string) bool
}

type acceptAll struct{}

func (acceptAll) SkipDir(string) bool { return false }
func (acceptAll) Track(string) bool   { return true }

// Watcher turns raw fsnotify events into debounced batches of absolute paths.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	filter    Filter
	batcher   *Batcher

	// Directories under watch. A moved or removed directory yields a single
	// event for itself and none for its files.
	dirsMu sync.Mutex
	dirs   map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewWatcher(debounce time.Duration, filter Filter, onBatch func(Batch)) (*Watcher, error) {
	if onBatch == nil {
		return nil, os.ErrInvalid
	}
	if filter == nil {
		filter = acceptAll{}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsw,
		filter:    filter,
		batcher: NewBatcher(debounce, func(b Batch) {
			observability.WatcherBatchesTotal.Inc()
			onBatch(b)
		}),
		dirs: make(map[string]bool),
		done: make(chan struct{}),
	}, nil
}

func (w *Watcher) SetDebounce(debounce time.Duration) {
	w.batcher.SetWindow(debounce)
}

// Watch registers every non-excluded directory below paths and starts the
// event loop.
func (w *Watcher) Watch(paths []string) error {
	for _, path := range paths {
		if err := w.watchRecursive(path); err != nil {
			return err
		}
	}

	go w.run()
	return nil
}

func (w *Watcher) watchRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if path != root && w.filter.SkipDir(path) {
				return filepath.SkipDir
			}
			if err := w.fsWatcher.Add(path); err != nil {
				return err
			}
			w.dirsMu.Lock()
			w.dirs[path] = true
			w.dirsMu.Unlock()
		}

		return nil
	})
}

// forgetDir drops dir and every watched directory below it. It reports
// whether dir was being watched.
func (w *Watcher) forgetDir(dir string) bool {
	w.dirsMu.Lock()
	if !w.dirs[dir] {
		w.dirsMu.Unlock()
		return false
	}
	var gone []string
	prefix := dir + string(filepath.Separator)
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			gone = append(gone, d)
			delete(w.dirs, d)
		}
	}
	w.dirsMu.Unlock()

	for _, d := range gone {
		// The kernel usually dropped the watch already.
		_ = w.fsWatcher.Remove(d)
	}
	return true
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			observability.WatcherEventsTotal.Inc()
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if !w.filter.SkipDir(event.Name) {
				if err := w.watchRecursive(event.Name); err != nil {
					slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
				} else {
					w.enqueueExistingFiles(event.Name)
				}
			}
			return
		}
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if _, err := os.Lstat(event.Name); os.IsNotExist(err) && w.forgetDir(event.Name) {
			w.batcher.Add(Change{Path: event.Name, Op: OpDelete})
			return
		}
	}

	if !w.filter.Track(event.Name) {
		return
	}

	op := translate(event.Op)
	if op == OpNone {
		return
	}
	w.batcher.Add(Change{Path: event.Name, Op: op})
}

// translate maps fsnotify operations onto build dispositions. A rename is
// reported on the old name and behaves as a delete; the new name arrives as
// its own create. Chmod alone never changes content.
func translate(op fsnotify.Op) Op {
	switch {
	case op&fsnotify.Remove == fsnotify.Remove, op&fsnotify.Rename == fsnotify.Rename:
		return OpDelete
	case op&fsnotify.Create == fsnotify.Create:
		return OpCreate
	case op&fsnotify.Write == fsnotify.Write:
		return OpModify
	default:
		return OpNone
	}
}

// Flush emits pending changes without waiting for the window to elapse.
func (w *Watcher) Flush() {
	w.batcher.Flush()
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.batcher.Stop()
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) enqueueExistingFiles(root string) {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.IsDir() {
			if path != root && w.filter.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.filter.Track(path) {
			return nil
		}
		w.batcher.Add(Change{Path: path, Op: OpCreate})
		return nil
	})
}
