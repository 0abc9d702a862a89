// Package watcher reloads the settings file when it changes on disk.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"glintd/internal/logging"
)

// DefaultDebounce is how long the file must sit still before a reload
// fires. Editors and atomic savers produce bursts of events per save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher follows one settings file. The parent directory is watched,
// not the file itself: atomic saves replace the inode and a watch on
// the old one goes quiet.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *logging.Logger

	fsWatcher *fsnotify.Watcher
	onChange  func(path string)

	mu      sync.Mutex
	pending *time.Timer

	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// New creates a watcher for the given settings file.
func New(path string, debounce time.Duration, log *logging.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logging.Default().WithComponent("watcher")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:      abs,
		debounce:  debounce,
		log:       log,
		fsWatcher: fsWatcher,
		done:      make(chan struct{}),
	}, nil
}

// OnChange registers the reload callback. It runs on the watcher's
// timer goroutine after the debounce window closes. Must be set before
// Start.
func (w *Watcher) OnChange(fn func(path string)) {
	w.onChange = fn
}

// Path returns the watched settings file.
func (w *Watcher) Path() string {
	return w.path
}

// Start begins watching the settings file's directory.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop shuts the watcher down and cancels any pending reload.
func (w *Watcher) Stop() error {
	var err error
	w.stopped.Do(func() {
		close(w.done)

		w.mu.Lock()
		if w.pending != nil {
			w.pending.Stop()
			w.pending = nil
		}
		w.mu.Unlock()

		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.concerns(event) {
				continue
			}
			w.arm()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("settings watch error", "error", err)
		}
	}
}

// concerns reports whether the event touches the settings file.
// Writes, creates (an atomic save puts a new file in place) and
// renames onto the path all count.
func (w *Watcher) concerns(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

// arm starts or extends the debounce window.
func (w *Watcher) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Reset(w.debounce)
		return
	}
	w.pending = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	// The file may be mid-replace or gone; the loader behind the
	// callback handles parse failures, but a missing file is not worth
	// a reload.
	if _, err := os.Stat(w.path); err != nil {
		w.log.Debug("settings file absent after change", "path", w.path)
		return
	}

	w.log.Info("settings file changed", "path", w.path)
	if w.onChange != nil {
		w.onChange(w.path)
	}
}
