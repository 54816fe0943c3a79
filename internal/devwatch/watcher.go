// Package devwatch reports when the controller's serial device node goes
// away, for example when the USB stick is unplugged.
package devwatch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the stat interval used when fsnotify is
// unavailable.
const DefaultPollInterval = 2 * time.Second

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher monitors a device node using fsnotify on its parent directory, with
// a polling fallback.
type Watcher struct {
	// path is the device node being monitored.
	path string
	// dir is the directory holding path; by-id directories vanish with
	// their last device, so the directory's own removal also counts.
	dir string
	log *slog.Logger
	// removed is closed once the device is gone.
	removed     chan struct{}
	removedOnce sync.Once
	// done is closed by [Watcher.Close] to signal goroutines to exit.
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// mu protects fsw, which is nil when polling.
	mu  sync.Mutex
	fsw *fsnotify.Watcher
	// polling is true when the watcher has fallen back to stat-based polling.
	polling      atomic.Bool
	pollInterval time.Duration
}

// New starts watching devicePath. The device must exist.
func New(devicePath string, logger *slog.Logger) (*Watcher, error) {
	return newWatcher(devicePath, logger, DefaultPollInterval, false)
}

func newWatcher(devicePath string, logger *slog.Logger, interval time.Duration, forcePoll bool) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(devicePath); err != nil {
		return nil, fmt.Errorf("stat device: %w", err)
	}
	w := &Watcher{
		path:         filepath.Clean(devicePath),
		dir:          filepath.Dir(filepath.Clean(devicePath)),
		log:          logger,
		removed:      make(chan struct{}),
		done:         make(chan struct{}),
		pollInterval: interval,
	}

	if forcePoll {
		w.startPolling()
		return w, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Info("fsnotify unavailable, falling back to polling", "error", err)
		w.startPolling()
		return w, nil
	}
	if err := fsw.Add(w.dir); err != nil {
		w.log.Info("cannot watch device directory, falling back to polling", "path", w.dir, "error", err)
		fsw.Close()
		w.startPolling()
		return w, nil
	}
	w.fsw = fsw
	w.wg.Add(1)
	go w.watch(fsw)
	return w, nil
}

func (w *Watcher) startPolling() {
	w.polling.Store(true)
	w.wg.Add(1)
	go w.poll()
}

// watch forwards removal of the device node, or of its directory. If
// fsnotify reports an error, it closes the native watcher and falls back to
// [Watcher.poll].
func (w *Watcher) watch(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if name := filepath.Clean(event.Name); name == w.path || name == w.dir {
				w.log.Info("serial device removed", "path", w.path, "op", event.Op.String())
				w.notify()
				return
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Info("fsnotify error, switching to polling", "error", err)
			w.mu.Lock()
			w.fsw = nil
			w.mu.Unlock()
			fsw.Close()
			w.startPolling()
			return
		}
	}
}

// poll stats the device node until it disappears.
func (w *Watcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if _, err := os.Stat(w.path); errors.Is(err, fs.ErrNotExist) {
				w.log.Info("serial device removed", "path", w.path)
				w.notify()
				return
			}
		}
	}
}

func (w *Watcher) notify() {
	w.removedOnce.Do(func() { close(w.removed) })
}

// Removed returns a channel that is closed once the device node is gone.
func (w *Watcher) Removed() <-chan struct{} {
	return w.removed
}

// Polling reports whether the watcher is using polling instead of fsnotify.
func (w *Watcher) Polling() bool {
	return w.polling.Load()
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		fsw := w.fsw
		w.fsw = nil
		w.mu.Unlock()
		if fsw != nil {
			if closeErr := fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
		}
		w.wg.Wait()
	})
	return err
}
