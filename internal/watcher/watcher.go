// Package watcher provides file watching for substrate's hot-reloaded settings files.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events editors emit for a single save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher calls onChange whenever the watched file is written, created or replaced.
// The parent directory is watched so that atomic rename-on-save is seen too.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	timer    *time.Timer
	done     chan struct{}
	path     string
	debounce time.Duration
	mu       sync.Mutex
	started  bool
}

// New creates a watcher for path. It does not start watching until Start is called.
func New(path string, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		onChange: onChange,
		done:     make(chan struct{}),
		path:     abs,
		debounce: DefaultDebounce,
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.started = true
	go w.loop()
	return nil
}

// Stop stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	started := w.started
	w.started = false
	w.mu.Unlock()

	if started {
		close(w.done)
	}
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("File watcher error")
		}
	}
}

// schedule fires onChange once the file has been quiet for the debounce window.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}
