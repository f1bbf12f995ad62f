// Package watcher provides file watching with debouncing using fsnotify.
// Rapid write bursts (editors, atomic saves) collapse into a single callback.
package watcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is a single debounced filesystem change.
type Event struct {
	Path string
	Op   fsnotify.Op
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounceDuration sets the quiet period before pending events are flushed.
func WithDebounceDuration(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// Watcher wraps fsnotify with debouncing. Events are accumulated and the
// callback fires once per quiet period with everything seen since the last
// flush.
type Watcher struct {
	fs       *fsnotify.Watcher
	onChange func([]Event)
	debounce time.Duration

	mu      sync.Mutex
	pending []Event
	timer   *time.Timer
	closed  bool
}

// New creates a watcher that invokes onChange with debounced events.
func New(onChange func([]Event), opts ...Option) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fs,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.loop()
	return w, nil
}

// Add starts watching a file or directory.
func (w *Watcher) Add(path string) error {
	return w.fs.Add(path)
}

// Close stops the watcher. Pending events are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fs.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.enqueue(Event{Path: ev.Name, Op: ev.Op})
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			// fsnotify errors are transient; the next event still arrives
		}
	}
}

func (w *Watcher) enqueue(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = append(w.pending, ev)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	events := w.pending
	w.pending = nil
	w.mu.Unlock()

	w.onChange(events)
}
