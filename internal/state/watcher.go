package state

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports writes to state files so the service can re-converge
// hardware with an externally edited selection.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	logger   *slog.Logger
	onChange func(product string)
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewWatcher creates a watcher for the store's directory.
func NewWatcher(store *Store, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher: fsw,
		dir:     store.Dir(),
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// SetChangeCallback registers the function invoked with the product name
// whose state file was written. Must be set before Start.
func (w *Watcher) SetChangeCallback(fn func(product string)) {
	w.onChange = fn
}

// Start begins watching. The state directory must exist.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory rather than individual files (more reliable for
	// writes, and state files may not exist yet)
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.watch()
	return nil
}

// watch is the main watch loop.
func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			product := productFromPath(event.Name)
			if product == "" {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug("state file changed", "product", product)
				if w.onChange != nil {
					w.onChange(product)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.done)
	return w.watcher.Close()
}
