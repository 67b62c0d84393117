package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a change is reported.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reports changes to a set of files. Directories are watched
// rather than the files themselves so that editors replacing a file by
// rename are still noticed.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce *Debouncer
	onChange func(file string)

	mu    sync.Mutex
	files map[string]bool
	dirs  map[string]int

	closeOnce sync.Once
}

// New creates a watcher calling onChange with the absolute path of a
// changed file. A zero debounce uses DefaultDebounce.
func New(debounce time.Duration, logger *slog.Logger, onChange func(file string)) (*Watcher, error) {
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		logger:   logger,
		debounce: NewDebouncer(debounce),
		onChange: onChange,
		files:    make(map[string]bool),
		dirs:     make(map[string]int),
	}, nil
}

// Add starts reporting changes to file.
func (w *Watcher) Add(file string) error {
	file, err := filepath.Abs(file)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.files[file] {
		return nil
	}
	dir := filepath.Dir(file)
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.files[file] = true

	w.logger.Debug("watching file", "path", file)
	return nil
}

// Remove stops reporting changes to file.
func (w *Watcher) Remove(file string) {
	file, err := filepath.Abs(file)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.files[file] {
		return
	}
	delete(w.files, file)
	w.debounce.Cancel(file)

	dir := filepath.Dir(file)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.watcher.Remove(dir)
	}
}

// Files returns the watched files.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	return out
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}

			file := event.Name
			w.logger.Debug("file event", "path", file, "op", event.Op.String())
			w.debounce.Trigger(file, func() {
				w.logger.Info("project config changed", "path", file)
				w.onChange(file)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[event.Name]
}

// Close stops watching and cancels pending callbacks.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.debounce.Stop()
		err = w.watcher.Close()
	})
	return err
}
