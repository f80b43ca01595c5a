package catalog

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bnema/waybg/internal/logger"
)

// DefaultSettle is how long a file must stay quiet before a change is
// reported. Image writes usually arrive as many small write events.
const DefaultSettle = 250 * time.Millisecond

// Watcher reports content changes of files already in the catalog.
// Files created later are not picked up.
type Watcher struct {
	watcher *fsnotify.Watcher
	paths   map[string]struct{}
	settle  time.Duration
	changed chan string
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Watch starts watching the directories holding the catalog's files.
func (c *Catalog) Watch(settle time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		paths:   make(map[string]struct{}),
		settle:  settle,
		changed: make(chan string, 16),
		done:    make(chan struct{}),
	}

	dirs := make(map[string]struct{})
	for _, p := range c.CanonicalPaths() {
		w.paths[p] = struct{}{}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	// Watch the directories, file watches do not survive atomic replaces
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.run()
	logger.Debug("Watching wallpaper files", "files", len(w.paths), "dirs", len(dirs))
	return w, nil
}

// Changed delivers canonical paths whose contents changed.
func (w *Watcher) Changed() <-chan string {
	return w.changed
}

func (w *Watcher) run() {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Clean(event.Name)
			if _, ok := w.paths[name]; !ok {
				continue
			}
			pending[name] = struct{}{}
			timer.Reset(w.settle)

		case <-timer.C:
			for name := range pending {
				select {
				case w.changed <- name:
				case <-w.done:
					return
				}
				delete(pending, name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Wallpaper watcher error", "err", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
