package registry

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"capforge/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the live capabilities directory and records any
// artifact that changes outside the deployer. Deployments go through
// the versioned deployer, so an out-of-band write is drift: the name is
// flagged dirty and surfaced by the next integrity pass. The watcher
// never repairs anything itself.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	capsDir     string
	dirty       map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	Modified      int
	Removed       int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// NewWatcher creates a watcher over the capabilities directory.
func NewWatcher(capsDir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		capsDir:     capsDir,
		dirty:       make(map[string]time.Time),
		debounceDur: 250 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Idempotent.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.capsDir); err != nil {
		return err
	}
	logging.RegistryDebug("Watching %s for capability drift", w.capsDir)

	go w.loop()
	return nil
}

// Stop terminates the watch loop and releases the inotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

// DirtyNames returns capability names with unreconciled on-disk changes.
func (w *Watcher) DirtyNames() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.dirty))
	for name := range w.dirty {
		names = append(names, name)
	}
	return names
}

// ClearDirty removes a name after an integrity pass has reconciled it.
func (w *Watcher) ClearDirty(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dirty, name)
}

// Stats returns a snapshot of watcher counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
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
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			logging.Get(logging.CategoryRegistry).Warnf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".go") {
		return
	}
	name := strings.TrimSuffix(filepath.Base(event.Name), ".go")

	w.mu.Lock()
	defer w.mu.Unlock()

	// Debounce editors that fire several events per save.
	if last, ok := w.dirty[name]; ok && time.Since(last) < w.debounceDur {
		return
	}

	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.stats.Modified++
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.stats.Removed++
	default:
		return
	}

	w.dirty[name] = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventTime = time.Now()
	logging.RegistryDebug("Drift detected on %s (%s)", name, event.Op)
}
