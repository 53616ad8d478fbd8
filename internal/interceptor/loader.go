package interceptor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/procsi/procsid/internal/assert"
	"github.com/procsi/procsid/internal/eventlog"
	"github.com/procsi/procsid/internal/logging"
	"github.com/procsi/procsid/internal/models"
)

// Loader watches a directory of *.yaml interceptor manifests and keeps an
// atomically-swapped, lexicographically-ordered snapshot of the currently
// loaded interceptors. Grounded on observer.Engine's poll-stat-reload
// loop, generalized from a single policy file to a directory.
type Loader struct {
	dir    string
	events *eventlog.Log

	mu        sync.RWMutex
	manifests []*Manifest
	modTimes  map[string]time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLoader creates a loader for dir (created if missing) and performs an
// initial synchronous load.
func NewLoader(dir string, events *eventlog.Log) (*Loader, error) {
	if err := assert.Check(dir != "", "interceptor directory must not be empty"); err != nil {
		return nil, err
	}
	if err := assert.NotNil(events, "events"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating interceptor directory: %w", err)
	}

	l := &Loader{
		dir:      dir,
		events:   events,
		modTimes: make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the active, enabled manifests in load order (the order
// they're evaluated against an incoming request).
func (l *Loader) Current() []*Manifest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Manifest, len(l.manifests))
	copy(out, l.manifests)
	return out
}

// Reload re-reads every manifest in the directory, replacing the current
// snapshot atomically. Malformed files are skipped (with an error-level
// "loaded" event) rather than aborting the whole reload.
func (l *Loader) Reload() error {
	return l.reload()
}

func (l *Loader) reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("reading interceptor directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := make([]*Manifest, 0, len(names))
	modTimes := make(map[string]time.Time, len(names))
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		modTimes[name] = stat.ModTime()

		data, err := os.ReadFile(path)
		if err != nil {
			l.recordLoadError(name, err)
			continue
		}
		m, err := parseManifest(path, data)
		if err != nil {
			l.recordLoadError(name, err)
			continue
		}
		if !m.IsEnabled() {
			continue
		}
		loaded = append(loaded, m)
	}

	l.mu.Lock()
	l.manifests = loaded
	l.modTimes = modTimes
	l.mu.Unlock()

	for _, m := range loaded {
		l.events.Append(models.InterceptorEvent{
			Type:        models.EventLoaded,
			Level:       models.LevelInfo,
			Interceptor: m.Name,
			Message:     fmt.Sprintf("loaded from %s", m.SourceFile()),
		})
	}
	return nil
}

func (l *Loader) recordLoadError(name string, err error) {
	logging.Warn("interceptor_load_failed", logging.Fields{Component: "interceptor.loader", Error: err.Error()})
	l.events.Append(models.InterceptorEvent{
		Type:    models.EventLoaded,
		Level:   models.LevelError,
		Message: fmt.Sprintf("failed to load %s", name),
		Error:   err.Error(),
	})
}

// Watch starts a background poll loop at the given interval that reloads
// whenever any manifest file's mtime advances or the file set changes.
// Grounded on observer.Engine.Watch's ticker+select+stop-channel shape.
func (l *Loader) Watch(pollInterval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		const maxTicks = 1 << 30
		for i := 0; i < maxTicks; i++ {
			select {
			case <-ticker.C:
				if l.dirChanged() {
					if err := l.reload(); err != nil {
						logging.Warn("interceptor_reload_failed", logging.Fields{Component: "interceptor.loader", Error: err.Error()})
					}
				}
			case <-l.stopChan:
				return
			}
		}
	}()
}

func (l *Loader) dirChanged() bool {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return false
	}

	l.mu.RLock()
	prev := l.modTimes
	l.mu.RUnlock()

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		stat, err := e.Info()
		if err != nil {
			continue
		}
		seen[e.Name()] = true
		if last, ok := prev[e.Name()]; !ok || stat.ModTime().After(last) {
			return true
		}
	}
	return len(seen) != len(prev)
}

// Stop halts the background watch goroutine, if running.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
}
