package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/modplane"
)

// DefaultDebounce is the quiet period after the last file event before the
// plugins directory is rescanned.
const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc receives manifests that are new or differ from the previous
// scan.
type ChangeFunc func(ctx context.Context, changed []Manifest)

// Watcher rescans a plugins directory when its contents change.
type Watcher struct {
	dir      string
	onChange ChangeFunc
	debounce time.Duration
	scanOpts []ScanOption
	logger   modplane.Logger
	emitter  modplane.Emitter

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	known   map[string]string
	running bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a rescan.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithScanOptions passes options to every rescan.
func WithScanOptions(opts ...ScanOption) WatcherOption {
	return func(w *Watcher) { w.scanOpts = append(w.scanOpts, opts...) }
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger modplane.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = modplane.OrNop(logger) }
}

// WithSubject emits a ManifestDiscovered event for every changed manifest.
func WithSubject(subject modplane.Subject) WatcherOption {
	return func(w *Watcher) { w.emitter.Subject = subject }
}

// NewWatcher creates a stopped watcher for dir.
func NewWatcher(dir string, onChange ChangeFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   modplane.NopLogger{},
		known:    map[string]string{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.emitter.Source = "modplane.discovery"
	w.emitter.Logger = w.logger
	return w
}

// Start records the current manifests as the baseline and begins watching.
// Only later changes reach the ChangeFunc.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	baseline, err := Scan(ctx, w.dir, w.scanOpts...)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.addTree(fsw, w.dir); err != nil {
		_ = fsw.Close()
		return err
	}

	w.known = map[string]string{}
	for _, m := range baseline {
		w.known[m.Module.ID] = fingerprint(m)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.loop(runCtx, fsw, w.done)

	w.logger.Info("Watching plugins directory", "dir", w.dir, "plugins", len(baseline))
	return nil
}

// Stop ends watching and waits for the watch goroutine. Calling Stop on a
// stopped watcher does nothing.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done, fsw := w.cancel, w.done, w.fsw
	w.mu.Unlock()

	cancel()
	<-done
	return fsw.Close()
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// addTree watches dir and its plugin sub-directories; fsnotify is not
// recursive.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if err := fsw.Add(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("watch %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(w.dir) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fsw.Add(event.Name); err != nil {
						w.logger.Warn("Cannot watch plugin directory", "path", event.Name, "error", err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", "dir", w.dir, "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.rescan(ctx)
		}
	}
}

func (w *Watcher) rescan(ctx context.Context) {
	manifests, err := Scan(ctx, w.dir, w.scanOpts...)
	if err != nil {
		w.logger.Error("Plugin rescan failed", "dir", w.dir, "error", err)
		return
	}

	w.mu.Lock()
	var changed []Manifest
	current := make(map[string]string, len(manifests))
	for _, m := range manifests {
		fp := fingerprint(m)
		current[m.Module.ID] = fp
		if w.known[m.Module.ID] != fp {
			changed = append(changed, m)
		}
	}
	w.known = current
	w.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	for _, m := range changed {
		w.logger.Info("Plugin manifest changed", "module", m.Module.ID, "path", m.Path)
		w.emitter.Emit(ctx, modplane.EventTypeManifestDiscovered, map[string]any{
			"module":  m.Module.ID,
			"version": m.Module.Version,
			"path":    m.Path,
		})
	}
	if w.onChange != nil {
		w.onChange(ctx, changed)
	}
}

func fingerprint(m Manifest) string {
	b, err := json.Marshal(m.Module)
	if err != nil {
		return m.Path
	}
	return string(b)
}
