// Package watcher observes a directory root for appearing and disappearing
// project candidates. Raw fsnotify events are debounced per path with
// reset-on-write timers so that a burst of writes during a clone or
// generator run settles into a single discovery event.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scanworks/prospector/project"
)

const (
	// eventChannelBuffer is the size of the outgoing event channel.
	eventChannelBuffer = 500
)

// Op is the kind of settled directory event.
type Op string

// Directory event operations.
const (
	OpAdded   Op = "directory:added"
	OpRemoved Op = "directory:removed"
)

// Event is a settled (debounced and stabilized) directory change.
type Event struct {
	Path string
	Op   Op
}

// Config configures the observer.
type Config struct {
	// Root is the watch root. The root itself is never a candidate.
	Root string `yaml:"watchPath"`

	// Depth is how many levels below the root are candidates. 1 means
	// immediate children only.
	Depth int `yaml:"depth"`

	// IgnorePatterns are extra directory names to skip, in addition to
	// the built-in system set.
	IgnorePatterns []string `yaml:"ignorePatterns"`

	// DebounceDelay is the quiet period per path before an event fires.
	DebounceDelay time.Duration `yaml:"debounceDelay"`

	// StabilityThreshold suppresses delivery until the directory's stat
	// has stopped changing for this long.
	StabilityThreshold time.Duration `yaml:"stabilityThreshold"`

	// StartupDelay postpones the initial watch registration.
	StartupDelay time.Duration `yaml:"startupDelay"`

	// PermissionErrorLimit is the number of permission errors tolerated
	// before the observer declares itself unhealthy and stops.
	PermissionErrorLimit int `yaml:"permissionErrorLimit"`
}

// DefaultConfig returns the shipped observer defaults.
func DefaultConfig() Config {
	return Config{
		Depth:                1,
		DebounceDelay:        2000 * time.Millisecond,
		StabilityThreshold:   2000 * time.Millisecond,
		PermissionErrorLimit: 10,
	}
}

// Watcher is the debounced filesystem observer.
type Watcher struct {
	config  Config
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	ignores map[string]bool

	// pending holds one reset-on-write timer per candidate path.
	pendingMu sync.Mutex
	pending   map[string]*pendingEvent

	events chan Event

	permErrors    atomic.Int64
	unhealthy     atomic.Bool
	droppedEvents atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingEvent struct {
	timer *time.Timer
	op    Op
}

// New creates a Watcher for the configured root.
func New(config Config, logger *slog.Logger) (*Watcher, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("watch root is required")
	}
	if config.Depth <= 0 {
		config.Depth = 1
	}
	if config.DebounceDelay <= 0 {
		config.DebounceDelay = DefaultConfig().DebounceDelay
	}
	if config.StabilityThreshold <= 0 {
		config.StabilityThreshold = DefaultConfig().StabilityThreshold
	}
	if config.PermissionErrorLimit <= 0 {
		config.PermissionErrorLimit = DefaultConfig().PermissionErrorLimit
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	ignores := make(map[string]bool, len(config.IgnorePatterns))
	for _, name := range config.IgnorePatterns {
		ignores[name] = true
	}

	return &Watcher{
		config:  config,
		fsw:     fsw,
		logger:  logger,
		ignores: ignores,
		pending: make(map[string]*pendingEvent),
		events:  make(chan Event, eventChannelBuffer),
	}, nil
}

// Events returns the channel of settled directory events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Healthy reports whether the observer is still running within its
// permission-error budget.
func (w *Watcher) Healthy() bool {
	return !w.unhealthy.Load()
}

// Start registers watches and begins observing. It returns after the
// initial registration; events flow on the Events channel.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartupDelay > 0 {
		select {
		case <-time.After(w.config.StartupDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	info, err := os.Stat(w.config.Root)
	if err != nil {
		return fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", w.config.Root)
	}

	// Watch the root and every interior level; candidates live at
	// levels 1..Depth, so interior watches stop one level short.
	if err := w.addWatches(w.config.Root, 0); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(runCtx)

	w.logger.Info("Discovery watcher started",
		"root", w.config.Root,
		"depth", w.config.Depth,
		"debounce", w.config.DebounceDelay)

	return nil
}

// addWatches registers fsnotify watches for dir and interior levels.
func (w *Watcher) addWatches(dir string, level int) error {
	if err := w.fsw.Add(dir); err != nil {
		if level == 0 {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.notePermissionError(dir, err)
		return nil
	}

	if level+1 >= w.config.Depth {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.notePermissionError(dir, err)
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() || w.ignored(e.Name()) {
			continue
		}
		if err := w.addWatches(filepath.Join(dir, e.Name()), level+1); err != nil {
			return err
		}
	}
	return nil
}

// ignored reports whether a directory name is excluded from observation.
func (w *Watcher) ignored(name string) bool {
	return strings.HasPrefix(name, ".") || project.IsSystemDir(name) || w.ignores[name]
}

// run consumes raw fsnotify events until the context is cancelled.
func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.notePermissionError("", err)
		}
	}
}

// handleFSEvent maps a raw event onto a candidate path and schedules (or
// reschedules) its debounce timer.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name
	name := filepath.Base(path)
	if w.ignored(name) {
		return
	}

	candidate, ok := w.candidatePath(path)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if candidate == path {
			w.schedule(candidate, OpRemoved)
		} else {
			// A write inside the candidate; treat as activity on it.
			w.schedule(candidate, OpAdded)
		}
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod):
		if candidate == path && event.Has(fsnotify.Create) {
			// Newly appeared interior directory may need its own watch.
			w.maybeWatchInterior(path)
		}
		w.schedule(candidate, OpAdded)
	}
}

// candidatePath maps an event path onto the candidate directory it belongs
// to: the ancestor that sits within Depth levels of the root. Events on
// the root itself are ignored.
func (w *Watcher) candidatePath(path string) (string, bool) {
	rel, err := filepath.Rel(w.config.Root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	parts := strings.Split(rel, string(filepath.Separator))
	levels := len(parts)
	if levels > w.config.Depth {
		parts = parts[:w.config.Depth]
	}
	if w.ignored(parts[len(parts)-1]) {
		return "", false
	}
	return filepath.Join(append([]string{w.config.Root}, parts...)...), true
}

// maybeWatchInterior adds a watch for a new directory when depth requires
// observing inside it.
func (w *Watcher) maybeWatchInterior(path string) {
	rel, err := filepath.Rel(w.config.Root, path)
	if err != nil {
		return
	}
	level := len(strings.Split(rel, string(filepath.Separator)))
	if level >= w.config.Depth {
		return
	}
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.notePermissionError(path, err)
	}
}

// schedule arms (or re-arms) the per-path debounce timer. Any event for a
// path resets its timer; the latest operation wins.
func (w *Watcher) schedule(path string, op Op) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.op = op
		p.timer.Reset(w.config.DebounceDelay)
		return
	}

	p := &pendingEvent{op: op}
	p.timer = time.AfterFunc(w.config.DebounceDelay, func() {
		w.fire(path)
	})
	w.pending[path] = p
}

// fire delivers a settled event for path, unless the directory is still
// being written to, in which case delivery is pushed out by the stability
// threshold.
func (w *Watcher) fire(path string) {
	w.pendingMu.Lock()
	p, ok := w.pending[path]
	if !ok {
		w.pendingMu.Unlock()
		return
	}
	op := p.op
	w.pendingMu.Unlock()

	if op == OpAdded {
		info, err := os.Lstat(path)
		switch {
		case err != nil:
			// Settled as gone.
			op = OpRemoved
		case !info.IsDir() || info.Mode()&os.ModeSymlink != 0:
			w.discard(path)
			return
		case time.Since(info.ModTime()) < w.config.StabilityThreshold:
			// Still changing; check again after the threshold.
			w.pendingMu.Lock()
			if p, ok := w.pending[path]; ok {
				p.timer.Reset(w.config.StabilityThreshold)
			}
			w.pendingMu.Unlock()
			return
		}
	}

	w.discard(path)
	w.emit(Event{Path: path, Op: op})
}

// discard removes a path's pending entry, stopping its timer.
func (w *Watcher) discard(path string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

// emit sends an event without blocking; a full channel drops and logs.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
		w.logger.Debug("Directory event settled", "path", ev.Path, "op", ev.Op)
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Event channel full, dropping event",
			"path", ev.Path,
			"total_dropped", dropped)
	}
}

// FlushAll immediately fires every pending debounced event, skipping the
// stability guard. Used on shutdown so settled-but-undelivered discoveries
// are not lost.
func (w *Watcher) FlushAll() {
	w.pendingMu.Lock()
	flushed := make(map[string]Op, len(w.pending))
	for path, p := range w.pending {
		p.timer.Stop()
		flushed[path] = p.op
	}
	w.pending = make(map[string]*pendingEvent)
	w.pendingMu.Unlock()

	for path, op := range flushed {
		w.emit(Event{Path: path, Op: op})
	}
}

// CancelAll discards every pending debounced event.
func (w *Watcher) CancelAll() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

// notePermissionError counts a filesystem error against the budget and
// stops the observer once the budget is exhausted.
func (w *Watcher) notePermissionError(path string, err error) {
	count := w.permErrors.Add(1)
	w.logger.Warn("Watcher filesystem error",
		"path", path,
		"count", count,
		"error", err)

	if int(count) >= w.config.PermissionErrorLimit && !w.unhealthy.Swap(true) {
		w.logger.Error("Permission error budget exhausted, stopping watcher",
			"limit", w.config.PermissionErrorLimit)
		if w.cancel != nil {
			w.cancel()
		}
		_ = w.fsw.Close()
	}
}

// Close flushes pending events, then tears the observer down. The events
// channel stays open for the consumer to drain.
func (w *Watcher) Close() error {
	w.FlushAll()
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
