package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps debounce short so tests settle quickly.
func fastConfig(root string) Config {
	return Config{
		Root:               root,
		Depth:              1,
		DebounceDelay:      50 * time.Millisecond,
		StabilityThreshold: 1 * time.Millisecond,
	}
}

// waitEvent blocks for one settled event or fails the test.
func waitEvent(t *testing.T, w *Watcher, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for watcher event")
		return Event{}
	}
}

func TestWatcherDetectsNewDirectory(t *testing.T) {
	root := t.TempDir()

	w, err := New(fastConfig(root), nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	dir := filepath.Join(root, "newproj")
	require.NoError(t, os.Mkdir(dir, 0o755))

	ev := waitEvent(t, w, 5*time.Second)
	assert.Equal(t, dir, ev.Path)
	assert.Equal(t, OpAdded, ev.Op)
}

func TestWatcherCoalescesBurst(t *testing.T) {
	root := t.TempDir()

	w, err := New(fastConfig(root), nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Simulate a clone: directory plus a burst of file writes inside it.
	dir := filepath.Join(root, "cloning")
	require.NoError(t, os.Mkdir(dir, 0o755))
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "file"+string(rune('a'+i))+".txt")
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	ev := waitEvent(t, w, 5*time.Second)
	assert.Equal(t, dir, ev.Path)
	assert.Equal(t, OpAdded, ev.Op)

	// The burst must have settled into exactly one event.
	select {
	case extra := <-w.Events():
		t.Fatalf("unexpected second event: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherDetectsRemoval(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "doomed")
	require.NoError(t, os.Mkdir(dir, 0o755))

	w, err := New(fastConfig(root), nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.RemoveAll(dir))

	ev := waitEvent(t, w, 5*time.Second)
	assert.Equal(t, dir, ev.Path)
	assert.Equal(t, OpRemoved, ev.Op)
}

func TestWatcherIgnoresSystemAndHiddenDirs(t *testing.T) {
	root := t.TempDir()

	cfg := fastConfig(root)
	cfg.IgnorePatterns = []string{"scratch"}
	w, err := New(cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.Mkdir(filepath.Join(root, "node_modules"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".hidden"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "scratch"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "real"), 0o755))

	ev := waitEvent(t, w, 5*time.Second)
	assert.Equal(t, filepath.Join(root, "real"), ev.Path)

	select {
	case extra := <-w.Events():
		t.Fatalf("event for ignored directory: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherDepthTwoAttributesToCandidate(t *testing.T) {
	root := t.TempDir()
	org := filepath.Join(root, "org")
	require.NoError(t, os.Mkdir(org, 0o755))

	cfg := fastConfig(root)
	cfg.Depth = 2
	w, err := New(cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	repo := filepath.Join(org, "repo")
	require.NoError(t, os.Mkdir(repo, 0o755))

	ev := waitEvent(t, w, 5*time.Second)
	assert.Equal(t, repo, ev.Path)
	assert.Equal(t, OpAdded, ev.Op)
}

func TestWatcherFlushAll(t *testing.T) {
	root := t.TempDir()

	cfg := fastConfig(root)
	cfg.DebounceDelay = time.Hour
	w, err := New(cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	dir := filepath.Join(root, "pending")
	require.NoError(t, os.Mkdir(dir, 0o755))

	// Give fsnotify a moment to arm the debounce timer, then flush.
	require.Eventually(t, func() bool {
		w.pendingMu.Lock()
		defer w.pendingMu.Unlock()
		return len(w.pending) > 0
	}, 5*time.Second, 10*time.Millisecond)

	w.FlushAll()

	ev := waitEvent(t, w, time.Second)
	assert.Equal(t, dir, ev.Path)
	assert.Equal(t, OpAdded, ev.Op)
}

func TestWatcherCancelAll(t *testing.T) {
	root := t.TempDir()

	cfg := fastConfig(root)
	cfg.DebounceDelay = time.Hour
	w, err := New(cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.Mkdir(filepath.Join(root, "dropme"), 0o755))

	require.Eventually(t, func() bool {
		w.pendingMu.Lock()
		defer w.pendingMu.Unlock()
		return len(w.pending) > 0
	}, 5*time.Second, 10*time.Millisecond)

	w.CancelAll()

	select {
	case ev := <-w.Events():
		t.Fatalf("cancelled event still delivered: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherRequiresRoot(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestWatcherStartMissingRoot(t *testing.T) {
	w, err := New(fastConfig(filepath.Join(t.TempDir(), "gone")), nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.Start(context.Background()))
}

func TestCandidatePath(t *testing.T) {
	root := t.TempDir()
	cfg := fastConfig(root)
	cfg.Depth = 2
	w, err := New(cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	tests := []struct {
		name string
		path string
		want string
		ok   bool
	}{
		{"root itself", root, "", false},
		{"first level", filepath.Join(root, "a"), filepath.Join(root, "a"), true},
		{"second level", filepath.Join(root, "a", "b"), filepath.Join(root, "a", "b"), true},
		{"below depth maps up", filepath.Join(root, "a", "b", "c"), filepath.Join(root, "a", "b"), true},
		{"outside root", filepath.Join(os.TempDir(), "elsewhere"), "", false},
		{"hidden candidate", filepath.Join(root, "a", ".git"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := w.candidatePath(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
