package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/vigil/am"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, filepath.Base(ev.Path))
	}
	return out
}

func startWatcher(t *testing.T, dir string, stable time.Duration) (*Watcher, *collector) {
	t.Helper()
	c := &collector{}
	w, err := New(Options{Dirs: []string{dir}, Extensions: []string{".MKV"}, Stable: stable}, c.handle, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	return w, c
}

func TestWatcher_EmitsOnceStable(t *testing.T) {
	dir := t.TempDir()
	_, c := startWatcher(t, dir, 300*time.Millisecond)

	path := filepath.Join(dir, "stream.mkv")
	require.NoError(t, os.WriteFile(path, []byte("frames"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(c.paths()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"stream.mkv"}, c.paths())

	c.mu.Lock()
	ev := c.events[0]
	c.mu.Unlock()
	assert.Equal(t, EventFileClosed, ev.EventType)
	assert.Equal(t, int64(6), ev.Size)
	assert.Equal(t, path, ev.Data()["path"])

	time.Sleep(500 * time.Millisecond)
	assert.Len(t, c.paths(), 1, "a settled file is reported once")
}

func TestWatcher_WaitsWhileGrowing(t *testing.T) {
	dir := t.TempDir()
	w, c := startWatcher(t, dir, 400*time.Millisecond)

	path := filepath.Join(dir, "live.mkv")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.Write([]byte("chunk"))
		require.NoError(t, err)
		time.Sleep(150 * time.Millisecond)
	}
	assert.Empty(t, c.paths(), "still being written")
	assert.Equal(t, 1, w.Pending())
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(c.paths()) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_RemovedFileDropped(t *testing.T) {
	dir := t.TempDir()
	w, c := startWatcher(t, dir, 500*time.Millisecond)

	path := filepath.Join(dir, "oops.mkv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.Eventually(t, func() bool { return w.Pending() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool { return w.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(700 * time.Millisecond)
	assert.Empty(t, c.paths())
}

func TestNew_MissingDir(t *testing.T) {
	_, err := New(Options{Dirs: []string{filepath.Join(t.TempDir(), "nope")}}, func(context.Context, Event) {}, nil)
	assert.Error(t, err)
}

func TestOptionsFrom(t *testing.T) {
	o := OptionsFrom(am.WatchConfig{Dirs: []string{"/rec"}, Extensions: []string{".mkv"}, StableSeconds: 5})
	assert.Equal(t, 5*time.Second, o.Stable)
	assert.Equal(t, []string{"/rec"}, o.Dirs)
}
