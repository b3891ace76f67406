// Package watch turns filesystem activity into file_closed events. A file is
// reported once its size and mtime have not changed for the stability window.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/sym"
)

// EventFileClosed is the only event type the watcher emits.
const EventFileClosed = "file_closed"

// Event is a file that has stopped changing.
type Event struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	MTime     time.Time `json:"mtime"`
	EventType string    `json:"event_type"`
}

// Data renders the event as rule-engine event data.
func (e Event) Data() map[string]interface{} {
	return map[string]interface{}{
		"path":  e.Path,
		"size":  e.Size,
		"mtime": e.MTime,
	}
}

// Handler receives stable files.
type Handler func(ctx context.Context, ev Event)

// Options configures a Watcher.
type Options struct {
	Dirs       []string
	Extensions []string // lowercase with dot; empty = every file
	Stable     time.Duration
}

// OptionsFrom reads the watch section.
func OptionsFrom(c am.WatchConfig) Options {
	return Options{
		Dirs:       c.Dirs,
		Extensions: c.Extensions,
		Stable:     time.Duration(c.StableSeconds) * time.Second,
	}
}

type pending struct {
	size    int64
	mtime   time.Time
	changed time.Time
}

// Watcher tracks candidate files until they settle.
type Watcher struct {
	opts    Options
	handler Handler
	log     *zap.SugaredLogger
	fs      *fsnotify.Watcher
	timeNow func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher over opts.Dirs. Directories must exist.
func New(opts Options, handler Handler, log *zap.SugaredLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	for _, dir := range opts.Dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", dir)
		}
	}
	exts := make([]string, len(opts.Extensions))
	for i, e := range opts.Extensions {
		exts[i] = strings.ToLower(e)
	}
	opts.Extensions = exts

	return &Watcher{
		opts:    opts,
		handler: handler,
		log:     logger.AddComponent(log, "watch"),
		fs:      fw,
		timeNow: time.Now,
		pending: map[string]*pending{},
		done:    make(chan struct{}),
	}, nil
}

// Start runs the event and settle loops until Stop or ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(2)
	go w.eventLoop()
	go w.settleLoop(ctx)
	w.log.Infow("Watching for finished files",
		"dirs", w.opts.Dirs,
		"stable", w.opts.Stable,
		logger.FieldSymbol, sym.Watch)
}

// Stop ends watching. Files still settling are dropped.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

// Pending returns how many files are waiting to settle.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.observe(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Watcher error", logger.FieldError, err)
		}
	}
}

func (w *Watcher) observe(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !w.wanted(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok && p.size == info.Size() && p.mtime.Equal(info.ModTime()) {
		return
	}
	w.pending[path] = &pending{size: info.Size(), mtime: info.ModTime(), changed: w.timeNow()}
}

func (w *Watcher) wanted(path string) bool {
	if strings.HasSuffix(path, ".tags") {
		return false
	}
	if len(w.opts.Extensions) == 0 {
		return true
	}
	return slices.Contains(w.opts.Extensions, strings.ToLower(filepath.Ext(path)))
}

func (w *Watcher) settleLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := w.opts.Stable / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range w.settled() {
				w.log.Infow("File closed",
					logger.FieldPath, ev.Path,
					"size", ev.Size,
					logger.FieldSymbol, sym.Watch)
				w.handler(ctx, ev)
			}
		}
	}
}

// settled re-stats pending files and returns the ones that held still for
// the whole window.
func (w *Watcher) settled() []Event {
	now := w.timeNow()
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Event
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.size || !info.ModTime().Equal(p.mtime) {
			p.size, p.mtime, p.changed = info.Size(), info.ModTime(), now
			continue
		}
		if now.Sub(p.changed) < w.opts.Stable {
			continue
		}
		delete(w.pending, path)
		out = append(out, Event{Path: path, Size: p.size, MTime: p.mtime, EventType: EventFileClosed})
	}
	return out
}
