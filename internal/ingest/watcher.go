package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window between a file write and its import, so we import
// once per burst of appends rather than per line.
const watchDebounce = 2 * time.Second

// Watcher observes the logs root and triggers single-file imports when
// .jsonl files appear or grow.
type Watcher struct {
	coord  *Coordinator
	userID string
	logger *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	timers  map[string]*time.Timer
	started bool
}

func NewWatcher(coord *Coordinator, userID string, logger *slog.Logger) *Watcher {
	return &Watcher{
		coord:  coord,
		userID: userID,
		logger: logger,
		timers: map[string]*time.Timer{},
	}
}

// Start begins watching the logs root and all its subdirectories.
// Idempotent; a second call while running is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	root := w.coord.opts.LogsRoot
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = fsw.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.fsw = fsw
	w.cancel = cancel
	w.started = true
	go w.loop(runCtx)
	w.logger.Info("ingest: watcher started", "root", root)
	return nil
}

// Stop shuts the watcher down and drops pending debounce timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.cancel()
	_ = w.fsw.Close()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.started = false
	w.logger.Info("ingest: watcher stopped")
}

// Running reports whether the watcher is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("ingest: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}
	// New subdirectories need their own watch.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
			return
		}
	}
	if !strings.HasSuffix(ev.Name, ".jsonl") {
		return
	}
	w.scheduleImport(ctx, ev.Name)
}

func (w *Watcher) scheduleImport(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(watchDebounce)
		return
	}
	w.timers[path] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.importFile(ctx, path)
	})
}

func (w *Watcher) importFile(ctx context.Context, path string) {
	_, err := w.coord.Start(ctx, ImportRequest{
		UserID: w.userID,
		Files:  []string{path},
	})
	switch {
	case errors.Is(err, ErrJobRunning):
		// A manual import is in flight; the file keeps its hash and will
		// be picked up on the next change or full import.
		w.logger.Debug("ingest: watch import deferred", "path", path)
	case err != nil:
		w.logger.Warn("ingest: watch import failed", "path", path, "error", err)
	default:
		w.logger.Info("ingest: watch import started", "path", path)
	}
}
