// Package watch monitors a directory for new log files and hands them
// to a conversion callback once writes have settled.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/JanSpindler/blf2mdf/pkg/log"
)

// DefaultDebounce is how long a file must stay quiet before it is
// considered fully written.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports log files appearing in one directory.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   log.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a watcher for dir.
func New(dir string, logger log.Logger) *Watcher {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Watcher{
		dir:      dir,
		debounce: DefaultDebounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Run blocks watching the directory until ctx is canceled. Every .blf
// file that appears or grows is passed to handle after its writes have
// settled. handle runs on the watcher goroutine; a slow handler delays
// later files rather than converting concurrently.
func (w *Watcher) Run(ctx context.Context, handle func(path string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}

	ready := make(chan string)
	defer w.stopTimers()

	w.logger.Info("watching for log files", log.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".blf") {
				continue
			}
			w.arm(ctx, event.Name, ready)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", log.Err(err))
		case path := <-ready:
			w.logger.Info("log file settled", log.String("file", path))
			handle(path)
		}
	}
}

// arm starts or restarts the debounce timer for one file.
func (w *Watcher) arm(ctx context.Context, path string, ready chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}
