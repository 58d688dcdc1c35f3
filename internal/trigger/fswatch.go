// Package trigger feeds external events into the execution engine.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Firer is the slice of the engine a trigger source needs.
type Firer interface {
	FireTrigger(ctx context.Context, source string, vars map[string]any) (int, error)
}

// Watch binds one directory to a trigger source name.
type Watch struct {
	Source string
	Dir    string
}

// ParseWatches parses a comma-separated list of source=dir entries.
func ParseWatches(raw string) ([]Watch, error) {
	var watches []Watch
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		source, dir, ok := strings.Cut(entry, "=")
		if !ok || source == "" || dir == "" {
			return nil, fmt.Errorf("invalid watch entry %q, want source=dir", entry)
		}
		watches = append(watches, Watch{Source: source, Dir: filepath.Clean(dir)})
	}
	return watches, nil
}

// Watcher fires trigger tasks when files change under watched
// directories. Bursty writes to the same file are collapsed by a short
// debounce; the engine's per-source limiter bounds the overall rate.
type Watcher struct {
	engine   Firer
	logger   *slog.Logger
	watches  []Watch
	debounce time.Duration
}

func NewWatcher(engine Firer, watches []Watch, logger *slog.Logger) *Watcher {
	return &Watcher{
		engine:   engine,
		logger:   logger,
		watches:  watches,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	sources := make(map[string]string, len(w.watches))
	for _, watch := range w.watches {
		if err := fw.Add(watch.Dir); err != nil {
			return fmt.Errorf("watch %s: %w", watch.Dir, err)
		}
		sources[watch.Dir] = watch.Source
		w.logger.Info("watching directory", "dir", watch.Dir, "source", watch.Source)
	}

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	schedule := func(source, path, op string) {
		mu.Lock()
		defer mu.Unlock()
		key := source + "|" + path
		if t, ok := timers[key]; ok {
			t.Stop()
		}
		timers[key] = time.AfterFunc(w.debounce, func() {
			mu.Lock()
			delete(timers, key)
			mu.Unlock()
			n, err := w.engine.FireTrigger(ctx, source, map[string]any{"path": path, "op": op})
			if err != nil {
				w.logger.Warn("fire trigger", "source", source, "path", path, "err", err)
				return
			}
			if n > 0 {
				w.logger.Info("trigger fired", "source", source, "path", path, "tasks", n)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			source, bound := sources[filepath.Dir(ev.Name)]
			if !bound {
				continue
			}
			schedule(source, ev.Name, ev.Op.String())
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				w.logger.Warn("fs watch error", "err", err)
			}
		}
	}
}
