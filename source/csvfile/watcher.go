package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"conveyor/internal/logging"
)

// watcher surfaces candidate files from the input directory: an initial
// scan, fsnotify create/rename events, and a periodic rescan as the
// backstop for missed events. Paths are emitted every time they are seen;
// the driver dedupes by content hash and lease.
type watcher struct {
	dir      string
	pattern  string
	interval time.Duration
	out      chan string
}

func newWatcher(dir, pattern string, interval time.Duration) *watcher {
	return &watcher{dir: dir, pattern: pattern, interval: interval, out: make(chan string)}
}

func (w *watcher) run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return err
	}

	w.scan(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.scan(ctx)
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.offer(ctx, ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.L().Warn("csvfile: watch error", "dir", w.dir, "err", err)
		}
	}
}

func (w *watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logging.L().Warn("csvfile: scan failed", "dir", w.dir, "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.offer(ctx, filepath.Join(w.dir, e.Name()))
	}
}

func (w *watcher) offer(ctx context.Context, path string) {
	ok, err := filepath.Match(w.pattern, filepath.Base(path))
	if err != nil || !ok {
		return
	}
	select {
	case w.out <- path:
	case <-ctx.Done():
	}
}
