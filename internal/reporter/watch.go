package reporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

const watchDebounce = 200 * time.Millisecond

// RecordWatcher follows a file store's records directory and prints each
// record as it is published, with running counts. It only reads; a running
// batch is never disturbed.
type RecordWatcher struct {
	w       io.Writer
	color   bool
	dir     string
	targets map[string]bool // expected tasks, empty when unknown

	// OnChange runs after each debounced change, e.g. to rebuild the index.
	OnChange func()

	mu       sync.Mutex
	records  map[string]*task.Record
	recorded int // records of target tasks
	complete chan struct{}
	once     sync.Once
}

// NewRecordWatcher watches dir. When targets are given the watch ends once
// each of them is recorded; records of other tasks are shown but not
// counted towards the total.
func NewRecordWatcher(w io.Writer, color bool, dir string, targets []string) *RecordWatcher {
	rw := &RecordWatcher{
		w:        w,
		color:    color,
		dir:      dir,
		targets:  make(map[string]bool, len(targets)),
		records:  make(map[string]*task.Record),
		complete: make(chan struct{}),
	}
	for _, id := range targets {
		rw.targets[id] = true
	}
	return rw
}

// Count returns how many records have been seen.
func (rw *RecordWatcher) Count() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return len(rw.records)
}

// Run prints the records already present, then follows new ones until ctx
// is cancelled or every expected task is recorded.
func (rw *RecordWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(rw.dir, 0o755); err != nil {
		return fmt.Errorf("create records dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(rw.dir); err != nil {
		return fmt.Errorf("watch dir: %w", err)
	}
	slog.Info("watching records", "dir", rw.dir)

	// scan after Add so nothing published in between is missed
	entries, err := os.ReadDir(rw.dir)
	if err != nil {
		return fmt.Errorf("read records dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && checkpoint.IsRecordFile(e.Name()) {
			rw.load(filepath.Join(rw.dir, e.Name()), false)
		}
	}
	rw.printCounts()

	// debounced loads run on timer goroutines; Run waits for them so
	// nothing is printed or rebuilt after it returns
	var (
		mu       sync.Mutex
		inflight sync.WaitGroup
		pending  = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			if t.Stop() {
				inflight.Done()
			}
		}
		mu.Unlock()
		inflight.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-rw.complete:
			fmt.Fprintf(rw.w, "\n%sall %d tasks recorded%s\n", rw.c(colorGreen), len(rw.targets), rw.c(colorReset))
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !checkpoint.IsRecordFile(filepath.Base(event.Name)) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
				continue
			}

			path := event.Name
			mu.Lock()
			if t, exists := pending[path]; exists && t.Stop() {
				inflight.Done()
			}
			var timer *time.Timer
			inflight.Add(1)
			timer = time.AfterFunc(watchDebounce, func() {
				defer inflight.Done()
				rw.load(path, true)
				if rw.OnChange != nil {
					rw.OnChange()
				}
				mu.Lock()
				if pending[path] == timer {
					delete(pending, path)
				}
				mu.Unlock()
			})
			pending[path] = timer
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

// load reads one record file, or forgets it when it was removed.
func (rw *RecordWatcher) load(path string, announce bool) {
	id := strings.TrimSuffix(filepath.Base(path), ".json")

	rec, err := checkpoint.ReadRecordFile(path)
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, ok := rw.records[id]; ok {
				delete(rw.records, id)
				if rw.targets[id] {
					rw.recorded--
				}
				if announce {
					fmt.Fprintf(rw.w, "  %s- %-40s removed%s\n", rw.c(colorYellow), id, rw.c(colorReset))
				}
			}
			return
		}
		slog.Warn("unreadable record", "file", path, "error", err)
		return
	}
	if _, seen := rw.records[id]; seen {
		return
	}
	rw.records[id] = rec
	if rw.targets[id] {
		rw.recorded++
	}
	if announce {
		rw.printRecordLocked(rec)
	}
	if len(rw.targets) > 0 && rw.recorded == len(rw.targets) {
		rw.once.Do(func() { close(rw.complete) })
	}
}

func (rw *RecordWatcher) printRecordLocked(rec *task.Record) {
	color, icon := colorGreen, "✓"
	if rec.Status.ToolFailure() {
		color, icon = colorRed, "✗"
	}
	fmt.Fprintf(rw.w, "  %s%s %-40s %-10s%s %6.0fs  $%.2f  %s\n",
		rw.c(color), icon, rec.TaskID, rec.Status, rw.c(colorReset),
		rec.WallTimeSeconds, rec.Cost(), rw.countsLocked())
}

func (rw *RecordWatcher) printCounts() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	fmt.Fprintf(rw.w, "%s%s%s\n", rw.c(colorCyan), rw.countsLocked(), rw.c(colorReset))
}

func (rw *RecordWatcher) countsLocked() string {
	var failures int
	for _, rec := range rw.records {
		if rec.Status.ToolFailure() {
			failures++
		}
	}
	if len(rw.targets) > 0 {
		return fmt.Sprintf("[%d/%d recorded, %d tool failures]", rw.recorded, len(rw.targets), failures)
	}
	return fmt.Sprintf("[%d recorded, %d tool failures]", len(rw.records), failures)
}

func (rw *RecordWatcher) c(code string) string {
	if !rw.color {
		return ""
	}
	return code
}
