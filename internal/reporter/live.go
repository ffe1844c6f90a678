package reporter

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/johnwbyrd/comprehend-benchmark/internal/batch"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const maxTaskLines = 20

// LiveReporter provides a live-updating terminal display during a batch.
type LiveReporter struct {
	w         io.Writer
	color     bool
	progress  *Progress
	stop      chan struct{}
	done      chan struct{}
	lastLines int
	frame     int
	mu        sync.Mutex
}

// NewLiveReporter creates a live reporter that polls progress.
func NewLiveReporter(w io.Writer, color bool, progress *Progress) *LiveReporter {
	return &LiveReporter{
		w:        w,
		color:    color,
		progress: progress,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic refresh loop.
func (lr *LiveReporter) Start() {
	go lr.loop()
}

// Stop halts the refresh loop and clears the live display.
func (lr *LiveReporter) Stop() {
	close(lr.stop)
	<-lr.done
	lr.clearLastFrame()
}

func (lr *LiveReporter) loop() {
	defer close(lr.done)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-lr.stop:
			return
		case <-ticker.C:
			lr.render()
		}
	}
}

func (lr *LiveReporter) clearLastFrame() {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.lastLines > 0 {
		fmt.Fprintf(lr.w, "\033[%dA", lr.lastLines)
		for i := 0; i < lr.lastLines; i++ {
			fmt.Fprintf(lr.w, "\033[K\n")
		}
		fmt.Fprintf(lr.w, "\033[%dA", lr.lastLines)
	}
}

func (lr *LiveReporter) render() {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	lines := lr.buildLines(lr.progress.Order(), lr.progress.Snapshot())

	// move cursor up to overwrite previous frame
	if lr.lastLines > 0 {
		fmt.Fprintf(lr.w, "\033[%dA", lr.lastLines)
	}
	for _, line := range lines {
		fmt.Fprintf(lr.w, "\033[K%s\n", line)
	}

	lr.lastLines = len(lines)
	lr.frame++
}

// Render produces the display lines for the current progress.
// Exported for testing.
func (lr *LiveReporter) Render() []string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.buildLines(lr.progress.Order(), lr.progress.Snapshot())
}

func (lr *LiveReporter) buildLines(order []string, results map[string]*batch.TaskResult) []string {
	failed, running, completed, skipped, queued := group(order, results)

	// most recent first
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].EndedAt.After(completed[j].EndedAt)
	})

	spinner := spinnerFrames[lr.frame%len(spinnerFrames)]

	var lines []string
	lines = append(lines, fmt.Sprintf("%s: %d tasks", lr.progress.Title(), len(order)))
	lines = append(lines, "")

	taskLines := 0
	for _, res := range failed {
		if taskLines >= maxTaskLines {
			break
		}
		lines = append(lines, lr.formatFailed(res))
		taskLines++
	}
	for _, res := range running {
		if taskLines >= maxTaskLines {
			break
		}
		lines = append(lines, lr.formatRunning(res, spinner))
		taskLines++
	}

	shownCompleted := 0
	for _, res := range completed {
		if taskLines >= maxTaskLines {
			break
		}
		lines = append(lines, lr.formatCompleted(res))
		taskLines++
		shownCompleted++
	}
	if remaining := len(completed) - shownCompleted; remaining > 0 {
		lines = append(lines, fmt.Sprintf("  %s... %d more completed%s", lr.c(colorDim), remaining, lr.c(colorReset)))
	}
	if len(skipped) > 0 {
		lines = append(lines, fmt.Sprintf("  %s⊘ %-10s %d tasks already recorded%s", lr.c(colorDim), "skipped", len(skipped), lr.c(colorReset)))
	}

	shownQueued := 0
	for _, res := range queued {
		if taskLines >= maxTaskLines {
			break
		}
		lines = append(lines, fmt.Sprintf("  %s─ %-10s %s%s", lr.c(colorDim), "queued", res.TaskID, lr.c(colorReset)))
		taskLines++
		shownQueued++
	}
	if remaining := len(queued) - shownQueued; remaining > 0 {
		lines = append(lines, fmt.Sprintf("  %s─ queued     %d more tasks%s", lr.c(colorDim), remaining, lr.c(colorReset)))
	}

	lines = append(lines, "")
	lines = append(lines, lr.progressLine(tally(results)))
	return lines
}

func (lr *LiveReporter) formatFailed(res *batch.TaskResult) string {
	return fmt.Sprintf("  %s✗ %-10s %-40s %s%s",
		lr.c(colorRed), failureLabel(res), res.TaskID, truncate(res.Error, 120), lr.c(colorReset))
}

func (lr *LiveReporter) formatRunning(res *batch.TaskResult, spinner string) string {
	elapsed := time.Since(res.StartedAt).Truncate(time.Second)
	return fmt.Sprintf("  %s%s %-10s %-40s %s%s",
		lr.c(colorCyan), spinner, "running", res.TaskID, elapsed, lr.c(colorReset))
}

func (lr *LiveReporter) formatCompleted(res *batch.TaskResult) string {
	dur := res.Duration.Truncate(time.Second)
	return fmt.Sprintf("  %s✓ %-10s %-40s %s  %s  $%.2f%s",
		lr.c(colorGreen), "done", res.TaskID, dur, res.RecordStatus, res.CostUSD, lr.c(colorReset))
}

func (lr *LiveReporter) progressLine(c counts) string {
	parts := []string{}
	if c.done > 0 {
		parts = append(parts, fmt.Sprintf("%s%d done%s", lr.c(colorGreen), c.done, lr.c(colorReset)))
	}
	if c.running > 0 {
		parts = append(parts, fmt.Sprintf("%s%d running%s", lr.c(colorCyan), c.running, lr.c(colorReset)))
	}
	if c.failed > 0 {
		parts = append(parts, fmt.Sprintf("%s%d failed%s", lr.c(colorRed), c.failed, lr.c(colorReset)))
	}
	if c.skipped > 0 {
		parts = append(parts, fmt.Sprintf("%s%d skipped%s", lr.c(colorYellow), c.skipped, lr.c(colorReset)))
	}
	if c.queued > 0 {
		parts = append(parts, fmt.Sprintf("%s%d queued%s", lr.c(colorDim), c.queued, lr.c(colorReset)))
	}
	return fmt.Sprintf("  progress: %s", strings.Join(parts, ", "))
}

func (lr *LiveReporter) c(code string) string {
	if !lr.color {
		return ""
	}
	return code
}

// failureLabel names why an attempt produced no record.
func failureLabel(res *batch.TaskResult) string {
	if res.FailureKind == "" {
		return "FAILED"
	}
	return string(res.FailureKind)
}
