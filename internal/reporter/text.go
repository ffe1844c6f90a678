package reporter

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/johnwbyrd/comprehend-benchmark/internal/batch"
	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
)

// TextReporter writes human-readable output to a writer.
type TextReporter struct {
	w     io.Writer
	color bool
}

// NewTextReporter creates a text reporter.
// If w is nil, defaults to os.Stdout.
// color enables ANSI codes.
func NewTextReporter(w io.Writer, color bool) *TextReporter {
	if w == nil {
		w = os.Stdout
	}
	return &TextReporter{w: w, color: color}
}

// PrintHeader writes the initial banner.
func (r *TextReporter) PrintHeader(exp *config.Experiment, totalTasks int) {
	fmt.Fprintf(r.w, "cbench: %s, %d tasks, %s\n\n", exp.Name, totalTasks, comprehendLabel(exp.Comprehend))
}

// PrintDryRun writes which tasks a batch would attempt without running anything.
func (r *TextReporter) PrintDryRun(exp *config.Experiment, plan []batch.PlanEntry) {
	fmt.Fprintf(r.w, "Execution plan for %s (dry-run):\n\n", exp.Name)
	run := 0
	for i, e := range plan {
		action := r.c(colorCyan) + "run " + r.c(colorReset)
		if !e.Run {
			action = r.c(colorDim) + "skip" + r.c(colorReset)
		} else {
			run++
		}
		fmt.Fprintf(r.w, "  %3d. %s  %-40s %s\n", i+1, action, e.TaskID, e.Repo)
	}
	fmt.Fprintf(r.w, "\n%d to run, %d already recorded\n", run, len(plan)-run)
}

// PrintInterrupted lists tasks that earlier runs left in progress.
func (r *TextReporter) PrintInterrupted(interrupted map[string][]string) {
	if len(interrupted) == 0 {
		return
	}
	runs := make([]string, 0, len(interrupted))
	for id := range interrupted {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	fmt.Fprintf(r.w, "%sInterrupted runs (tasks without records will run again):%s\n", r.c(colorYellow), r.c(colorReset))
	for _, id := range runs {
		fmt.Fprintf(r.w, "  %s  %s\n", id, strings.Join(interrupted[id], ", "))
	}
	fmt.Fprintln(r.w)
}

// PrintStatus writes every task of a batch report grouped by outcome.
func (r *TextReporter) PrintStatus(report *batch.Report) {
	failed, running, completed, skipped, pending := group(report.Order, report.Results)
	failed = append(failed, running...) // a running task in a final report was cut short
	total := len(report.Order)

	r.printSection("COMPLETED", colorGreen, completed, total, func(res *batch.TaskResult) string {
		dur := res.Duration.Truncate(time.Second)
		return fmt.Sprintf("    %-40s %-10s %8s  $%.2f  %d turns",
			res.TaskID, res.RecordStatus, dur, res.CostUSD, res.NumTurns)
	})

	r.printSection("FAILED", colorRed, failed, total, func(res *batch.TaskResult) string {
		dur := res.Duration.Truncate(time.Second)
		kind := string(res.FailureKind)
		if kind == "" {
			kind = "error"
		}
		return fmt.Sprintf("    %-40s %-12s %8s  ✗ %s", res.TaskID, kind, dur, truncate(res.Error, 160))
	})

	if len(skipped) > 0 {
		fmt.Fprintf(r.w, "  %sSKIPPED  [%d/%d]%s\n", r.c(colorYellow), len(skipped), total, r.c(colorReset))
		for _, res := range skipped {
			fmt.Fprintf(r.w, "    %s%-40s%s  (already recorded)\n", r.c(colorDim), res.TaskID, r.c(colorReset))
		}
		fmt.Fprintln(r.w)
	}

	if len(pending) > 0 {
		fmt.Fprintf(r.w, "  %sNOT REACHED  [%d/%d]%s\n", r.c(colorDim), len(pending), total, r.c(colorReset))
		for _, res := range pending {
			fmt.Fprintf(r.w, "    %s%s%s\n", r.c(colorDim), res.TaskID, r.c(colorReset))
		}
		fmt.Fprintln(r.w)
	}
}

// PrintSummary writes the final summary line.
func (r *TextReporter) PrintSummary(report *batch.Report) {
	fmt.Fprintf(r.w, "\n%s--- Summary ---%s\n", r.c(colorCyan), r.c(colorReset))
	fmt.Fprintf(r.w, "Total: %d  ", report.Total)
	fmt.Fprintf(r.w, "%sCompleted: %d%s  ", r.c(colorGreen), report.Completed, r.c(colorReset))
	fmt.Fprintf(r.w, "%sFailed: %d%s  ", r.c(colorRed), report.Failed, r.c(colorReset))
	fmt.Fprintf(r.w, "%sSkipped: %d%s  ", r.c(colorYellow), report.Skipped, r.c(colorReset))
	if n := len(report.Pending()); n > 0 {
		fmt.Fprintf(r.w, "Not reached: %d  ", n)
	}
	fmt.Fprintf(r.w, "Duration: %s", report.Duration.Truncate(time.Second))
	if report.Stopped == "rate_limited" && !report.ResetsAt.IsZero() {
		if remaining := time.Until(report.ResetsAt).Truncate(time.Minute); remaining > 0 {
			fmt.Fprintf(r.w, "  (usage resets in %s)", remaining)
		}
	}
	fmt.Fprintln(r.w)
	if msg := report.ErrorSummary(); msg != "" {
		fmt.Fprintf(r.w, "%s%s%s\n", r.c(colorYellow), msg, r.c(colorReset))
	}
	if s := report.Summary; s != nil {
		fmt.Fprintf(r.w, "Records for %s: %d (%d succeeded, %d no output, %d malformed), cost $%.2f\n",
			s.Config, s.Total, s.Succeeded, s.NoOutput, s.Malformed, s.TotalCostUSD)
	}
}

// PrintRecords writes one line per task of a configuration, recorded or not.
func (r *TextReporter) PrintRecords(configName string, ids []string, records map[string]*task.Record) {
	fmt.Fprintf(r.w, "%s: %d of %d tasks recorded\n\n", configName, countPresent(ids, records), len(ids))
	for _, id := range ids {
		rec := records[id]
		if rec == nil {
			fmt.Fprintf(r.w, "  %s─ %-40s %s%s\n", r.c(colorDim), id, "pending", r.c(colorReset))
			continue
		}
		color, icon := colorGreen, "✓"
		if rec.Status.ToolFailure() {
			color, icon = colorRed, "✗"
		}
		diff := ""
		if rec.DiffStats != nil {
			diff = fmt.Sprintf("  %d files +%d -%d", rec.DiffStats.Files, rec.DiffStats.Added, rec.DiffStats.Removed)
		}
		fmt.Fprintf(r.w, "  %s%s %-40s %-10s%s %7.0fs  $%.2f  %3d turns  exit %d%s\n",
			r.c(color), icon, id, rec.Status, r.c(colorReset),
			rec.WallTimeSeconds, rec.Cost(), rec.NumTurns, rec.ExitCode, diff)
	}
}

func countPresent(ids []string, records map[string]*task.Record) int {
	n := 0
	for _, id := range ids {
		if records[id] != nil {
			n++
		}
	}
	return n
}

func (r *TextReporter) printSection(label, color string, items []*batch.TaskResult, total int, formatter func(*batch.TaskResult) string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(r.w, "  %s%s  [%d/%d]%s\n", r.c(color), label, len(items), total, r.c(colorReset))
	for _, res := range items {
		fmt.Fprintln(r.w, formatter(res))
	}
	fmt.Fprintln(r.w)
}

func (r *TextReporter) c(code string) string {
	if !r.color {
		return ""
	}
	return code
}

func comprehendLabel(on bool) string {
	if on {
		return "comprehend on"
	}
	return "comprehend off"
}
