package reporter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/johnwbyrd/comprehend-benchmark/internal/compare"
)

// maxDeltaRows caps the cost-delta listing.
const maxDeltaRows = 10

// PrintComparison writes the paired comparison: bucket counts, per-arm
// totals, the most expensive deltas and any incomplete tasks.
func (r *TextReporter) PrintComparison(res *compare.Result) {
	fmt.Fprintf(r.w, "%s%s vs %s%s, %d tasks\n\n", r.c(colorCyan), res.Baseline, res.Candidate, r.c(colorReset), len(res.Rows))

	if len(res.Mismatch) > 0 {
		fmt.Fprintf(r.w, "%sConfigurations differ beyond the comprehend flag:%s\n", r.c(colorYellow), r.c(colorReset))
		for _, m := range res.Mismatch {
			fmt.Fprintf(r.w, "  %s\n", m)
		}
		fmt.Fprintln(r.w)
	}

	fmt.Fprintln(r.w, r.render(outcomeTable(res)))
	fmt.Fprintf(r.w, "Net delta (only %s - only %s): %s\n\n", res.Candidate, res.Baseline, signed(res.NetDelta))

	fmt.Fprintln(r.w, r.render(totalsTable(res)))

	if len(res.Deltas) > 0 {
		fmt.Fprintf(r.w, "\nLargest cost deltas (%s - %s):\n", res.Candidate, res.Baseline)
		n := min(len(res.Deltas), maxDeltaRows)
		for _, d := range res.Deltas[:n] {
			fmt.Fprintf(r.w, "  %-40s %-15s %+9.2f$ %+8.0fs %+5d turns\n",
				d.TaskID, d.Category, d.CostUSD, d.WallTimeSeconds, d.Turns)
		}
	}

	if ids := res.IncompleteIDs(); len(ids) > 0 {
		fmt.Fprintf(r.w, "\n%sIncomplete (%d): %s%s\n", r.c(colorYellow), len(ids), strings.Join(ids, ", "), r.c(colorReset))
	}
	for _, ex := range []struct {
		name string
		ids  []string
	}{{res.Baseline, res.ExtraneousBaseline}, {res.Candidate, res.ExtraneousCandidate}} {
		if len(ex.ids) > 0 {
			fmt.Fprintf(r.w, "%sRecords of %s outside the task set: %s%s\n",
				r.c(colorDim), ex.name, strings.Join(ex.ids, ", "), r.c(colorReset))
		}
	}
}

func outcomeTable(res *compare.Result) *table.Table {
	t := table.New().Headers("outcome", "tasks")
	for _, c := range compare.Categories {
		t.Row(string(c), strconv.Itoa(res.Counts[c]))
	}
	return t
}

func totalsTable(res *compare.Result) *table.Table {
	t := table.New().Headers("", res.Baseline, res.Candidate)
	b, c := res.BaselineTotals, res.CandidateTotals
	pb, pc := res.PairedBaseline, res.PairedCandidate
	rows := [][3]string{
		{"records", strconv.Itoa(b.Records), strconv.Itoa(c.Records)},
		{"passed", strconv.Itoa(b.Passed), strconv.Itoa(c.Passed)},
		{"failed", strconv.Itoa(b.Failed), strconv.Itoa(c.Failed)},
		{"tool failures", strconv.Itoa(b.ToolFailures), strconv.Itoa(c.ToolFailures)},
		{"ungraded", strconv.Itoa(b.Ungraded), strconv.Itoa(c.Ungraded)},
		{"missing", strconv.Itoa(b.Missing), strconv.Itoa(c.Missing)},
		{"wall time", seconds(b.WallTimeSeconds), seconds(c.WallTimeSeconds)},
		{"cost", dollars(b.CostUSD), dollars(c.CostUSD)},
		{"turns", strconv.Itoa(b.Turns), strconv.Itoa(c.Turns)},
		{"paired cost", dollars(pb.CostUSD), dollars(pc.CostUSD)},
		{"paired wall time", seconds(pb.WallTimeSeconds), seconds(pc.WallTimeSeconds)},
	}
	for _, row := range rows {
		t.Row(row[0], row[1], row[2])
	}
	return t
}

// render styles a table, with color only when the reporter uses color.
func (r *TextReporter) render(t *table.Table) string {
	t.Border(lipgloss.NormalBorder())
	if r.color {
		t.BorderStyle(dimStyle).StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true)
			}
			return s
		})
	} else {
		t.StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})
	}
	return t.String()
}

func signed(n int) string {
	if n > 0 {
		return "+" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

func dollars(v float64) string { return fmt.Sprintf("$%.2f", v) }

func seconds(v float64) string { return fmt.Sprintf("%.0fs", v) }
