package reporter

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/johnwbyrd/comprehend-benchmark/internal/batch"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	skipStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // gray
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pauseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

type tickMsg time.Time

// reservedLines are the rows View spends outside the task list: title,
// progress, blank and help.
const reservedLines = 4

// window is the visible slice of the task list. Offset is kept within
// [0, total-size].
type window struct {
	offset int
	size   int
	total  int
}

func (w *window) resize(height, total int) {
	w.size = max(height-reservedLines, 3)
	w.total = total
	w.move(0)
}

func (w *window) move(delta int) {
	w.offset = max(0, min(w.offset+delta, w.last()))
}

func (w *window) last() int { return max(0, w.total-w.size) }

func (w window) bounds() (start, end int) {
	start = min(w.offset, w.total)
	return start, min(start+w.size, w.total)
}

// TUIModel is the Bubbletea model for the live batch display.
type TUIModel struct {
	progress  *Progress
	cancelRun func() // stops the batch when the user quits

	order   []string
	results map[string]*batch.TaskResult
	view    window
	paused  bool
	frame   int
	width   int
	height  int
	done    bool
}

// NewTUIModel creates a TUI model showing progress.
func NewTUIModel(progress *Progress, cancelRun func()) TUIModel {
	m := TUIModel{
		progress:  progress,
		cancelRun: cancelRun,
		order:     progress.Order(),
		results:   progress.Snapshot(),
	}
	m.view.resize(0, len(m.order))
	return m
}

func (m TUIModel) Init() tea.Cmd { return refresh() }

func refresh() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.resize(m.height, len(m.order))
	case tickMsg:
		m.frame++
		if !m.paused {
			m.order = m.progress.Order()
			m.results = m.progress.Snapshot()
			m.view.resize(m.height, len(m.order))
		}
		return m, refresh()
	case tea.KeyMsg:
		return m.handleKey(msg.String())
	}
	return m, nil
}

func (m TUIModel) handleKey(key string) (tea.Model, tea.Cmd) {
	page := m.view.size
	switch key {
	case "q", "ctrl+c":
		if m.cancelRun != nil {
			m.cancelRun()
		}
		m.done = true
		return m, tea.Quit
	case "p", " ":
		m.paused = !m.paused
	case "j", "down":
		m.view.move(1)
	case "k", "up":
		m.view.move(-1)
	case "pgdown", "f":
		m.view.move(page)
	case "pgup", "b":
		m.view.move(-page)
	case "g", "home":
		m.view.offset = 0
	case "G", "end":
		m.view.offset = m.view.last()
	}
	return m, nil
}

func (m TUIModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := fmt.Sprintf("%s: %d tasks", m.progress.Title(), len(m.order))
	if m.paused {
		title += "  " + pauseStyle.Render("⏸ PAUSED")
	}
	out := []string{headerStyle.Render(title), m.progressLine(tally(m.results))}

	lines := m.buildTaskLines()
	start, end := m.view.bounds()
	if start > 0 {
		out = append(out, dimStyle.Render(fmt.Sprintf("  ↑ %d above", start)))
	}
	out = append(out, lines[start:end]...)
	if end < len(lines) {
		out = append(out, dimStyle.Render(fmt.Sprintf("  ↓ %d below", len(lines)-end)))
	}
	for len(out) < m.height-1 {
		out = append(out, "")
	}
	out = append(out, helpStyle.Render("  j/k pgup/pgdn: scroll  g/G: top/bottom  p: pause  q: stop batch"))
	return strings.Join(out, "\n")
}

// buildTaskLines orders failed, running, done, skipped, then queued.
func (m TUIModel) buildTaskLines() []string {
	failed, running, done, skipped, queued := group(m.order, m.results)
	spinner := spinnerFrames[m.frame%len(spinnerFrames)]

	lines := make([]string, 0, len(m.order))
	for _, res := range failed {
		lines = append(lines, failedStyle.Render(fmt.Sprintf("  ✗ %-12s %-40s %s",
			failureLabel(res), res.TaskID, truncate(res.Error, 40))))
	}
	for _, res := range running {
		elapsed := time.Since(res.StartedAt).Truncate(time.Second)
		lines = append(lines, runStyle.Render(fmt.Sprintf("  %s %-12s %-40s %s", spinner, "running", res.TaskID, elapsed)))
	}
	for _, res := range done {
		lines = append(lines, doneStyle.Render(fmt.Sprintf("  ✓ %-12s %-40s %s  %s  $%.2f  %d turns",
			"done", res.TaskID, res.Duration.Truncate(time.Second), res.RecordStatus, res.CostUSD, res.NumTurns)))
	}
	for _, res := range skipped {
		lines = append(lines, skipStyle.Render(fmt.Sprintf("  ⊘ %-12s %s", "skipped", res.TaskID)))
	}
	for _, res := range queued {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("  ─ %-12s %s", "queued", res.TaskID)))
	}
	return lines
}

func (m TUIModel) progressLine(c counts) string {
	var parts []string
	if c.done > 0 {
		parts = append(parts, doneStyle.Render(fmt.Sprintf("%d done", c.done)))
	}
	if c.running > 0 {
		parts = append(parts, runStyle.Render(fmt.Sprintf("%d running", c.running)))
	}
	if c.failed > 0 {
		parts = append(parts, failedStyle.Render(fmt.Sprintf("%d failed", c.failed)))
	}
	if c.skipped > 0 {
		parts = append(parts, skipStyle.Render(fmt.Sprintf("%d skipped", c.skipped)))
	}
	if c.queued > 0 {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("%d queued", c.queued)))
	}
	return fmt.Sprintf("  %s", strings.Join(parts, "  "))
}
