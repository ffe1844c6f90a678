package reporter

import (
	"sync"

	"github.com/johnwbyrd/comprehend-benchmark/internal/batch"
)

// Progress collects batch updates for the live displays. It is safe for
// concurrent use: the batch writes, the display goroutine reads.
type Progress struct {
	mu      sync.Mutex
	title   string
	order   []string
	results map[string]*batch.TaskResult
}

// NewProgress starts every task in order as pending.
func NewProgress(title string, order []string) *Progress {
	p := &Progress{
		title:   title,
		order:   append([]string(nil), order...),
		results: make(map[string]*batch.TaskResult, len(order)),
	}
	for _, id := range order {
		p.results[id] = &batch.TaskResult{TaskID: id, Outcome: batch.OutcomePending}
	}
	return p
}

// Update records the latest state of a task. It matches batch.Runner.OnUpdate.
func (p *Progress) Update(id string, res *batch.TaskResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.results[id]; !ok {
		p.order = append(p.order, id)
	}
	cpy := *res
	p.results[id] = &cpy
}

// Snapshot returns a copy of every task's current state.
func (p *Progress) Snapshot() map[string]*batch.TaskResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*batch.TaskResult, len(p.results))
	for id, res := range p.results {
		cpy := *res
		out[id] = &cpy
	}
	return out
}

// Order returns task ids in batch order.
func (p *Progress) Order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Title is the display heading.
func (p *Progress) Title() string { return p.title }

// counts tallies a snapshot by outcome.
type counts struct {
	done, running, failed, skipped, queued int
}

func tally(results map[string]*batch.TaskResult) counts {
	var c counts
	for _, res := range results {
		switch res.Outcome {
		case batch.OutcomeCompleted:
			c.done++
		case batch.OutcomeRunning:
			c.running++
		case batch.OutcomeFailed:
			c.failed++
		case batch.OutcomeSkipped:
			c.skipped++
		default:
			c.queued++
		}
	}
	return c
}

// group splits a snapshot by outcome, keeping batch order within each group.
func group(order []string, results map[string]*batch.TaskResult) (failed, running, done, skipped, queued []*batch.TaskResult) {
	for _, id := range order {
		res := results[id]
		if res == nil {
			continue
		}
		switch res.Outcome {
		case batch.OutcomeFailed:
			failed = append(failed, res)
		case batch.OutcomeRunning:
			running = append(running, res)
		case batch.OutcomeCompleted:
			done = append(done, res)
		case batch.OutcomeSkipped:
			skipped = append(skipped, res)
		default:
			queued = append(queued, res)
		}
	}
	return
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
