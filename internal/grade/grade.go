// Package grade turns external oracle output into per-task verdicts.
// Grading logic itself belongs to the benchmark; graders only read what the
// oracle reported.
package grade

import (
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// Verdict is a grader's judgement of one record.
type Verdict int

const (
	Unknown Verdict = iota // the oracle has no judgement for this record
	Pass
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Grader judges a record of a task.
type Grader interface {
	Verdict(t *task.Task, rec *task.Record) Verdict
}

// Status grades nothing: every record is Unknown. Used when no oracle output
// exists yet, so comparisons report ungraded tasks as incomplete.
type Status struct{}

// Verdict always returns Unknown.
func (Status) Verdict(*task.Task, *task.Record) Verdict { return Unknown }

// ByKind routes each task to the grader for its artifact kind. Kinds without
// a grader are Unknown.
type ByKind map[task.Kind]Grader

// Verdict delegates to the grader registered for the task's kind.
func (g ByKind) Verdict(t *task.Task, rec *task.Record) Verdict {
	if gr := g[t.ArtifactKind()]; gr != nil {
		return gr.Verdict(t, rec)
	}
	return Unknown
}
