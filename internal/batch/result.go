package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/runner"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// Outcome is the per-task result of one batch.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeRunning
	OutcomeCompleted // a record was written by this batch
	OutcomeSkipped   // a record already existed
	OutcomeFailed    // the attempt produced no record
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeRunning:
		return "RUNNING"
	case OutcomeCompleted:
		return "COMPLETED"
	case OutcomeSkipped:
		return "SKIPPED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the outcome as its lowercase name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(o.String())), nil
}

// UnmarshalText decodes a lowercase outcome name.
func (o *Outcome) UnmarshalText(b []byte) error {
	for _, c := range []Outcome{OutcomePending, OutcomeRunning, OutcomeCompleted, OutcomeSkipped, OutcomeFailed} {
		if strings.EqualFold(string(b), c.String()) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

// TaskResult captures what one batch did with one task.
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Outcome   Outcome       `json:"outcome"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	LogDir    string        `json:"log_dir,omitempty"`

	// set when a record was written
	RecordStatus task.Status `json:"record_status,omitempty"`
	ExitCode     int         `json:"exit_code,omitempty"`
	CostUSD      float64     `json:"cost_usd,omitempty"`
	NumTurns     int         `json:"num_turns,omitempty"`

	// set when the attempt failed
	FailureKind runner.AttemptKind `json:"failure_kind,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Report is the outcome of one batch run.
type Report struct {
	RunID      string                 `json:"run_id"`
	Config     string                 `json:"config"`
	Agent      string                 `json:"agent"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Duration   time.Duration          `json:"duration"`
	Order      []string               `json:"order"`
	Results    map[string]*TaskResult `json:"results"`
	Total      int                    `json:"total"`
	Completed  int                    `json:"completed"`
	Skipped    int                    `json:"skipped"`
	Failed     int                    `json:"failed"`

	// why the loop ended early: "cancelled", "rate_limited" or "fatal"
	Stopped  string    `json:"stopped,omitempty"`
	ResetsAt time.Time `json:"resets_at,omitempty"`

	// tasks left in_progress by killed runs, keyed by run id
	Interrupted map[string][]string `json:"interrupted,omitempty"`

	Summary *checkpoint.Summary `json:"summary,omitempty"`
}

// Pending returns the ids of tasks the batch never reached.
func (r *Report) Pending() []string {
	var ids []string
	for _, id := range r.Order {
		if res := r.Results[id]; res != nil && res.Outcome == OutcomePending {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Report) tally() {
	r.Completed, r.Skipped, r.Failed = 0, 0, 0
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeCompleted:
			r.Completed++
		case OutcomeSkipped:
			r.Skipped++
		case OutcomeFailed:
			r.Failed++
		}
	}
}

// FatalError stops the batch: the store or the environment is unusable and
// continuing would only repeat the failure.
type FatalError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *FatalError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s (task %s): %v", e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// RateLimitError stops the batch when the agent reports its usage limit.
type RateLimitError struct {
	TaskID   string
	ResetsAt time.Time
	Err      error
}

func (e *RateLimitError) Error() string {
	msg := "agent usage limit reached at task " + e.TaskID
	if !e.ResetsAt.IsZero() {
		msg += fmt.Sprintf(" (resets at %s)", e.ResetsAt.Local().Format(time.Kitchen))
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }
