// Package runner performs single agent attempts against a prepared workspace.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// ErrNoOutput is wrapped by attempts whose agent wrote nothing to stdout.
var ErrNoOutput = errors.New("agent produced no output")

// Agent performs one attempt and returns exactly one record, or an error and
// no record. Implementations: ClaudeRunner.
type Agent interface {
	Name() string
	Attempt(ctx context.Context, req Request) (*task.Record, error)
}

// Workspace is the checkout an attempt runs in.
type Workspace interface {
	Dir() string
	Diff(ctx context.Context, excludes ...string) (string, error)
}

// Request carries everything one attempt needs.
type Request struct {
	Experiment *config.Experiment
	Task       *task.Task
	Workspace  Workspace
	LogDir     string // stdout.jsonl and stderr.log land here
	RunID      string
}

// AttemptKind classifies an attempt that produced no record.
type AttemptKind string

const (
	KindStart       AttemptKind = "start"
	KindSetup       AttemptKind = "setup"
	KindNoOutput    AttemptKind = "no_output"
	KindTimeout     AttemptKind = "timeout"
	KindCrashed     AttemptKind = "crashed" // killed by a signal before reporting a result
	KindRateLimited AttemptKind = "rate_limited"
	KindCancelled   AttemptKind = "cancelled"
	KindWorkspace   AttemptKind = "workspace"
)

// AttemptError is returned when an attempt ends without a record. The task
// runs again on the next batch.
type AttemptError struct {
	TaskID   string
	Kind     AttemptKind
	ExitCode int
	Stderr   string    // tail of the agent's stderr
	ResetsAt time.Time // set for KindRateLimited when the agent reported it
	Err      error
}

func (e *AttemptError) Error() string {
	msg := fmt.Sprintf("attempt %s: %s", e.TaskID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += "\nstderr: " + e.Stderr
	}
	return msg
}

func (e *AttemptError) Unwrap() error { return e.Err }
