// Package batch runs every target task of one configuration in sequence.
//
// A batch never decides from memory what to run: each task's skip check asks
// the checkpoint store, so killing a batch and starting it again resumes where
// the durable records end.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/metrics"
	"github.com/johnwbyrd/comprehend-benchmark/internal/runner"
	"github.com/johnwbyrd/comprehend-benchmark/internal/state"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
	"github.com/johnwbyrd/comprehend-benchmark/internal/workspace"
)

// Lease is a workspace held for the duration of one attempt.
type Lease interface {
	runner.Workspace
	Release()
}

// AcquireFunc prepares a clean workspace for a task.
type AcquireFunc func(ctx context.Context, t *task.Task) (Lease, error)

// GitAcquirer adapts a git workspace root to an AcquireFunc.
func GitAcquirer(g *workspace.Git) AcquireFunc {
	return func(ctx context.Context, t *task.Task) (Lease, error) {
		ws, err := g.Acquire(ctx, t)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}

// Runner drives one configuration over a target set.
type Runner struct {
	Store      checkpoint.Store
	Agent      runner.Agent
	Acquire    AcquireFunc
	Experiment *config.Experiment
	ResultsDir string         // <results>/<config>: index, logs, run journals
	Metrics    *metrics.Batch // optional

	// OnUpdate receives a copy of a task's result on every state change.
	OnUpdate func(id string, res *TaskResult)
}

// RunsDir returns where run journals are kept.
func (r *Runner) RunsDir() string { return filepath.Join(r.ResultsDir, "runs") }

// LogDir returns where a task's agent logs are kept.
func (r *Runner) LogDir(taskID string) string {
	return filepath.Join(r.ResultsDir, "logs", taskID)
}

func (r *Runner) check() error {
	switch {
	case r.Store == nil:
		return errors.New("batch: store is required")
	case r.Agent == nil:
		return errors.New("batch: agent is required")
	case r.Acquire == nil:
		return errors.New("batch: workspace acquirer is required")
	case r.Experiment == nil:
		return errors.New("batch: experiment is required")
	case r.ResultsDir == "":
		return errors.New("batch: results dir is required")
	}
	return nil
}

// PlanEntry says what Run would do with one task.
type PlanEntry struct {
	TaskID string
	Repo   string
	Run    bool // false: a record exists and the task is skipped
}

// Plan reports which tasks a batch would attempt and which it would skip.
func (r *Runner) Plan(tasks []task.Task) ([]PlanEntry, error) {
	if r.Store == nil || r.Experiment == nil {
		return nil, errors.New("batch: store and experiment are required")
	}
	plan := make([]PlanEntry, 0, len(tasks))
	for _, t := range tasks {
		exists, err := r.Store.Exists(r.Experiment.Name, t.ID)
		if err != nil {
			return nil, &FatalError{Op: "check record", TaskID: t.ID, Err: err}
		}
		plan = append(plan, PlanEntry{TaskID: t.ID, Repo: t.Repo, Run: !exists})
	}
	return plan, nil
}

// errStop ends the loop without an error of its own.
var errStop = errors.New("batch stopped")

// Run attempts every task that has no record yet, one at a time.
//
// Failed attempts are logged and the batch moves on. Store and workspace
// errors are returned as *FatalError, a usage limit as *RateLimitError, and
// cancellation as the context's error; in every case the returned report
// describes what was done and the index is rebuilt from whatever records
// exist.
func (r *Runner) Run(ctx context.Context, tasks []task.Task) (*Report, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	cfg := r.Experiment.Name

	report := &Report{
		RunID:     uuid.NewString(),
		Config:    cfg,
		Agent:     r.Agent.Name(),
		StartedAt: time.Now(),
		Order:     make([]string, 0, len(tasks)),
		Results:   make(map[string]*TaskResult, len(tasks)),
		Total:     len(tasks),
	}
	for _, t := range tasks {
		report.Order = append(report.Order, t.ID)
		report.Results[t.ID] = &TaskResult{TaskID: t.ID, Outcome: OutcomePending}
	}

	interrupted, err := state.RecoverDir(r.RunsDir())
	if err != nil {
		slog.Warn("cannot recover run journals", "dir", r.RunsDir(), "error", err)
	}
	for runID, ids := range interrupted {
		slog.Warn("previous run was interrupted; tasks without records will run again",
			"run", runID, "tasks", ids)
	}
	if len(interrupted) > 0 {
		report.Interrupted = interrupted
	}

	journal := state.Create(state.JournalPath(r.RunsDir(), report.RunID), report.RunID, cfg)
	slog.Info("batch started", "run", report.RunID, "config", cfg, "tasks", len(tasks))

	var runErr error
	for i := range tasks {
		t := &tasks[i]
		if ctx.Err() != nil {
			report.Stopped = "cancelled"
			runErr = ctx.Err()
			break
		}
		err := r.runTask(ctx, report.RunID, t, report.Results[t.ID], journal)
		if err == nil {
			continue
		}

		var rl *RateLimitError
		var fe *FatalError
		switch {
		case errors.As(err, &rl):
			report.Stopped = "rate_limited"
			report.ResetsAt = rl.ResetsAt
			runErr = err
		case errors.As(err, &fe):
			report.Stopped = "fatal"
			runErr = err
		case errors.Is(err, errStop):
			report.Stopped = "cancelled"
			runErr = ctx.Err()
			if runErr == nil {
				runErr = context.Canceled
			}
		default:
			report.Stopped = "fatal"
			runErr = err
		}
		break
	}

	r.finish(report, journal)
	return report, runErr
}

// runTask performs skip-check, acquire, attempt and record write for one task.
// A nil return means the loop continues.
func (r *Runner) runTask(ctx context.Context, runID string, t *task.Task, res *TaskResult, j *state.Journal) error {
	cfg := r.Experiment.Name

	exists, err := r.Store.Exists(cfg, t.ID)
	if err != nil {
		return &FatalError{Op: "check record", TaskID: t.ID, Err: err}
	}
	if exists {
		res.Outcome = OutcomeSkipped
		j.MarkSkipped(t.ID)
		if r.Metrics != nil {
			r.Metrics.Skipped()
		}
		slog.Debug("task already recorded", "task", t.ID, "config", cfg)
		r.notify(res)
		return nil
	}

	res.Outcome = OutcomeRunning
	res.StartedAt = time.Now()
	res.LogDir = r.LogDir(t.ID)
	j.MarkStarted(t.ID)
	r.notify(res)

	lease, err := r.Acquire(ctx, t)
	if err != nil {
		r.markFailed(res, j, "", err)
		if ctx.Err() != nil {
			return errStop
		}
		return &FatalError{Op: "acquire workspace", TaskID: t.ID, Err: err}
	}

	rec, err := r.Agent.Attempt(ctx, runner.Request{
		Experiment: r.Experiment,
		Task:       t,
		Workspace:  lease,
		LogDir:     res.LogDir,
		RunID:      runID,
	})
	lease.Release()

	if err != nil {
		var ae *runner.AttemptError
		kind := runner.AttemptKind("error")
		if errors.As(err, &ae) {
			kind = ae.Kind
		}
		r.markFailed(res, j, kind, err)

		switch {
		case kind == runner.KindCancelled || ctx.Err() != nil:
			return errStop
		case kind == runner.KindRateLimited:
			return &RateLimitError{TaskID: t.ID, ResetsAt: ae.ResetsAt, Err: err}
		case kind == runner.KindWorkspace:
			return &FatalError{Op: "capture diff", TaskID: t.ID, Err: err}
		}
		slog.Warn("attempt produced no record", "task", t.ID, "config", cfg, "kind", kind, "error", err)
		return nil
	}

	if err := r.Store.Write(rec); err != nil {
		if errors.Is(err, checkpoint.ErrExists) {
			// another process recorded the task while this attempt ran
			slog.Warn("record appeared during attempt, keeping the existing one", "task", t.ID, "config", cfg)
			r.end(res)
			res.Outcome = OutcomeSkipped
			j.MarkSkipped(t.ID)
			r.notify(res)
			return nil
		}
		r.markFailed(res, j, "store", err)
		return &FatalError{Op: "write record", TaskID: t.ID, Err: err}
	}

	r.end(res)
	res.Outcome = OutcomeCompleted
	res.RecordStatus = rec.Status
	res.ExitCode = rec.ExitCode
	res.CostUSD = rec.Cost()
	res.NumTurns = rec.NumTurns
	j.MarkCompleted(t.ID, string(rec.Status))
	if r.Metrics != nil {
		r.Metrics.Completed(string(rec.Status), res.Duration, rec.Cost(), rec.NumTurns)
	}
	slog.Info("task recorded", "task", t.ID, "config", cfg, "status", rec.Status,
		"exit", rec.ExitCode, "duration", res.Duration.Round(time.Second))
	r.notify(res)
	return nil
}

func (r *Runner) markFailed(res *TaskResult, j *state.Journal, kind runner.AttemptKind, err error) {
	r.end(res)
	res.Outcome = OutcomeFailed
	res.FailureKind = kind
	res.Error = err.Error()
	j.MarkFailed(res.TaskID, res.Error)
	if r.Metrics != nil {
		detail := string(kind)
		if detail == "" {
			detail = "workspace"
		}
		r.Metrics.Failed(detail, res.Duration)
	}
	r.notify(res)
}

func (r *Runner) end(res *TaskResult) {
	res.EndedAt = time.Now()
	res.Duration = res.EndedAt.Sub(res.StartedAt)
}

// finish rebuilds the index from durable records, writes metrics and closes
// the journal. Failures here are logged; they never hide the batch's own error.
func (r *Runner) finish(report *Report, j *state.Journal) {
	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	report.tally()

	sum, err := checkpoint.RebuildIndex(r.Store, report.Config, r.ResultsDir)
	if err != nil {
		slog.Error("rebuild index failed", "config", report.Config, "error", err)
	} else {
		report.Summary = sum
	}
	if r.Metrics != nil {
		if err := r.Metrics.WriteTextfile(filepath.Join(r.ResultsDir, metrics.TextfileName), report.FinishedAt); err != nil {
			slog.Warn("write metrics failed", "error", err)
		}
	}
	j.Finish()
	slog.Info("batch finished", "run", report.RunID, "config", report.Config,
		"completed", report.Completed, "skipped", report.Skipped, "failed", report.Failed,
		"stopped", report.Stopped)
}

func (r *Runner) notify(res *TaskResult) {
	if r.OnUpdate != nil {
		cpy := *res
		r.OnUpdate(res.TaskID, &cpy)
	}
}

// ErrorSummary is a short description of why a report stopped, for display.
func (r *Report) ErrorSummary() string {
	switch r.Stopped {
	case "":
		return ""
	case "rate_limited":
		if !r.ResetsAt.IsZero() {
			return fmt.Sprintf("stopped: usage limit (resets %s)", r.ResetsAt.Local().Format(time.Kitchen))
		}
		return "stopped: usage limit"
	default:
		return "stopped: " + r.Stopped
	}
}
