package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/metrics"
	"github.com/johnwbyrd/comprehend-benchmark/internal/runner"
	"github.com/johnwbyrd/comprehend-benchmark/internal/state"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
	"github.com/johnwbyrd/comprehend-benchmark/internal/workspace"
)

type fakeLease struct {
	dir      string
	released *int
}

func (l *fakeLease) Dir() string { return l.dir }
func (l *fakeLease) Diff(context.Context, ...string) (string, error) {
	return "", nil
}
func (l *fakeLease) Release() { *l.released++ }

type attemptFunc func(ctx context.Context, req runner.Request) (*task.Record, error)

// scriptedAgent returns a record per task unless a task has a scripted
// behaviour.
type scriptedAgent struct {
	mu     sync.Mutex
	calls  []string
	script map[string]attemptFunc
}

func (a *scriptedAgent) Name() string { return "scripted" }

func (a *scriptedAgent) Attempt(ctx context.Context, req runner.Request) (*task.Record, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req.Task.ID)
	fn := a.script[req.Task.ID]
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return succeed(req), nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func succeed(req runner.Request) *task.Record {
	cost := 0.25
	now := time.Now().UTC()
	return &task.Record{
		Config:          req.Experiment.Name,
		TaskID:          req.Task.ID,
		RunID:           req.RunID,
		Status:          task.StatusSucceeded,
		StartedAt:       now.Add(-time.Minute),
		EndedAt:         now,
		WallTimeSeconds: 60,
		CostUSD:         &cost,
		NumTurns:        4,
		RepoDir:         req.Workspace.Dir(),
		GitDiff:         "diff --git a/x b/x\n",
		RawOutput:       `{"type":"result"}` + "\n",
	}
}

func noOutput(req runner.Request) error {
	return &runner.AttemptError{TaskID: req.Task.ID, Kind: runner.KindNoOutput, Err: runner.ErrNoOutput}
}

type harness struct {
	t        *testing.T
	store    checkpoint.Store
	agent    *scriptedAgent
	released int
	acquired []string
	acqErr   error
	results  string
	exp      *config.Experiment
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := checkpoint.NewFileStore(filepath.Join(root, "results"))
	require.NoError(t, err)
	return &harness{
		t:       t,
		store:   store,
		agent:   &scriptedAgent{script: map[string]attemptFunc{}},
		results: filepath.Join(root, "results", "baseline"),
		exp: &config.Experiment{
			Name:     "baseline",
			MaxTurns: 10,
			Model:    "sonnet",
		},
	}
}

func (h *harness) runner() *Runner {
	return &Runner{
		Store: h.store,
		Agent: h.agent,
		Acquire: func(_ context.Context, t *task.Task) (Lease, error) {
			if h.acqErr != nil {
				return nil, h.acqErr
			}
			h.acquired = append(h.acquired, t.ID)
			return &fakeLease{dir: "/work/" + t.ID, released: &h.released}, nil
		},
		Experiment: h.exp,
		ResultsDir: h.results,
	}
}

func tasks(ids ...string) []task.Task {
	out := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, task.Task{ID: id, Repo: "acme/widget", BaseCommit: "abc", Prompt: "fix " + id})
	}
	return out
}

func TestRunRecordsEveryTask(t *testing.T) {
	h := newHarness(t)

	report, err := h.runner().Run(context.Background(), tasks("T1", "T2", "T3"))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Completed)
	assert.Empty(t, report.Stopped)
	assert.Equal(t, []string{"T1", "T2", "T3"}, report.Order)
	assert.Equal(t, 3, h.released, "every lease is released")

	recs, err := h.store.ReadAll("baseline")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, id := range []string{"T1", "T2", "T3"} {
		assert.Equal(t, report.RunID, recs[id].RunID)
		res := report.Results[id]
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.Equal(t, task.StatusSucceeded, res.RecordStatus)
		assert.Equal(t, filepath.Join(h.results, "logs", id), res.LogDir)
	}

	require.NotNil(t, report.Summary)
	assert.Equal(t, 3, report.Summary.Succeeded)
	assert.FileExists(t, filepath.Join(h.results, checkpoint.PredictionsFile))
	assert.FileExists(t, filepath.Join(h.results, checkpoint.SummaryFile))

	j, err := state.Load(state.JournalPath(filepath.Join(h.results, "runs"), report.RunID))
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, j.Get("T2").Status)
	assert.Equal(t, string(task.StatusSucceeded), j.Get("T2").RecordStatus)
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	r := h.runner()

	_, err := r.Run(context.Background(), tasks("T1", "T2"))
	require.NoError(t, err)
	before := readRecordBytes(t, h, "T1", "T2")

	report, err := r.Run(context.Background(), tasks("T1", "T2"))
	require.NoError(t, err)

	assert.Equal(t, 2, h.agent.callCount(), "second run attempts nothing")
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 0, report.Completed)
	assert.Equal(t, before, readRecordBytes(t, h, "T1", "T2"))
}

func TestAttemptWithoutOutputCreatesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.agent.script["T2"] = func(_ context.Context, req runner.Request) (*task.Record, error) {
		return nil, noOutput(req)
	}

	report, err := h.runner().Run(context.Background(), tasks("T1", "T2", "T3"))
	require.NoError(t, err, "a failed attempt does not stop the batch")

	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	res := report.Results["T2"]
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, runner.KindNoOutput, res.FailureKind)
	assert.Contains(t, res.Error, "no output")

	exists, err := h.store.Exists("baseline", "T2")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 2, report.Summary.Total)

	// the next batch retries only the failed task
	delete(h.agent.script, "T2")
	report, err = h.runner().Run(context.Background(), tasks("T1", "T2", "T3"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, []string{"T1", "T2", "T3", "T2"}, h.agent.calls)
}

func TestMalformedRecordIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.agent.script["T1"] = func(_ context.Context, req runner.Request) (*task.Record, error) {
		rec := succeed(req)
		rec.Status = task.StatusMalformed
		rec.CostUSD = nil
		return rec, nil
	}
	r := h.runner()

	report, err := r.Run(context.Background(), tasks("T1"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusMalformed, report.Results["T1"].RecordStatus)

	report, err = r.Run(context.Background(), tasks("T1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, report.Results["T1"].Outcome)
	assert.Equal(t, 1, h.agent.callCount())
}

func TestResumeAfterCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agent.script["T2"] = func(ctx context.Context, req runner.Request) (*task.Record, error) {
		cancel()
		return nil, &runner.AttemptError{TaskID: req.Task.ID, Kind: runner.KindCancelled, Err: context.Canceled}
	}

	report, err := h.runner().Run(ctx, tasks("T1", "T2", "T3"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", report.Stopped)
	assert.Equal(t, OutcomeCompleted, report.Results["T1"].Outcome)
	assert.Equal(t, OutcomeFailed, report.Results["T2"].Outcome)
	assert.Equal(t, []string{"T3"}, report.Pending())

	recs, err := h.store.ReadAll("baseline")
	require.NoError(t, err)
	require.Len(t, recs, 1, "only T1 is durable")
	first := readRecordBytes(t, h, "T1")

	delete(h.agent.script, "T2")
	report, err = h.runner().Run(context.Background(), tasks("T1", "T2", "T3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, report.Results["T1"].Outcome)
	assert.Equal(t, OutcomeCompleted, report.Results["T2"].Outcome)
	assert.Equal(t, OutcomeCompleted, report.Results["T3"].Outcome)
	assert.Equal(t, first, readRecordBytes(t, h, "T1"), "resumed record is untouched")
	assert.Equal(t, 3, report.Summary.Total)
}

func TestCancelledBeforeStartAttemptsNothing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.runner().Run(ctx, tasks("T1", "T2"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.agent.callCount())
	assert.Equal(t, []string{"T1", "T2"}, report.Pending())
}

func TestRecoversInterruptedJournal(t *testing.T) {
	h := newHarness(t)
	runs := filepath.Join(h.results, "runs")
	require.NoError(t, os.MkdirAll(runs, 0o755))
	old := state.Create(state.JournalPath(runs, "killed-run"), "killed-run", "baseline")
	old.MarkStarted("T1")

	report, err := h.runner().Run(context.Background(), tasks("T1"))
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"killed-run": {"T1"}}, report.Interrupted)
	assert.Equal(t, OutcomeCompleted, report.Results["T1"].Outcome)

	reloaded, err := state.Load(state.JournalPath(runs, "killed-run"))
	require.NoError(t, err)
	assert.Equal(t, state.StatusInterrupted, reloaded.Get("T1").Status)
}

func TestRateLimitStopsBatch(t *testing.T) {
	h := newHarness(t)
	resets := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	h.agent.script["T2"] = func(_ context.Context, req runner.Request) (*task.Record, error) {
		return nil, &runner.AttemptError{TaskID: req.Task.ID, Kind: runner.KindRateLimited, ResetsAt: resets,
			Err: errors.New("usage limit reached")}
	}

	report, err := h.runner().Run(context.Background(), tasks("T1", "T2", "T3"))
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "T2", rl.TaskID)
	assert.True(t, resets.Equal(rl.ResetsAt))
	assert.Equal(t, "rate_limited", report.Stopped)
	assert.True(t, resets.Equal(report.ResetsAt))
	assert.Equal(t, []string{"T3"}, report.Pending())
	assert.Equal(t, 2, h.agent.callCount())
}

type brokenStore struct {
	checkpoint.Store
	existsErr error
	writeErr  error
}

func (s *brokenStore) Exists(config, taskID string) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.Store.Exists(config, taskID)
}

func (s *brokenStore) Write(rec *task.Record) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.Store.Write(rec)
}

func TestStoreLookupFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.store = &brokenStore{Store: h.store, existsErr: errors.New("disk on fire")}

	report, err := h.runner().Run(context.Background(), tasks("T1", "T2"))
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "check record", fe.Op)
	assert.Equal(t, "T1", fe.TaskID)
	assert.Equal(t, "fatal", report.Stopped)
	assert.Zero(t, h.agent.callCount(), "nothing runs without a reliable skip check")
}

func TestStoreWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.store = &brokenStore{Store: h.store, writeErr: errors.New("read-only file system")}

	report, err := h.runner().Run(context.Background(), tasks("T1", "T2"))
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "write record", fe.Op)
	assert.Equal(t, 1, h.agent.callCount())
	assert.Equal(t, OutcomeFailed, report.Results["T1"].Outcome)
	assert.Equal(t, []string{"T2"}, report.Pending())
}

func TestConcurrentRecordIsKept(t *testing.T) {
	h := newHarness(t)
	h.agent.script["T1"] = func(_ context.Context, req runner.Request) (*task.Record, error) {
		other := succeed(req)
		other.RunID = "other-run"
		require.NoError(t, h.store.Write(other))
		return succeed(req), nil
	}

	report, err := h.runner().Run(context.Background(), tasks("T1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, report.Results["T1"].Outcome)

	recs, err := h.store.ReadAll("baseline")
	require.NoError(t, err)
	assert.Equal(t, "other-run", recs["T1"].RunID)
}

func TestWorkspacePreconditionIsFatal(t *testing.T) {
	h := newHarness(t)
	h.acqErr = &workspace.PreconditionError{Repo: "acme/widget", Step: "verify clean tree", Err: errors.New("dirty")}

	_, err := h.runner().Run(context.Background(), tasks("T1", "T2"))
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	var pe *workspace.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "verify clean tree", pe.Step)
	assert.Zero(t, h.agent.callCount())
}

func TestDiffCaptureFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.agent.script["T1"] = func(_ context.Context, req runner.Request) (*task.Record, error) {
		return nil, &runner.AttemptError{TaskID: req.Task.ID, Kind: runner.KindWorkspace, Err: errors.New("git diff failed")}
	}

	_, err := h.runner().Run(context.Background(), tasks("T1", "T2"))
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "capture diff", fe.Op)
	assert.Equal(t, 1, h.agent.callCount())
}

func TestPlan(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner().Run(context.Background(), tasks("T1"))
	require.NoError(t, err)

	plan, err := h.runner().Plan(tasks("T1", "T2"))
	require.NoError(t, err)
	assert.Equal(t, []PlanEntry{
		{TaskID: "T1", Repo: "acme/widget", Run: false},
		{TaskID: "T2", Repo: "acme/widget", Run: true},
	}, plan)
	assert.Equal(t, 1, h.agent.callCount(), "planning attempts nothing")
}

func TestOnUpdateSequence(t *testing.T) {
	h := newHarness(t)
	r := h.runner()
	var seen []Outcome
	r.OnUpdate = func(id string, res *TaskResult) {
		if id == "T1" {
			seen = append(seen, res.Outcome)
		}
	}
	_, err := r.Run(context.Background(), tasks("T1"))
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeRunning, OutcomeCompleted}, seen)

	seen = nil
	_, err = r.Run(context.Background(), tasks("T1"))
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeSkipped}, seen)
}

func TestMetricsTextfile(t *testing.T) {
	h := newHarness(t)
	h.agent.script["T2"] = func(_ context.Context, req runner.Request) (*task.Record, error) {
		return nil, noOutput(req)
	}
	r := h.runner()
	r.Metrics = metrics.NewBatch("baseline")

	_, err := r.Run(context.Background(), tasks("T1", "T2"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(h.results, metrics.TextfileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `cbench_attempts_total{config="baseline",detail="succeeded",outcome="completed"} 1`)
	assert.Contains(t, string(data), `cbench_attempts_total{config="baseline",detail="no_output",outcome="failed"} 1`)
}

func TestReportJSONOutcome(t *testing.T) {
	b, err := OutcomeSkipped.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "skipped", string(b))

	var o Outcome
	require.NoError(t, o.UnmarshalText([]byte("completed")))
	assert.Equal(t, OutcomeCompleted, o)
	assert.Error(t, o.UnmarshalText([]byte("bogus")))
}

func readRecordBytes(t *testing.T, h *harness, ids ...string) map[string][]byte {
	t.Helper()
	fs, ok := h.store.(*checkpoint.FileStore)
	require.True(t, ok)
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		data, err := os.ReadFile(fs.RecordPath("baseline", id))
		require.NoError(t, err)
		out[id] = data
	}
	return out
}
