package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/evaluate"
	"github.com/johnwbyrd/comprehend-benchmark/internal/grade"
	"github.com/johnwbyrd/comprehend-benchmark/internal/reporter"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

const tasksJSON = `{
  "benchmark": "lite",
  "tasks": [
    {"id": "t1", "repo": "acme/widgets", "base_commit": "aaa111", "prompt": "fix one"},
    {"id": "t2", "repo": "acme/widgets", "base_commit": "bbb222", "prompt": "fix two"},
    {"id": "t3", "repo": "acme/gadgets", "base_commit": "ccc333", "prompt": "fix three"}
  ]
}`

const testPatch = "diff --git a/x.go b/x.go\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b\n"

type env struct {
	dir       string
	results   string
	tasks     string
	baseline  string
	candidate string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:       dir,
		results:   filepath.Join(dir, "results"),
		tasks:     filepath.Join(dir, "tasks.json"),
		baseline:  filepath.Join(dir, "base.json"),
		candidate: filepath.Join(dir, "cand.json"),
	}
	writeFile(t, e.tasks, tasksJSON)
	writeFile(t, e.baseline, `{"name": "base", "comprehend": false, "max_turns": 30, "allowed_tools": ["Read", "Edit"], "model": "sonnet"}`)
	writeFile(t, e.candidate, `{"name": "cand", "comprehend": true, "max_turns": 30, "allowed_tools": ["Edit", "Read"], "model": "sonnet"}`)
	return e
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// execute runs the root command with the settings file pointed into the
// test directory.
func (e *env) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--settings", filepath.Join(e.dir, "missing.yml"),
		"--results-dir", e.results,
	}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *env) record(t *testing.T, config, taskID string, status task.Status) {
	t.Helper()
	fs, err := checkpoint.NewFileStore(e.results)
	if err != nil {
		t.Fatal(err)
	}
	cost := 0.5
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &task.Record{
		Config:          config,
		TaskID:          taskID,
		RunID:           "run1",
		Status:          status,
		StartedAt:       start,
		EndedAt:         start.Add(90 * time.Second),
		WallTimeSeconds: 90,
		CostUSD:         &cost,
		NumTurns:        12,
		ExitCode:        0,
	}
	if status == task.StatusSucceeded {
		rec.GitDiff = testPatch
		rec.DiffStats = &task.DiffStats{Files: 1, Added: 1, Removed: 1}
	}
	if err := fs.Write(rec); err != nil {
		t.Fatal(err)
	}
}

func (e *env) harnessReport(t *testing.T, config string, resolved, unresolved []string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"submitted_instances": len(resolved) + len(unresolved),
		"completed_instances": len(resolved) + len(unresolved),
		"resolved_instances":  len(resolved),
		"resolved_ids":        resolved,
		"unresolved_ids":      unresolved,
	})
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(e.results, config)
	path := evaluate.ReportPath(dir, config, config)
	writeFile(t, path, string(data))

	digests := make(map[string]string)
	for _, id := range append(append([]string{}, resolved...), unresolved...) {
		digests[id] = grade.PatchDigest(testPatch)
	}
	if err := grade.WritePatchDigests(grade.PatchesPath(path), digests); err != nil {
		t.Fatal(err)
	}
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	out, err := e.execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "cbench dev (commit: none") {
		t.Errorf("unexpected version output: %q", out)
	}
}

func TestRun_DryRunSkipsRecorded(t *testing.T) {
	e := newEnv(t)
	e.record(t, "base", "t2", task.StatusSucceeded)

	out, err := e.execute(t, "run", "--config", e.baseline, "--tasks", e.tasks, "--dry-run", "--tui", "off")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "cbench: base, 3 tasks, comprehend off") {
		t.Errorf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "2 to run, 1 already recorded") {
		t.Errorf("wrong plan totals:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, " t2 ") && !strings.Contains(line, "skip") {
			t.Errorf("t2 should be skipped: %q", line)
		}
	}
	if _, err := os.Stat(filepath.Join(e.results, "base", "reports")); !os.IsNotExist(err) {
		t.Error("dry run should not write a report")
	}
}

func TestRun_RequiresConfig(t *testing.T) {
	e := newEnv(t)
	if _, err := e.execute(t, "run", "--tasks", e.tasks); err == nil {
		t.Fatal("expected error without --config")
	}
}

func TestTUIProgram_DrawsOnCommandOutput(t *testing.T) {
	var out bytes.Buffer
	progress := reporter.NewProgress("base", []string{"t1", "t2"})
	program := newTUIProgram(&out, progress, func() {}, tea.WithInput(nil))

	done := make(chan error, 1)
	go func() {
		_, err := program.Run()
		done <- err
	}()
	program.Quit()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TUI did not stop")
	}
	if out.Len() == 0 {
		t.Fatal("TUI wrote nothing to the command output")
	}
}

func TestStatus_ListsPendingAndOutside(t *testing.T) {
	e := newEnv(t)
	e.record(t, "base", "t1", task.StatusSucceeded)
	e.record(t, "base", "t9", task.StatusNoOutput)

	out, err := e.execute(t, "status", "--config", "base", "--tasks", e.tasks)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "base: 1 of 3 tasks recorded") {
		t.Errorf("missing count line:\n%s", out)
	}
	if strings.Count(out, "pending") != 2 {
		t.Errorf("expected 2 pending tasks:\n%s", out)
	}
	if !strings.Contains(out, "1 records outside the target set: t9") {
		t.Errorf("missing outside note:\n%s", out)
	}
}

func TestStatus_AcceptsConfigFile(t *testing.T) {
	e := newEnv(t)
	e.record(t, "cand", "t3", task.StatusSucceeded)

	out, err := e.execute(t, "status", "--config", e.candidate)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "cand: 1 of 1 tasks recorded") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestReset_RemovesAndReindexes(t *testing.T) {
	e := newEnv(t)
	e.record(t, "base", "t1", task.StatusSucceeded)
	e.record(t, "base", "t2", task.StatusSucceeded)
	transcripts := filepath.Join(e.results, "base", "transcripts")
	writeFile(t, filepath.Join(transcripts, "t1.jsonl"), "old session\n")
	writeFile(t, filepath.Join(transcripts, "t1", "agent-a.jsonl"), "sub\n")
	writeFile(t, filepath.Join(transcripts, "t2.jsonl"), "kept\n")

	out, err := e.execute(t, "reset", "--config", "base", "t1", "t3")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Reset base/t1") || !strings.Contains(out, "No record for base/t3") {
		t.Errorf("unexpected output:\n%s", out)
	}

	fs, _ := checkpoint.NewFileStore(e.results)
	if ok, _ := fs.Exists("base", "t1"); ok {
		t.Error("t1 record should be gone")
	}
	for _, p := range []string{"t1.jsonl", "t1"} {
		if _, err := os.Stat(filepath.Join(transcripts, p)); !os.IsNotExist(err) {
			t.Errorf("transcript %s should be gone", p)
		}
	}
	if _, err := os.Stat(filepath.Join(transcripts, "t2.jsonl")); err != nil {
		t.Errorf("t2 transcript should stay: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(e.results, "base", checkpoint.PredictionsFile))
	if err != nil {
		t.Fatalf("predictions not rebuilt: %v", err)
	}
	if lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1; lines != 1 {
		t.Errorf("expected 1 prediction, got %d", lines)
	}
}

func TestIndex(t *testing.T) {
	e := newEnv(t)
	e.record(t, "base", "t1", task.StatusSucceeded)
	e.record(t, "base", "t2", task.StatusMalformed)

	out, err := e.execute(t, "index", "--config", "base")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "base: 2 records (1 succeeded, 0 no output, 1 malformed)") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(e.results, "base", checkpoint.SummaryFile)); err != nil {
		t.Errorf("summary not written: %v", err)
	}
}

func TestValidate(t *testing.T) {
	e := newEnv(t)
	out, err := e.execute(t, "validate", "--baseline", e.baseline, "--candidate", e.candidate, "--tasks", e.tasks)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"base, model sonnet, max 30 turns, comprehend off",
		"base and cand differ only in the comprehend flag",
		"3 tasks across 2 repos",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestValidate_RejectsMismatchedPair(t *testing.T) {
	e := newEnv(t)
	other := filepath.Join(e.dir, "other.json")
	writeFile(t, other, `{"name": "other", "comprehend": true, "max_turns": 50, "allowed_tools": ["Read", "Edit"], "model": "sonnet"}`)

	_, err := e.execute(t, "validate", "--baseline", e.baseline, "--candidate", other)
	if err == nil || !strings.Contains(err.Error(), "max_turns") {
		t.Fatalf("expected max_turns mismatch, got %v", err)
	}
}

func TestValidate_NothingToDo(t *testing.T) {
	e := newEnv(t)
	if _, err := e.execute(t, "validate"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCompare(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"t1", "t2"} {
		e.record(t, "base", id, task.StatusSucceeded)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		e.record(t, "cand", id, task.StatusSucceeded)
	}
	e.harnessReport(t, "base", []string{"t1"}, []string{"t2"})
	e.harnessReport(t, "cand", []string{"t1", "t2", "t3"}, nil)

	jsonPath := filepath.Join(e.dir, "cmp.json")
	out, err := e.execute(t, "compare", "--baseline", e.baseline, "--candidate", e.candidate,
		"--tasks", e.tasks, "--json", jsonPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "base vs cand, 3 tasks") {
		t.Errorf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "Net delta (only cand - only base): +1") {
		t.Errorf("wrong net delta:\n%s", out)
	}
	if !strings.Contains(out, "Incomplete (1): t3") {
		t.Errorf("t3 should be incomplete:\n%s", out)
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("json not written: %v", err)
	}
	if !json.Valid(data) {
		t.Error("comparison JSON is not valid")
	}
}

func TestCompare_StrictIncomplete(t *testing.T) {
	e := newEnv(t)
	e.record(t, "base", "t1", task.StatusSucceeded)
	e.record(t, "cand", "t1", task.StatusSucceeded)

	_, err := e.execute(t, "compare", "--baseline", e.baseline, "--candidate", e.candidate,
		"--tasks", e.tasks, "--task", "t1", "--strict")
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if len(inc.IDs) != 1 || inc.IDs[0] != "t1" {
		t.Errorf("IDs = %v, want [t1]", inc.IDs)
	}
}

func TestCompare_UnknownGrader(t *testing.T) {
	e := newEnv(t)
	_, err := e.execute(t, "compare", "--baseline", e.baseline, "--candidate", e.candidate,
		"--tasks", e.tasks, "--grader", "bogus")
	if err == nil || !strings.Contains(err.Error(), "unknown grader") {
		t.Fatalf("expected unknown grader error, got %v", err)
	}
}

func TestBuildGrader(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "none.json")
	patch := &task.Task{ID: "p1", Kind: task.KindPatch}

	g, err := buildGrader("auto", missing, grade.DefaultOverlap)
	if err != nil {
		t.Fatalf("auto with missing report: %v", err)
	}
	if v := g.Verdict(patch, &task.Record{}); v != grade.Unknown {
		t.Errorf("patch verdict without report = %v, want Unknown", v)
	}

	if _, err := buildGrader("harness", missing, grade.DefaultOverlap); err == nil {
		t.Error("harness mode should require the report")
	}

	report := filepath.Join(dir, "report.json")
	writeFile(t, report, `{"resolved_ids": ["p1"], "unresolved_ids": []}`)
	g, err = buildGrader("harness", report, grade.DefaultOverlap)
	if err != nil {
		t.Fatal(err)
	}
	if v := g.Verdict(patch, &task.Record{}); v != grade.Pass {
		t.Errorf("verdict = %v, want Pass", v)
	}

	g, err = buildGrader("none", report, grade.DefaultOverlap)
	if err != nil {
		t.Fatal(err)
	}
	if v := g.Verdict(patch, &task.Record{}); v != grade.Unknown {
		t.Errorf("none verdict = %v, want Unknown", v)
	}
}

func TestTargetFlags_Load(t *testing.T) {
	e := newEnv(t)
	sample := filepath.Join(e.dir, "sample.json")
	writeFile(t, sample, `["t1", "t3"]`)

	tests := []struct {
		name    string
		flags   targetFlags
		want    []string
		wantErr bool
	}{
		{name: "all", flags: targetFlags{tasksFile: e.tasks}, want: []string{"t1", "t2", "t3"}},
		{name: "sample", flags: targetFlags{tasksFile: e.tasks, sample: sample}, want: []string{"t1", "t3"}},
		{name: "ids override sample", flags: targetFlags{tasksFile: e.tasks, sample: sample, ids: []string{"t2"}}, want: []string{"t2"}},
		{name: "repo", flags: targetFlags{tasksFile: e.tasks, repos: []string{"acme/gadgets"}}, want: []string{"t3"}},
		{name: "sample and repo", flags: targetFlags{tasksFile: e.tasks, sample: sample, repos: []string{"acme/widgets"}}, want: []string{"t1"}},
		{name: "no match", flags: targetFlags{tasksFile: e.tasks, ids: []string{"t2"}, repos: []string{"acme/gadgets"}}, wantErr: true},
		{name: "unknown id", flags: targetFlags{tasksFile: e.tasks, ids: []string{"t7"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := tt.flags.load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			got := taskIDs(reg.Tasks())
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIncompleteError_TruncatesIDs(t *testing.T) {
	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, "task-"+string(rune('a'+i)))
	}
	msg := (&IncompleteError{IDs: ids}).Error()
	if !strings.Contains(msg, "12 tasks") || !strings.Contains(msg, "(2 more)") {
		t.Errorf("unexpected message: %q", msg)
	}
	if strings.Contains(msg, "task-k") {
		t.Errorf("message should stop at 10 ids: %q", msg)
	}
}

func TestUnlock_NoLock(t *testing.T) {
	e := newEnv(t)
	out, err := e.execute(t, "unlock", "--workdir", filepath.Join(e.dir, "work"), "acme/widgets")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No lock found for acme/widgets") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestWatch_RequiresFileStore(t *testing.T) {
	e := newEnv(t)
	_, err := e.execute(t, "--store", "sqlite", "watch", "--config", "base")
	if err == nil || !strings.Contains(err.Error(), "file store") {
		t.Fatalf("expected file store error, got %v", err)
	}
}
