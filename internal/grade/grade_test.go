package grade

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

func writeReport(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-code-baseline.run1.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHarnessReportVerdicts(t *testing.T) {
	path := writeReport(t, `{
		"total_instances": 300,
		"submitted_instances": 5,
		"completed_instances": 4,
		"resolved_instances": 2,
		"resolved_ids": ["a", "b"],
		"unresolved_ids": ["c"],
		"error_ids": ["d"],
		"empty_patch_ids": ["e"]
	}`)
	r, err := LoadHarnessReport(path)
	require.NoError(t, err)

	tests := []struct {
		id   string
		want Verdict
	}{
		{"a", Pass},
		{"b", Pass},
		{"c", Fail},
		{"d", Fail},
		{"e", Fail},
		{"never-submitted", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Verdict(&task.Task{ID: tt.id}, &task.Record{}))
		})
	}
	assert.Equal(t, 5, r.Graded())
}

func TestHarnessReportBindsVerdictToPatch(t *testing.T) {
	path := writeReport(t, `{"resolved_ids": ["a", "b"]}`)
	require.NoError(t, WritePatchDigests(PatchesPath(path), map[string]string{"a": PatchDigest("fix a")}))

	r, err := LoadHarnessReport(path)
	require.NoError(t, err)

	assert.Equal(t, Pass, r.Verdict(&task.Task{ID: "a"}, &task.Record{GitDiff: "fix a"}))
	assert.Equal(t, Unknown, r.Verdict(&task.Task{ID: "a"}, &task.Record{GitDiff: "another fix"}))
	// resolved, but the patch it graded was never digested
	assert.Equal(t, Unknown, r.Verdict(&task.Task{ID: "b"}, &task.Record{GitDiff: "fix b"}))
}

func TestHarnessReportWithoutDigestsUsesReportTime(t *testing.T) {
	path := writeReport(t, `{"resolved_ids": ["a"]}`)
	written := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, written, written))

	r, err := LoadHarnessReport(path)
	require.NoError(t, err)
	assert.Nil(t, r.Patches)

	assert.Equal(t, Pass, r.Verdict(&task.Task{ID: "a"}, &task.Record{EndedAt: written.Add(-time.Hour)}))
	assert.Equal(t, Unknown, r.Verdict(&task.Task{ID: "a"}, &task.Record{EndedAt: written.Add(7 * 24 * time.Hour)}))
}

func TestHarnessReportBadDigests(t *testing.T) {
	path := writeReport(t, `{"resolved_ids": ["a"]}`)
	require.NoError(t, os.WriteFile(PatchesPath(path), []byte("{oops"), 0o644))
	_, err := LoadHarnessReport(path)
	require.Error(t, err)
}

func TestHarnessReportContradiction(t *testing.T) {
	path := writeReport(t, `{"resolved_ids": ["a"], "unresolved_ids": ["a"]}`)
	_, err := LoadHarnessReport(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both pass and fail")
}

func TestHarnessReportErrors(t *testing.T) {
	_, err := LoadHarnessReport(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = LoadHarnessReport(writeReport(t, "{not json"))
	require.Error(t, err)
}

func answerTask(t *testing.T, oracle AnswerOracle) *task.Task {
	t.Helper()
	raw, err := json.Marshal(oracle)
	require.NoError(t, err)
	return &task.Task{ID: "q1", Kind: task.KindAnswer, Oracle: raw}
}

func TestAnswerMatchLocate(t *testing.T) {
	tk := answerTask(t, AnswerOracle{Function: "parse_header", File: "src/http/parser.py"})
	m := AnswerMatch{}

	tests := []struct {
		name   string
		answer string
		want   Verdict
	}{
		{"exact", "The function is `parse_header` in src/http/parser.py.", Pass},
		{"case insensitive", "PARSE_HEADER lives in SRC/HTTP/PARSER.PY", Pass},
		{"function only", "It is parse_header somewhere in the http package.", Fail},
		{"file only", "Look in src/http/parser.py.", Fail},
		{"neither", "I could not find it.", Fail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Verdict(tk, &task.Record{ResultText: tt.answer}))
		})
	}
}

func TestScore(t *testing.T) {
	s := Score(AnswerOracle{Function: "Foo", File: "a/b.go"}, "foo is defined elsewhere")
	assert.True(t, s.FuncMatch)
	assert.False(t, s.FileMatch)
	assert.False(t, s.ExactMatch)

	s = Score(AnswerOracle{Answer: "the cache is flushed on shutdown"}, "The cache gets flushed at shutdown")
	// 4 of 6 reference words: the, cache, flushed, shutdown
	assert.InDelta(t, 0.667, s.WordOverlap, 0.0005)
}

func TestAnswerMatchFreeText(t *testing.T) {
	tk := answerTask(t, AnswerOracle{Answer: "retries use exponential backoff with jitter"})

	assert.Equal(t, Pass, AnswerMatch{}.Verdict(tk, &task.Record{ResultText: "Retries use exponential backoff with a cap"}))
	assert.Equal(t, Fail, AnswerMatch{}.Verdict(tk, &task.Record{ResultText: "It retries."}))
	assert.Equal(t, Fail, AnswerMatch{Threshold: 0.9}.Verdict(tk, &task.Record{ResultText: "Retries use exponential backoff with a cap"}))
}

func TestAnswerMatchWithoutOracle(t *testing.T) {
	assert.Equal(t, Unknown, AnswerMatch{}.Verdict(&task.Task{ID: "x"}, &task.Record{ResultText: "anything"}))
	assert.Equal(t, Unknown, AnswerMatch{}.Verdict(&task.Task{ID: "x", Oracle: json.RawMessage(`{"other": 1}`)}, &task.Record{}))
	assert.Equal(t, Unknown, AnswerMatch{}.Verdict(&task.Task{ID: "x", Oracle: json.RawMessage(`[`)}, &task.Record{}))
}

func TestStatusGraderIsUnknown(t *testing.T) {
	assert.Equal(t, Unknown, Status{}.Verdict(&task.Task{ID: "x"}, &task.Record{Status: task.StatusSucceeded}))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "pass", Pass.String())
	assert.Equal(t, "fail", Fail.String())
	assert.Equal(t, "unknown", Unknown.String())
}

type fixed Verdict

func (f fixed) Verdict(*task.Task, *task.Record) Verdict { return Verdict(f) }

func TestByKind(t *testing.T) {
	g := ByKind{task.KindPatch: fixed(Pass)}
	rec := &task.Record{Status: task.StatusSucceeded}

	assert.Equal(t, Pass, g.Verdict(&task.Task{ID: "p"}, rec), "empty kind defaults to patch")
	assert.Equal(t, Unknown, g.Verdict(&task.Task{ID: "a", Kind: task.KindAnswer}, rec))

	g[task.KindAnswer] = fixed(Fail)
	assert.Equal(t, Fail, g.Verdict(&task.Task{ID: "a", Kind: task.KindAnswer}, rec))
}
