package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

func TestRebuildIndex(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		dir := t.TempDir()
		malformed := newRecord("baseline", "t2", task.StatusMalformed)
		malformed.GitDiff = ""
		malformed.CostUSD = nil
		require.NoError(t, s.Write(newRecord("baseline", "t3", task.StatusSucceeded)))
		require.NoError(t, s.Write(malformed))
		require.NoError(t, s.Write(newRecord("baseline", "t1", task.StatusSucceeded)))
		require.NoError(t, s.Write(newRecord("comprehend", "t1", task.StatusSucceeded)))

		sum, err := RebuildIndex(s, "baseline", dir)
		require.NoError(t, err)
		assert.Equal(t, 3, sum.Total)
		assert.Equal(t, 2, sum.Succeeded)
		assert.Equal(t, 1, sum.Malformed)
		assert.InDelta(t, 270.0, sum.TotalWallTime, 1e-9)
		assert.InDelta(t, 0.84, sum.TotalCostUSD, 1e-9)
		assert.Equal(t, []string{"t1", "t2", "t3"}, sum.TaskIDs)

		f, err := os.Open(filepath.Join(dir, PredictionsFile))
		require.NoError(t, err)
		defer f.Close()
		var ids []string
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var p Prediction
			require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
			assert.Equal(t, "claude-code-baseline", p.ModelNameOrPath)
			ids = append(ids, p.InstanceID)
		}
		require.NoError(t, sc.Err())
		assert.Equal(t, []string{"t1", "t2", "t3"}, ids, "every record listed once, sorted")
	})
}

func TestRebuildIndex_ByteIdentical(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.Write(newRecord("baseline", id, task.StatusSucceeded)))
	}
	dir := t.TempDir()

	_, err = RebuildIndex(s, "baseline", dir)
	require.NoError(t, err)
	preds1, _ := os.ReadFile(filepath.Join(dir, PredictionsFile))
	sum1, _ := os.ReadFile(filepath.Join(dir, SummaryFile))

	_, err = RebuildIndex(s, "baseline", dir)
	require.NoError(t, err)
	preds2, _ := os.ReadFile(filepath.Join(dir, PredictionsFile))
	sum2, _ := os.ReadFile(filepath.Join(dir, SummaryFile))

	assert.True(t, bytes.Equal(preds1, preds2), "predictions must not accumulate")
	assert.True(t, bytes.Equal(sum1, sum2), "summary must be byte-identical")
	assert.Equal(t, 3, bytes.Count(preds2, []byte("\n")))
}

func TestRebuildIndex_ReplacesStaleIndex(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	dir := t.TempDir()
	stale := `{"instance_id":"gone","model_name_or_path":"x","model_patch":""}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, PredictionsFile), []byte(stale), 0o644))

	require.NoError(t, s.Write(newRecord("baseline", "t1", task.StatusSucceeded)))
	_, err = RebuildIndex(s, "baseline", dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, PredictionsFile))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "gone")
	assert.Contains(t, string(data), `"instance_id":"t1"`)
}

func TestRebuildIndex_Empty(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sum, err := RebuildIndex(s, "baseline", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)
	assert.NotNil(t, sum.TaskIDs)
}
