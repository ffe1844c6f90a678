package checkpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/johnwbyrd/comprehend-benchmark/internal/state"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// Index file names written by RebuildIndex.
const (
	PredictionsFile = "predictions.jsonl"
	SummaryFile     = "summary.json"
)

// Prediction is one line of the predictions file, in the format the
// SWE-bench evaluation harness reads.
type Prediction struct {
	InstanceID      string `json:"instance_id"`
	ModelNameOrPath string `json:"model_name_or_path"`
	ModelPatch      string `json:"model_patch"`
}

// Summary aggregates every record of one configuration. It carries no
// timestamps so identical record sets produce identical bytes.
type Summary struct {
	Config        string   `json:"config"`
	Total         int      `json:"total"`
	Succeeded     int      `json:"succeeded"`
	NoOutput      int      `json:"no_output"`
	Malformed     int      `json:"malformed"`
	NonZeroExit   int      `json:"non_zero_exit"`
	TotalWallTime float64  `json:"total_wall_time_seconds"`
	TotalCostUSD  float64  `json:"total_cost_usd"`
	TotalTurns    int      `json:"total_turns"`
	TaskIDs       []string `json:"task_ids"`
}

// ModelName is the predictions label for a configuration.
func ModelName(config string) string {
	return "claude-code-" + config
}

// RebuildIndex regenerates the predictions and summary files for config in
// dir from the durable records. Nothing is carried over from earlier index
// files; both are replaced atomically.
func RebuildIndex(s Store, config, dir string) (*Summary, error) {
	records, err := s.ReadAll(config)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	ids := sortedIDs(records)

	var preds []byte
	for _, id := range ids {
		line, err := json.Marshal(Prediction{
			InstanceID:      id,
			ModelNameOrPath: ModelName(config),
			ModelPatch:      records[id].GitDiff,
		})
		if err != nil {
			return nil, fmt.Errorf("encode prediction %s: %w", id, err)
		}
		preds = append(preds, line...)
		preds = append(preds, '\n')
	}

	sum := Summarize(config, records)
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	if err := state.WriteFileAtomic(filepath.Join(dir, PredictionsFile), preds); err != nil {
		return nil, fmt.Errorf("write predictions: %w", err)
	}
	if err := state.WriteFileAtomic(filepath.Join(dir, SummaryFile), append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	return sum, nil
}

// Summarize aggregates a record set. Sums are accumulated in task id order
// and rounded so the result is independent of map iteration.
func Summarize(config string, records map[string]*task.Record) *Summary {
	sum := &Summary{Config: config, TaskIDs: sortedIDs(records)}
	for _, id := range sum.TaskIDs {
		rec := records[id]
		sum.Total++
		switch rec.Status {
		case task.StatusSucceeded:
			sum.Succeeded++
		case task.StatusNoOutput:
			sum.NoOutput++
		case task.StatusMalformed:
			sum.Malformed++
		}
		if rec.ExitCode != 0 {
			sum.NonZeroExit++
		}
		sum.TotalWallTime += rec.WallTimeSeconds
		sum.TotalCostUSD += rec.Cost()
		sum.TotalTurns += rec.NumTurns
	}
	sum.TotalWallTime = round(sum.TotalWallTime, 3)
	sum.TotalCostUSD = round(sum.TotalCostUSD, 6)
	return sum
}

func sortedIDs(records map[string]*task.Record) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
