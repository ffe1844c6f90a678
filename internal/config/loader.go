package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// LoadRegistry reads a task registry. A .jsonl file is treated as a
// SWE-bench-style dataset export, one row per line; anything else as a tasks
// JSON file.
func LoadRegistry(path string) (*task.Registry, error) {
	var (
		tf  *task.TaskFile
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		tf, err = loadDatasetJSONL(path)
	} else {
		tf, err = loadTaskFile(path)
	}
	if err != nil {
		return nil, err
	}
	if err := validateTasks(tf); err != nil {
		return nil, fmt.Errorf("tasks file %s: %w", path, err)
	}
	return task.NewRegistry(tf.Benchmark, tf.Tasks)
}

func loadTaskFile(path string) (*task.TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var tf task.TaskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse tasks file: %w", err)
	}
	return &tf, nil
}

// datasetRow mirrors the fields of a SWE-bench dataset row that matter here.
type datasetRow struct {
	InstanceID       string          `json:"instance_id"`
	Repo             string          `json:"repo"`
	BaseCommit       string          `json:"base_commit"`
	ProblemStatement string          `json:"problem_statement"`
	FailToPass       json.RawMessage `json:"FAIL_TO_PASS,omitempty"`
	PassToPass       json.RawMessage `json:"PASS_TO_PASS,omitempty"`
}

func loadDatasetJSONL(path string) (*task.TaskFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	defer func() { _ = f.Close() }()

	tf := &task.TaskFile{Benchmark: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var row datasetRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("parse dataset line %d: %w", line, err)
		}
		oracle, err := json.Marshal(struct {
			FailToPass json.RawMessage `json:"fail_to_pass,omitempty"`
			PassToPass json.RawMessage `json:"pass_to_pass,omitempty"`
		}{row.FailToPass, row.PassToPass})
		if err != nil {
			return nil, fmt.Errorf("encode oracle line %d: %w", line, err)
		}
		tf.Tasks = append(tf.Tasks, task.Task{
			ID:         row.InstanceID,
			Repo:       row.Repo,
			BaseCommit: row.BaseCommit,
			Prompt:     row.ProblemStatement,
			Kind:       task.KindPatch,
			Oracle:     oracle,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return tf, nil
}

// validateTasks checks per-task fields and duplicate ids.
func validateTasks(tf *task.TaskFile) error {
	if len(tf.Tasks) == 0 {
		return fmt.Errorf("tasks file contains no tasks")
	}
	ids := make(map[string]struct{}, len(tf.Tasks))
	for i := range tf.Tasks {
		t := &tf.Tasks[i]
		if err := validate.Struct(t); err != nil {
			return fmt.Errorf("task %d (%q): %w", i, t.ID, describeValidation(err))
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("duplicate task id: %q", t.ID)
		}
		ids[t.ID] = struct{}{}
	}
	return nil
}

// LoadSample reads a JSON array of task ids selecting a curated subset.
func LoadSample(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse sample %s: %w", path, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("sample %s is empty", path)
	}
	return ids, nil
}
