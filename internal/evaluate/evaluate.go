// Package evaluate runs the external grading harness over a configuration's
// predictions file.
package evaluate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/grade"
)

// Options configures one harness run.
type Options struct {
	Command     []string // harness command and leading args
	Dataset     string
	Predictions string // predictions.jsonl to grade
	Config      string // configuration name, used in the report name
	RunID       string // defaults to the predictions file's parent directory name
	MaxWorkers  int
	Dir         string    // working directory; the harness writes its report here
	Output      io.Writer // live harness output, may be nil
}

// Result describes a finished harness run.
type Result struct {
	RunID      string        `json:"run_id"`
	ReportPath string        `json:"report_path"`
	LogPath    string        `json:"log_path"`
	Duration   time.Duration `json:"duration"`
}

// Args returns the full harness command line.
func Args(opts Options) []string {
	args := append([]string{}, opts.Command...)
	return append(args,
		"--dataset_name", opts.Dataset,
		"--predictions_path", opts.Predictions,
		"--max_workers", strconv.Itoa(opts.MaxWorkers),
		"--run_id", opts.RunID,
	)
}

// ReportPath is where the harness writes its summary for a run.
func ReportPath(dir, config, runID string) string {
	return filepath.Join(dir, checkpoint.ModelName(config)+"."+runID+".json")
}

// Run invokes the harness and waits for it. Output is streamed to
// opts.Output and saved to evaluate-<run>.log in opts.Dir. A non-zero exit or
// a missing report is an error. The digest of every graded patch is written
// next to the report so verdicts are not applied to later artifacts.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("evaluate: harness command is required")
	}
	pred, err := filepath.Abs(opts.Predictions)
	if err != nil {
		return nil, fmt.Errorf("resolve predictions path: %w", err)
	}
	if _, err := os.Stat(pred); err != nil {
		return nil, fmt.Errorf("predictions file: %w", err)
	}
	opts.Predictions = pred
	if opts.RunID == "" {
		opts.RunID = filepath.Base(filepath.Dir(pred))
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evaluation dir: %w", err)
	}

	res := &Result{
		RunID:      opts.RunID,
		ReportPath: ReportPath(opts.Dir, opts.Config, opts.RunID),
		LogPath:    filepath.Join(opts.Dir, "evaluate-"+opts.RunID+".log"),
	}
	digests, err := digestPredictions(pred)
	if err != nil {
		return nil, err
	}
	patchesPath := grade.PatchesPath(res.ReportPath)
	if err := os.Remove(patchesPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale patch digests: %w", err)
	}
	logFile, err := os.Create(res.LogPath)
	if err != nil {
		return nil, fmt.Errorf("create evaluation log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	var out io.Writer = logFile
	if opts.Output != nil {
		out = io.MultiWriter(logFile, opts.Output)
	}

	args := Args(opts)
	slog.Info("running evaluation harness", "config", opts.Config, "run", opts.RunID, "command", args)

	start := time.Now()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second
	err = cmd.Run()
	res.Duration = time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("evaluation harness failed (see %s): %w", res.LogPath, err)
	}
	if _, err := os.Stat(res.ReportPath); err != nil {
		return res, fmt.Errorf("evaluation harness wrote no report at %s", res.ReportPath)
	}
	if err := grade.WritePatchDigests(patchesPath, digests); err != nil {
		return res, fmt.Errorf("write patch digests: %w", err)
	}
	return res, nil
}

// digestPredictions maps each instance in a predictions file to the digest
// of its patch, as the harness is about to grade it.
func digestPredictions(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("predictions file: %w", err)
	}
	defer func() { _ = f.Close() }()

	digests := make(map[string]string)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var p checkpoint.Prediction
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("parse predictions %s: %w", path, err)
		}
		digests[p.InstanceID] = grade.PatchDigest(p.ModelPatch)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read predictions %s: %w", path, err)
	}
	return digests, nil
}
