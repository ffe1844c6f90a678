package runner

import (
	"bufio"
	"bytes"
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
	"strings"
	"time"

	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// resultEvent is the final event of the agent's stream-json output.
type resultEvent struct {
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	IsError      bool     `json:"is_error"`
	NumTurns     int      `json:"num_turns"`
	Result       string   `json:"result"`
	SessionID    string   `json:"session_id"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
}

// ClaudeOptions configures a ClaudeRunner.
type ClaudeOptions struct {
	Command     string            // binary to spawn, "claude" when empty
	Env         map[string]string // added to the sanitized environment
	MaxRuntime  time.Duration     // wall-clock limit, 0 disables
	IdleTimeout time.Duration     // limit on stdout silence, 0 disables
	Capability  Capability
}

// ClaudeRunner spawns the Claude Code CLI once per attempt and turns its
// stream-json output into a record.
type ClaudeRunner struct {
	command     string
	env         []string
	maxRuntime  time.Duration
	idleTimeout time.Duration
	capability  Capability
}

// NewClaudeRunner creates a ClaudeRunner.
func NewClaudeRunner(opts ClaudeOptions) *ClaudeRunner {
	cmd := opts.Command
	if cmd == "" {
		cmd = "claude"
	}
	return &ClaudeRunner{
		command:     cmd,
		env:         MapToEnvSlice(opts.Env),
		maxRuntime:  opts.MaxRuntime,
		idleTimeout: opts.IdleTimeout,
		capability:  opts.Capability,
	}
}

// Name returns the runner identifier.
func (r *ClaudeRunner) Name() string { return "claude" }

// BuildArgs returns the CLI arguments for one attempt.
func BuildArgs(e *config.Experiment, prompt string) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(e.MaxTurns),
		"--model", e.Model,
	}
	if len(e.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(e.AllowedTools, ","))
	}
	if e.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", e.AppendSystemPrompt)
	}
	return args
}

// Attempt runs the agent once in req.Workspace.
func (r *ClaudeRunner) Attempt(ctx context.Context, req Request) (*task.Record, error) {
	t, e := req.Task, req.Experiment
	fail := func(kind AttemptKind, err error) (*task.Record, error) {
		return nil, &AttemptError{TaskID: t.ID, Kind: kind, Err: err}
	}

	if err := os.MkdirAll(req.LogDir, 0o755); err != nil {
		return fail(KindSetup, fmt.Errorf("create log dir: %w", err))
	}
	if err := r.capability.Apply(req.Workspace.Dir(), e.Comprehend); err != nil {
		return fail(KindSetup, err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if r.maxRuntime > 0 {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithTimeout(runCtx, r.maxRuntime)
		defer cancelDeadline()
	}

	slog.Debug("spawning claude", "task", t.ID, "config", e.Name, "dir", req.Workspace.Dir(), "model", e.Model)

	cmd := exec.CommandContext(runCtx, r.command, BuildArgs(e, t.Prompt)...)
	isolateProcessGroup(cmd)
	cmd.Dir = req.Workspace.Dir()
	cmd.Env = append(SanitizedEnv(), r.env...)

	stderrLog := newLogWriter(req.LogDir, "stderr.log")
	defer closeQuietly(stderrLog)
	mon := newStderrMonitor(stderrLog)
	cmd.Stderr = mon

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(KindStart, fmt.Errorf("stdout pipe: %w", err))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fail(KindStart, fmt.Errorf("start %s: %w", r.command, err))
	}

	idle := newIdleTimeoutReader(stdout, r.idleTimeout, cancelRun)
	defer idle.Stop()

	stdoutLog := newLogWriter(req.LogDir, "stdout.jsonl")
	stream := readStream(idle, stdoutLog)
	closeQuietly(stdoutLog)

	waitErr := cmd.Wait()
	end := time.Now()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	timedOut := idle.Idled() || errors.Is(runCtx.Err(), context.DeadlineExceeded)

	slog.Debug("claude exited", "task", t.ID, "exit", exitCode, "events", stream.events,
		"bytes", len(stream.raw), "duration", end.Sub(start).Round(time.Millisecond))

	attemptErr := func(kind AttemptKind, err error) *AttemptError {
		return &AttemptError{TaskID: t.ID, Kind: kind, ExitCode: exitCode, Stderr: mon.Tail(), Err: err}
	}

	// an operator interrupt is not an outcome of the attempt
	if ctx.Err() != nil {
		return nil, attemptErr(KindCancelled, ctx.Err())
	}
	if mon.RateLimited() && stream.result == nil {
		ae := attemptErr(KindRateLimited, errors.New("usage limit reached"))
		ae.ResetsAt = mon.ResetsAt()
		return nil, ae
	}
	if len(stream.raw) == 0 {
		if timedOut {
			return nil, attemptErr(KindTimeout, fmt.Errorf("%w before timeout", ErrNoOutput))
		}
		if reason := mon.Connectivity(); reason != "" {
			return nil, attemptErr(KindNoOutput, fmt.Errorf("%w: %s", ErrNoOutput, reason))
		}
		return nil, attemptErr(KindNoOutput, ErrNoOutput)
	}
	// a killed agent's partial stream is not an outcome; it stays in
	// stdout.jsonl and the task runs again
	if stream.result == nil {
		switch {
		case timedOut:
			return nil, attemptErr(KindTimeout, fmt.Errorf("no result event before timeout (%d bytes of output)", len(stream.raw)))
		case killedBySignal(cmd.ProcessState):
			return nil, attemptErr(KindCrashed, fmt.Errorf("agent killed before reporting a result (%d bytes of output)", len(stream.raw)))
		}
	}

	diff, err := req.Workspace.Diff(ctx, r.capability.Target)
	if err != nil {
		return nil, attemptErr(KindWorkspace, fmt.Errorf("capture diff: %w", err))
	}

	rec := &task.Record{
		Config:          e.Name,
		TaskID:          t.ID,
		RunID:           req.RunID,
		StartedAt:       start,
		EndedAt:         end,
		WallTimeSeconds: end.Sub(start).Seconds(),
		ExitCode:        exitCode,
		RepoDir:         req.Workspace.Dir(),
		GitDiff:         diff,
		RawOutput:       string(stream.raw),
	}
	if stats, err := ComputeDiffStats(diff); err != nil {
		slog.Warn("cannot parse captured diff", "task", t.ID, "error", err)
	} else {
		rec.DiffStats = stats
	}

	switch {
	case stream.result == nil:
		rec.Status = task.StatusMalformed
		slog.Warn("agent output has no result event, keeping raw payload",
			"task", t.ID, "config", e.Name, "bytes", len(stream.raw), "exit", exitCode)
	default:
		res := stream.result
		rec.SessionID = res.SessionID
		rec.NumTurns = res.NumTurns
		rec.CostUSD = res.TotalCostUSD
		rec.AgentSubtype = res.Subtype
		rec.AgentIsError = res.IsError
		rec.ResultText = res.Result
		rec.Status = task.StatusSucceeded
		if artifact(t, rec) == "" {
			rec.Status = task.StatusNoOutput
		}
	}

	if waitErr != nil {
		slog.Warn("claude exited non-zero with output", "task", t.ID, "exit", exitCode, "error", waitErr)
	}
	return rec, nil
}

// killedBySignal reports whether the process ended without exiting on its
// own. ExitCode is -1 for a signalled or never-reaped process.
func killedBySignal(ps *os.ProcessState) bool {
	return ps == nil || ps.ExitCode() == -1
}

// artifact returns the part of the record the oracle grades.
func artifact(t *task.Task, rec *task.Record) string {
	if t.ArtifactKind() == task.KindAnswer {
		return strings.TrimSpace(rec.ResultText)
	}
	return strings.TrimSpace(rec.GitDiff)
}

type streamCapture struct {
	raw    []byte
	events int
	result *resultEvent
}

// readStream copies the agent's NDJSON stdout verbatim and picks out the
// last result event. Lines are read without a size cap; tool results can be
// arbitrarily long.
func readStream(r io.Reader, tee io.Writer) streamCapture {
	var (
		out streamCapture
		buf bytes.Buffer
	)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
			_, _ = tee.Write(line)
			parseLine(bytes.TrimSpace(line), &out)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("stdout read ended", "error", err)
			}
			break
		}
	}
	out.raw = buf.Bytes()
	return out
}

func parseLine(line []byte, out *streamCapture) {
	if len(line) == 0 {
		return
	}
	var ev resultEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		slog.Debug("unparseable jsonl line", "error", err)
		return
	}
	out.events++
	if ev.Type == "result" {
		out.result = &ev
	}
}

// newLogWriter creates a file for capturing agent output. Failure to create
// it is logged and the output is discarded.
func newLogWriter(dir, name string) io.Writer {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		slog.Warn("cannot create log file", "path", path, "error", err)
		return io.Discard
	}
	return f
}

func closeQuietly(w io.Writer) {
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}
