package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/batch"
	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/metrics"
	"github.com/johnwbyrd/comprehend-benchmark/internal/reporter"
	"github.com/johnwbyrd/comprehend-benchmark/internal/runner"
	"github.com/johnwbyrd/comprehend-benchmark/internal/workspace"
)

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		targets     targetFlags
		workdir     string
		maxRuntime  time.Duration
		idleTimeout time.Duration
		dryRun      bool
		tuiMode     string
		withMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one configuration over the target tasks",
		Long: `Run attempts every target task that has no record for the configuration,
one at a time. Tasks already recorded are skipped, so running the same command
again after an interruption resumes the batch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workdir") {
				s.Workdir = workdir
			}
			if cmd.Flags().Changed("max-runtime") {
				s.Agent.MaxRuntime = maxRuntime
			}
			if cmd.Flags().Changed("idle-timeout") {
				s.Agent.IdleTimeout = idleTimeout
			}
			if cmd.Flags().Changed("tui") {
				s.TUI = tuiMode
			}
			if cmd.Flags().Changed("metrics") {
				s.Metrics = withMetrics
			}
			return runBatch(cmd.OutOrStdout(), s, configPath, &targets, dryRun)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "experiment configuration JSON")
	_ = cmd.MarkFlagRequired("config")
	targets.register(cmd, true)
	cmd.Flags().StringVar(&workdir, "workdir", config.DefaultWorkdir, "directory holding repository checkouts")
	cmd.Flags().DurationVar(&maxRuntime, "max-runtime", config.DefaultMaxRuntime, "per-attempt wall-clock limit")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", config.DefaultIdleTimeout, "kill the agent after no output for this duration")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show which tasks would run without running them")
	cmd.Flags().StringVar(&tuiMode, "tui", "auto", "display mode: full (interactive TUI), minimal (live status), off (no live display), auto (detect TTY)")
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "write a Prometheus textfile with batch metrics")

	return cmd
}

func runBatch(out io.Writer, s *config.Settings, configPath string, targets *targetFlags, dryRun bool) error {
	exp, err := config.LoadExperiment(configPath)
	if err != nil {
		return err
	}
	reg, err := targets.load()
	if err != nil {
		return err
	}
	tasks := reg.Tasks()

	store, err := openStore(s)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}()

	env, err := runner.ResolveEnv(s.Agent.Env)
	if err != nil {
		return fmt.Errorf("agent env: %w", err)
	}
	root, err := filepath.Abs(s.Workdir)
	if err != nil {
		return fmt.Errorf("resolve workdir: %w", err)
	}

	r := &batch.Runner{
		Store: store,
		Agent: runner.NewClaudeRunner(runner.ClaudeOptions{
			Command:     s.Agent.Command,
			Env:         env,
			MaxRuntime:  s.Agent.MaxRuntime,
			IdleTimeout: s.Agent.IdleTimeout,
			Capability:  runner.Capability{Source: s.Capability.Source, Target: s.Capability.Target},
		}),
		Acquire:    batch.GitAcquirer(&workspace.Git{Root: root, CloneBaseURL: s.CloneBaseURL}),
		Experiment: exp,
		ResultsDir: s.ConfigDir(exp.Name),
	}

	isTTY := isTerminal()
	textRep := reporter.NewTextReporter(out, isTTY)
	textRep.PrintHeader(exp, len(tasks))

	if dryRun {
		plan, err := r.Plan(tasks)
		if err != nil {
			return err
		}
		textRep.PrintDryRun(exp, plan)
		return nil
	}

	if s.Metrics {
		r.Metrics = metrics.NewBatch(exp.Name)
	}
	progress := reporter.NewProgress(exp.Name, taskIDs(tasks))
	r.OnUpdate = func(id string, res *batch.TaskResult) {
		slog.Debug("task update", "task", id, "outcome", res.Outcome)
		progress.Update(id, res)
	}

	ctx, cancel := signalContext("interrupted: stopping the running attempt, no record will be written")
	defer cancel()

	stopDisplay := startDisplay(out, s.TUI, isTTY, progress, cancel)
	report, runErr := r.Run(ctx, tasks)
	stopDisplay()

	if report == nil {
		return runErr
	}

	textRep.PrintInterrupted(report.Interrupted)
	textRep.PrintStatus(report)
	textRep.PrintSummary(report)

	reportPath := filepath.Join(r.ResultsDir, "reports", report.RunID+".json")
	if err := reporter.WriteJSON(report, reportPath); err != nil {
		slog.Warn("failed to write report", "error", err)
	} else {
		fmt.Fprintf(out, "\nReport: %s\n", reportPath)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("batch interrupted after %d of %d tasks", report.Completed+report.Skipped+report.Failed, report.Total)
		}
		return runErr
	}
	if report.Failed > 0 {
		return &AttemptsFailedError{Count: report.Failed}
	}
	return nil
}

// newTUIProgram builds the full-screen display, drawn on out.
func newTUIProgram(out io.Writer, progress *reporter.Progress, cancel context.CancelFunc, opts ...tea.ProgramOption) *tea.Program {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithOutput(out)}, opts...)
	return tea.NewProgram(reporter.NewTUIModel(progress, cancel), opts...)
}

// startDisplay starts the live display the mode selects and returns a
// function that stops it.
func startDisplay(out io.Writer, mode string, isTTY bool, progress *reporter.Progress, cancel context.CancelFunc) func() {
	if mode == "" || mode == "auto" {
		if isTTY {
			mode = "full"
		} else {
			mode = "off"
		}
	}

	switch mode {
	case "full":
		program := newTUIProgram(out, progress, cancel)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if _, err := program.Run(); err != nil {
				slog.Warn("TUI error", "error", err)
			}
		}()
		return func() {
			program.Quit()
			<-done
		}
	case "minimal":
		live := reporter.NewLiveReporter(out, isTTY, progress)
		live.Start()
		return live.Stop
	default:
		// "off" or unrecognized: no live display
		return func() {}
	}
}
