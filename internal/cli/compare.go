package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/compare"
	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/evaluate"
	"github.com/johnwbyrd/comprehend-benchmark/internal/grade"
	"github.com/johnwbyrd/comprehend-benchmark/internal/reporter"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

type compareOptions struct {
	baselinePath    string
	candidatePath   string
	baselineReport  string
	candidateReport string
	grader          string
	jsonPath        string
	strict          bool
	allowMismatch   bool
	overlap         float64
}

func newCompareCmd() *cobra.Command {
	var (
		opts    compareOptions
		targets targetFlags
	)

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare two configurations task by task",
		Long: `Compare pairs the records of a baseline and a candidate configuration over
the target tasks. Each task lands in exactly one bucket: both_pass,
only_baseline, only_candidate, both_fail, or incomplete when either side has
no record or no verdict.

Patch tasks are graded from the evaluation harness reports (see 'cbench
evaluate'); answer tasks against the oracle in the tasks file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			return runCompare(cmd, s, &opts, &targets)
		},
	}

	cmd.Flags().StringVar(&opts.baselinePath, "baseline", "", "baseline configuration JSON")
	cmd.Flags().StringVar(&opts.candidatePath, "candidate", "", "candidate configuration JSON")
	_ = cmd.MarkFlagRequired("baseline")
	_ = cmd.MarkFlagRequired("candidate")
	targets.register(cmd, true)
	cmd.Flags().StringVar(&opts.baselineReport, "baseline-report", "", "harness report for the baseline (default: from 'cbench evaluate')")
	cmd.Flags().StringVar(&opts.candidateReport, "candidate-report", "", "harness report for the candidate (default: from 'cbench evaluate')")
	cmd.Flags().StringVar(&opts.grader, "grader", "auto", "grader: auto, harness, answer or none")
	cmd.Flags().Float64Var(&opts.overlap, "overlap", grade.DefaultOverlap, "word overlap a free-text answer needs to pass")
	cmd.Flags().StringVar(&opts.jsonPath, "json", "", "also write the comparison as JSON to this path")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit non-zero when any task is incomplete")
	cmd.Flags().BoolVar(&opts.allowMismatch, "allow-mismatch", false, "compare configurations that differ beyond the comprehend flag")

	return cmd
}

func runCompare(cmd *cobra.Command, s *config.Settings, opts *compareOptions, targets *targetFlags) error {
	baseline, err := config.LoadExperiment(opts.baselinePath)
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}
	candidate, err := config.LoadExperiment(opts.candidatePath)
	if err != nil {
		return fmt.Errorf("candidate: %w", err)
	}
	reg, err := targets.load()
	if err != nil {
		return err
	}

	store, err := openStore(s)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	bRecs, cRecs, err := compare.LoadRecords(context.Background(), store, baseline.Name, candidate.Name)
	if err != nil {
		return err
	}

	bGrader, err := buildGrader(opts.grader, reportPath(s, baseline.Name, opts.baselineReport), opts.overlap)
	if err != nil {
		return fmt.Errorf("baseline grader: %w", err)
	}
	cGrader, err := buildGrader(opts.grader, reportPath(s, candidate.Name, opts.candidateReport), opts.overlap)
	if err != nil {
		return fmt.Errorf("candidate grader: %w", err)
	}

	res, err := compare.Compare(compare.Input{
		Tasks:         reg.Tasks(),
		Baseline:      compare.Arm{Experiment: baseline, Records: bRecs, Grader: bGrader},
		Candidate:     compare.Arm{Experiment: candidate, Records: cRecs, Grader: cGrader},
		AllowMismatch: opts.allowMismatch,
	})
	if err != nil {
		return err
	}

	reporter.NewTextReporter(cmd.OutOrStdout(), isTerminal()).PrintComparison(res)

	if opts.jsonPath != "" {
		if err := reporter.WriteJSON(res, opts.jsonPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nComparison: %s\n", opts.jsonPath)
	}

	if opts.strict && !res.Complete() {
		return &IncompleteError{IDs: res.IncompleteIDs()}
	}
	return nil
}

// reportPath returns the explicit report path or where 'cbench evaluate'
// leaves the harness report for a configuration.
func reportPath(s *config.Settings, name, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return evaluate.ReportPath(s.ConfigDir(name), name, name)
}

// buildGrader assembles the grader a mode names. In auto mode a missing
// harness report leaves patch tasks ungraded rather than failing.
func buildGrader(mode, harnessReport string, overlap float64) (grade.Grader, error) {
	answer := grade.AnswerMatch{Threshold: overlap}

	loadHarness := func(required bool) (grade.Grader, error) {
		rep, err := grade.LoadHarnessReport(harnessReport)
		if err == nil {
			slog.Debug("loaded harness report", "path", harnessReport, "graded", rep.Graded())
			return rep, nil
		}
		if !required && errors.Is(err, os.ErrNotExist) {
			slog.Warn("no harness report; patch tasks stay ungraded", "path", harnessReport)
			return nil, nil
		}
		return nil, err
	}

	switch mode {
	case "auto", "":
		harness, err := loadHarness(false)
		if err != nil {
			return nil, err
		}
		g := grade.ByKind{task.KindAnswer: answer}
		if harness != nil {
			g[task.KindPatch] = harness
		}
		return g, nil
	case "harness":
		harness, err := loadHarness(true)
		if err != nil {
			return nil, err
		}
		return grade.ByKind{task.KindPatch: harness}, nil
	case "answer":
		return grade.ByKind{task.KindAnswer: answer}, nil
	case "none":
		return grade.Status{}, nil
	default:
		return nil, fmt.Errorf("unknown grader %q (want auto, harness, answer or none)", mode)
	}
}
