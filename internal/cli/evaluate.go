package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/evaluate"
	"github.com/johnwbyrd/comprehend-benchmark/internal/grade"
)

func newEvaluateCmd() *cobra.Command {
	var (
		name       string
		runID      string
		dataset    string
		maxWorkers int
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Grade a configuration's patches with the evaluation harness",
		Long: `Evaluate rebuilds the predictions file from the records and runs the external
evaluation harness over it. The harness report is written to the
configuration's results directory, where 'cbench compare' finds it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := configName(name)
			if err != nil {
				return err
			}
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dataset") {
				s.Evaluate.Dataset = dataset
			}
			if cmd.Flags().Changed("max-workers") {
				s.Evaluate.MaxWorkers = maxWorkers
			}

			store, err := openStore(s)
			if err != nil {
				return err
			}
			dir := s.ConfigDir(name)
			sum, err := checkpoint.RebuildIndex(store, name, dir)
			_ = store.Close()
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			if sum.Total == 0 {
				return fmt.Errorf("configuration %s has no records to evaluate", name)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Evaluating %d predictions of %s\n\n", sum.Total, name)

			ctx, cancel := signalContext("interrupted: stopping the evaluation harness")
			defer cancel()

			res, err := evaluate.Run(ctx, evaluate.Options{
				Command:     s.Evaluate.Command,
				Dataset:     s.Evaluate.Dataset,
				Predictions: filepath.Join(dir, checkpoint.PredictionsFile),
				Config:      name,
				RunID:       runID,
				MaxWorkers:  s.Evaluate.MaxWorkers,
				Dir:         dir,
				Output:      out,
			})
			if err != nil {
				return err
			}

			rep, err := grade.LoadHarnessReport(res.ReportPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nResolved %d of %d submitted (%d graded) in %s\nReport: %s\n",
				len(rep.ResolvedIDs), rep.SubmittedInstances, rep.Graded(), res.Duration.Round(time.Second), res.ReportPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "config", "", "configuration name or JSON file")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&runID, "run-id", "", "harness run id (default: the configuration name)")
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name passed to the harness (overrides settings)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "harness parallelism (overrides settings)")

	return cmd
}
