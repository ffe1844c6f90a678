package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
)

func newValidateCmd() *cobra.Command {
	var (
		baselinePath  string
		candidatePath string
		targets       targetFlags
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configurations and the task set without running anything",
		Long: `Validate loads the given configurations and tasks file. With both
--baseline and --candidate it also checks that the pair differs only in the
comprehend flag.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if baselinePath == "" && candidatePath == "" && !targets.set() {
				return errors.New("nothing to validate: pass --baseline, --candidate or --tasks")
			}
			out := cmd.OutOrStdout()

			var exps []*config.Experiment
			for _, p := range []string{baselinePath, candidatePath} {
				if p == "" {
					continue
				}
				exp, err := config.LoadExperiment(p)
				if err != nil {
					return err
				}
				exps = append(exps, exp)
				fmt.Fprintf(out, "✓ %s: %s, model %s, max %d turns, %s\n",
					p, exp.Name, exp.Model, exp.MaxTurns, onOff(exp.Comprehend))
			}
			if len(exps) == 2 {
				if err := config.ValidatePair(exps[0], exps[1]); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ %s and %s differ only in the comprehend flag\n", exps[0].Name, exps[1].Name)
			}

			if targets.set() {
				reg, err := targets.load()
				if err != nil {
					return err
				}
				repos := make(map[string]struct{})
				for _, t := range reg.Tasks() {
					repos[t.Repo] = struct{}{}
				}
				fmt.Fprintf(out, "✓ %s: %d tasks across %d repos\n", targets.tasksFile, reg.Len(), len(repos))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baselinePath, "baseline", "", "baseline configuration JSON")
	cmd.Flags().StringVar(&candidatePath, "candidate", "", "candidate configuration JSON")
	targets.register(cmd, false)

	return cmd
}

func onOff(comprehend bool) string {
	if comprehend {
		return "comprehend on"
	}
	return "comprehend off"
}
