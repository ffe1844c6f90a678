package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
)

func newIndexCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild the predictions and summary files from the records",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := configName(name)
			if err != nil {
				return err
			}
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			dir := s.ConfigDir(name)
			sum, err := checkpoint.RebuildIndex(store, name, dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d records (%d succeeded, %d no output, %d malformed)\n",
				name, sum.Total, sum.Succeeded, sum.NoOutput, sum.Malformed)
			fmt.Fprintf(out, "  %s\n  %s\n",
				filepath.Join(dir, checkpoint.PredictionsFile), filepath.Join(dir, checkpoint.SummaryFile))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "config", "", "configuration name or JSON file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
