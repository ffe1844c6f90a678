package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/reporter"
)

func newWatchCmd() *cobra.Command {
	var (
		name    string
		targets targetFlags
		rebuild bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a configuration's records as a batch writes them",
		Long: `Watch prints each record of a configuration as it is published, with running
counts. It reads the file store's records directory and never touches the
batch. With --tasks it stops once every target task is recorded; with
--rebuild it regenerates the index after each change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := configName(name)
			if err != nil {
				return err
			}
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if s.Store != checkpoint.BackendFile {
				return fmt.Errorf("watch follows the file store; the %s store keeps no records directory", s.Store)
			}
			fs, err := checkpoint.NewFileStore(s.ResultsDir)
			if err != nil {
				return err
			}

			var ids []string
			if targets.set() {
				reg, err := targets.load()
				if err != nil {
					return err
				}
				ids = taskIDs(reg.Tasks())
			}

			w := reporter.NewRecordWatcher(cmd.OutOrStdout(), isTerminal(), fs.RecordsDir(name), ids)
			if rebuild {
				dir := s.ConfigDir(name)
				w.OnChange = func() {
					if _, err := checkpoint.RebuildIndex(fs, name, dir); err != nil {
						slog.Warn("rebuild index failed", "dir", filepath.Clean(dir), "error", err)
					}
				}
			}

			ctx, cancel := signalContext("")
			defer cancel()
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&name, "config", "", "configuration name or JSON file")
	_ = cmd.MarkFlagRequired("config")
	targets.register(cmd, false)
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild predictions and summary after each change")

	return cmd
}
