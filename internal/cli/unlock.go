package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/workspace"
)

func newUnlockCmd() *cobra.Command {
	var workdir string

	cmd := &cobra.Command{
		Use:   "unlock <owner/repo>",
		Short: "Remove a stale checkout lock file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workdir") {
				s.Workdir = workdir
			}
			repo := args[0]
			out := cmd.OutOrStdout()

			g := &workspace.Git{Root: s.Workdir}
			info, err := g.Unlock(repo)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintf(out, "No lock found for %s\n", repo)
					return nil
				}
				return err
			}

			fmt.Fprintf(out, "Removed lock for %s (was PID %d, task %s, since %s)\n",
				repo, info.PID, info.TaskID, info.StartedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&workdir, "workdir", "", "directory holding repository checkouts (overrides settings)")

	return cmd
}
