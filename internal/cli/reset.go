package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/transcript"
)

func newResetCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "reset <task-id>...",
		Short: "Delete records so their tasks run again",
		Long: `Reset deletes the records of the named tasks for one configuration. The next
batch of that configuration attempts them again. Harvested transcripts of
those tasks are deleted with them and the index is rebuilt afterwards.`,
		Args: cobra.MinimumNArgs(1),
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

			out := cmd.OutOrStdout()
			transcripts := filepath.Join(s.ConfigDir(name), "transcripts")
			removed := 0
			for _, id := range args {
				if _, err := transcript.Remove(transcripts, id); err != nil {
					return fmt.Errorf("reset %s: %w", id, err)
				}
				err := store.Remove(name, id)
				switch {
				case errors.Is(err, checkpoint.ErrNotFound):
					fmt.Fprintf(out, "No record for %s/%s\n", name, id)
				case err != nil:
					return fmt.Errorf("reset %s: %w", id, err)
				default:
					removed++
					fmt.Fprintf(out, "Reset %s/%s\n", name, id)
				}
			}
			if removed == 0 {
				return nil
			}
			if _, err := checkpoint.RebuildIndex(store, name, s.ConfigDir(name)); err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "config", "", "configuration name or JSON file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
