package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version, Commit and BuildDate are set via LDFLAGS at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	verbose      bool
	settingsFile string
	resultsDir   string
	storeBackend string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cbench",
		Short: "A/B experiment harness for a coding agent",
		Long: `cbench runs the claude CLI over benchmark tasks under named configurations,
records one immutable result per (configuration, task), and compares two
configurations task by task.

Every batch is resumable: a task with a record is never run again, so an
interrupted batch is finished by running the same command again.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&settingsFile, "settings", ".cbench.yml", "path to settings file")
	root.PersistentFlags().StringVar(&resultsDir, "results-dir", "", "results root (overrides settings)")
	root.PersistentFlags().StringVar(&storeBackend, "store", "", "record store: file, sqlite or badger (overrides settings)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newCompareCmd())
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newHarvestCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newUnlockCmd())
	root.AddCommand(newVersionCmd())

	return root
}
