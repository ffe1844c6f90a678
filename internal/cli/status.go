package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/reporter"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

func newStatusCmd() *cobra.Command {
	var (
		name    string
		targets targetFlags
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the records of a configuration",
		Long: `Status lists one line per record of a configuration. With --tasks, every
target task is listed and tasks without a record are shown as pending.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd, name, &targets)
		},
	}

	cmd.Flags().StringVar(&name, "config", "", "configuration name or JSON file")
	_ = cmd.MarkFlagRequired("config")
	targets.register(cmd, false)

	return cmd
}

func showStatus(cmd *cobra.Command, nameOrPath string, targets *targetFlags) error {
	name, err := configName(nameOrPath)
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

	records, err := store.ReadAll(name)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}

	var ids []string
	if targets.set() {
		reg, err := targets.load()
		if err != nil {
			return err
		}
		ids = taskIDs(reg.Tasks())
	} else {
		for id := range records {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	out := cmd.OutOrStdout()
	reporter.NewTextReporter(out, isTerminal()).PrintRecords(name, ids, records)
	printOutside(out, ids, records)
	return nil
}

// printOutside notes records whose task is not in the listed set.
func printOutside(w io.Writer, ids []string, records map[string]*task.Record) {
	listed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		listed[id] = struct{}{}
	}
	var extra []string
	for id := range records {
		if _, ok := listed[id]; !ok {
			extra = append(extra, id)
		}
	}
	if len(extra) == 0 {
		return
	}
	sort.Strings(extra)
	fmt.Fprintf(w, "\n%d records outside the target set: %s\n", len(extra), strings.Join(extra, ", "))
}
