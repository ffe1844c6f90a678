package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// loadSettings reads the settings file and applies the persistent overrides.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	s, err := config.LoadSettings(settingsFile)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if cmd.Flags().Changed("results-dir") {
		s.ResultsDir = resultsDir
	}
	if cmd.Flags().Changed("store") {
		s.Store = storeBackend
	}
	return s, nil
}

// openStore opens the record store the settings name.
func openStore(s *config.Settings) (checkpoint.Store, error) {
	store, err := checkpoint.Open(s.Store, s.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.Store, err)
	}
	return store, nil
}

// configName accepts a configuration name or a path to its JSON file.
func configName(v string) (string, error) {
	if strings.HasSuffix(v, ".json") {
		exp, err := config.LoadExperiment(v)
		if err != nil {
			return "", err
		}
		return exp.Name, nil
	}
	if v == "" {
		return "", fmt.Errorf("configuration name is required")
	}
	return v, nil
}

// targetFlags select the target set: a tasks file narrowed by a sample
// file, explicit ids and repos.
type targetFlags struct {
	tasksFile string
	sample    string
	ids       []string
	repos     []string
}

func (f *targetFlags) register(cmd *cobra.Command, required bool) {
	cmd.Flags().StringVar(&f.tasksFile, "tasks", "", "tasks JSON file or dataset .jsonl")
	cmd.Flags().StringVar(&f.sample, "sample", "", "JSON array of task ids to select")
	cmd.Flags().StringSliceVar(&f.ids, "task", nil, "run only these task ids (overrides --sample)")
	cmd.Flags().StringSliceVar(&f.repos, "repo", nil, "only tasks of these repos")
	if required {
		_ = cmd.MarkFlagRequired("tasks")
	}
}

func (f *targetFlags) set() bool { return f.tasksFile != "" }

// load returns the selected tasks in registry order.
func (f *targetFlags) load() (*task.Registry, error) {
	reg, err := config.LoadRegistry(f.tasksFile)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	ids := f.ids
	if len(ids) == 0 && f.sample != "" {
		if ids, err = config.LoadSample(f.sample); err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 && len(f.repos) == 0 {
		return reg, nil
	}
	sub, err := reg.Subset(ids, f.repos)
	if err != nil {
		return nil, err
	}
	if sub.Len() == 0 {
		return nil, fmt.Errorf("no tasks match the selection")
	}
	return sub, nil
}

// signalContext is cancelled on the first interrupt.
func signalContext(msg string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		select {
		case <-sigCh:
			if msg != "" {
				fmt.Fprintln(os.Stderr, "\n"+msg)
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// isTerminal checks if stdout is a terminal.
func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func taskIDs(tasks []task.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
