package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
	"github.com/johnwbyrd/comprehend-benchmark/internal/transcript"
)

func newHarvestCmd() *cobra.Command {
	var (
		names       []string
		projectsDir string
		unmapped    bool
	)

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Copy agent session transcripts into the results tree",
		Long: `Harvest copies the agent's session transcript of every record to
<results>/<config>/transcripts/<task>.jsonl. Sources are never modified and
transcripts already harvested are left alone.

With --unmapped, sessions in the same project directories that no record of
any listed configuration refers to (attempts that produced no record) are
copied to <results>/unmapped_transcripts/. List every configuration so one
arm's sessions are not mistaken for unmapped ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("claude-projects-dir") {
				s.ClaudeProjectsDir = projectsDir
			}
			if s.ClaudeProjectsDir == "" {
				return fmt.Errorf("no agent projects directory; pass --claude-projects-dir")
			}

			store, err := openStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			out := cmd.OutOrStdout()
			var sets []map[string]*task.Record
			for _, raw := range names {
				name, err := configName(raw)
				if err != nil {
					return err
				}
				records, err := store.ReadAll(name)
				if err != nil {
					return fmt.Errorf("read %s records: %w", name, err)
				}
				sets = append(sets, records)

				dest := filepath.Join(s.ConfigDir(name), "transcripts")
				st, err := transcript.Harvest(records, s.ClaudeProjectsDir, dest)
				if err != nil {
					return fmt.Errorf("harvest %s: %w", name, err)
				}
				fmt.Fprintf(out, "%s: %d copied, %d already present, %d subagent dirs, %d missing\n",
					name, st.Copied, st.Present, st.Subagents, st.Missing)
				for _, msg := range st.Errors {
					fmt.Fprintf(out, "  %s\n", msg)
				}
			}

			if !unmapped {
				return nil
			}
			sessions, err := transcript.Unmapped(s.ClaudeProjectsDir, sets...)
			if err != nil {
				return err
			}
			n, err := transcript.CopyUnmapped(sessions, filepath.Join(s.ResultsDir, "unmapped_transcripts"))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "unmapped: %d sessions, %d newly copied\n", len(sessions), n)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&names, "config", nil, "configuration names or JSON files (repeatable)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&projectsDir, "claude-projects-dir", "", "agent projects directory (default ~/.claude/projects)")
	cmd.Flags().BoolVar(&unmapped, "unmapped", false, "also copy sessions no record refers to")

	return cmd
}
