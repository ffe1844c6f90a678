package runner

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// ComputeDiffStats counts files and changed lines in a unified diff.
// An empty patch has no stats.
func ComputeDiffStats(patch string) (*task.DiffStats, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, nil
	}
	files, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, err
	}
	stats := &task.DiffStats{Files: len(files)}
	for _, fd := range files {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					stats.Added++
				case strings.HasPrefix(line, "-"):
					stats.Removed++
				}
			}
		}
	}
	return stats, nil
}
