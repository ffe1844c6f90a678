package reporter

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/johnwbyrd/comprehend-benchmark/internal/state"
)

// WriteJSON writes v as indented JSON to path, creating parent directories.
// The file is replaced atomically.
func WriteJSON(v any, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')

	if err := state.WriteFileAtomic(filepath.Clean(path), data); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
