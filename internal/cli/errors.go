package cli

import (
	"fmt"
	"strings"
)

// AttemptsFailedError is returned when a batch finished but some attempts
// produced no record. Those tasks run again on the next batch.
type AttemptsFailedError struct {
	Count int
}

func (e *AttemptsFailedError) Error() string {
	return fmt.Sprintf("%d attempts produced no record; run the batch again to retry them", e.Count)
}

// IncompleteError is returned by compare --strict when some tasks have no
// paired verdict.
type IncompleteError struct {
	IDs []string
}

func (e *IncompleteError) Error() string {
	const shown = 10
	ids := e.IDs
	suffix := ""
	if len(ids) > shown {
		suffix = fmt.Sprintf(", ... (%d more)", len(ids)-shown)
		ids = ids[:shown]
	}
	return fmt.Sprintf("comparison incomplete: %d tasks without a paired verdict: %s%s",
		len(e.IDs), strings.Join(ids, ", "), suffix)
}
