package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the recorded outcome of an attempt.
type Status string

const (
	// StatusSucceeded: the agent reported a result and produced a non-empty artifact.
	StatusSucceeded Status = "succeeded"
	// StatusNoOutput: the agent reported a result but the artifact is empty.
	StatusNoOutput Status = "no_output"
	// StatusMalformed: stdout was present but held no parseable result event.
	StatusMalformed Status = "malformed"
)

// ToolFailure reports whether the attempt failed before producing an artifact
// the oracle could grade.
func (s Status) ToolFailure() bool {
	return s == StatusNoOutput || s == StatusMalformed
}

// DiffStats summarizes a patch artifact.
type DiffStats struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Record is the durable outcome of one attempt, keyed by (Config, TaskID).
// Once written it is never modified; deleting it is the only way to force a
// re-run.
type Record struct {
	Config string `json:"config"`
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id,omitempty"`
	Status Status `json:"status"`

	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	WallTimeSeconds float64   `json:"wall_time_seconds"`

	CostUSD      *float64 `json:"cost_usd,omitempty"`
	NumTurns     int      `json:"num_turns"`
	SessionID    string   `json:"session_id,omitempty"`
	AgentSubtype string   `json:"agent_subtype,omitempty"`
	AgentIsError bool     `json:"agent_is_error,omitempty"`
	ExitCode     int      `json:"exit_code"`

	RepoDir    string     `json:"repo_dir,omitempty"`
	ResultText string     `json:"result_text,omitempty"`
	GitDiff    string     `json:"git_diff,omitempty"`
	DiffStats  *DiffStats `json:"diff_stats,omitempty"`

	RawOutput string `json:"raw_output"`
	Checksum  string `json:"checksum,omitempty"`
}

// Cost returns the reported cost, or zero when none was reported.
func (r *Record) Cost() float64 {
	if r.CostUSD == nil {
		return 0
	}
	return *r.CostUSD
}

// ComputeChecksum returns the sha256 of the record's canonical JSON with the
// checksum field cleared.
func (r *Record) ComputeChecksum() (string, error) {
	cpy := *r
	cpy.Checksum = ""
	data, err := json.Marshal(&cpy)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal normalizes timestamps to UTC and sets the checksum. Timestamps are
// normalized so the checksum survives a JSON round trip.
func (r *Record) Seal() error {
	r.StartedAt = r.StartedAt.UTC().Round(0)
	r.EndedAt = r.EndedAt.UTC().Round(0)
	sum, err := r.ComputeChecksum()
	if err != nil {
		return err
	}
	r.Checksum = sum
	return nil
}

// Verify checks the stored checksum. Records without one are accepted.
func (r *Record) Verify() error {
	if r.Checksum == "" {
		return nil
	}
	sum, err := r.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != r.Checksum {
		return fmt.Errorf("checksum mismatch for %s/%s", r.Config, r.TaskID)
	}
	return nil
}

// Encode renders the record in its on-disk form.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeRecord parses a record and verifies its checksum.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if err := r.Verify(); err != nil {
		return nil, err
	}
	return &r, nil
}
