package grade

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/johnwbyrd/comprehend-benchmark/internal/state"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// HarnessReport is the summary the SWE-bench evaluation harness writes after
// grading a predictions file.
type HarnessReport struct {
	TotalInstances     int      `json:"total_instances"`
	SubmittedInstances int      `json:"submitted_instances"`
	CompletedInstances int      `json:"completed_instances"`
	ResolvedInstances  int      `json:"resolved_instances"`
	ResolvedIDs        []string `json:"resolved_ids"`
	UnresolvedIDs      []string `json:"unresolved_ids"`
	ErrorIDs           []string `json:"error_ids"`
	EmptyPatchIDs      []string `json:"empty_patch_ids"`
	IncompleteIDs      []string `json:"incomplete_ids"`

	// Patches maps task id to the digest of the patch the harness graded.
	// Nil when no digest file sits next to the report.
	Patches map[string]string `json:"-"`
	// ModTime is when the report was written.
	ModTime time.Time `json:"-"`

	verdicts map[string]Verdict
}

// PatchDigest identifies a patch artifact.
func PatchDigest(patch string) string {
	sum := sha256.Sum256([]byte(patch))
	return hex.EncodeToString(sum[:])
}

// PatchesPath is the digest file kept next to a harness report.
func PatchesPath(reportPath string) string {
	return strings.TrimSuffix(reportPath, ".json") + ".patches.json"
}

// WritePatchDigests stores the digests of the patches a report grades.
func WritePatchDigests(path string, digests map[string]string) error {
	data, err := json.MarshalIndent(digests, "", "  ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(path, append(data, '\n'))
}

// LoadPatchDigests reads a digest file written by WritePatchDigests.
func LoadPatchDigests(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse patch digests %s: %w", path, err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

// LoadHarnessReport reads a harness report file.
func LoadHarnessReport(path string) (*HarnessReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read harness report: %w", err)
	}
	var r HarnessReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse harness report %s: %w", path, err)
	}
	if err := r.index(); err != nil {
		return nil, fmt.Errorf("harness report %s: %w", path, err)
	}
	if fi, err := os.Stat(path); err == nil {
		r.ModTime = fi.ModTime()
	}
	patches, err := LoadPatchDigests(PatchesPath(path))
	switch {
	case err == nil:
		r.Patches = patches
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	return &r, nil
}

// index builds the verdict map. A task listed as both resolved and not
// resolved means the report is unusable.
func (r *HarnessReport) index() error {
	r.verdicts = make(map[string]Verdict)
	set := func(ids []string, v Verdict) error {
		for _, id := range ids {
			if prev, ok := r.verdicts[id]; ok && prev != v {
				return fmt.Errorf("task %s is listed as both %s and %s", id, prev, v)
			}
			r.verdicts[id] = v
		}
		return nil
	}
	if err := set(r.ResolvedIDs, Pass); err != nil {
		return err
	}
	// the harness counts patches that fail to apply or evaluate, and empty
	// patches, as unresolved
	for _, ids := range [][]string{r.UnresolvedIDs, r.ErrorIDs, r.EmptyPatchIDs} {
		if err := set(ids, Fail); err != nil {
			return err
		}
	}
	return nil
}

// Verdict returns Pass for resolved tasks, Fail for tasks the harness
// evaluated without resolving, and Unknown for tasks it never evaluated.
// A verdict only holds for the patch that was graded: when rec carries a
// different patch (or, without digests, ended after the report was written)
// the result is Unknown.
func (r *HarnessReport) Verdict(t *task.Task, rec *task.Record) Verdict {
	if r.verdicts == nil {
		if err := r.index(); err != nil {
			return Unknown
		}
	}
	v := r.verdicts[t.ID]
	if v == Unknown || rec == nil {
		return v
	}
	if r.Patches != nil {
		if digest, ok := r.Patches[t.ID]; !ok || digest != PatchDigest(rec.GitDiff) {
			return Unknown
		}
		return v
	}
	if !r.ModTime.IsZero() && rec.EndedAt.After(r.ModTime) {
		return Unknown
	}
	return v
}

// Graded returns how many tasks the report has a verdict for.
func (r *HarnessReport) Graded() int {
	if r.verdicts == nil {
		_ = r.index()
	}
	return len(r.verdicts)
}
