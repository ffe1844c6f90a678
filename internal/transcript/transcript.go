// Package transcript copies the agent's session transcripts into the results
// tree, renamed from session id to task id. Sources are never modified.
package transcript

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/johnwbyrd/comprehend-benchmark/internal/runner"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// ProjectDirName returns the directory name the agent keeps a project's
// sessions under: the absolute path with every "/" and "_" replaced by "-".
func ProjectDirName(repoDir string) string {
	return strings.NewReplacer("/", "-", "_", "-").Replace(repoDir)
}

// Stats counts what a harvest did.
type Stats struct {
	Copied    int      `json:"copied"`
	Present   int      `json:"present"` // already harvested earlier
	Subagents int      `json:"subagents"`
	Missing   int      `json:"missing"`
	Errors    []string `json:"errors,omitempty"`
}

// Harvest copies <projectsDir>/<project>/<session>.jsonl to
// <destDir>/<task>.jsonl for every record, and the session's subagent
// directory to <destDir>/<task>/ when one exists. Existing destinations are
// left alone, so running it again only picks up new sessions.
func Harvest(records map[string]*task.Record, projectsDir, destDir string) (*Stats, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcripts dir: %w", err)
	}
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	st := &Stats{}
	for _, id := range ids {
		rec := records[id]
		switch {
		case rec.SessionID == "":
			st.Errors = append(st.Errors, id+": record has no session id")
			continue
		case rec.RepoDir == "":
			st.Errors = append(st.Errors, id+": record has no repo dir")
			continue
		}
		project := filepath.Join(projectsDir, ProjectDirName(rec.RepoDir))
		src := filepath.Join(project, rec.SessionID+".jsonl")
		dst := filepath.Join(destDir, id+".jsonl")

		switch _, err := os.Stat(dst); {
		case err == nil:
			st.Present++
		case !errors.Is(err, os.ErrNotExist):
			return st, fmt.Errorf("stat %s: %w", dst, err)
		default:
			info, err := os.Stat(src)
			if err != nil {
				st.Missing++
				st.Errors = append(st.Errors, fmt.Sprintf("%s: transcript %s.jsonl not found in %s", id, rec.SessionID, project))
				continue
			}
			if err := runner.CopyFile(src, dst, info.Mode().Perm()); err != nil {
				return st, fmt.Errorf("copy transcript %s: %w", id, err)
			}
			st.Copied++
			slog.Debug("harvested transcript", "task", id, "session", rec.SessionID, "bytes", info.Size())
		}

		subSrc := filepath.Join(project, rec.SessionID)
		subDst := filepath.Join(destDir, id)
		if info, err := os.Stat(subSrc); err == nil && info.IsDir() {
			if _, err := os.Stat(subDst); errors.Is(err, os.ErrNotExist) {
				if err := runner.CopyTree(subSrc, subDst); err != nil {
					return st, fmt.Errorf("copy subagent transcripts %s: %w", id, err)
				}
				st.Subagents++
			}
		}
	}
	return st, nil
}

// Remove deletes the harvested transcript of taskID and its subagent
// directory from destDir, so a later harvest copies the session of the
// task's next record. It reports whether anything was removed.
func Remove(destDir, taskID string) (bool, error) {
	removed := false
	for _, p := range []string{filepath.Join(destDir, taskID+".jsonl"), filepath.Join(destDir, taskID)} {
		if _, err := os.Lstat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, err
		}
		if err := os.RemoveAll(p); err != nil {
			return removed, fmt.Errorf("remove transcript %s: %w", taskID, err)
		}
		removed = true
	}
	return removed, nil
}

// Session is a transcript file in a project directory.
type Session struct {
	Project   string
	SessionID string
	Path      string
}

// Unmapped lists sessions in the project directories of the given records
// that no record refers to, such as sessions of attempts that produced no
// record. Pass every configuration's records so sessions of one arm are not
// reported as unmapped for the other.
func Unmapped(projectsDir string, recordSets ...map[string]*task.Record) ([]Session, error) {
	mapped := make(map[string]struct{})
	projects := make(map[string]struct{})
	for _, set := range recordSets {
		for _, rec := range set {
			if rec.SessionID != "" {
				mapped[rec.SessionID] = struct{}{}
			}
			if rec.RepoDir != "" {
				projects[ProjectDirName(rec.RepoDir)] = struct{}{}
			}
		}
	}

	var out []Session
	for project := range projects {
		dir := filepath.Join(projectsDir, project)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read project dir: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			sid := strings.TrimSuffix(name, ".jsonl")
			if _, ok := mapped[sid]; ok {
				continue
			}
			out = append(out, Session{Project: project, SessionID: sid, Path: filepath.Join(dir, name)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// CopyUnmapped copies sessions to <dir>/<project>_<session>.jsonl, skipping
// ones already there, and returns how many it copied.
func CopyUnmapped(sessions []Session, dir string) (int, error) {
	if len(sessions) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create unmapped dir: %w", err)
	}
	n := 0
	for _, s := range sessions {
		dst := filepath.Join(dir, s.Project+"_"+s.SessionID+".jsonl")
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		info, err := os.Stat(s.Path)
		if err != nil {
			return n, fmt.Errorf("stat %s: %w", s.Path, err)
		}
		if err := runner.CopyFile(s.Path, dst, info.Mode().Perm()); err != nil {
			return n, fmt.Errorf("copy %s: %w", s.Path, err)
		}
		n++
	}
	return n, nil
}
