// Package workspace prepares git checkouts for attempts. Every Acquire resets
// the checkout to the task's base commit and proves the tree is clean; any
// step that fails is reported loudly as a PreconditionError.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// PreconditionError reports a checkout that could not be brought to a clean
// base state. Attempts must not run on such a checkout.
type PreconditionError struct {
	Repo   string
	Step   string
	Stderr string
	Err    error
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("workspace %s: %s: %v", e.Repo, e.Step, e.Err)
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// Git manages one checkout per repository under Root.
type Git struct {
	Root         string
	CloneBaseURL string // clone URL is <CloneBaseURL>/<owner>/<name>.git
}

// RepoPath returns the checkout directory for "owner/name".
func (g *Git) RepoPath(repo string) string {
	return filepath.Join(g.Root, strings.ReplaceAll(repo, "/", "__"))
}

// LockPath returns the lock file guarding a checkout. It lives beside the
// checkout so git clean never touches it.
func (g *Git) LockPath(repo string) string {
	return g.RepoPath(repo) + ".lock"
}

// Unlock removes a checkout lock left by a crashed process.
func (g *Git) Unlock(repo string) (*LockInfo, error) {
	path := g.LockPath(repo)
	info, err := ReadLock(path)
	if err != nil {
		return nil, err
	}
	if isProcessAlive(info.PID) {
		return info, fmt.Errorf("lock %s is held by live PID %d", path, info.PID)
	}
	releaseLock(path)
	return info, nil
}

// Acquire locks the checkout for t.Repo, cloning it if needed, and resets it
// to t.BaseCommit. Callers must Release the returned workspace.
func (g *Git) Acquire(ctx context.Context, t *task.Task) (*Workspace, error) {
	if err := checkRepoName(t.Repo); err != nil {
		return nil, &PreconditionError{Repo: t.Repo, Step: "validate", Err: err}
	}
	if err := os.MkdirAll(g.Root, 0o755); err != nil {
		return nil, &PreconditionError{Repo: t.Repo, Step: "workdir", Err: err}
	}

	lockPath := g.LockPath(t.Repo)
	if err := acquireLock(lockPath, t.ID); err != nil {
		return nil, &PreconditionError{Repo: t.Repo, Step: "lock", Err: err}
	}
	ws := &Workspace{
		dir:      g.RepoPath(t.Repo),
		repo:     t.Repo,
		base:     t.BaseCommit,
		lockPath: lockPath,
	}
	if err := g.prepare(ctx, ws); err != nil {
		ws.Release()
		return nil, err
	}
	return ws, nil
}

func (g *Git) prepare(ctx context.Context, ws *Workspace) error {
	fail := func(step string, err error) error {
		pe := &PreconditionError{Repo: ws.repo, Step: step, Err: err}
		var ge *gitError
		if errors.As(err, &ge) {
			pe.Stderr = ge.stderr
		}
		return pe
	}

	if _, err := os.Stat(filepath.Join(ws.dir, ".git")); errors.Is(err, os.ErrNotExist) {
		url := strings.TrimSuffix(g.CloneBaseURL, "/") + "/" + ws.repo + ".git"
		slog.Info("cloning repository", "repo", ws.repo, "url", url, "dir", ws.dir)
		if _, err := runGit(ctx, g.Root, "clone", "--quiet", url, ws.dir); err != nil {
			return fail("clone", err)
		}
	}

	if _, err := runGit(ctx, ws.dir, "cat-file", "-e", ws.base+"^{commit}"); err != nil {
		slog.Info("base commit not present, fetching", "repo", ws.repo, "commit", ws.base)
		if _, err := runGit(ctx, ws.dir, "fetch", "--quiet", "origin"); err != nil {
			return fail("fetch", err)
		}
		if _, err := runGit(ctx, ws.dir, "cat-file", "-e", ws.base+"^{commit}"); err != nil {
			return fail("resolve base commit", err)
		}
	}

	// each step must succeed; a skipped reset leaves the previous task's edits
	steps := [][]string{
		{"reset", "--hard", "--quiet"},
		{"checkout", "--quiet", "--detach", ws.base},
		{"clean", "-ffdxq"},
	}
	for _, args := range steps {
		if _, err := runGit(ctx, ws.dir, args...); err != nil {
			return fail(args[0], err)
		}
	}

	status, err := runGit(ctx, ws.dir, "status", "--porcelain", "--ignored")
	if err != nil {
		return fail("status", err)
	}
	if s := strings.TrimSpace(status); s != "" {
		return fail("verify clean tree", fmt.Errorf("tree not clean after reset:\n%s", s))
	}
	head, err := runGit(ctx, ws.dir, "rev-parse", "HEAD")
	if err != nil {
		return fail("verify head", err)
	}
	want, err := runGit(ctx, ws.dir, "rev-parse", ws.base+"^{commit}")
	if err != nil {
		return fail("verify head", err)
	}
	if strings.TrimSpace(head) != strings.TrimSpace(want) {
		return fail("verify head", fmt.Errorf("HEAD is %s, want %s", strings.TrimSpace(head), strings.TrimSpace(want)))
	}
	return nil
}

// Workspace is a locked checkout at a task's base commit.
type Workspace struct {
	dir      string
	repo     string
	base     string
	lockPath string
}

// Dir returns the checkout directory.
func (w *Workspace) Dir() string { return w.dir }

// Base returns the base commit the checkout was reset to.
func (w *Workspace) Base() string { return w.base }

// Diff stages every change in the checkout and returns the diff against the
// base commit, leaving out the excluded paths.
func (w *Workspace) Diff(ctx context.Context, excludes ...string) (string, error) {
	pathspec := []string{"--", "."}
	for _, ex := range excludes {
		if ex != "" {
			pathspec = append(pathspec, ":(exclude)"+ex)
		}
	}
	if _, err := runGit(ctx, w.dir, append([]string{"add", "-A"}, pathspec...)...); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	args := append([]string{"diff", "--cached", "--no-color", "--no-ext-diff", w.base}, pathspec...)
	out, err := runGit(ctx, w.dir, args...)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	return out, nil
}

// Release unlocks the checkout. It is idempotent.
func (w *Workspace) Release() {
	releaseLock(w.lockPath)
}

func checkRepoName(repo string) error {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") ||
		owner == "." || owner == ".." || name == "." || name == ".." {
		return fmt.Errorf("repository %q is not of the form owner/name", repo)
	}
	return nil
}

type gitError struct {
	args   []string
	stderr string
	err    error
}

func (e *gitError) Error() string {
	return fmt.Sprintf("git %s: %v", strings.Join(e.args, " "), e.err)
}

func (e *gitError) Unwrap() error { return e.err }

// runGit runs git in dir and returns stdout. Stderr is kept for the error.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &gitError{args: args, stderr: strings.TrimSpace(stderr.String()), err: err}
	}
	return stdout.String(), nil
}
