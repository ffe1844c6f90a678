package task

import (
	"encoding/json"
	"fmt"
)

// Kind selects which part of the agent's output is the task's artifact.
type Kind string

const (
	KindPatch  Kind = "patch"  // artifact is the workspace diff
	KindAnswer Kind = "answer" // artifact is the agent's free-text result
)

// Task is a single benchmark task. Tasks are loaded once and never mutated.
type Task struct {
	ID         string          `json:"id" validate:"required,ident"`
	Repo       string          `json:"repo" validate:"required"`
	BaseCommit string          `json:"base_commit" validate:"required"`
	Prompt     string          `json:"prompt" validate:"required"`
	Kind       Kind            `json:"kind,omitempty" validate:"omitempty,oneof=patch answer"`
	Oracle     json.RawMessage `json:"oracle,omitempty"` // opaque to everything but graders
}

// ArtifactKind returns the task kind, defaulting to KindPatch.
func (t *Task) ArtifactKind() Kind {
	if t.Kind == "" {
		return KindPatch
	}
	return t.Kind
}

// TaskFile is the top-level structure of a tasks JSON file.
type TaskFile struct {
	Benchmark   string `json:"benchmark,omitempty"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
}

// Registry is the ordered, duplicate-free set of tasks for a benchmark.
type Registry struct {
	Benchmark string
	tasks     []Task
	index     map[string]int
}

// NewRegistry builds a registry, rejecting empty and duplicate ids.
func NewRegistry(benchmark string, tasks []Task) (*Registry, error) {
	r := &Registry{
		Benchmark: benchmark,
		tasks:     make([]Task, 0, len(tasks)),
		index:     make(map[string]int, len(tasks)),
	}
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if _, dup := r.index[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id: %q", t.ID)
		}
		r.index[t.ID] = len(r.tasks)
		r.tasks = append(r.tasks, t)
	}
	return r, nil
}

// Tasks returns the tasks in registry order.
func (r *Registry) Tasks() []Task {
	out := make([]Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

// Len returns the number of tasks.
func (r *Registry) Len() int { return len(r.tasks) }

// Get returns the task with the given id.
func (r *Registry) Get(id string) (*Task, bool) {
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	t := r.tasks[i]
	return &t, true
}

// Subset returns a registry restricted to the given ids and repos.
// Empty filters match everything. Unknown ids are an error so a typo can't
// silently shrink the target set.
func (r *Registry) Subset(ids, repos []string) (*Registry, error) {
	var idSet map[string]struct{}
	if len(ids) > 0 {
		idSet = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, ok := r.index[id]; !ok {
				return nil, fmt.Errorf("unknown task id: %q", id)
			}
			idSet[id] = struct{}{}
		}
	}
	var repoSet map[string]struct{}
	if len(repos) > 0 {
		repoSet = make(map[string]struct{}, len(repos))
		for _, repo := range repos {
			repoSet[repo] = struct{}{}
		}
	}

	var kept []Task
	for _, t := range r.tasks {
		if idSet != nil {
			if _, ok := idSet[t.ID]; !ok {
				continue
			}
		}
		if repoSet != nil {
			if _, ok := repoSet[t.Repo]; !ok {
				continue
			}
		}
		kept = append(kept, t)
	}
	return NewRegistry(r.Benchmark, kept)
}
