// Package state keeps the per-run journal of a batch. The journal explains
// what a run did; it never decides what runs next, which is the checkpoint
// store's job.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry status values.
const (
	StatusCompleted   = "completed"
	StatusSkipped     = "skipped"
	StatusFailed      = "failed"
	StatusInProgress  = "in_progress"
	StatusInterrupted = "interrupted"
)

// Entry is the journal line for one task in one run.
type Entry struct {
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started,omitempty"`
	FinishedAt   time.Time `json:"finished,omitempty"`
	RecordStatus string    `json:"record_status,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type journalFile struct {
	RunID      string            `json:"run_id"`
	Config     string            `json:"config"`
	StartedAt  time.Time         `json:"started"`
	FinishedAt time.Time         `json:"finished,omitempty"`
	Tasks      map[string]*Entry `json:"tasks"`
}

// Journal is the persistent log of one batch run.
// Thread-safe with sync.RWMutex. Writes are atomic (tmp → rename).
type Journal struct {
	mu   sync.RWMutex
	doc  journalFile
	path string
}

// JournalPath returns the journal location for a run under runsDir.
func JournalPath(runsDir, runID string) string {
	return filepath.Join(runsDir, runID+".json")
}

// Create starts a new journal and writes it immediately.
func Create(path, runID, config string) *Journal {
	j := &Journal{
		path: path,
		doc: journalFile{
			RunID:     runID,
			Config:    config,
			StartedAt: time.Now().UTC(),
			Tasks:     make(map[string]*Entry),
		},
	}
	j.mu.Lock()
	j.saveLocked()
	j.mu.Unlock()
	return j
}

// Load reads a journal from disk.
func Load(path string) (*Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var doc journalFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse journal %s: %w", path, err)
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]*Entry)
	}
	return &Journal{path: path, doc: doc}, nil
}

// RunID returns the run this journal belongs to.
func (j *Journal) RunID() string { return j.doc.RunID }

// Config returns the configuration name of the run.
func (j *Journal) Config() string { return j.doc.Config }

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// MarkStarted records that an attempt for taskID is in flight.
func (j *Journal) MarkStarted(taskID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.doc.Tasks[taskID] = &Entry{
		Status:    StatusInProgress,
		StartedAt: time.Now().UTC(),
	}
	j.saveLocked()
}

// MarkCompleted records that a record was written for taskID.
func (j *Journal) MarkCompleted(taskID, recordStatus string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := j.entryLocked(taskID)
	e.Status = StatusCompleted
	e.FinishedAt = time.Now().UTC()
	e.RecordStatus = recordStatus
	j.saveLocked()
}

// MarkSkipped records that taskID already had a record.
func (j *Journal) MarkSkipped(taskID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.doc.Tasks[taskID] = &Entry{Status: StatusSkipped}
	j.saveLocked()
}

// MarkFailed records an attempt that produced no record.
func (j *Journal) MarkFailed(taskID, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := j.entryLocked(taskID)
	e.Status = StatusFailed
	e.FinishedAt = time.Now().UTC()
	e.Error = errMsg
	j.saveLocked()
}

// Finish stamps the run as finished.
func (j *Journal) Finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.doc.FinishedAt = time.Now().UTC()
	j.saveLocked()
}

// Get returns a copy of the entry for taskID, or nil if not journaled.
func (j *Journal) Get(taskID string) *Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if e, ok := j.doc.Tasks[taskID]; ok {
		cpy := *e
		return &cpy
	}
	return nil
}

// Entries returns a copy of all journaled tasks.
func (j *Journal) Entries() map[string]*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	result := make(map[string]*Entry, len(j.doc.Tasks))
	for k, v := range j.doc.Tasks {
		cpy := *v
		result[k] = &cpy
	}
	return result
}

// Count returns the number of journaled tasks.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.doc.Tasks)
}

// RecoverInterrupted marks in_progress entries left by a killed run as
// interrupted and returns their task ids, sorted.
func (j *Journal) RecoverInterrupted() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var ids []string
	for id, e := range j.doc.Tasks {
		if e.Status == StatusInProgress {
			e.Status = StatusInterrupted
			e.Error = "interrupted: process killed before completion"
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		if j.doc.FinishedAt.IsZero() {
			j.doc.FinishedAt = time.Now().UTC()
		}
		j.saveLocked()
	}
	sort.Strings(ids)
	return ids
}

// RecoverDir runs RecoverInterrupted over every journal in runsDir and
// returns the interrupted task ids keyed by run id.
func RecoverDir(runsDir string) (map[string][]string, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	out := make(map[string][]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		j, err := Load(filepath.Join(runsDir, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable journal", "path", e.Name(), "error", err)
			continue
		}
		if ids := j.RecoverInterrupted(); len(ids) > 0 {
			out[j.RunID()] = ids
		}
	}
	return out, nil
}

func (j *Journal) entryLocked(taskID string) *Entry {
	e := j.doc.Tasks[taskID]
	if e == nil {
		e = &Entry{StartedAt: time.Now().UTC()}
		j.doc.Tasks[taskID] = e
	}
	return e
}

// saveLocked persists the journal. A journal write failure is logged and
// otherwise ignored; records stay authoritative.
func (j *Journal) saveLocked() {
	data, err := json.MarshalIndent(j.doc, "", "  ")
	if err == nil {
		err = WriteFileAtomic(j.path, append(data, '\n'))
	}
	if err != nil {
		slog.Warn("journal write failed", "path", j.path, "error", err)
	}
}

// WriteFileAtomic writes data to path through a uniquely named temp file
// and rename, so readers see either the old contents or the new, never a
// prefix, and concurrent writers never share a temp file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
