package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// LockInfo describes the owner of a checkout lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	TaskID    string    `json:"task_id"`
	StartedAt time.Time `json:"started_at"`
}

// lockError reports a checkout held by a live process.
type lockError struct {
	path  string
	owner *LockInfo
}

func (e *lockError) Error() string {
	return fmt.Sprintf("checkout locked by PID %d since %s (task %s); remove %s if that process is gone",
		e.owner.PID, e.owner.StartedAt.Format(time.RFC3339), e.owner.TaskID, e.path)
}

// acquireLock creates the lock file at path with O_EXCL. A lock whose owner
// PID is dead is reclaimed.
func acquireLock(path, taskID string) error {
	info := LockInfo{PID: os.Getpid(), TaskID: taskID, StartedAt: time.Now().UTC()}

	err := writeLock(path, &info)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create lock %s: %w", path, err)
	}

	existing, readErr := ReadLock(path)
	if readErr != nil {
		return fmt.Errorf("checkout is locked (could not read %s: %v)", path, readErr)
	}
	if isProcessAlive(existing.PID) {
		return &lockError{path: path, owner: existing}
	}

	slog.Warn("reclaiming stale lock", "path", path, "stale_pid", existing.PID, "task", existing.TaskID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	if err := writeLock(path, &info); err != nil {
		return fmt.Errorf("acquire after stale removal: %w", err)
	}
	return nil
}

// releaseLock removes the lock file. It is idempotent.
func releaseLock(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to release lock", "path", path, "error", err)
	}
}

// ReadLock reads a lock file.
func ReadLock(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &info, nil
}

func writeLock(path string, info *LockInfo) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	encErr := json.NewEncoder(f).Encode(info)
	closeErr := f.Close()
	if encErr != nil {
		return encErr
	}
	return closeErr
}

// isProcessAlive sends signal 0 to check that pid exists.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
