package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

const recordExt = ".json"

// FileStore keeps one JSON file per record under
// <root>/<config>/records/<task>.json.
//
// A record is staged in a temp file, fsynced, and published with a hard link,
// which fails if the target exists. A crash leaves either no record or a
// complete one, and an existing record is never replaced.
type FileStore struct {
	root string
}

// NewFileStore creates a file-backed store rooted at root.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store root is required")
	}
	return &FileStore{root: root}, nil
}

// RecordsDir returns the directory holding a configuration's records.
func (s *FileStore) RecordsDir(config string) string {
	return filepath.Join(s.root, config, "records")
}

// RecordPath returns the file path for one record.
func (s *FileStore) RecordPath(config, taskID string) string {
	return filepath.Join(s.RecordsDir(config), taskID+recordExt)
}

// Exists reports whether a record file is present.
func (s *FileStore) Exists(config, taskID string) (bool, error) {
	if err := checkKey(config, taskID); err != nil {
		return false, err
	}
	_, err := os.Stat(s.RecordPath(config, taskID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat record: %w", err)
	}
}

// Write publishes a record. Returns ErrExists if one is already present.
func (s *FileStore) Write(rec *task.Record) error {
	data, err := prepare(rec)
	if err != nil {
		return err
	}
	dir := s.RecordsDir(rec.Config)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create records dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+rec.TaskID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}

	if err := os.Link(tmpPath, s.RecordPath(rec.Config, rec.TaskID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s/%s: %w", rec.Config, rec.TaskID, ErrExists)
		}
		return fmt.Errorf("publish record: %w", err)
	}
	syncDir(dir)
	return nil
}

// ReadAll loads every record for a configuration.
func (s *FileStore) ReadAll(config string) (map[string]*task.Record, error) {
	dir := s.RecordsDir(config)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*task.Record{}, nil
		}
		return nil, fmt.Errorf("read records dir: %w", err)
	}

	out := make(map[string]*task.Record, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !IsRecordFile(name) {
			continue
		}
		taskID := strings.TrimSuffix(name, recordExt)
		rec, err := readRecordFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", config, taskID, err)
		}
		if rec.Config != config || rec.TaskID != taskID {
			return nil, fmt.Errorf("%w: %s holds %s/%s", ErrCorrupt, name, rec.Config, rec.TaskID)
		}
		out[taskID] = rec
	}
	return out, nil
}

// Remove deletes a record so the task runs again.
func (s *FileStore) Remove(config, taskID string) error {
	if err := checkKey(config, taskID); err != nil {
		return err
	}
	if err := os.Remove(s.RecordPath(config, taskID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", config, taskID, ErrNotFound)
		}
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// IsRecordFile reports whether a directory entry name is a published record.
func IsRecordFile(name string) bool {
	return strings.HasSuffix(name, recordExt) && !strings.HasPrefix(name, ".")
}

// ReadRecordFile decodes and verifies a single record file.
func ReadRecordFile(path string) (*task.Record, error) {
	return readRecordFile(path)
}

func readRecordFile(path string) (*task.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return decode(data)
}

// syncDir flushes a directory entry so a rename or link survives a crash.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
