// Package checkpoint persists attempt records keyed by (configuration, task).
//
// The store is the single source of truth for whether a task has been
// attempted under a configuration. Records are write-once: Write never
// replaces an existing record, and Remove is the operator's way to force a
// re-run. Every backend reads durable state on each call; there is no
// in-memory index that could drift from disk.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

var (
	// ErrExists is returned by Write when a record for the key is already present.
	ErrExists = errors.New("record already exists")
	// ErrNotFound is returned by Remove when no record exists for the key.
	ErrNotFound = errors.New("record not found")
	// ErrCorrupt wraps records that fail to decode or verify.
	ErrCorrupt = errors.New("corrupt record")
)

// Store is a durable write-once mapping from (config, task) to Record.
type Store interface {
	Exists(config, taskID string) (bool, error)
	Write(rec *task.Record) error
	ReadAll(config string) (map[string]*task.Record, error)
	Remove(config, taskID string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Open returns the store for the named backend rooted at root.
func Open(backend, root string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch backend {
	case "", BackendFile:
		s, err = NewFileStore(root)
	case BackendSQLite:
		s, err = OpenSQLite(filepath.Join(root, "checkpoints.db"))
	case BackendBadger:
		s, err = OpenBadger(filepath.Join(root, "checkpoints.badger"))
	default:
		return nil, fmt.Errorf("unknown store backend %q (want file, sqlite, or badger)", backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// checkKey rejects records that can't be stored under a well-formed key.
func checkKey(config, taskID string) error {
	if config == "" || taskID == "" {
		return fmt.Errorf("record key requires config and task id (got %q/%q)", config, taskID)
	}
	if filepath.Base(config) != config || filepath.Base(taskID) != taskID ||
		config == "." || config == ".." || taskID == "." || taskID == ".." {
		return fmt.Errorf("record key %q/%q is not a plain name", config, taskID)
	}
	return nil
}

// prepare validates and seals a record before it is persisted.
func prepare(rec *task.Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("nil record")
	}
	if err := checkKey(rec.Config, rec.TaskID); err != nil {
		return nil, err
	}
	if err := rec.Seal(); err != nil {
		return nil, err
	}
	return rec.Encode()
}

func decode(data []byte) (*task.Record, error) {
	rec, err := task.DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, nil
}
