package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// BadgerStore keeps records in an embedded Badger database under keys
// "rec/<config>/<task>". Writes check and set inside one transaction, so a
// concurrent writer for the same key gets a conflict rather than a
// replacement.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, errors.New("badger path required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create database directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(config, taskID string) []byte {
	return []byte(badgerPrefix(config) + taskID)
}

func badgerPrefix(config string) string {
	return "rec/" + config + "/"
}

// Exists reports whether the key is present.
func (s *BadgerStore) Exists(config, taskID string) (bool, error) {
	if err := checkKey(config, taskID); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(config, taskID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lookup record: %w", err)
	}
	return found, nil
}

// Write stores a record. Returns ErrExists if the key is taken.
func (s *BadgerStore) Write(rec *task.Record) error {
	data, err := prepare(rec)
	if err != nil {
		return err
	}
	key := badgerKey(rec.Config, rec.TaskID)
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return ErrExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	})
	switch {
	case errors.Is(err, ErrExists), errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%s/%s: %w", rec.Config, rec.TaskID, ErrExists)
	case err != nil:
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// ReadAll loads every record for a configuration with a prefix scan.
func (s *BadgerStore) ReadAll(config string) (map[string]*task.Record, error) {
	out := make(map[string]*task.Record)
	prefix := []byte(badgerPrefix(config))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			taskID := strings.TrimPrefix(string(item.Key()), string(prefix))
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read value: %w", err)
			}
			rec, err := decode(data)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", config, taskID, err)
			}
			if rec.Config != config || rec.TaskID != taskID {
				return fmt.Errorf("%w: key %s holds %s/%s", ErrCorrupt, item.Key(), rec.Config, rec.TaskID)
			}
			out[taskID] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes a record.
func (s *BadgerStore) Remove(config, taskID string) error {
	if err := checkKey(config, taskID); err != nil {
		return err
	}
	key := badgerKey(config, taskID)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%s/%s: %w", config, taskID, ErrNotFound)
	case err != nil:
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
