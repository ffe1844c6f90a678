package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS attempts (
	config  TEXT NOT NULL,
	task_id TEXT NOT NULL,
	status  TEXT NOT NULL,
	record  BLOB NOT NULL,
	PRIMARY KEY (config, task_id)
)`

// SQLiteStore keeps records in a single SQLite database. The primary key on
// (config, task_id) enforces write-once.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a record database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Exists reports whether a row exists for the key.
func (s *SQLiteStore) Exists(config, taskID string) (bool, error) {
	if err := checkKey(config, taskID); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(context.Background(),
		"SELECT 1 FROM attempts WHERE config = ? AND task_id = ?", config, taskID).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("query record: %w", err)
	}
}

// Write inserts a record. Returns ErrExists if the key is taken.
func (s *SQLiteStore) Write(rec *task.Record) error {
	data, err := prepare(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(context.Background(),
		"INSERT INTO attempts (config, task_id, status, record) VALUES (?, ?, ?, ?) ON CONFLICT (config, task_id) DO NOTHING",
		rec.Config, rec.TaskID, string(rec.Status), data)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", rec.Config, rec.TaskID, ErrExists)
	}
	return nil
}

// ReadAll loads every record for a configuration.
func (s *SQLiteStore) ReadAll(config string) (map[string]*task.Record, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT task_id, record FROM attempts WHERE config = ?", config)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*task.Record)
	for rows.Next() {
		var (
			taskID string
			data   []byte
		)
		if err := rows.Scan(&taskID, &data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", config, taskID, err)
		}
		if rec.Config != config || rec.TaskID != taskID {
			return nil, fmt.Errorf("%w: row %s/%s holds %s/%s", ErrCorrupt, config, taskID, rec.Config, rec.TaskID)
		}
		out[taskID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Remove deletes a record.
func (s *SQLiteStore) Remove(config, taskID string) error {
	if err := checkKey(config, taskID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(context.Background(),
		"DELETE FROM attempts WHERE config = ? AND task_id = ?", config, taskID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", config, taskID, ErrNotFound)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
