// Package recovery persists the set of in-flight tasks so that work
// interrupted by an unclean shutdown can be reported after a restart.
package recovery

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"transferd/task"
)

// Log is a sqlite-backed task.RecoveryLog. One row per (owner, task).
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes the database under dataDir and creates the schema.
func Open(dataDir string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "recovery.db"))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// WAL and a busy timeout for concurrent record/clear calls.
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		logger.Warn("could not set sqlite pragmas", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS incomplete_tasks (
		owner TEXT NOT NULL,
		task_id TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT,
		kind TEXT NOT NULL,
		created_time DATETIME DEFAULT (datetime('now')),
		PRIMARY KEY (owner, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_incomplete_tasks_owner ON incomplete_tasks(owner);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Log{db: db, logger: logger}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// Record upserts the entry; re-recording on a phase change is expected.
func (l *Log) Record(owner string, e task.RecoveryEntry) error {
	query := `INSERT OR REPLACE INTO incomplete_tasks (owner, task_id, source, destination, kind) VALUES (?, ?, ?, ?, ?)`
	_, err := l.db.Exec(query, owner, e.TaskID, e.Source, e.Destination, string(e.Kind))
	return err
}

func (l *Log) Clear(owner, taskID string) error {
	query := `DELETE FROM incomplete_tasks WHERE owner = ? AND task_id = ?`
	_, err := l.db.Exec(query, owner, taskID)
	return err
}

// LoadAll returns every persisted entry grouped by owner, in insertion
// order per owner. Malformed rows are skipped with a warning, never fatal.
func (l *Log) LoadAll() (map[string][]task.RecoveryEntry, error) {
	query := `SELECT owner, task_id, source, destination, kind FROM incomplete_tasks ORDER BY owner, created_time`
	rows, err := l.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]task.RecoveryEntry{}
	for rows.Next() {
		var (
			owner, taskID, source, kind string
			destination                 sql.NullString
		)
		if err := rows.Scan(&owner, &taskID, &source, &destination, &kind); err != nil {
			l.logger.Warn("skipping malformed recovery entry", "error", err)
			continue
		}
		out[owner] = append(out[owner], task.RecoveryEntry{
			TaskID:      taskID,
			Source:      source,
			Destination: destination.String,
			Kind:        task.Kind(kind),
		})
	}
	return out, rows.Err()
}
