package logindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB indexes task log files and orchestrator activity so the API can answer
// history queries without scanning the log directory or replaying loop logs.
type DB struct {
	conn *sql.DB
}

// TaskLogEntry is one recorded agent run for a task.
type TaskLogEntry struct {
	ID        string
	ProjectID string
	TaskID    string
	FilePath  string
	Summary   string
	Success   bool
	CreatedAt time.Time
}

// ActivityEntry is one orchestrator event for a project.
type ActivityEntry struct {
	ID        string
	ProjectID string
	EventType string
	FromState string
	ToState   string
	Detail    string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS task_logs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_task_logs_project ON task_logs(project_id, task_id);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_activity_project ON activity_log(project_id, created_at);
`

// Open creates or opens the index database at path, running the schema
// migration.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// RecordTaskLog stores one agent run record and returns its id.
func (db *DB) RecordTaskLog(projectID, taskID, filePath, summary string, success bool) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.Exec(
		`INSERT INTO task_logs (id, project_id, task_id, file_path, summary, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, projectID, taskID, filePath, summary, boolToInt(success),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("inserting task log: %w", err)
	}
	return id, nil
}

// TaskLogs returns a project's run records, newest first. taskID narrows to
// one task when non-empty.
func (db *DB) TaskLogs(projectID, taskID string) ([]TaskLogEntry, error) {
	query := `SELECT id, project_id, task_id, file_path, summary, success, created_at
		FROM task_logs WHERE project_id = ?`
	args := []any{projectID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying task logs: %w", err)
	}
	defer rows.Close()

	var entries []TaskLogEntry
	for rows.Next() {
		var e TaskLogEntry
		var success int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.FilePath, &e.Summary, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task log: %w", err)
		}
		e.Success = success != 0
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordActivity stores one orchestrator event for a project.
func (db *DB) RecordActivity(projectID, eventType, fromState, toState, detail string) error {
	_, err := db.conn.Exec(
		`INSERT INTO activity_log (id, project_id, event_type, from_state, to_state, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), projectID, eventType, fromState, toState, detail,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	return nil
}

// Activity returns a project's newest events, up to limit (0 means all).
func (db *DB) Activity(projectID string, limit int) ([]ActivityEntry, error) {
	query := `SELECT id, project_id, event_type, from_state, to_state, detail, created_at
		FROM activity_log WHERE project_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &e.FromState, &e.ToState, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteProject removes all records for a project.
func (db *DB) DeleteProject(projectID string) error {
	if _, err := db.conn.Exec(`DELETE FROM task_logs WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("deleting task logs: %w", err)
	}
	if _, err := db.conn.Exec(`DELETE FROM activity_log WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("deleting activity: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}
